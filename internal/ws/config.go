package ws

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/tracegate/tracegate/internal/msg"
)

// ErrNoFormat rejects a server configuration that enables no wire
// format at all.
var ErrNoFormat = errors.New("ws: no receivable format enabled")

// Config enumerates every recognized server option with its default.
type Config struct {
	// Addr is the listen address. Default "127.0.0.1:8192".
	Addr string

	// Role endpoint paths. Defaults /pusher, /observer, /director.
	PusherPath   string
	ObserverPath string
	DirectorPath string

	// Per-role tokens. Empty means the role needs no token.
	PusherToken   string
	ObserverToken string
	DirectorToken string

	// Formats a client may negotiate via the `format` query
	// parameter. Default: all three. A request for a format outside
	// this set is refused with 403.
	Formats []msg.Format

	// DefaultFormat applies when the query omits `format`.
	// Default json.
	DefaultFormat msg.Format

	// AuthTimeout bounds the authentication phase of a connection:
	// upgrade, hello frame, session handshake. No timeout applies to
	// steady-state streaming. Default 3s.
	AuthTimeout time.Duration

	// DiscardPushErrors keeps a pusher connection alive when a batch
	// fails to decode or persist; the default aborts the connection.
	DiscardPushErrors bool

	// InterruptShutdown additionally stops the server on an OS
	// interrupt, reported as GraceInterrupted.
	InterruptShutdown bool

	// Logger receives operational messages. Nil discards.
	Logger *slog.Logger
}

func (c Config) withDefaults() (Config, error) {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8192"
	}
	if c.PusherPath == "" {
		c.PusherPath = "/pusher"
	}
	if c.ObserverPath == "" {
		c.ObserverPath = "/observer"
	}
	if c.DirectorPath == "" {
		c.DirectorPath = "/director"
	}
	if c.Formats == nil {
		c.Formats = []msg.Format{msg.FormatJSON, msg.FormatCBOR, msg.FormatMsgpack}
	}
	if len(c.Formats) == 0 {
		return c, ErrNoFormat
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 3 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c, nil
}

func (c Config) formatAllowed(f msg.Format) bool {
	for _, allowed := range c.Formats {
		if allowed == f {
			return true
		}
	}
	return false
}

// DefaultToken sets any unset role token to token, mirroring the
// common case of one shared secret for all roles.
func (c Config) DefaultToken(token string) Config {
	if c.PusherToken == "" {
		c.PusherToken = token
	}
	if c.ObserverToken == "" {
		c.ObserverToken = token
	}
	if c.DirectorToken == "" {
		c.DirectorToken = token
	}
	return c
}
