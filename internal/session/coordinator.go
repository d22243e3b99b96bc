package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tracegate/tracegate/internal/idgen"
	"github.com/tracegate/tracegate/internal/msg"
	"github.com/tracegate/tracegate/internal/reqres"
	"github.com/tracegate/tracegate/internal/store"
)

// Config holds the session-open parameters.
type Config struct {
	// App names the session's store namespace ("app-tracing-<App>").
	App string

	// HostName is the display name of the implicit host client.
	// Defaults to "host".
	HostName string

	// LinkClient resolves full client info inline on observed
	// disconnects and messages, at the cost of a lookup per event.
	LinkClient bool

	// InterruptShutdown additionally stops the watcher on an OS
	// interrupt. The resulting grace type is GraceInterrupted.
	InterruptShutdown bool

	// Logger receives operational messages. Nil discards.
	Logger *slog.Logger
}

// Coordinator is a capability-scoped handle on one session. The
// session-open call returns the host's coordinator; every client
// handshake derives a new one scoped to that client. All fields are
// fixed at creation — capability never changes after handshake.
type Coordinator struct {
	store      store.Store
	ids        *idgen.Generator
	logger     *slog.Logger
	sessionID  string
	stamp      string
	clientID   string
	canPush    bool
	canObserve bool
	isClient   bool
	linkClient bool
	history    *msg.QueryHistory
	obReq      reqres.Requester[observeRequest, buildReply]
}

// Open selects the session namespace, writes the session record,
// starts the watcher, and registers the implicit host client. Any
// failure is fatal to startup: the watcher is torn down and the error
// returned.
func Open(ctx context.Context, st store.Store, cfg Config) (*Coordinator, *WatcherRoutine, error) {
	if cfg.App == "" {
		return nil, nil, fmt.Errorf("session: app name is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	hostName := cfg.HostName
	if hostName == "" {
		hostName = "host"
	}

	if err := st.UseNamespace(ctx, "app-tracing-"+cfg.App); err != nil {
		return nil, nil, fmt.Errorf("session: selecting namespace: %w", err)
	}

	ids := idgen.New()
	now := time.Now()
	stamp := now.Format("060102-150405")

	rec := sessionRecord{Timestamp: now, LinkClient: cfg.LinkClient}
	probes := []struct {
		fn   string
		dest *json.RawMessage
	}{
		{"session::ac", &rec.AccessMethod},
		{"session::rd", &rec.RecordAuth},
		{"session::origin", &rec.HTTPOrigin},
		{"session::ip", &rec.SessionIP},
		{"session::id", &rec.SessionID},
		{"session::token", &rec.SessionToken},
	}
	for _, p := range probes {
		v, err := st.RunFunction(ctx, p.fn)
		if err != nil {
			return nil, nil, fmt.Errorf("session: probing %s: %w", p.fn, err)
		}
		*p.dest = v
	}

	sessionID := ids.Next(now)
	if err := st.CreateRecord(ctx, sessionsTable, sessionID, rec); err != nil {
		return nil, nil, fmt.Errorf("session: writing session record: %w", err)
	}

	co := &Coordinator{
		store:      st,
		ids:        ids,
		logger:     logger,
		sessionID:  sessionID,
		stamp:      stamp,
		linkClient: cfg.LinkClient,
	}

	// The host hello lands before the watcher subscribes, so the
	// observe feed starts with the first remote client, not the
	// session's own bootstrap.
	host, err := co.helloInternal(ctx, hostName, msg.RoleHost, nil, nil, "", nil, msg.CaptureProcEnv())
	if err != nil {
		return nil, nil, fmt.Errorf("session: host handshake: %w", err)
	}

	routine, obReq, err := startWatcher(watcherConfig{
		store:             st,
		logger:            logger,
		stamp:             stamp,
		linkClient:        cfg.LinkClient,
		interruptShutdown: cfg.InterruptShutdown,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("session: starting watcher: %w", err)
	}
	host.obReq = obReq

	logger.Info("session opened",
		"app", cfg.App,
		"session_id", sessionID,
		"stamp", stamp,
		"link_client", cfg.LinkClient,
	)
	return host, routine, nil
}

// Handshake registers a remote client and returns its scoped
// coordinator. Observe-capable roles must supply a history policy.
func (c *Coordinator) Handshake(
	ctx context.Context,
	role msg.ClientRole,
	hello msg.Hello,
	clientAddr string,
	format msg.Format,
	history *msg.QueryHistory,
	queryMap map[string]string,
) (*Coordinator, error) {
	if role.CanObserve() && history == nil {
		return nil, ErrMustFillQueryHistory
	}
	f := format
	return c.helloInternal(ctx, hello.ClientName, role.Role(), &f, history, clientAddr, queryMap, hello.ProcEnv)
}

func (c *Coordinator) helloInternal(
	ctx context.Context,
	clientName string,
	role msg.Role,
	format *msg.Format,
	history *msg.QueryHistory,
	clientAddr string,
	queryMap map[string]string,
	procEnv *msg.ProcEnv,
) (*Coordinator, error) {
	now := time.Now()
	rec := clientRecord{
		Timestamp:    now,
		SessionID:    c.sessionID,
		ClientName:   clientName,
		Role:         role,
		Format:       format,
		QueryHistory: history,
		ClientAddr:   clientAddr,
		QueryMap:     queryMap,
		ProcEnv:      procEnv,
	}
	clientID := c.ids.Next(now)
	if err := c.store.CreateRecord(ctx, clientsTable(c.stamp), clientID, rec); err != nil {
		return nil, fmt.Errorf("session: writing client record: %w", err)
	}

	c.logger.Info("client hello",
		"client_id", clientID,
		"client_name", clientName,
		"role", role.String(),
		"client_addr", clientAddr,
	)
	return &Coordinator{
		store:      c.store,
		ids:        c.ids,
		logger:     c.logger,
		sessionID:  c.sessionID,
		stamp:      c.stamp,
		clientID:   clientID,
		canPush:    role.CanPush(),
		canObserve: role.CanObserve(),
		isClient:   role.IsClient(),
		linkClient: c.linkClient,
		history:    history,
		obReq:      c.obReq,
	}, nil
}

// ClientID returns the identifier assigned to this coordinator's
// client at handshake time.
func (c *Coordinator) ClientID() string { return c.clientID }

// CanPush reports the capability fixed at handshake.
func (c *Coordinator) CanPush() bool { return c.canPush }

// CanObserve reports the capability fixed at handshake.
func (c *Coordinator) CanObserve() bool { return c.canObserve }

// BulkPush assigns one identifier per message — keyed by the
// message's own timestamp so batched delivery keeps causal order —
// and performs a single batched insert.
func (c *Coordinator) BulkPush(ctx context.Context, msgs []msg.TraceMsg) error {
	if !c.canPush {
		return ErrObserverCannotPush
	}
	if len(msgs) == 0 {
		return nil
	}

	records := make([]store.Record, 0, len(msgs))
	for _, m := range msgs {
		records = append(records, store.Record{
			ID:      c.ids.Next(m.Timestamp),
			Content: msgRecord{SessionID: c.sessionID, ClientID: c.clientID, Trace: m},
		})
	}
	if err := c.store.InsertRecords(ctx, msgTable(c.stamp), records); err != nil {
		return fmt.Errorf("session: bulk push: %w", err)
	}
	return nil
}

// Observe requests the session observer, honoring the history policy
// this client declared at handshake. At most one observer is built
// per watcher lifetime; later calls fail once the watcher has
// answered its request.
func (c *Coordinator) Observe(ctx context.Context) (*Observer, error) {
	if !c.canObserve {
		return nil, ErrClientCannotObserve
	}
	if c.history == nil {
		return nil, ErrMustFillQueryHistory
	}
	reply, err := c.obReq.Do(ctx, observeRequest{history: *c.history, clientID: c.clientID})
	if err != nil {
		return nil, fmt.Errorf("session: requesting observer: %w", err)
	}
	if reply.err != nil {
		return nil, reply.err
	}
	return reply.obs, nil
}

// CloseTransport writes the disconnect record. Best-effort by
// contract: a storage failure here is logged and swallowed so that
// losing a disconnect record never disturbs other clients or the
// shutdown path.
func (c *Coordinator) CloseTransport(ctx context.Context, closeMsg *msg.CloseMsg) {
	if closeMsg == nil {
		return
	}
	now := time.Now()
	rec := closeRecord{
		Timestamp: now,
		SessionID: c.sessionID,
		ClientID:  c.clientID,
		Normal:    closeMsg.IsOK(),
	}
	if closeMsg.OK != nil {
		rec.OKKind = closeMsg.OK
	}
	if closeMsg.Err != nil {
		rec.ErrKind = &closeMsg.Err.Kind
		rec.ErrMsg = closeMsg.Err.Text
	}
	if err := c.store.CreateRecord(ctx, closesTable(c.stamp), c.ids.Next(now), rec); err != nil {
		c.logger.Warn("dropping disconnect record", "client_id", c.clientID, "error", err)
	}
}

// LastMsg is one row of QueryLastN: a trace message joined with its
// originating client's display name.
type LastMsg struct {
	Trace      msg.TraceMsg
	ClientName string
}

// QueryLastN returns the last n trace messages of the session joined
// with client display names, in ascending order.
func (c *Coordinator) QueryLastN(ctx context.Context, n int) ([]LastMsg, error) {
	raw, err := c.store.RunFunction(ctx, "last_n_desc_client", msgTable(c.stamp), clientsTable(c.stamp), n)
	if err != nil {
		return nil, fmt.Errorf("session: query last %d: %w", n, err)
	}

	var rows []struct {
		Content json.RawMessage `json:"content"`
		Client  json.RawMessage `json:"client"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedData, err)
	}

	// Store order is newest first; callers want ascending.
	out := make([]LastMsg, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		mrec, err := decodeRecord[msgRecord](rows[i].Content)
		if err != nil {
			return nil, err
		}
		crec, err := decodeRecord[clientRecord](rows[i].Client)
		if err != nil {
			return nil, err
		}
		out = append(out, LastMsg{Trace: mrec.Trace, ClientName: crec.ClientName})
	}
	return out, nil
}
