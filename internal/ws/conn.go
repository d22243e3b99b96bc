package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tracegate/tracegate/internal/broadcast"
	"github.com/tracegate/tracegate/internal/msg"
	"github.com/tracegate/tracegate/internal/session"
)

// authResult carries the values resolved before the upgrade into the
// connection task. opts is nil for roles without observe capability.
type authResult struct {
	role     msg.ClientRole
	format   msg.Format
	opts     *msg.ObserverOptions
	queryMap map[string]string
}

func (c Config) tokenFor(role msg.ClientRole) string {
	switch role {
	case msg.ClientPusher:
		return c.PusherToken
	case msg.ClientObserver:
		return c.ObserverToken
	default:
		return c.DirectorToken
	}
}

// authenticate validates the request before the upgrade. Failures are
// answered as plain HTTP: 400 for a missing or malformed query, 403
// for a wrong token or a format the server has disabled.
func (s *Server) authenticate(role msg.ClientRole, r *http.Request) (*authResult, int, error) {
	token := s.cfg.tokenFor(role)
	if token != "" && r.URL.RawQuery == "" {
		return nil, http.StatusBadRequest, errors.New("missing query")
	}
	q, err := url.ParseQuery(r.URL.RawQuery)
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("unparsable query")
	}

	if token != "" {
		got := q.Get("token")
		if got == "" {
			return nil, http.StatusBadRequest, errors.New("missing token")
		}
		if got != token {
			return nil, http.StatusForbidden, errors.New("wrong token")
		}
	}

	format := s.cfg.DefaultFormat
	if v := q.Get("format"); v != "" {
		f, err := msg.ParseFormat(v)
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		format = f
	}
	if !s.cfg.formatAllowed(format) {
		return nil, http.StatusForbidden, fmt.Errorf("format %s not enabled", format)
	}

	res := &authResult{role: role, format: format, queryMap: flattenQuery(q)}
	if role.CanObserve() {
		opts := msg.DefaultObserverOptions()
		if v := q.Get("history"); v != "" {
			h, err := msg.ParseQueryHistory(v)
			if err != nil {
				return nil, http.StatusBadRequest, err
			}
			opts.History = h
		}
		if v := q.Get("link"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, http.StatusBadRequest, fmt.Errorf("invalid link flag %q", v)
			}
			opts.LinkClient = b
		}
		res.opts = &opts
	}
	return res, 0, nil
}

func flattenQuery(q url.Values) map[string]string {
	m := make(map[string]string, len(q))
	for k := range q {
		m[k] = q.Get(k)
	}
	return m
}

// serveConn drives one upgraded connection to completion: the
// session-level hello bounded by the auth timeout, then the role's
// pump until socket close or shutdown, then the disconnect record.
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn, auth *authResult) {
	defer conn.Close()
	codec := msg.CodecFor(auth.format)

	authCtx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	client, obs, err := s.clientHandshake(authCtx, conn, codec, auth)
	cancel()
	if err != nil {
		s.logger.Warn("client handshake failed",
			"remote", conn.RemoteAddr().String(),
			"role", auth.role.String(),
			"error", err,
		)
		if client != nil {
			cm := msg.CloseError(closeKind(err), err.Error())
			client.CloseTransport(context.Background(), &cm)
		}
		return
	}

	var cm msg.CloseMsg
	if obs == nil {
		cm = s.pushLoop(ctx, conn, codec, client)
	} else {
		liveCtx, stopLive := context.WithCancel(ctx)
		readResult := make(chan msg.CloseMsg, 1)
		go func() {
			defer stopLive()
			if auth.role.CanPush() {
				readResult <- s.pushLoop(liveCtx, conn, codec, client)
			} else {
				readResult <- s.discardLoop(liveCtx, conn)
			}
		}()

		terminal := false
		cm, terminal = s.observeLoop(ctx, liveCtx, conn, codec, obs, auth.opts.LinkClient)
		stopLive()
		rcm := <-readResult
		if !terminal {
			cm = rcm
		}
	}

	// Best-effort on a background context: the connection context is
	// usually already canceled on the way out.
	client.CloseTransport(context.Background(), &cm)
	s.logger.Info("client disconnected",
		"client_id", client.ClientID(),
		"remote", conn.RemoteAddr().String(),
		"ok", cm.IsOK(),
	)
}

// clientHandshake reads the hello frame, registers the client with
// the session, and builds the observer for observe-capable roles. The
// returned coordinator is non-nil once the session hello succeeded,
// even when a later step fails, so the caller can record the failure.
func (s *Server) clientHandshake(ctx context.Context, conn *websocket.Conn, codec msg.Codec, auth *authResult) (*session.Coordinator, *session.Observer, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, nil, fmt.Errorf("reading hello: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	var hello msg.Hello
	if err := codec.Unmarshal(data, &hello); err != nil {
		return nil, nil, fmt.Errorf("decoding hello: %w", err)
	}

	var history *msg.QueryHistory
	if auth.opts != nil {
		h := auth.opts.History
		history = &h
	}
	client, err := s.host.Handshake(ctx, auth.role, hello, conn.RemoteAddr().String(), auth.format, history, auth.queryMap)
	if err != nil {
		return nil, nil, err
	}

	if auth.opts == nil {
		return client, nil, nil
	}
	obs, err := client.Observe(ctx)
	if err != nil {
		return client, nil, fmt.Errorf("building observer: %w", err)
	}
	return client, obs, nil
}

// pushLoop reads trace batches and persists them. A decode or store
// failure either aborts the connection or is discarded, per
// configuration.
func (s *Server) pushLoop(ctx context.Context, conn *websocket.Conn, codec msg.Codec, client *session.Coordinator) msg.CloseMsg {
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return s.closeForRead(ctx, err)
		}

		var frame PushFrame
		if err := codec.Unmarshal(data, &frame); err != nil {
			if s.cfg.DiscardPushErrors {
				s.logger.Warn("discarding undecodable batch",
					"client_id", client.ClientID(), "error", err)
				continue
			}
			return msg.CloseError(msg.CloseErrPush, err.Error())
		}
		if err := client.BulkPush(ctx, frame.Msgs); err != nil {
			if s.cfg.DiscardPushErrors {
				s.logger.Warn("discarding failed batch",
					"client_id", client.ClientID(), "error", err)
				continue
			}
			return msg.CloseError(msg.CloseErrBulkPush, err.Error())
		}
	}
}

// discardLoop drains an observer's inbound frames. Observers have
// nothing to say after the hello; reading keeps close frames and
// pings flowing.
func (s *Server) discardLoop(ctx context.Context, conn *websocket.Conn) msg.CloseMsg {
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return s.closeForRead(ctx, err)
		}
	}
}

// observeLoop writes the one-time history frame, then forwards live
// items. A connection that asked for link=false gets its frames
// thinned to bare client references. terminal is false only when the
// loop stopped because the read side canceled liveCtx; the read
// side's verdict then wins.
func (s *Server) observeLoop(ctx, liveCtx context.Context, conn *websocket.Conn, codec msg.Codec, obs *session.Observer, link bool) (cm msg.CloseMsg, terminal bool) {
	msgType := websocket.TextMessage
	if codec.Format().Binary() {
		msgType = websocket.BinaryMessage
	}
	write := func(frame ServerFrame) error {
		data, err := codec.Marshal(frame)
		if err != nil {
			return err
		}
		return conn.WriteMessage(msgType, data)
	}

	history := obs.History()
	if !link {
		// The history slice is exclusive to this observer.
		for i := range history {
			history[i] = unlinked(history[i])
		}
	}
	if err := write(ServerFrame{Type: FrameHistory, History: history}); err != nil {
		return msg.CloseError(msg.CloseErrIO, err.Error()), true
	}

	for {
		m, err := obs.NextLive(liveCtx)
		var lag *broadcast.LagError
		switch {
		case errors.As(err, &lag):
			if werr := write(ServerFrame{Type: FrameLagged, Lagged: lag.Missed}); werr != nil {
				return msg.CloseError(msg.CloseErrIO, werr.Error()), true
			}
		case errors.Is(err, broadcast.ErrClosed):
			// The watcher has ended, so the session itself is over.
			return msg.CloseOK(s.grace()), true
		case err != nil:
			if ctx.Err() != nil {
				return msg.CloseOK(s.grace()), true
			}
			return msg.CloseMsg{}, false
		default:
			if !link {
				m = unlinked(m)
			}
			if werr := write(ServerFrame{Type: FrameLive, Live: &m}); werr != nil {
				return msg.CloseError(msg.CloseErrIO, werr.Error()), true
			}
		}
	}
}

// unlinked strips resolved client info from an observed item for
// connections that asked for bare references via link=false. Hello
// items keep their info, it is the item's payload rather than an
// enrichment of a reference.
func unlinked(m msg.ObserveMsg) msg.ObserveMsg {
	switch m.Kind {
	case msg.ObserveDisconnect:
		if m.Disconnect != nil && m.Disconnect.Client.Resolved() {
			info := *m.Disconnect
			info.Client.Info = nil
			m.Disconnect = &info
		}
	case msg.ObserveTraceMsg:
		if m.Msg != nil && m.Msg.Client.Resolved() {
			info := *m.Msg
			info.Client.Info = nil
			m.Msg = &info
		}
	}
	return m
}

// closeForRead classifies a read-pump exit: shutdown is a graceful
// close, a peer-initiated close counts as a requested one, anything
// else is an I/O failure.
func (s *Server) closeForRead(ctx context.Context, err error) msg.CloseMsg {
	switch {
	case ctx.Err() != nil:
		return msg.CloseOK(s.grace())
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return msg.CloseOK(msg.GraceRequested)
	default:
		return msg.CloseError(msg.CloseErrIO, err.Error())
	}
}

func closeKind(err error) msg.CloseErrKind {
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return msg.CloseErrTimeout
	}
	return msg.CloseErrIO
}
