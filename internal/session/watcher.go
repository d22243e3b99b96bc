package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync/atomic"

	"github.com/tracegate/tracegate/internal/broadcast"
	"github.com/tracegate/tracegate/internal/msg"
	"github.com/tracegate/tracegate/internal/reqres"
	"github.com/tracegate/tracegate/internal/store"
)

// broadcastCapacity bounds the live fan-out ring. Slow observers lose
// the oldest unconsumed items rather than blocking the watcher.
const broadcastCapacity = 65536

// observeRequest asks the watcher for an observer. The requesting
// client's id lets the snapshot drop that client's own hello, which
// was recorded as part of building the very observer that would
// otherwise replay it.
type observeRequest struct {
	history  msg.QueryHistory
	clientID string
}

type buildReply struct {
	obs *Observer
	err error
}

// WatcherRoutine is the handle on the session's background watcher.
// Wait blocks until the watcher finishes and reports its completion
// two ways: a nil error with the grace type for a clean shutdown, or
// the business error that killed it.
type WatcherRoutine struct {
	cancel    context.CancelFunc
	requested atomic.Bool
	done      chan struct{}
	grace     msg.GraceType
	err       error
}

// TriggerShutdown asks the watcher to stop. Safe to call repeatedly
// and from any goroutine.
func (w *WatcherRoutine) TriggerShutdown() {
	w.requested.Store(true)
	w.cancel()
}

// Done is closed when the watcher has exited.
func (w *WatcherRoutine) Done() <-chan struct{} { return w.done }

// Wait blocks for watcher exit and returns its outcome.
func (w *WatcherRoutine) Wait() (msg.GraceType, error) {
	<-w.done
	return w.grace, w.err
}

// Shutdown triggers and waits.
func (w *WatcherRoutine) Shutdown() (msg.GraceType, error) {
	w.TriggerShutdown()
	return w.Wait()
}

type watcherConfig struct {
	store             store.Store
	logger            *slog.Logger
	stamp             string
	linkClient        bool
	interruptShutdown bool
}

type watcher struct {
	cfg     watcherConfig
	clients <-chan store.Notification
	closes  <-chan store.Notification
	msgs    <-chan store.Notification
	sender  *broadcast.Sender[msg.ObserveMsg]

	// backlog is every ObserveMsg published before the single
	// observer build, the history source for that build; released
	// once the build has been served. lastKey tracks the newest
	// record id seen, kept for future stream resumption.
	backlog []msg.ObserveMsg
	built   bool
	lastKey string
}

// startWatcher opens the three live streams and spawns the watcher
// goroutine. The streams are established before this returns, so
// every record written afterwards is guaranteed to be observed. The
// host hello is written before the streams open and deliberately
// stays out of the observe feed.
func startWatcher(cfg watcherConfig) (*WatcherRoutine, reqres.Requester[observeRequest, buildReply], error) {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.interruptShutdown {
		// The signal context is a child: an explicit trigger still
		// cancels, and the requested flag disambiguates the two.
		ctx, _ = signal.NotifyContext(ctx, os.Interrupt)
	}

	clients, err := cfg.store.LiveSelect(ctx, clientsTable(cfg.stamp))
	if err != nil {
		cancel()
		return nil, reqres.Requester[observeRequest, buildReply]{}, err
	}
	closes, err := cfg.store.LiveSelect(ctx, closesTable(cfg.stamp))
	if err != nil {
		cancel()
		return nil, reqres.Requester[observeRequest, buildReply]{}, err
	}
	msgs, err := cfg.store.LiveSelect(ctx, msgTable(cfg.stamp))
	if err != nil {
		cancel()
		return nil, reqres.Requester[observeRequest, buildReply]{}, err
	}

	requester, responder := reqres.New[observeRequest, buildReply]()
	routine := &WatcherRoutine{cancel: cancel, done: make(chan struct{})}
	w := &watcher{
		cfg:     cfg,
		clients: clients,
		closes:  closes,
		msgs:    msgs,
		sender:  broadcast.New[msg.ObserveMsg](broadcastCapacity),
	}

	go func() {
		defer close(routine.done)
		routine.grace, routine.err = w.run(ctx, routine, responder)
	}()

	return routine, requester, nil
}

// run drains the three notification streams into the broadcast ring
// and answers at most one observer-build request. It exits on
// cancellation (reporting the grace type) or when any stream closes
// or a record fails to decode (reporting the error).
func (w *watcher) run(
	ctx context.Context,
	routine *WatcherRoutine,
	responder *reqres.Responder[observeRequest, buildReply],
) (msg.GraceType, error) {
	defer w.sender.Close()
	defer responder.Close()

	// Forward at most one build request into the select loop; the
	// responder is closed right after it is answered, so later
	// requesters fail fast instead of hanging.
	reqCh := make(chan *reqres.Request[observeRequest, buildReply], 1)
	go func() {
		req, err := responder.Next(ctx)
		if err != nil {
			return
		}
		reqCh <- req
	}()

	for {
		select {
		case <-ctx.Done():
			return w.exitGrace(routine)

		case n, ok := <-w.clients:
			if !ok {
				return w.streamExit(ctx, routine, ErrStreamClosed)
			}
			if err := w.sweep(ctx, &pendingItem{sourceClient, n}); err != nil {
				return w.streamExit(ctx, routine, err)
			}

		case n, ok := <-w.closes:
			if !ok {
				return w.streamExit(ctx, routine, ErrStreamClosed)
			}
			if err := w.sweep(ctx, &pendingItem{sourceClose, n}); err != nil {
				return w.streamExit(ctx, routine, err)
			}

		case n, ok := <-w.msgs:
			if !ok {
				return w.streamExit(ctx, routine, ErrStreamClosed)
			}
			if err := w.sweep(ctx, &pendingItem{sourceMsg, n}); err != nil {
				return w.streamExit(ctx, routine, err)
			}

		case req := <-reqCh:
			// Everything committed before the request was issued is
			// already buffered on the streams; fold it into the
			// backlog so the snapshot misses nothing.
			if err := w.sweep(ctx, nil); err != nil {
				req.Reply(buildReply{err: err})
				return w.streamExit(ctx, routine, err)
			}
			req.Reply(w.buildObserver(req.Req))
			responder.Close()
			reqCh = nil
		}
	}
}

// exitGrace reports the watcher's clean exit with the grace type that
// matches how the shutdown was asked for.
func (w *watcher) exitGrace(routine *WatcherRoutine) (msg.GraceType, error) {
	grace := msg.GraceInterrupted
	if routine.requested.Load() {
		grace = msg.GraceRequested
	}
	w.cfg.logger.Info("watcher stopped", "grace", grace.String())
	return grace, nil
}

// streamExit classifies an exit caused by a stream. Cancellation
// closes the store subscriptions concurrently with this loop, so a
// closed stream seen under a canceled context is the shutdown tearing
// down, not a store fault; only then is it reported as a clean exit.
func (w *watcher) streamExit(ctx context.Context, routine *WatcherRoutine, err error) (msg.GraceType, error) {
	if errors.Is(err, ErrStreamClosed) && ctx.Err() != nil {
		return w.exitGrace(routine)
	}
	return 0, err
}

type observeSource int

const (
	sourceClient observeSource = iota
	sourceClose
	sourceMsg
)

type pendingItem struct {
	source observeSource
	n      store.Notification
}

// sweep processes first (when non-nil) plus everything already
// buffered on the streams, sorted by record id. The three streams
// deliver in per-table commit order, but a select over them does not
// preserve cross-table order; the time-ordered ids restore it.
func (w *watcher) sweep(ctx context.Context, first *pendingItem) error {
	var items []pendingItem
	if first != nil {
		items = append(items, *first)
	}

	for drained := false; !drained; {
		select {
		case n, ok := <-w.clients:
			if !ok {
				return ErrStreamClosed
			}
			items = append(items, pendingItem{sourceClient, n})
		case n, ok := <-w.closes:
			if !ok {
				return ErrStreamClosed
			}
			items = append(items, pendingItem{sourceClose, n})
		case n, ok := <-w.msgs:
			if !ok {
				return ErrStreamClosed
			}
			items = append(items, pendingItem{sourceMsg, n})
		default:
			drained = true
		}
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].n.ID < items[j].n.ID })

	for _, it := range items {
		var err error
		switch it.source {
		case sourceClient:
			err = w.onClient(it.n)
		case sourceClose:
			err = w.onClose(ctx, it.n)
		default:
			err = w.onMsg(ctx, it.n)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// publish appends to the backlog and fans out. Fire-and-forget on the
// broadcast side: no subscribers is not an error. Once the single
// observer build has been served the backlog has no remaining reader,
// so it stops accumulating.
func (w *watcher) publish(m msg.ObserveMsg) {
	w.lastKey = m.Key
	if !w.built {
		w.backlog = append(w.backlog, m)
	}
	w.sender.Send(m)
}

func (w *watcher) onClient(n store.Notification) error {
	if n.Action != store.Create {
		return nil
	}
	rec, err := decodeNotification[clientRecord](n)
	if err != nil {
		return err
	}
	w.publish(msg.ObserveHello(n.ID, rec.clientInfo()))
	return nil
}

func (w *watcher) onClose(ctx context.Context, n store.Notification) error {
	if n.Action != store.Create {
		return nil
	}
	rec, err := decodeNotification[closeRecord](n)
	if err != nil {
		return err
	}
	closeMsg, err := rec.closeMsg()
	if err != nil {
		return err
	}
	ref, err := w.clientRef(ctx, rec.ClientID)
	if err != nil {
		return err
	}
	w.publish(msg.ObserveClose(n.ID, msg.CloseInfo{
		CloseTimestamp: rec.Timestamp,
		Client:         ref,
		Close:          closeMsg,
	}))
	return nil
}

func (w *watcher) onMsg(ctx context.Context, n store.Notification) error {
	if n.Action != store.Create {
		return nil
	}
	rec, err := decodeNotification[msgRecord](n)
	if err != nil {
		return err
	}
	ref, err := w.clientRef(ctx, rec.ClientID)
	if err != nil {
		return err
	}
	w.publish(msg.ObserveTrace(n.ID, msg.MsgInfo{Client: ref, Trace: rec.Trace}))
	return nil
}

// clientRef resolves the client reference for an observed item. With
// link_client enabled the full client record is looked up per event,
// richer payloads for a join's worth of latency; disabled, only the
// bare id is carried.
func (w *watcher) clientRef(ctx context.Context, clientID string) (msg.ClientRef, error) {
	if !w.cfg.linkClient {
		return msg.ClientRef{ID: clientID}, nil
	}
	content, err := w.cfg.store.GetRecord(ctx, clientsTable(w.cfg.stamp), clientID)
	if err != nil {
		return msg.ClientRef{}, err
	}
	rec, err := decodeRecord[clientRecord](content)
	if err != nil {
		return msg.ClientRef{}, err
	}
	info := rec.clientInfo()
	return msg.ClientRef{ID: clientID, Info: &info}, nil
}

// buildObserver snapshots history per the policy and subscribes the
// live receiver. Both happen here, on the watcher goroutine, between
// publishes, so the cutover is atomic: the snapshot ends exactly
// where the live feed begins, with no gap and no duplicates. The
// requester's own hello is dropped from the snapshot: replaying a
// client's own join to itself is noise.
func (w *watcher) buildObserver(req observeRequest) buildReply {
	visible := make([]msg.ObserveMsg, 0, len(w.backlog))
	for _, m := range w.backlog {
		if m.Kind == msg.ObserveClientHello && m.Key == req.clientID {
			continue
		}
		visible = append(visible, m)
	}

	var history []msg.ObserveMsg
	switch {
	case req.history.IsNone():
	case req.history.IsFull():
		history = visible
	default:
		n, _ := req.history.Limit()
		start := len(visible) - n
		if start < 0 {
			start = 0
		}
		history = visible[start:]
	}

	// The one build request this watcher will ever serve has now been
	// answered; nothing reads the backlog again.
	w.built = true
	w.backlog = nil

	w.cfg.logger.Info("observer built",
		"history_policy", req.history.String(),
		"history_len", len(history),
	)
	return buildReply{obs: newObserver(history, w.sender.Subscribe())}
}
