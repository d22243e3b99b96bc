package session

import (
	"context"
	"sync"

	"github.com/tracegate/tracegate/internal/broadcast"
	"github.com/tracegate/tracegate/internal/msg"
)

// Observer combines a one-time history replay with a live
// subscription. History ends exactly where the live feed begins:
// the watcher builds both in the same step.
type Observer struct {
	mu      sync.Mutex
	history []msg.ObserveMsg
	live    *broadcast.Receiver[msg.ObserveMsg]
}

func newObserver(history []msg.ObserveMsg, live *broadcast.Receiver[msg.ObserveMsg]) *Observer {
	return &Observer{history: history, live: live}
}

// History returns the buffered backlog and clears it. Intended to be
// called once, to hand the backlog to a consumer before it switches
// to NextLive; a second call returns nil.
func (o *Observer) History() []msg.ObserveMsg {
	o.mu.Lock()
	h := o.history
	o.history = nil
	o.mu.Unlock()
	return h
}

// NextLive blocks for the next live item. A consumer that fell behind
// gets a *broadcast.LagError reporting exactly how many items were
// dropped — the cue to resynchronize rather than silently skip.
// broadcast.ErrClosed means the watcher has terminated and
// observation is no longer available.
func (o *Observer) NextLive(ctx context.Context) (msg.ObserveMsg, error) {
	return o.live.Next(ctx)
}
