package store

import (
	"context"
	"sync"
)

// subscriberBuffer is the per-subscriber notification backlog. A
// subscriber that lets this fill up has stopped consuming; its stream
// is closed rather than blocking writers, and the consumer treats the
// closure as "observation no longer available".
const subscriberBuffer = 1024

type subscriber struct {
	ch     chan Notification
	closed bool
}

// liveHub fans committed inserts out to LiveSelect subscribers,
// keyed by physical table name. Publishes happen under the hub lock
// so subscribers on one table see notifications in commit order.
type liveHub struct {
	mu   sync.Mutex
	subs map[string][]*subscriber
	done bool
}

func newLiveHub() *liveHub {
	return &liveHub{subs: make(map[string][]*subscriber)}
}

func (h *liveHub) subscribe(ctx context.Context, table string) <-chan Notification {
	sub := &subscriber{ch: make(chan Notification, subscriberBuffer)}

	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch
	}
	h.subs[table] = append(h.subs[table], sub)
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.remove(table, sub)
	}()

	return sub.ch
}

func (h *liveHub) publish(table string, notifs []Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[table]
	for _, sub := range subs {
		if sub.closed {
			continue
		}
		for _, n := range notifs {
			select {
			case sub.ch <- n:
			default:
				h.closeLocked(sub)
			}
			if sub.closed {
				break
			}
		}
	}
	h.compactLocked(table)
}

func (h *liveHub) remove(table string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !sub.closed {
		h.closeLocked(sub)
	}
	h.compactLocked(table)
}

func (h *liveHub) closeLocked(sub *subscriber) {
	sub.closed = true
	close(sub.ch)
}

func (h *liveHub) compactLocked(table string) {
	subs := h.subs[table]
	alive := subs[:0]
	for _, sub := range subs {
		if !sub.closed {
			alive = append(alive, sub)
		}
	}
	if len(alive) == 0 {
		delete(h.subs, table)
	} else {
		h.subs[table] = alive
	}
}

func (h *liveHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return
	}
	h.done = true
	for _, subs := range h.subs {
		for _, sub := range subs {
			if !sub.closed {
				h.closeLocked(sub)
			}
		}
	}
	h.subs = make(map[string][]*subscriber)
}
