// Package reqres is a generic multi-producer/single-consumer
// request/response bridge. A Requester enqueues a request paired with
// a private single-use reply slot; the Responder dequeues one request
// at a time and answers through that slot. No correlation ids are
// needed because reply slots are never shared, so concurrent callers
// cannot cross-deliver.
package reqres

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrResponderClosed is returned by Requester.Do when the
	// responder has closed its inbound queue.
	ErrResponderClosed = errors.New("reqres: responder closed")

	// ErrNoReply is returned by Requester.Do when the responder shut
	// down after accepting the request but before replying.
	ErrNoReply = errors.New("reqres: responder dropped request without replying")
)

// Request is one in-flight request. Reply delivers the response;
// only the first call per request has any effect.
type Request[Q, S any] struct {
	Req     Q
	res     chan S
	replied atomic.Bool
}

// Reply answers the request. Returns false if the request was already
// answered.
func (r *Request[Q, S]) Reply(s S) bool {
	if !r.replied.CompareAndSwap(false, true) {
		return false
	}
	r.res <- s
	return true
}

type bridge[Q, S any] struct {
	mu     sync.Mutex
	queue  []*Request[Q, S]
	closed bool
	ready  chan struct{} // buffered wakeup for the responder
	done   chan struct{} // closed when the responder shuts down
}

// Requester enqueues requests. Safe for concurrent use and cheap to
// copy.
type Requester[Q, S any] struct {
	b *bridge[Q, S]
}

// Responder consumes requests. Owned by exactly one goroutine.
type Responder[Q, S any] struct {
	b *bridge[Q, S]
}

// New creates a connected Requester/Responder pair with an unbounded
// queue between them.
func New[Q, S any]() (Requester[Q, S], *Responder[Q, S]) {
	b := &bridge[Q, S]{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	return Requester[Q, S]{b: b}, &Responder[Q, S]{b: b}
}

// Do enqueues req and blocks until the responder replies, the
// responder shuts down, or ctx is cancelled. Fails immediately with
// ErrResponderClosed when the queue is already closed.
func (r Requester[Q, S]) Do(ctx context.Context, req Q) (S, error) {
	var zero S
	request := &Request[Q, S]{Req: req, res: make(chan S, 1)}

	b := r.b
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return zero, ErrResponderClosed
	}
	b.queue = append(b.queue, request)
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}

	select {
	case s := <-request.res:
		return s, nil
	case <-b.done:
		// The responder may have replied concurrently with shutting
		// down; prefer the reply if it is there.
		select {
		case s := <-request.res:
			return s, nil
		default:
			return zero, ErrNoReply
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Next returns the oldest pending request, blocking until one arrives
// or ctx is cancelled.
func (r *Responder[Q, S]) Next(ctx context.Context) (*Request[Q, S], error) {
	b := r.b
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			req := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return req, nil
		}
		b.mu.Unlock()

		select {
		case <-b.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close rejects all future Do calls and fails every unanswered
// request with ErrNoReply. Idempotent.
func (r *Responder[Q, S]) Close() {
	b := r.b
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.queue = nil
		close(b.done)
	}
	b.mu.Unlock()
}
