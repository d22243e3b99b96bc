// Package broadcast is a bounded, lossy fan-out channel: one sender,
// any number of receivers. Publishing never blocks; when the ring
// wraps, the oldest unconsumed items are overwritten and a receiver
// that fell behind is told exactly how many items it missed instead
// of silently skipping them.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Receiver.Next once the sender is closed
// and all retained items have been consumed.
var ErrClosed = errors.New("broadcast: sender closed")

// LagError reports that the receiver was overtaken by the sender and
// Missed items were dropped. The receiver is resynchronized to the
// oldest retained item; the next call resumes from there.
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("broadcast: receiver lagged, %d items dropped", e.Missed)
}

type state[T any] struct {
	mu     sync.Mutex
	buf    []T
	next   uint64 // sequence of the next publish
	closed bool
	wake   chan struct{} // closed and replaced on every publish
}

func (s *state[T]) oldest() uint64 {
	if n := uint64(len(s.buf)); s.next > n {
		return s.next - n
	}
	return 0
}

// Sender is the publishing half. Shared read-only after creation;
// Send and Close are safe from any goroutine.
type Sender[T any] struct {
	s *state[T]
}

// New creates a Sender with a ring of the given capacity.
func New[T any](capacity int) *Sender[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Sender[T]{s: &state[T]{
		buf:  make([]T, capacity),
		wake: make(chan struct{}),
	}}
}

// Send publishes v. Fire-and-forget: it never blocks and having zero
// subscribers is not an error.
func (b *Sender[T]) Send(v T) {
	s := b.s
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.buf[s.next%uint64(len(s.buf))] = v
	s.next++
	close(s.wake)
	s.wake = make(chan struct{})
	s.mu.Unlock()
}

// Close marks the stream finished. Receivers drain what is retained
// and then get ErrClosed.
func (b *Sender[T]) Close() {
	s := b.s
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.wake)
	}
	s.mu.Unlock()
}

// Subscribe returns a receiver positioned at the next item to be
// published; it sees nothing sent before the call.
func (b *Sender[T]) Subscribe() *Receiver[T] {
	s := b.s
	s.mu.Lock()
	r := &Receiver[T]{s: s, seq: s.next}
	s.mu.Unlock()
	return r
}

// Receiver consumes the stream. Not safe for concurrent use.
type Receiver[T any] struct {
	s   *state[T]
	seq uint64
}

// Next returns the next item in publish order. When the receiver has
// been lapped it returns a *LagError once and resynchronizes; when
// the sender is closed and drained it returns ErrClosed; otherwise it
// blocks until an item arrives or ctx is cancelled.
func (r *Receiver[T]) Next(ctx context.Context) (T, error) {
	var zero T
	s := r.s
	for {
		s.mu.Lock()
		if oldest := s.oldest(); r.seq < oldest {
			missed := oldest - r.seq
			r.seq = oldest
			s.mu.Unlock()
			return zero, &LagError{Missed: missed}
		}
		if r.seq < s.next {
			v := s.buf[r.seq%uint64(len(s.buf))]
			r.seq++
			s.mu.Unlock()
			return v, nil
		}
		if s.closed {
			s.mu.Unlock()
			return zero, ErrClosed
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
