// Package idgen assigns time-ordered, lexicographically sortable
// record identifiers. Identifiers are ULIDs built from a
// caller-supplied timestamp with monotonic entropy, so ids assigned in
// call order sort in call order even when timestamps collide.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator produces ULID strings. The zero value is not usable; call
// New. Safe for concurrent use: the monotonic entropy source is
// private mutable state guarded by a single lock.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	lastMS  uint64
}

func New() *Generator {
	return &Generator{entropy: freshEntropy()}
}

func freshEntropy() *ulid.MonotonicEntropy {
	return ulid.Monotonic(rand.Reader, 0)
}

// Next returns the ULID for t. Within the process lifetime the result
// is strictly greater (as a string) than every earlier result for
// non-decreasing timestamps. When the monotonic entropy overflows its
// per-millisecond space, or t reads earlier than the previous call,
// the entropy source is reseeded and generation retried; Next never
// fails.
func (g *Generator) Next(t time.Time) string {
	ms := ulid.Timestamp(t)

	g.mu.Lock()
	defer g.mu.Unlock()

	// The monotonic reader only guarantees ordering for non-decreasing
	// millis. A regression would produce an id sorting before already
	// issued ones; clamp to the last seen millisecond instead.
	if ms < g.lastMS {
		ms = g.lastMS
	}
	g.lastMS = ms

	for {
		id, err := ulid.New(ms, g.entropy)
		if err == nil {
			return id.String()
		}
		g.entropy = freshEntropy()
	}
}
