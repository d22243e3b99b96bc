package msg

import (
	"encoding/json"
	"time"
)

// TraceMsg is one pushed trace event. The body is an opaque payload:
// the service orders, persists and fans it out without looking inside.
// The timestamp is the event's own capture time at the pusher, which
// keys identifier assignment so batched delivery preserves causal
// order.
type TraceMsg struct {
	Timestamp  time.Time       `json:"timestamp"`
	ThreadName string          `json:"threadName,omitempty"`
	ThreadID   uint64          `json:"threadId"`
	Body       json.RawMessage `json:"body"`
}

// Hello is the first application frame a client sends after the
// transport upgrade: its declared name plus an optional snapshot of
// its process environment.
type Hello struct {
	ClientName string   `json:"clientName"`
	ProcEnv    *ProcEnv `json:"procEnv,omitempty"`
}
