package ws

import (
	"github.com/tracegate/tracegate/internal/msg"
)

// FrameType tags a server-to-observer frame.
type FrameType string

const (
	// FrameHistory carries the one-time backlog replay.
	FrameHistory FrameType = "history"
	// FrameLive carries one live observed item.
	FrameLive FrameType = "live"
	// FrameLagged tells the observer it fell behind and how many
	// items were dropped; the client decides whether to resync.
	FrameLagged FrameType = "lagged"
)

// ServerFrame is one frame on an observer/director connection,
// encoded in the connection's negotiated format.
type ServerFrame struct {
	Type    FrameType        `json:"type"`
	History []msg.ObserveMsg `json:"history,omitempty"`
	Live    *msg.ObserveMsg  `json:"live,omitempty"`
	Lagged  uint64           `json:"lagged,omitempty"`
}

// PushFrame is one client-to-server frame after the hello: a batch of
// trace messages.
type PushFrame struct {
	Msgs []msg.TraceMsg `json:"msgs"`
}
