package msg

import (
	"encoding/json"
	"fmt"
)

// GraceType records why a long-running routine terminated cleanly:
// an OS interrupt, or an explicit shutdown request. The two are kept
// distinct everywhere a routine reports its completion.
type GraceType int

const (
	GraceInterrupted GraceType = iota
	GraceRequested
)

var graceNames = map[GraceType]string{
	GraceInterrupted: "interrupted",
	GraceRequested:   "requested",
}

var graceFromName = map[string]GraceType{
	"interrupted": GraceInterrupted,
	"requested":   GraceRequested,
}

func (g GraceType) String() string {
	if s, ok := graceNames[g]; ok {
		return s
	}
	return "unknown"
}

func (g GraceType) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.String())
}

func (g *GraceType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := graceFromName[s]
	if !ok {
		return fmt.Errorf("unknown grace type %q", s)
	}
	*g = v
	return nil
}

// CloseErrKind classifies a connection pipeline failure recorded in a
// disconnect record.
type CloseErrKind int

const (
	CloseErrIO CloseErrKind = iota
	CloseErrTimeout
	CloseErrPush
	CloseErrBulkPush
	CloseErrBufferFull
)

var closeErrNames = map[CloseErrKind]string{
	CloseErrIO:         "io",
	CloseErrTimeout:    "timeout",
	CloseErrPush:       "push",
	CloseErrBulkPush:   "bulk_push",
	CloseErrBufferFull: "buffer_full",
}

var closeErrFromName = map[string]CloseErrKind{
	"io":          CloseErrIO,
	"timeout":     CloseErrTimeout,
	"push":        CloseErrPush,
	"bulk_push":   CloseErrBulkPush,
	"buffer_full": CloseErrBufferFull,
}

func (k CloseErrKind) String() string {
	if s, ok := closeErrNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k CloseErrKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *CloseErrKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := closeErrFromName[s]
	if !ok {
		return fmt.Errorf("unknown close error kind %q", s)
	}
	*k = v
	return nil
}

// CloseErr is the error half of a close outcome: a kind plus the
// human-readable text of the underlying failure.
type CloseErr struct {
	Kind CloseErrKind `json:"kind"`
	Text string       `json:"text"`
}

// CloseMsg is the outcome written to a disconnect record: either a
// clean close tagged with a grace type, or an error.
type CloseMsg struct {
	OK  *GraceType `json:"ok,omitempty"`
	Err *CloseErr  `json:"err,omitempty"`
}

func CloseOK(g GraceType) CloseMsg {
	return CloseMsg{OK: &g}
}

func CloseError(kind CloseErrKind, text string) CloseMsg {
	return CloseMsg{Err: &CloseErr{Kind: kind, Text: text}}
}

func (c CloseMsg) IsOK() bool { return c.OK != nil }
