package msg

import (
	"encoding/json"
	"fmt"
	"time"
)

// ClientInfo is the resolved identity of a client as seen by
// observers: when it said hello, what it declared, and where it
// connected from.
type ClientInfo struct {
	HelloTimestamp time.Time `json:"helloTimestamp"`
	Hello          Hello     `json:"hello"`
	Role           Role      `json:"role"`
	ClientAddr     string    `json:"clientAddr,omitempty"`
}

// ClientRef identifies the client an observed item belongs to. With
// link_client enabled the watcher resolves the full ClientInfo inline
// (a join per event); otherwise only the bare record id is carried.
type ClientRef struct {
	ID   string      `json:"id"`
	Info *ClientInfo `json:"info,omitempty"`
}

// Resolved reports whether the reference carries full client info.
func (c ClientRef) Resolved() bool { return c.Info != nil }

// CloseInfo describes an observed disconnect.
type CloseInfo struct {
	CloseTimestamp time.Time `json:"closeTimestamp"`
	Client         ClientRef `json:"client"`
	Close          CloseMsg  `json:"close"`
}

// MsgInfo describes an observed trace message.
type MsgInfo struct {
	Client ClientRef `json:"client"`
	Trace  TraceMsg  `json:"trace"`
}

// ObserveKind tags the variant carried by an ObserveMsg.
type ObserveKind int

const (
	ObserveClientHello ObserveKind = iota
	ObserveDisconnect
	ObserveTraceMsg
)

var observeKindNames = map[ObserveKind]string{
	ObserveClientHello: "client_hello",
	ObserveDisconnect:  "disconnect",
	ObserveTraceMsg:    "msg",
}

func (k ObserveKind) String() string {
	if s, ok := observeKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ObserveMsg is the watcher's normalized event: exactly one of the
// three payload fields is set, selected by Kind. Key is the record id
// of the originating store row, which is strictly increasing per
// table and used by consumers to resynchronize.
type ObserveMsg struct {
	Kind        ObserveKind `json:"kind"`
	Key         string      `json:"key"`
	ClientHello *ClientInfo `json:"clientHello,omitempty"`
	Disconnect  *CloseInfo  `json:"disconnect,omitempty"`
	Msg         *MsgInfo    `json:"msg,omitempty"`
}

func ObserveHello(key string, info ClientInfo) ObserveMsg {
	return ObserveMsg{Kind: ObserveClientHello, Key: key, ClientHello: &info}
}

func ObserveClose(key string, info CloseInfo) ObserveMsg {
	return ObserveMsg{Kind: ObserveDisconnect, Key: key, Disconnect: &info}
}

func ObserveTrace(key string, info MsgInfo) ObserveMsg {
	return ObserveMsg{Kind: ObserveTraceMsg, Key: key, Msg: &info}
}

func (k ObserveKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *ObserveKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for kind, name := range observeKindNames {
		if name == s {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown observe kind %q", s)
}
