package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tracegate/tracegate/internal/msg"
	"github.com/tracegate/tracegate/internal/store"
)

const sessionsTable = "sessions"

func clientsTable(stamp string) string { return stamp + "-clients" }
func closesTable(stamp string) string  { return stamp + "-closes" }
func msgTable(stamp string) string     { return stamp + "-messages" }

// sessionRecord is the one-per-session row, written at open time and
// never touched again. The access fields hold whatever metadata the
// store reports about the connection that created the session.
type sessionRecord struct {
	Timestamp    time.Time       `json:"timestamp"`
	AccessMethod json.RawMessage `json:"accessMethod,omitempty"`
	RecordAuth   json.RawMessage `json:"recordAuth,omitempty"`
	HTTPOrigin   json.RawMessage `json:"httpOrigin,omitempty"`
	SessionIP    json.RawMessage `json:"sessionIp,omitempty"`
	SessionID    json.RawMessage `json:"sessionId,omitempty"`
	SessionToken json.RawMessage `json:"sessionToken,omitempty"`
	LinkClient   bool            `json:"linkClient"`
}

// clientRecord is one row per handshaken client, immutable after
// creation.
type clientRecord struct {
	Timestamp    time.Time         `json:"timestamp"`
	SessionID    string            `json:"sessionId"`
	ClientName   string            `json:"clientName"`
	Role         msg.Role          `json:"role"`
	Format       *msg.Format       `json:"format,omitempty"`
	QueryHistory *msg.QueryHistory `json:"queryHistory,omitempty"`
	ClientAddr   string            `json:"clientAddr,omitempty"`
	QueryMap     map[string]string `json:"queryMap,omitempty"`
	ProcEnv      *msg.ProcEnv      `json:"procEnv,omitempty"`
}

func (c clientRecord) clientInfo() msg.ClientInfo {
	return msg.ClientInfo{
		HelloTimestamp: c.Timestamp,
		Hello:          msg.Hello{ClientName: c.ClientName, ProcEnv: c.ProcEnv},
		Role:           c.Role,
		ClientAddr:     c.ClientAddr,
	}
}

// closeRecord is the best-effort disconnect row.
type closeRecord struct {
	Timestamp time.Time         `json:"timestamp"`
	SessionID string            `json:"sessionId"`
	ClientID  string            `json:"clientId"`
	Normal    bool              `json:"normal"`
	OKKind    *msg.GraceType    `json:"okKind,omitempty"`
	ErrKind   *msg.CloseErrKind `json:"errKind,omitempty"`
	ErrMsg    string            `json:"errMsg,omitempty"`
}

func (c closeRecord) closeMsg() (msg.CloseMsg, error) {
	if c.Normal {
		if c.OKKind == nil {
			return msg.CloseMsg{}, ErrCorruptedData
		}
		return msg.CloseOK(*c.OKKind), nil
	}
	if c.ErrKind == nil {
		return msg.CloseMsg{}, ErrCorruptedData
	}
	return msg.CloseError(*c.ErrKind, c.ErrMsg), nil
}

// msgRecord is one persisted trace message. The record id carries the
// assigned identifier and is stored alongside, not inside, this
// content.
type msgRecord struct {
	SessionID string       `json:"sessionId"`
	ClientID  string       `json:"clientId"`
	Trace     msg.TraceMsg `json:"trace"`
}

func decodeRecord[T any](data json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrCorruptedData, err)
	}
	return v, nil
}

func decodeNotification[T any](n store.Notification) (T, error) {
	return decodeRecord[T](n.Data)
}
