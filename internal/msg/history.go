package msg

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// QueryHistory is the backlog policy a newly attached observer
// requests: nothing, the full session history, or the most recent n
// messages.
type QueryHistory struct {
	kind  historyKind
	limit int
}

type historyKind int

const (
	historyNone historyKind = iota
	historyFull
	historyLimit
)

var (
	HistoryNone = QueryHistory{kind: historyNone}
	HistoryFull = QueryHistory{kind: historyFull}
)

// HistoryLimit returns a Limit(n) policy. n must be positive.
func HistoryLimit(n int) (QueryHistory, error) {
	if n <= 0 {
		return QueryHistory{}, fmt.Errorf("history limit must be positive, got %d", n)
	}
	return QueryHistory{kind: historyLimit, limit: n}, nil
}

func (q QueryHistory) IsNone() bool { return q.kind == historyNone }
func (q QueryHistory) IsFull() bool { return q.kind == historyFull }

// Limit returns (n, true) for a Limit policy and (0, false) otherwise.
func (q QueryHistory) Limit() (int, bool) {
	if q.kind == historyLimit {
		return q.limit, true
	}
	return 0, false
}

func (q QueryHistory) String() string {
	switch q.kind {
	case historyNone:
		return "none"
	case historyFull:
		return "full"
	default:
		return strconv.Itoa(q.limit)
	}
}

// ParseQueryHistory maps a query-string token (`none`, `full`, or a
// positive integer) to a policy.
func ParseQueryHistory(s string) (QueryHistory, error) {
	switch s {
	case "none":
		return HistoryNone, nil
	case "full":
		return HistoryFull, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return QueryHistory{}, fmt.Errorf("unknown history policy %q", s)
	}
	return HistoryLimit(n)
}

func (q QueryHistory) MarshalJSON() ([]byte, error) {
	if q.kind == historyLimit {
		return json.Marshal(q.limit)
	}
	return json.Marshal(q.String())
}

func (q *QueryHistory) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		v, err := HistoryLimit(n)
		if err != nil {
			return err
		}
		*q = v
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseQueryHistory(s)
	if err != nil {
		return err
	}
	*q = v
	return nil
}

// ObserverOptions bundles the observer-only negotiation values parsed
// from the query string.
type ObserverOptions struct {
	History    QueryHistory
	LinkClient bool
}

// DefaultObserverOptions matches the values used when the query
// string omits them: full history, resolved client info.
func DefaultObserverOptions() ObserverOptions {
	return ObserverOptions{History: HistoryFull, LinkClient: true}
}
