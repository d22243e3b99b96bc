// Package store defines the persistence collaborator the session
// layer talks to, and ships an embedded SQLite implementation of it.
// The session layer only depends on the Store interface: records are
// opaque JSON content addressed by table name and a time-ordered id,
// and every insert is observable through a live change-notification
// stream.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by GetRecord when the id does not exist in
// the table.
var ErrNotFound = errors.New("store: record not found")

// Action classifies a change notification. The session layer reacts
// only to Create; the model is append-only and other actions are
// no-ops to consumers.
type Action int

const (
	Create Action = iota
	Update
	Delete
)

func (a Action) String() string {
	switch a {
	case Create:
		return "create"
	case Update:
		return "update"
	default:
		return "delete"
	}
}

// Notification is one observed change on a live-selected table.
// Data holds the record's JSON content.
type Notification struct {
	Action Action
	Table  string
	ID     string
	Data   json.RawMessage
}

// Record pairs a caller-assigned id with record content for a batched
// insert. Content must marshal to JSON.
type Record struct {
	ID      string
	Content any
}

// Row is one result row of a query, column name to JSON value.
type Row map[string]json.RawMessage

// Store is the persistence contract consumed by the session layer.
type Store interface {
	// UseNamespace selects (creating if needed) the namespace that
	// scopes all subsequent table references on this handle.
	UseNamespace(ctx context.Context, ns string) error

	// CreateRecord writes a single record under an explicit id.
	CreateRecord(ctx context.Context, table, id string, content any) error

	// InsertRecords writes a batch atomically, in slice order.
	InsertRecords(ctx context.Context, table string, records []Record) error

	// GetRecord reads one record's content by id. Returns ErrNotFound
	// when no such record exists.
	GetRecord(ctx context.Context, table, id string) (json.RawMessage, error)

	// RunFunction invokes a named store-side function.
	RunFunction(ctx context.Context, name string, args ...any) (json.RawMessage, error)

	// LiveSelect opens a change-notification stream for table. The
	// channel is closed when ctx ends, the store closes, or the
	// subscriber falls too far behind.
	LiveSelect(ctx context.Context, table string) (<-chan Notification, error)

	// Query runs a read query with named binds.
	Query(ctx context.Context, ql string, binds map[string]any) ([]Row, error)
}
