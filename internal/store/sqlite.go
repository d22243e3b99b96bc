package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// SQLite is an embedded Store on a single database file. Namespaces
// are table-name prefixes; every record table has the same shape,
// a time-ordered id plus a JSON content blob. Change notifications
// are fanned out by an in-process hub on the write path, so
// LiveSelect subscribers see every committed insert in commit order.
type SQLite struct {
	pool   *pool
	logger *slog.Logger
	hub    *liveHub

	mu     sync.Mutex
	ns     string
	tables map[string]bool // physical name → created
}

// Options configures OpenSQLite. Path is required.
type Options struct {
	Path     string
	PoolSize int
	Logger   *slog.Logger
}

// OpenSQLite opens (creating if needed) the database file and returns
// a ready store handle. The handle is cheaply shareable across
// goroutines.
func OpenSQLite(opts Options) (*SQLite, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p, err := openPool(opts.Path, opts.PoolSize, logger)
	if err != nil {
		return nil, err
	}
	return &SQLite{
		pool:   p,
		logger: logger,
		hub:    newLiveHub(),
		tables: make(map[string]bool),
	}, nil
}

// Close tears down every live stream and the connection pool.
func (s *SQLite) Close() error {
	s.hub.closeAll()
	return s.pool.close()
}

func (s *SQLite) UseNamespace(ctx context.Context, ns string) error {
	if ns == "" {
		return fmt.Errorf("store: namespace is required")
	}
	if strings.Contains(ns, `"`) {
		return fmt.Errorf("store: invalid namespace %q", ns)
	}
	s.mu.Lock()
	s.ns = ns
	s.mu.Unlock()
	return nil
}

// physical resolves a logical table name against the selected
// namespace.
func (s *SQLite) physical(table string) (string, error) {
	if strings.Contains(table, `"`) {
		return "", fmt.Errorf("store: invalid table name %q", table)
	}
	s.mu.Lock()
	ns := s.ns
	s.mu.Unlock()
	if ns == "" {
		return "", fmt.Errorf("store: no namespace selected")
	}
	return ns + "/" + table, nil
}

func (s *SQLite) ensureTable(ctx context.Context, physical string) error {
	s.mu.Lock()
	known := s.tables[physical]
	s.mu.Unlock()
	if known {
		return nil
	}

	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %q (id TEXT PRIMARY KEY, content BLOB NOT NULL)`,
		physical,
	)
	if err := sqlitex.ExecuteTransient(conn, ddl, nil); err != nil {
		return fmt.Errorf("store: creating table %s: %w", physical, err)
	}

	s.mu.Lock()
	s.tables[physical] = true
	s.mu.Unlock()
	return nil
}

func (s *SQLite) CreateRecord(ctx context.Context, table, id string, content any) error {
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("store: encoding record: %w", err)
	}
	phys, err := s.physical(table)
	if err != nil {
		return err
	}
	if err := s.ensureTable(ctx, phys); err != nil {
		return err
	}

	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	stmt := fmt.Sprintf(`INSERT INTO %q (id, content) VALUES (:id, :content)`, phys)
	err = sqlitex.Execute(conn, stmt, &sqlitex.ExecOptions{
		Named: map[string]any{":id": id, ":content": data},
	})
	if err != nil {
		return fmt.Errorf("store: inserting into %s: %w", phys, err)
	}

	s.hub.publish(phys, []Notification{{Action: Create, Table: table, ID: id, Data: data}})
	return nil
}

func (s *SQLite) InsertRecords(ctx context.Context, table string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	phys, err := s.physical(table)
	if err != nil {
		return err
	}
	if err := s.ensureTable(ctx, phys); err != nil {
		return err
	}

	notifs := make([]Notification, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec.Content)
		if err != nil {
			return fmt.Errorf("store: encoding record %s: %w", rec.ID, err)
		}
		notifs = append(notifs, Notification{Action: Create, Table: table, ID: rec.ID, Data: data})
	}

	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	release := sqlitex.Transaction(conn)
	stmt := fmt.Sprintf(`INSERT INTO %q (id, content) VALUES (:id, :content)`, phys)
	for _, n := range notifs {
		err = sqlitex.Execute(conn, stmt, &sqlitex.ExecOptions{
			Named: map[string]any{":id": n.ID, ":content": []byte(n.Data)},
		})
		if err != nil {
			break
		}
	}
	release(&err)
	if err != nil {
		return fmt.Errorf("store: batch insert into %s: %w", phys, err)
	}

	s.hub.publish(phys, notifs)
	return nil
}

func (s *SQLite) GetRecord(ctx context.Context, table, id string) (json.RawMessage, error) {
	phys, err := s.physical(table)
	if err != nil {
		return nil, err
	}
	if err := s.ensureTable(ctx, phys); err != nil {
		return nil, err
	}

	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	var content json.RawMessage
	stmt := fmt.Sprintf(`SELECT content FROM %q WHERE id = :id`, phys)
	err = sqlitex.Execute(conn, stmt, &sqlitex.ExecOptions{
		Named: map[string]any{":id": id},
		ResultFunc: func(st *sqlite.Stmt) error {
			buf := make([]byte, st.ColumnLen(0))
			st.ColumnBytes(0, buf)
			content = buf
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: reading %s/%s: %w", phys, id, err)
	}
	if content == nil {
		return nil, ErrNotFound
	}
	return content, nil
}

func (s *SQLite) LiveSelect(ctx context.Context, table string) (<-chan Notification, error) {
	phys, err := s.physical(table)
	if err != nil {
		return nil, err
	}
	if err := s.ensureTable(ctx, phys); err != nil {
		return nil, err
	}
	return s.hub.subscribe(ctx, phys), nil
}

func (s *SQLite) Query(ctx context.Context, ql string, binds map[string]any) ([]Row, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	named := make(map[string]any, len(binds))
	for k, v := range binds {
		named[":"+k] = v
	}

	var rows []Row
	err = sqlitex.Execute(conn, ql, &sqlitex.ExecOptions{
		Named: named,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			row := make(Row, stmt.ColumnCount())
			for i := 0; i < stmt.ColumnCount(); i++ {
				row[stmt.ColumnName(i)] = columnJSON(stmt, i)
			}
			rows = append(rows, row)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	return rows, nil
}

// columnJSON converts one result column to JSON. Blob columns hold
// record content, which is already JSON, and pass through unchanged;
// everything else is encoded.
func columnJSON(stmt *sqlite.Stmt, i int) json.RawMessage {
	switch stmt.ColumnType(i) {
	case sqlite.TypeBlob:
		buf := make([]byte, stmt.ColumnLen(i))
		stmt.ColumnBytes(i, buf)
		return buf
	case sqlite.TypeInteger:
		data, _ := json.Marshal(stmt.ColumnInt64(i))
		return data
	case sqlite.TypeFloat:
		data, _ := json.Marshal(stmt.ColumnFloat(i))
		return data
	case sqlite.TypeNull:
		return json.RawMessage("null")
	default:
		data, _ := json.Marshal(stmt.ColumnText(i))
		return data
	}
}

// RunFunction implements the store-side functions the session layer
// calls: the session::* metadata probes and last_n_desc_client.
func (s *SQLite) RunFunction(ctx context.Context, name string, args ...any) (json.RawMessage, error) {
	switch name {
	case "session::ac":
		return json.Marshal("embedded")
	case "session::id":
		return json.Marshal(s.pool.path)
	case "session::rd", "session::origin", "session::ip", "session::token":
		return json.RawMessage("null"), nil
	case "last_n_desc_client":
		return s.lastNDescClient(ctx, args)
	default:
		return nil, fmt.Errorf("store: unknown function %q", name)
	}
}

// lastNDescClient returns the newest n records of a message table,
// newest first, each joined with the content of its originating
// client record.
func (s *SQLite) lastNDescClient(ctx context.Context, args []any) (json.RawMessage, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("store: last_n_desc_client needs (msgTable, clientTable, n)")
	}
	msgTable, ok1 := args[0].(string)
	clientTable, ok2 := args[1].(string)
	n, ok3 := args[2].(int)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("store: last_n_desc_client argument types")
	}

	msgPhys, err := s.physical(msgTable)
	if err != nil {
		return nil, err
	}
	clientPhys, err := s.physical(clientTable)
	if err != nil {
		return nil, err
	}
	if err := s.ensureTable(ctx, msgPhys); err != nil {
		return nil, err
	}
	if err := s.ensureTable(ctx, clientPhys); err != nil {
		return nil, err
	}

	ql := fmt.Sprintf(
		`SELECT m.id AS id, m.content AS content, c.content AS client
		   FROM %q m
		   JOIN %q c ON c.id = json_extract(CAST(m.content AS TEXT), '$.clientId')
		  ORDER BY m.id DESC
		  LIMIT :n`,
		msgPhys, clientPhys,
	)
	rows, err := s.Query(ctx, ql, map[string]any{"n": n})
	if err != nil {
		return nil, err
	}
	return json.Marshal(rows)
}
