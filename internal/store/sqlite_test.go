package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(Options{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.UseNamespace(context.Background(), "app-tracing-test"); err != nil {
		t.Fatalf("UseNamespace: %v", err)
	}
	return s
}

type testContent struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestCreateAndGetRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := testContent{Name: "alpha", Count: 3}
	if err := s.CreateRecord(ctx, "things", "id-1", want); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	data, err := s.GetRecord(ctx, "things", "id-1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	var got testContent
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal content: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestGetRecordMissing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetRecord(context.Background(), "things", "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestTableOpsRequireNamespace(t *testing.T) {
	s, err := OpenSQLite(Options{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	if err := s.CreateRecord(context.Background(), "things", "id-1", testContent{}); err == nil {
		t.Error("CreateRecord without namespace succeeded")
	}
}

func TestLiveSelectDeliversCreatesInOrder(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := s.LiveSelect(ctx, "things")
	if err != nil {
		t.Fatalf("LiveSelect: %v", err)
	}

	if err := s.CreateRecord(ctx, "things", "id-1", testContent{Name: "one"}); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	records := []Record{
		{ID: "id-2", Content: testContent{Name: "two"}},
		{ID: "id-3", Content: testContent{Name: "three"}},
	}
	if err := s.InsertRecords(ctx, "things", records); err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}

	wantIDs := []string{"id-1", "id-2", "id-3"}
	for i, want := range wantIDs {
		select {
		case n, ok := <-stream:
			if !ok {
				t.Fatalf("stream closed at item %d", i)
			}
			if n.Action != Create {
				t.Errorf("item %d: action = %s, want create", i, n.Action)
			}
			if n.ID != want {
				t.Errorf("item %d: id = %s, want %s", i, n.ID, want)
			}
			if len(n.Data) == 0 {
				t.Errorf("item %d: empty data", i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for notification %d", i)
		}
	}
}

func TestLiveSelectScopedToTable(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := s.LiveSelect(ctx, "things")
	if err != nil {
		t.Fatalf("LiveSelect: %v", err)
	}

	if err := s.CreateRecord(ctx, "others", "o-1", testContent{}); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if err := s.CreateRecord(ctx, "things", "t-1", testContent{}); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	select {
	case n := <-stream:
		if n.ID != "t-1" {
			t.Errorf("got notification for %s, want t-1", n.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestLiveSelectEndsWithContext(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := s.LiveSelect(ctx, "things")
	if err != nil {
		t.Fatalf("LiveSelect: %v", err)
	}
	cancel()

	select {
	case _, ok := <-stream:
		if ok {
			t.Error("expected closed stream after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}
}

func TestQueryWithBinds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		if err := s.CreateRecord(ctx, "things", id, testContent{Name: id, Count: i}); err != nil {
			t.Fatalf("CreateRecord %s: %v", id, err)
		}
	}

	phys, err := s.physical("things")
	if err != nil {
		t.Fatalf("physical: %v", err)
	}
	rows, err := s.Query(ctx, `SELECT id FROM "`+phys+`" WHERE id > :min ORDER BY id`, map[string]any{"min": "a"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	var first string
	if err := json.Unmarshal(rows[0]["id"], &first); err != nil {
		t.Fatalf("unmarshal id: %v", err)
	}
	if first != "b" {
		t.Errorf("first id = %s, want b", first)
	}
}

func TestRunFunctionProbes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ac, err := s.RunFunction(ctx, "session::ac")
	if err != nil {
		t.Fatalf("session::ac: %v", err)
	}
	if string(ac) != `"embedded"` {
		t.Errorf("session::ac = %s", ac)
	}

	rd, err := s.RunFunction(ctx, "session::rd")
	if err != nil {
		t.Fatalf("session::rd: %v", err)
	}
	if string(rd) != "null" {
		t.Errorf("session::rd = %s", rd)
	}

	if _, err := s.RunFunction(ctx, "session::nope"); err == nil {
		t.Error("unknown function accepted")
	}
}

func TestRunFunctionLastNDescClient(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	client := map[string]any{"clientName": "pusher-a"}
	if err := s.CreateRecord(ctx, "clients", "c-1", client); err != nil {
		t.Fatalf("CreateRecord client: %v", err)
	}
	for _, id := range []string{"m-1", "m-2", "m-3"} {
		content := map[string]any{"clientId": "c-1", "body": id}
		if err := s.CreateRecord(ctx, "messages", id, content); err != nil {
			t.Fatalf("CreateRecord %s: %v", id, err)
		}
	}

	raw, err := s.RunFunction(ctx, "last_n_desc_client", "messages", "clients", 2)
	if err != nil {
		t.Fatalf("last_n_desc_client: %v", err)
	}

	var rows []struct {
		ID      string          `json:"id"`
		Content json.RawMessage `json:"content"`
		Client  json.RawMessage `json:"client"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	// Newest first.
	if rows[0].ID != "m-3" || rows[1].ID != "m-2" {
		t.Errorf("row ids = %s, %s; want m-3, m-2", rows[0].ID, rows[1].ID)
	}
	var joined map[string]any
	if err := json.Unmarshal(rows[0].Client, &joined); err != nil {
		t.Fatalf("unmarshal client: %v", err)
	}
	if joined["clientName"] != "pusher-a" {
		t.Errorf("joined client = %v", joined)
	}
}
