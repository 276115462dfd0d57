package rewind

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"regexp"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// newTestDB opens an in-memory database pinned to a single connection, so
// every statement sees the same store.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustExec(t *testing.T, db *sql.DB, stmt string, args ...any) {
	t.Helper()
	if _, err := db.Exec(stmt, args...); err != nil {
		t.Fatalf("exec %q: %v", stmt, err)
	}
}

func newItemsTable(t *testing.T) *sql.DB {
	t.Helper()
	db := newTestDB(t)
	mustExec(t, db, `CREATE TABLE items (
		id INTEGER PRIMARY KEY,
		name TEXT,
		price REAL,
		quantity INTEGER
	)`)
	return db
}

func newUserRolesTable(t *testing.T) *sql.DB {
	t.Helper()
	db := newTestDB(t)
	mustExec(t, db, `CREATE TABLE user_roles (
		user_id INTEGER,
		role_id INTEGER,
		granted_by TEXT,
		active INTEGER,
		PRIMARY KEY (user_id, role_id)
	)`)
	return db
}

func enableItems(t *testing.T, db *sql.DB) *Handler {
	t.Helper()
	h := New(Config{})
	if err := h.EnableTracking(context.Background(), db, "items"); err != nil {
		t.Fatalf("EnableTracking: %v", err)
	}
	return h
}

func countRows(t *testing.T, db *sql.DB, table string) int64 {
	t.Helper()
	var n int64
	if err := db.QueryRow(`SELECT count(*) FROM "` + table + `"`).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestEnableTrackingCreatesApparatus(t *testing.T) {
	t.Parallel()

	db := newItemsTable(t)
	enableItems(t, db)

	var tables int64
	err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name IN ('_history_json_items', '_history_json')`).Scan(&tables)
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if tables != 2 {
		t.Fatalf("expected audit and group tables, got %d", tables)
	}

	var triggers int64
	err = db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'trigger' AND tbl_name = 'items'`).Scan(&triggers)
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if triggers != 3 {
		t.Fatalf("expected 3 capture triggers, got %d", triggers)
	}

	// Trigger names carry a version segment, so a later layout can spot and
	// replace stale triggers.
	var versioned int64
	err = db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'trigger' AND name GLOB '_history_json_items_v1_*'`).Scan(&versioned)
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if versioned != 3 {
		t.Fatalf("expected versioned trigger names, got %d matches", versioned)
	}
}

func TestEnableTrackingIdempotent(t *testing.T) {
	t.Parallel()

	db := newItemsTable(t)
	mustExec(t, db, `INSERT INTO items VALUES (1, 'Widget', 9.99, 100)`)
	h := enableItems(t, db)

	before := countRows(t, db, "_history_json_items")

	if err := h.EnableTracking(context.Background(), db, "items"); err != nil {
		t.Fatalf("second EnableTracking: %v", err)
	}

	if after := countRows(t, db, "_history_json_items"); after != before {
		t.Fatalf("second enable changed entry count: %d -> %d", before, after)
	}

	var indexes int64
	err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'index' AND tbl_name = '_history_json_items'`).Scan(&indexes)
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if indexes != 2 {
		t.Fatalf("expected 2 indexes after double enable, got %d", indexes)
	}
}

func TestEnableTrackingNoPrimaryKey(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	mustExec(t, db, `CREATE TABLE notes (body TEXT)`)

	err := New(Config{}).EnableTracking(context.Background(), db, "notes")
	if !errors.Is(err, ErrNoPrimaryKey) {
		t.Fatalf("expected ErrNoPrimaryKey, got %v", err)
	}
}

func TestInsertCapturesFullRow(t *testing.T) {
	t.Parallel()

	db := newItemsTable(t)
	h := enableItems(t, db)
	mustExec(t, db, `INSERT INTO items VALUES (1, 'Widget', 9.99, 100)`)

	entries, err := h.History(context.Background(), db, "items", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Operation != OpInsert {
		t.Fatalf("operation = %q", e.Operation)
	}
	if e.Key["id"] != int64(1) {
		t.Fatalf("key = %v", e.Key)
	}
	if len(e.UpdatedValues) != 3 {
		t.Fatalf("insert diff should cover every non-key column: %v", e.UpdatedValues)
	}
	if e.UpdatedValues["name"] != "Widget" {
		t.Fatalf("name = %v", e.UpdatedValues["name"])
	}
	if _, ok := e.UpdatedValues["id"]; ok {
		t.Fatalf("key column leaked into the diff: %v", e.UpdatedValues)
	}
	if !regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3}$`).MatchString(e.Timestamp) {
		t.Fatalf("timestamp lacks sub-second resolution: %q", e.Timestamp)
	}
}

func TestUpdateCapturesChangedColumnsOnly(t *testing.T) {
	t.Parallel()

	db := newItemsTable(t)
	h := enableItems(t, db)
	mustExec(t, db, `INSERT INTO items VALUES (1, 'Widget', 9.99, 100)`)
	mustExec(t, db, `UPDATE items SET name = 'Gadget', price = 12.5 WHERE id = 1`)

	entries, err := h.History(context.Background(), db, "items", 1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	e := entries[0]
	if e.Operation != OpUpdate {
		t.Fatalf("operation = %q", e.Operation)
	}
	if len(e.UpdatedValues) != 2 {
		t.Fatalf("expected 2 changed columns, got %v", e.UpdatedValues)
	}
	if _, ok := e.UpdatedValues["quantity"]; ok {
		t.Fatalf("unchanged column included: %v", e.UpdatedValues)
	}
}

func TestNoopUpdateStillAppendsEntry(t *testing.T) {
	t.Parallel()

	db := newItemsTable(t)
	h := enableItems(t, db)
	mustExec(t, db, `INSERT INTO items VALUES (1, 'Widget', 9.99, 100)`)
	mustExec(t, db, `UPDATE items SET name = name WHERE id = 1`)

	entries, err := h.History(context.Background(), db, "items", 1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	e := entries[0]
	if e.Operation != OpUpdate {
		t.Fatalf("operation = %q", e.Operation)
	}
	if len(e.UpdatedValues) != 0 {
		t.Fatalf("no-op update should record an empty diff, got %v", e.UpdatedValues)
	}
}

func TestNullTransitionsAreNullAware(t *testing.T) {
	t.Parallel()

	db := newItemsTable(t)
	h := enableItems(t, db)
	mustExec(t, db, `INSERT INTO items (id, name) VALUES (1, 'Widget')`)
	// NULL -> NULL is unchanged; NULL -> value and value -> NULL are changes.
	mustExec(t, db, `UPDATE items SET price = 5.0, quantity = NULL WHERE id = 1`)
	mustExec(t, db, `UPDATE items SET name = NULL WHERE id = 1`)

	entries, err := h.History(context.Background(), db, "items", 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	first, second := entries[1], entries[0]
	if len(first.UpdatedValues) != 1 {
		t.Fatalf("NULL->NULL counted as change: %v", first.UpdatedValues)
	}
	if first.UpdatedValues["price"] != 5.0 {
		t.Fatalf("price = %v", first.UpdatedValues["price"])
	}
	nameTok, ok := second.UpdatedValues["name"].(map[string]any)
	if !ok {
		t.Fatalf("value->NULL should record a null marker, got %v", second.UpdatedValues["name"])
	}
	if _, ok := nameTok["null"]; !ok {
		t.Fatalf("expected null marker, got %v", nameTok)
	}
}

func TestDeleteCapturesKeyOnly(t *testing.T) {
	t.Parallel()

	db := newItemsTable(t)
	h := enableItems(t, db)
	mustExec(t, db, `INSERT INTO items VALUES (1, 'Widget', 9.99, 100)`)
	mustExec(t, db, `DELETE FROM items WHERE id = 1`)

	entries, err := h.History(context.Background(), db, "items", 1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	e := entries[0]
	if e.Operation != OpDelete {
		t.Fatalf("operation = %q", e.Operation)
	}
	if e.UpdatedValues != nil {
		t.Fatalf("delete must not carry a diff: %v", e.UpdatedValues)
	}
	if e.Key["id"] != int64(1) {
		t.Fatalf("key = %v", e.Key)
	}
}

func TestBlobCapture(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	mustExec(t, db, `CREATE TABLE files (id INTEGER PRIMARY KEY, body BLOB)`)
	h := New(Config{})
	if err := h.EnableTracking(context.Background(), db, "files"); err != nil {
		t.Fatalf("EnableTracking: %v", err)
	}
	mustExec(t, db, `INSERT INTO files VALUES (1, X'DEADBEEF')`)

	entries, err := h.History(context.Background(), db, "files", 1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	tok, ok := entries[0].UpdatedValues["body"].(map[string]any)
	if !ok || tok["hex"] != "DEADBEEF" {
		t.Fatalf("blob should be captured as a hex marker, got %v", entries[0].UpdatedValues["body"])
	}
}

func TestRolledBackMutationLeavesNoEntry(t *testing.T) {
	t.Parallel()

	db := newItemsTable(t)
	h := enableItems(t, db)

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.Exec(`INSERT INTO items VALUES (1, 'Widget', 9.99, 100)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	entries, err := h.History(context.Background(), db, "items", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("rolled-back mutation left %d audit entries", len(entries))
	}
}

func TestDisableTrackingStopsCaptureKeepsLog(t *testing.T) {
	t.Parallel()

	db := newItemsTable(t)
	h := enableItems(t, db)
	mustExec(t, db, `INSERT INTO items VALUES (1, 'Widget', 9.99, 100)`)

	if err := h.DisableTracking(context.Background(), db, "items"); err != nil {
		t.Fatalf("DisableTracking: %v", err)
	}
	// Idempotent.
	if err := h.DisableTracking(context.Background(), db, "items"); err != nil {
		t.Fatalf("second DisableTracking: %v", err)
	}

	mustExec(t, db, `INSERT INTO items VALUES (2, 'Gadget', 1.0, 1)`)

	entries, err := h.History(context.Background(), db, "items", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected the pre-disable entry only, got %d", len(entries))
	}
}

func TestEnablePopulatesExistingRows(t *testing.T) {
	t.Parallel()

	db := newItemsTable(t)
	mustExec(t, db, `INSERT INTO items VALUES (1, 'Widget', 9.99, 100)`)
	mustExec(t, db, `INSERT INTO items (id, name) VALUES (2, 'Gadget')`)
	h := enableItems(t, db)

	entries, err := h.History(context.Background(), db, "items", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected a baseline entry per row, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Operation != OpInsert {
			t.Fatalf("baseline entry operation = %q", e.Operation)
		}
	}

	// Newest-first listing: entries[1] is the first row's baseline. Text
	// values are recorded as plain JSON strings, absent columns as the NULL
	// marker.
	first := entries[1]
	if first.UpdatedValues["name"] != "Widget" {
		t.Fatalf("baseline name = %v, want a plain string", first.UpdatedValues["name"])
	}
	second := entries[0]
	if !reflect.DeepEqual(second.UpdatedValues["price"], map[string]any{"null": 1.0}) {
		t.Fatalf("baseline price = %v, want the NULL marker", second.UpdatedValues["price"])
	}
}

func TestWithoutPopulate(t *testing.T) {
	t.Parallel()

	db := newItemsTable(t)
	mustExec(t, db, `INSERT INTO items VALUES (1, 'Widget', 9.99, 100)`)
	h := New(Config{})
	if err := h.EnableTracking(context.Background(), db, "items", WithoutPopulate()); err != nil {
		t.Fatalf("EnableTracking: %v", err)
	}
	if n := countRows(t, db, "_history_json_items"); n != 0 {
		t.Fatalf("expected empty audit table, got %d entries", n)
	}
}

func TestPopulateOnEmptyTable(t *testing.T) {
	t.Parallel()

	db := newItemsTable(t)
	h := New(Config{})
	if err := h.EnableTracking(context.Background(), db, "items", WithoutPopulate()); err != nil {
		t.Fatalf("EnableTracking: %v", err)
	}
	if err := h.Populate(context.Background(), db, "items"); err != nil {
		t.Fatalf("Populate on empty table: %v", err)
	}
	if n := countRows(t, db, "_history_json_items"); n != 0 {
		t.Fatalf("populate of empty table wrote %d entries", n)
	}
}

func TestHistoryNotTracked(t *testing.T) {
	t.Parallel()

	db := newItemsTable(t)
	_, err := New(Config{}).History(context.Background(), db, "items", 0)
	if !errors.Is(err, ErrNotTracked) {
		t.Fatalf("expected ErrNotTracked, got %v", err)
	}
}

func TestHistoryNewestFirstAndLimit(t *testing.T) {
	t.Parallel()

	db := newItemsTable(t)
	h := enableItems(t, db)
	mustExec(t, db, `INSERT INTO items VALUES (1, 'A', 1, 1)`)
	mustExec(t, db, `INSERT INTO items VALUES (2, 'B', 2, 2)`)
	mustExec(t, db, `UPDATE items SET price = 3 WHERE id = 1`)

	entries, err := h.History(context.Background(), db, "items", 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("limit ignored: got %d entries", len(entries))
	}
	if entries[0].ID <= entries[1].ID {
		t.Fatalf("entries not newest-first: %d, %d", entries[0].ID, entries[1].ID)
	}
}

func TestRowHistoryFiltersByCompoundKey(t *testing.T) {
	t.Parallel()

	db := newUserRolesTable(t)
	h := New(Config{})
	if err := h.EnableTracking(context.Background(), db, "user_roles"); err != nil {
		t.Fatalf("EnableTracking: %v", err)
	}
	mustExec(t, db, `INSERT INTO user_roles VALUES (1, 2, 'admin', 1)`)
	mustExec(t, db, `INSERT INTO user_roles VALUES (1, 3, 'system', 1)`)
	mustExec(t, db, `UPDATE user_roles SET active = 0 WHERE user_id = 1 AND role_id = 2`)

	entries, err := h.RowHistory(context.Background(), db, "user_roles", map[string]any{"user_id": 1, "role_id": 2}, 0)
	if err != nil {
		t.Fatalf("RowHistory: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for (1,2), got %d", len(entries))
	}
	for _, e := range entries {
		if e.Key["user_id"] != int64(1) || e.Key["role_id"] != int64(2) {
			t.Fatalf("foreign row leaked into row history: %v", e.Key)
		}
	}
}

func TestRowHistoryMissingKeyColumn(t *testing.T) {
	t.Parallel()

	db := newUserRolesTable(t)
	h := New(Config{})
	if err := h.EnableTracking(context.Background(), db, "user_roles"); err != nil {
		t.Fatalf("EnableTracking: %v", err)
	}
	_, err := h.RowHistory(context.Background(), db, "user_roles", map[string]any{"user_id": 1}, 0)
	if err == nil {
		t.Fatal("expected error for missing key column")
	}
}

type Item struct{}

type Invoice struct{}

func (Invoice) TableName() string { return "billing_invoices" }

func TestResolveTableName(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name    string
		target  any
		want    string
		wantErr bool
	}{
		{name: "string", target: "items", want: "items"},
		{name: "padded string", target: "  items  ", want: "items"},
		{name: "struct", target: Item{}, want: "items"},
		{name: "pointer to struct", target: &Item{}, want: "items"},
		{name: "table namer", target: Invoice{}, want: "billing_invoices"},
		{name: "nil", target: nil, wantErr: true},
		{name: "empty string", target: "", wantErr: true},
		{name: "unsupported", target: 42, wantErr: true},
	}

	for _, tc := range tcs {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := resolveTableName(tc.target)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("resolveTableName(%v) expected error", tc.target)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveTableName(%v): %v", tc.target, err)
			}
			if got != tc.want {
				t.Fatalf("resolveTableName(%v) = %q, want %q", tc.target, got, tc.want)
			}
		})
	}
}
