// Package rewind captures every mutation applied to tracked SQLite tables
// into append-only JSON audit logs, and reconstructs table or row state at
// any historical version.
//
// Capture is performed by AFTER INSERT/UPDATE/DELETE triggers installed by
// EnableTracking, so an audit entry always shares the fate of the mutation
// that produced it: a rolled-back transaction leaves no trace in the log.
package rewind

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mickamy/rewind/internal/ident"
)

// Config defines the main configuration options for rewind.
type Config struct {
	AuditPrefix string // prefix for audit table names (default "_history_json_")
	GroupsTable string // shared change-group table name (default "_history_json")
}

// Handler is the main entry point that manages rewind behavior.
type Handler struct {
	cfg Config
}

// New creates a new Handler instance with sensible defaults.
func New(cfg Config) *Handler {
	if cfg.AuditPrefix == "" {
		cfg.AuditPrefix = defaultAuditPrefix
	}
	if cfg.GroupsTable == "" {
		cfg.GroupsTable = defaultGroupsTable
	}
	return &Handler{cfg: cfg}
}

// DBTX is the subset of database/sql needed by rewind. Both *sql.DB and
// *sql.Tx satisfy it, so every operation can run inside a caller-supplied
// transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txBeginner is satisfied by *sql.DB.
type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// inTx runs fn inside a fresh transaction when db can open one, so that
// multi-statement setup is atomic even without a caller-held transaction.
// When db is already a transaction, fn runs on it directly.
func inTx(ctx context.Context, db DBTX, fn func(DBTX) error) error {
	b, ok := db.(txBeginner)
	if !ok {
		return fn(db)
	}
	tx, err := b.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rewind: failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rewind: failed to commit: %w", err)
	}
	return nil
}

// EnableOption adjusts EnableTracking behavior.
type EnableOption func(*enableOptions)

type enableOptions struct {
	skipPopulate bool
}

// WithoutPopulate disables the baseline snapshot of preexisting rows that
// EnableTracking performs when the audit table is freshly empty.
func WithoutPopulate() EnableOption {
	return func(o *enableOptions) {
		o.skipPopulate = true
	}
}

// EnableTracking creates the audit table, its indexes, the shared group
// table, and the three capture triggers for the target table. It is
// idempotent: invoking it when the apparatus already exists changes nothing
// and duplicates nothing. Unless WithoutPopulate is given, a freshly empty
// audit table is populated with a baseline snapshot of existing rows.
func (h *Handler) EnableTracking(ctx context.Context, db DBTX, target any, opts ...EnableOption) error {
	var o enableOptions
	for _, opt := range opts {
		opt(&o)
	}

	t, err := h.Resolve(ctx, db, target)
	if err != nil {
		return err
	}
	q := h.queryTable(t)

	return inTx(ctx, db, func(db DBTX) error {
		stmts := []string{
			q.CreateGroups(),
			q.CreateAudit(),
			q.InsertTrigger(),
			q.UpdateTrigger(),
			q.DeleteTrigger(),
		}
		stmts = append(stmts, q.CreateIndexes()...)
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("rewind: failed to enable tracking of %q: %w", t.Name, err)
			}
		}

		if o.skipPopulate {
			return nil
		}
		var count int64
		countStmt := fmt.Sprintf("SELECT count(*) FROM %s", ident.Quote(q.Audit))
		if err := db.QueryRowContext(ctx, countStmt).Scan(&count); err != nil {
			return fmt.Errorf("rewind: failed to enable tracking of %q: %w", t.Name, err)
		}
		if count > 0 {
			return nil
		}
		return h.populate(ctx, db, t)
	})
}

// DisableTracking drops the capture triggers for the target table. The audit
// table and its entries are preserved. Idempotent.
func (h *Handler) DisableTracking(ctx context.Context, db DBTX, target any) error {
	t, err := h.Resolve(ctx, db, target)
	if err != nil {
		return err
	}
	q := h.queryTable(t)

	return inTx(ctx, db, func(db DBTX) error {
		for _, stmt := range q.DropTriggers() {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("rewind: failed to disable tracking of %q: %w", t.Name, err)
			}
		}
		return nil
	})
}

// Populate appends one synthetic insert entry per currently existing row,
// encoding all non-key columns, so the audit log is self-sufficient from
// this point forward. Safe on an empty table; re-running it creates
// duplicate synthetic history, which is the caller's to avoid.
func (h *Handler) Populate(ctx context.Context, db DBTX, target any) error {
	t, err := h.Resolve(ctx, db, target)
	if err != nil {
		return err
	}
	if err := h.assertTracked(ctx, db, t); err != nil {
		return err
	}
	return h.populate(ctx, db, t)
}

func (h *Handler) populate(ctx context.Context, db DBTX, t TrackedTable) error {
	q := h.queryTable(t)

	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = ident.Quote(c.Name)
	}
	sel := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), ident.Quote(t.Name))
	rows, err := db.QueryContext(ctx, sel)
	if err != nil {
		return fmt.Errorf("rewind: failed to populate %q: %w", t.Name, err)
	}
	snapshot, err := scanAll(rows)
	if err != nil {
		return fmt.Errorf("rewind: failed to populate %q: %w", t.Name, err)
	}

	insert := q.InsertEntry()
	keys := t.KeyColumns()
	values := t.ValueColumns()
	for _, row := range snapshot {
		args := make([]any, 0, len(keys)+1)
		for _, k := range keys {
			args = append(args, normalizeScanned(row[k.Name], k))
		}
		diff := make(map[string]any, len(values))
		for _, c := range values {
			diff[c.Name] = Encode(normalizeScanned(row[c.Name], c))
		}
		payload, err := json.Marshal(diff)
		if err != nil {
			return fmt.Errorf("rewind: failed to populate %q: %w", t.Name, err)
		}
		args = append(args, string(payload))
		if _, err := db.ExecContext(ctx, insert, args...); err != nil {
			return fmt.Errorf("rewind: failed to populate %q: %w", t.Name, err)
		}
	}
	return nil
}

// assertTracked fails with ErrNotTracked when the audit table for t does not
// exist.
func (h *Handler) assertTracked(ctx context.Context, db DBTX, t TrackedTable) error {
	audit := h.AuditTableName(t.Name)
	var name string
	err := db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, audit,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %q (expected audit table %q)", ErrNotTracked, t.Name, audit)
	}
	if err != nil {
		return fmt.Errorf("rewind: failed to look up audit table %q: %w", audit, err)
	}
	return nil
}
