package rewind

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mickamy/rewind/internal/ident"
)

// RestoreOptions controls Restore. AtVersion is an exact, authoritative
// cutoff; AtTimestamp is best-effort because entries can share a
// millisecond. Both zero values mean a full replay. Swap and NewTableName
// are mutually exclusive.
type RestoreOptions struct {
	AtVersion    int64  // inclusive audit entry id cutoff; 0 = none
	AtTimestamp  string // inclusive timestamp cutoff; "" = none
	NewTableName string // destination table; defaults to <table>_restored
	Swap         bool   // atomically replace the original table
	// OutputDB writes the materialized table, under its original name, into
	// a separate database file instead of the tracked database. ATTACH
	// cannot run inside a transaction, so this mode requires a
	// non-transactional handle.
	OutputDB string
}

// Restore materializes the tracked table's state at the cutoff by replaying
// every audit entry in id order, and returns the name of the restored table.
// With Swap, the materialized table atomically replaces the original and the
// original name is returned.
func (h *Handler) Restore(ctx context.Context, db DBTX, target any, opts RestoreOptions) (string, error) {
	if opts.Swap && opts.NewTableName != "" {
		return "", &ConfigurationError{Reason: "swap and an explicit destination table are mutually exclusive"}
	}
	if opts.Swap && opts.OutputDB != "" {
		return "", &ConfigurationError{Reason: "swap and cross-store output are mutually exclusive"}
	}

	t, err := h.Resolve(ctx, db, target)
	if err != nil {
		return "", err
	}
	if err := h.assertTracked(ctx, db, t); err != nil {
		return "", err
	}

	if opts.OutputDB != "" {
		if err := h.restoreToOutput(ctx, db, t, opts); err != nil {
			return "", err
		}
		return t.Name, nil
	}

	targetName := opts.NewTableName
	if targetName == "" {
		if opts.Swap {
			targetName = "_tmp_restore_" + t.Name
		} else {
			targetName = t.Name + "_restored"
		}
	}

	err = inTx(ctx, db, func(db DBTX) error {
		if err := h.createRestoreTarget(ctx, db, t, targetName); err != nil {
			return err
		}
		if err := h.replay(ctx, db, t, targetName, opts); err != nil {
			return err
		}
		if opts.Swap {
			return h.swap(ctx, db, t.Name, targetName)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if opts.Swap {
		return t.Name, nil
	}
	return targetName, nil
}

// createRestoreTarget recreates the tracked table's full schema under the
// target name, dropping a leftover target from an earlier run first.
func (h *Handler) createRestoreTarget(ctx context.Context, db DBTX, t TrackedTable, targetName string) error {
	var createSQL string
	err := db.QueryRowContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, t.Name,
	).Scan(&createSQL)
	if err != nil {
		return fmt.Errorf("rewind: failed to read schema of %q: %w", t.Name, err)
	}

	renamed, ok := renameCreateSQL(createSQL, t.Name, ident.Quote(targetName))
	if !ok {
		return fmt.Errorf("rewind: cannot rewrite CREATE TABLE statement for %q", t.Name)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", ident.Quote(targetName))); err != nil {
		return fmt.Errorf("rewind: failed to prepare restore target %q: %w", targetName, err)
	}
	if _, err := db.ExecContext(ctx, renamed); err != nil {
		return fmt.Errorf("rewind: failed to create restore target %q: %w", targetName, err)
	}
	return nil
}

// renameCreateSQL swaps the table name inside a sqlite_master CREATE TABLE
// statement for toIdent (an already quoted, possibly qualified identifier),
// covering the quoting styles SQLite preserves verbatim.
func renameCreateSQL(createSQL, from, toIdent string) (string, bool) {
	target := "CREATE TABLE " + toIdent
	for _, pattern := range []string{
		"CREATE TABLE " + from,
		`CREATE TABLE "` + from + `"`,
		"CREATE TABLE [" + from + "]",
		"CREATE TABLE `" + from + "`",
	} {
		if strings.Contains(createSQL, pattern) {
			return strings.Replace(createSQL, pattern, target, 1), true
		}
	}
	return createSQL, false
}

// replayEntry is one audit row staged for replay.
type replayEntry struct {
	id      int64
	op      Operation
	keyVals []any
	payload sql.NullString
}

func (h *Handler) replay(ctx context.Context, db DBTX, t TrackedTable, targetName string, opts RestoreOptions) error {
	q := h.queryTable(t)

	var conds []string
	var args []any
	if opts.AtVersion > 0 {
		conds = append(conds, "id <= ?")
		args = append(args, opts.AtVersion)
	}
	if opts.AtTimestamp != "" {
		conds = append(conds, "timestamp <= ?")
		args = append(args, opts.AtTimestamp)
	}

	rows, err := db.QueryContext(ctx, q.SelectReplay(conds), args...)
	if err != nil {
		return fmt.Errorf("rewind: failed to read audit log of %q: %w", t.Name, err)
	}
	entries, err := scanReplayRows(rows, t.KeyColumns())
	if err != nil {
		return fmt.Errorf("rewind: failed to read audit log of %q: %w", t.Name, err)
	}

	for _, e := range entries {
		switch e.op {
		case OpInsert:
			err = h.replayInsert(ctx, db, t, targetName, e)
		case OpUpdate:
			err = h.replayUpdate(ctx, db, t, targetName, e)
		case OpDelete:
			err = h.replayDelete(ctx, db, t, targetName, e)
		default:
			err = fmt.Errorf("rewind: unknown operation %q in entry %d of %q", e.op, e.id, t.Name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func scanReplayRows(rows *sql.Rows, keys []Column) ([]replayEntry, error) {
	defer func() { _ = rows.Close() }()

	var entries []replayEntry
	for rows.Next() {
		e := replayEntry{keyVals: make([]any, len(keys))}
		var op string
		dest := []any{&e.id, &op}
		for i := range e.keyVals {
			dest = append(dest, &e.keyVals[i])
		}
		dest = append(dest, &e.payload)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i, k := range keys {
			e.keyVals[i] = normalizeScanned(e.keyVals[i], k)
		}
		e.op = Operation(op)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func decodeDiff(payload sql.NullString) (map[string]any, error) {
	if !payload.Valid {
		return nil, nil
	}
	var encoded map[string]any
	if err := json.Unmarshal([]byte(payload.String), &encoded); err != nil {
		return nil, fmt.Errorf("rewind: malformed updated_values: %w", err)
	}
	return decodeValues(encoded)
}

// unknownDiffColumn returns the first (alphabetically) diff key that is no
// longer a column of the tracked table. Such an entry predates a schema
// change; replay surfaces it instead of quietly dropping the value.
func unknownDiffColumn(t TrackedTable, diff map[string]any) string {
	if len(diff) == 0 {
		return ""
	}
	known := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.ValueColumns() {
		known[c.Name] = struct{}{}
	}
	keys := make([]string, 0, len(diff))
	for k := range diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, ok := known[k]; !ok {
			return k
		}
	}
	return ""
}

// sourceKeyEquals matches the tracked table's own key columns against
// positional parameters.
func sourceKeyEquals(t TrackedTable) string {
	keys := t.KeyColumns()
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s = ?", ident.Quote(k.Name))
	}
	return strings.Join(parts, " AND ")
}

func (h *Handler) replayInsert(ctx context.Context, db DBTX, t TrackedTable, targetName string, e replayEntry) error {
	diff, err := decodeDiff(e.payload)
	if err != nil {
		return err
	}
	if col := unknownDiffColumn(t, diff); col != "" {
		return &ReplayConsistencyError{Table: t.Name, Operation: OpInsert, EntryID: e.id, Column: col}
	}

	var cols []string
	var vals []any
	for i, k := range t.KeyColumns() {
		cols = append(cols, ident.Quote(k.Name))
		vals = append(vals, e.keyVals[i])
	}
	for _, c := range t.ValueColumns() {
		cols = append(cols, ident.Quote(c.Name))
		vals = append(vals, diff[c.Name]) // absent column replays as NULL
	}

	placeholders := strings.TrimRight(strings.Repeat("?, ", len(cols)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		ident.Quote(targetName), strings.Join(cols, ", "), placeholders)
	if _, err := db.ExecContext(ctx, stmt, vals...); err != nil {
		return fmt.Errorf("rewind: failed to replay entry %d of %q: %w", e.id, t.Name, err)
	}
	return nil
}

func (h *Handler) replayUpdate(ctx context.Context, db DBTX, t TrackedTable, targetName string, e replayEntry) error {
	// An update against a row that never existed means the log was tampered
	// with or truncated, so the check happens even for empty diffs.
	var one int
	existsStmt := fmt.Sprintf("SELECT 1 FROM %s WHERE %s", ident.Quote(targetName), sourceKeyEquals(t))
	err := db.QueryRowContext(ctx, existsStmt, e.keyVals...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return &ReplayConsistencyError{Table: t.Name, Operation: OpUpdate, EntryID: e.id}
	}
	if err != nil {
		return fmt.Errorf("rewind: failed to replay entry %d of %q: %w", e.id, t.Name, err)
	}

	diff, err := decodeDiff(e.payload)
	if err != nil {
		return err
	}
	if col := unknownDiffColumn(t, diff); col != "" {
		return &ReplayConsistencyError{Table: t.Name, Operation: OpUpdate, EntryID: e.id, Column: col}
	}
	if len(diff) == 0 {
		return nil
	}

	var sets []string
	var vals []any
	for _, c := range t.ValueColumns() {
		v, ok := diff[c.Name]
		if !ok {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = ?", ident.Quote(c.Name)))
		vals = append(vals, v)
	}
	if len(sets) == 0 {
		return nil
	}
	vals = append(vals, e.keyVals...)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		ident.Quote(targetName), strings.Join(sets, ", "), sourceKeyEquals(t))
	if _, err := db.ExecContext(ctx, stmt, vals...); err != nil {
		return fmt.Errorf("rewind: failed to replay entry %d of %q: %w", e.id, t.Name, err)
	}
	return nil
}

func (h *Handler) replayDelete(ctx context.Context, db DBTX, t TrackedTable, targetName string, e replayEntry) error {
	// Deleting an already absent row is tolerated to stay robust against
	// hand-edited audit logs.
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", ident.Quote(targetName), sourceKeyEquals(t))
	if _, err := db.ExecContext(ctx, stmt, e.keyVals...); err != nil {
		return fmt.Errorf("rewind: failed to replay entry %d of %q: %w", e.id, t.Name, err)
	}
	return nil
}

// restoreToOutput replays into a temporary table, attaches the output
// database, copies the materialized rows across under the original table
// name, and cleans up. Runs in autocommit because ATTACH refuses to run
// inside a transaction.
func (h *Handler) restoreToOutput(ctx context.Context, db DBTX, t TrackedTable, opts RestoreOptions) error {
	temp := "_tmp_output_" + t.Name
	if err := h.createRestoreTarget(ctx, db, t, temp); err != nil {
		return err
	}
	defer func() {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", ident.Quote(temp)))
	}()
	if err := h.replay(ctx, db, t, temp, opts); err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, "ATTACH DATABASE ? AS output_db", opts.OutputDB); err != nil {
		return fmt.Errorf("rewind: failed to attach output database %q: %w", opts.OutputDB, err)
	}
	defer func() {
		_, _ = db.ExecContext(ctx, "DETACH DATABASE output_db")
	}()

	var createSQL string
	if err := db.QueryRowContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, t.Name,
	).Scan(&createSQL); err != nil {
		return fmt.Errorf("rewind: failed to read schema of %q: %w", t.Name, err)
	}
	qualified := "output_db." + ident.Quote(t.Name)
	renamed, ok := renameCreateSQL(createSQL, t.Name, qualified)
	if !ok {
		return fmt.Errorf("rewind: cannot rewrite CREATE TABLE statement for %q", t.Name)
	}
	if _, err := db.ExecContext(ctx, renamed); err != nil {
		return fmt.Errorf("rewind: failed to create output table for %q: %w", t.Name, err)
	}

	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = ident.Quote(c.Name)
	}
	colList := strings.Join(cols, ", ")
	copyStmt := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		qualified, colList, colList, ident.Quote(temp))
	if _, err := db.ExecContext(ctx, copyStmt); err != nil {
		return fmt.Errorf("rewind: failed to copy restored rows of %q: %w", t.Name, err)
	}
	return nil
}

// swap replaces the original table with the materialized one under the
// original name and discards the old copy.
func (h *Handler) swap(ctx context.Context, db DBTX, original, restored string) error {
	backup := "_tmp_old_" + original
	stmts := []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s", ident.Quote(backup)),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", ident.Quote(original), ident.Quote(backup)),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", ident.Quote(restored), ident.Quote(original)),
		fmt.Sprintf("DROP TABLE %s", ident.Quote(backup)),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rewind: failed to swap restored table into %q: %w", original, err)
		}
	}
	return nil
}
