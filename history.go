package rewind

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// History returns the audit entries for the target table, newest first.
// limit <= 0 returns every entry.
func (h *Handler) History(ctx context.Context, db DBTX, target any, limit int) ([]Entry, error) {
	t, err := h.Resolve(ctx, db, target)
	if err != nil {
		return nil, err
	}
	if err := h.assertTracked(ctx, db, t); err != nil {
		return nil, err
	}
	q := h.queryTable(t)
	rows, err := db.QueryContext(ctx, q.SelectEntries(false), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("rewind: failed to list history of %q: %w", t.Name, err)
	}
	return scanEntryRows(rows, t)
}

// RowHistory returns the audit entries for a single row, newest first. The
// key map must supply a value for every primary-key column.
func (h *Handler) RowHistory(ctx context.Context, db DBTX, target any, key map[string]any, limit int) ([]Entry, error) {
	t, err := h.Resolve(ctx, db, target)
	if err != nil {
		return nil, err
	}
	if err := h.assertTracked(ctx, db, t); err != nil {
		return nil, err
	}
	keyArgs, err := keyArguments(t, key)
	if err != nil {
		return nil, err
	}
	q := h.queryTable(t)
	args := append(keyArgs, normalizeLimit(limit))
	rows, err := db.QueryContext(ctx, q.SelectEntries(true), args...)
	if err != nil {
		return nil, fmt.Errorf("rewind: failed to list history of %q: %w", t.Name, err)
	}
	return scanEntryRows(rows, t)
}

// SQLite treats a negative LIMIT as "no limit".
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// keyArguments orders the caller's key values by primary-key position,
// failing when a key column is missing.
func keyArguments(t TrackedTable, key map[string]any) ([]any, error) {
	keys := t.KeyColumns()
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		v, ok := key[k.Name]
		if !ok {
			return nil, fmt.Errorf("rewind: missing value for key column %q of %q", k.Name, t.Name)
		}
		args = append(args, v)
	}
	return args, nil
}

// scanEntryRows scans the SelectEntries result shape: id, timestamp,
// operation, one column per key part, updated_values, group, group note.
func scanEntryRows(rows *sql.Rows, t TrackedTable) ([]Entry, error) {
	defer func() { _ = rows.Close() }()

	keys := t.KeyColumns()
	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			op      string
			keyVals = make([]any, len(keys))
			payload sql.NullString
			group   sql.NullInt64
			note    sql.NullString
		)
		dest := []any{&e.ID, &e.Timestamp, &op}
		for i := range keyVals {
			dest = append(dest, &keyVals[i])
		}
		dest = append(dest, &payload, &group, &note)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("rewind: failed to scan audit entry: %w", err)
		}

		e.Operation = Operation(op)
		e.Key = make(map[string]any, len(keys))
		for i, k := range keys {
			e.Key[k.Name] = normalizeScanned(keyVals[i], k)
		}
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &e.UpdatedValues); err != nil {
				return nil, fmt.Errorf("rewind: malformed updated_values in entry %d: %w", e.ID, err)
			}
		}
		if group.Valid {
			id := group.Int64
			e.Group = &id
		}
		if note.Valid {
			s := note.String
			e.GroupNote = &s
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// normalizeScanned undoes the driver's []byte representation of TEXT values
// scanned into untyped destinations. Declared BLOB columns keep their bytes.
func normalizeScanned(v any, c Column) any {
	b, ok := v.([]byte)
	if !ok || strings.EqualFold(strings.TrimSpace(c.Type), "BLOB") {
		return v
	}
	return string(b)
}

// scanAll consumes every row into column-keyed maps.
func scanAll(rows *sql.Rows) ([]map[string]any, error) {
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			m[c] = vals[i]
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
