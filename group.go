package rewind

import (
	"context"
	"fmt"

	"github.com/mickamy/rewind/internal/ident"
	"github.com/mickamy/rewind/internal/query"
)

// WithChangeGroup allocates a change group, marks it current, runs fn, and
// unconditionally clears the marker afterwards — also when fn fails or
// panics, so a failed batch never leaves the database permanently grouped.
// Every audit entry written while the marker is set, on any tracked table,
// carries the group's id. The group id is returned even when fn errors.
//
// Starting a group while another is active fails with ErrGroupActive;
// nesting is not supported.
func (h *Handler) WithChangeGroup(ctx context.Context, db DBTX, note string, fn func(context.Context) error) (int64, error) {
	groups := ident.Quote(h.cfg.GroupsTable)

	ddl := query.Table{Groups: h.cfg.GroupsTable}.CreateGroups()
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return 0, fmt.Errorf("rewind: failed to create group table: %w", err)
	}

	var active int64
	countStmt := fmt.Sprintf("SELECT count(*) FROM %s WHERE current = 1", groups)
	if err := db.QueryRowContext(ctx, countStmt).Scan(&active); err != nil {
		return 0, fmt.Errorf("rewind: failed to inspect group table: %w", err)
	}
	if active > 0 {
		return 0, ErrGroupActive
	}

	var noteVal any
	if note != "" {
		noteVal = note
	}
	res, err := db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (note, current) VALUES (?, NULL)", groups), noteVal)
	if err != nil {
		return 0, fmt.Errorf("rewind: failed to create change group: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("rewind: failed to create change group: %w", err)
	}

	if _, err := db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET current = 1 WHERE id = ?", groups), id); err != nil {
		return 0, fmt.Errorf("rewind: failed to activate change group %d: %w", id, err)
	}
	defer func() {
		_, _ = db.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET current = NULL WHERE id = ?", groups), id)
	}()

	return id, fn(ctx)
}

// SetGroupNote updates a group's note after creation. Entries reference the
// group by id, so their linkage is unaffected and history listings pick up
// the new note.
func (h *Handler) SetGroupNote(ctx context.Context, db DBTX, id int64, note string) error {
	groups := ident.Quote(h.cfg.GroupsTable)
	res, err := db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET note = ? WHERE id = ?", groups), note, id)
	if err != nil {
		return fmt.Errorf("rewind: failed to update note of change group %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rewind: failed to update note of change group %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("rewind: change group %d not found", id)
	}
	return nil
}
