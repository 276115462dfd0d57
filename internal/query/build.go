// Package query builds the SQL executed against tracked tables and their
// audit tables: schema DDL, the capture triggers, and the ordered reads used
// by reconstruction and replay. All identifiers are quoted via ident, so a
// hostile table or column name cannot break out of a statement.
package query

import (
	"fmt"
	"strings"

	"github.com/mickamy/rewind/internal/ident"
)

// KeyColumn is one primary-key part of a tracked table.
type KeyColumn struct {
	Source string // column name on the tracked table
	Audit  string // namespaced column name on the audit table
	Type   string // declared type, copied onto the audit column
}

// ValueColumn is a non-key column of a tracked table.
type ValueColumn struct {
	Name string
	Type string
}

// Blob reports whether the column holds binary data.
func (c ValueColumn) Blob() bool {
	return strings.EqualFold(strings.TrimSpace(c.Type), "BLOB")
}

// Table describes the audit apparatus of one tracked table.
type Table struct {
	Name   string // tracked table
	Audit  string // audit table
	Groups string // shared change-group table
	Key    []KeyColumn
	Value  []ValueColumn
}

const timestampExpr = `strftime('%Y-%m-%d %H:%M:%f', 'now')`

// triggerVersion is embedded in capture trigger names so a later revision of
// the trigger bodies can recognize and replace triggers left by an older
// layout.
const triggerVersion = 1

func (t Table) triggerName(op string) string {
	return fmt.Sprintf("%s_v%d_%s", t.Audit, triggerVersion, op)
}

// groupExpr resolves the currently active change group, if any.
func (t Table) groupExpr() string {
	return fmt.Sprintf(`(SELECT id FROM %s WHERE current = 1)`, ident.Quote(t.Groups))
}

func (t Table) auditKeyNames() []string {
	names := make([]string, len(t.Key))
	for i, k := range t.Key {
		names[i] = ident.Quote(k.Audit)
	}
	return names
}

func (t Table) keyRefs(rowRef string) []string {
	refs := make([]string, len(t.Key))
	for i, k := range t.Key {
		refs[i] = fmt.Sprintf("%s.%s", rowRef, ident.Quote(k.Source))
	}
	return refs
}

// KeyEquals returns the conjunction matching the audit key columns against
// positional parameters, e.g. `"pk_user_id" = ? AND "pk_role_id" = ?`.
func (t Table) KeyEquals() string {
	parts := make([]string, len(t.Key))
	for i, k := range t.Key {
		parts[i] = fmt.Sprintf("%s = ?", ident.Quote(k.Audit))
	}
	return strings.Join(parts, " AND ")
}

// CreateGroups returns DDL for the shared change-group table.
func (t Table) CreateGroups() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY,
    note TEXT,
    current INTEGER
);`, ident.Quote(t.Groups))
}

// CreateAudit returns DDL for the audit table.
func (t Table) CreateAudit() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", ident.Quote(t.Audit))
	b.WriteString("    id INTEGER PRIMARY KEY,\n")
	b.WriteString("    timestamp TEXT,\n")
	b.WriteString("    operation TEXT,\n")
	for _, k := range t.Key {
		fmt.Fprintf(&b, "    %s %s,\n", ident.Quote(k.Audit), k.Type)
	}
	b.WriteString("    updated_values TEXT,\n")
	fmt.Fprintf(&b, "    \"group\" INTEGER REFERENCES %s(id)\n", ident.Quote(t.Groups))
	b.WriteString(");")
	return b.String()
}

// CreateIndexes returns DDL for the timestamp index and the key-column index.
func (t Table) CreateIndexes() []string {
	return []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (timestamp);",
			ident.Quote(t.Audit+"_timestamp"), ident.Quote(t.Audit)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s);",
			ident.Quote(t.Audit+"_pk"), ident.Quote(t.Audit),
			strings.Join(t.auditKeyNames(), ", ")),
	}
}

// insertValueExpr encodes one non-key column of the freshly inserted row.
func insertValueExpr(c ValueColumn) string {
	ref := "NEW." + ident.Quote(c.Name)
	if c.Blob() {
		return fmt.Sprintf(
			"CASE WHEN %s IS NULL THEN json_object('null', 1) ELSE json_object('hex', hex(%s)) END",
			ref, ref)
	}
	return fmt.Sprintf(
		"CASE WHEN %s IS NULL THEN json_object('null', 1) ELSE %s END",
		ref, ref)
}

// updateValueExpr yields a one-key JSON object when the column changed, or
// '{}' when it did not. IS NOT gives NULL-aware inequality.
func updateValueExpr(c ValueColumn) string {
	ref := "NEW." + ident.Quote(c.Name)
	old := "OLD." + ident.Quote(c.Name)
	name := ident.Literal(c.Name)
	changed := fmt.Sprintf("json_object(%s, %s)", name, ref)
	if c.Blob() {
		changed = fmt.Sprintf("json_object(%s, json_object('hex', hex(%s)))", name, ref)
	}
	return fmt.Sprintf(`CASE
            WHEN %s IS NOT %s THEN
                CASE
                    WHEN %s IS NULL THEN json_object(%s, json_object('null', 1))
                    ELSE %s
                END
            ELSE '{}'
        END`, old, ref, ref, name, changed)
}

// InsertTrigger returns DDL for the AFTER INSERT capture trigger.
func (t Table) InsertTrigger() string {
	values := "'{}'"
	if len(t.Value) > 0 {
		args := make([]string, len(t.Value))
		for i, c := range t.Value {
			args[i] = fmt.Sprintf("%s, %s", ident.Literal(c.Name), insertValueExpr(c))
		}
		values = fmt.Sprintf("json_object(%s)", strings.Join(args, ", "))
	}
	return fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s
AFTER INSERT ON %s
BEGIN
    INSERT INTO %s (timestamp, operation, %s, updated_values, "group")
    VALUES (%s, 'insert', %s, %s, %s);
END;`,
		ident.Quote(t.triggerName("insert")), ident.Quote(t.Name), ident.Quote(t.Audit),
		strings.Join(t.auditKeyNames(), ", "),
		timestampExpr, strings.Join(t.keyRefs("NEW"), ", "), values, t.groupExpr())
}

// UpdateTrigger returns DDL for the AFTER UPDATE capture trigger. The diff is
// a left fold of json_patch over the per-column change expressions, so an
// update touching nothing still records '{}'.
func (t Table) UpdateTrigger() string {
	values := "'{}'"
	for _, c := range t.Value {
		values = fmt.Sprintf("json_patch(\n        %s,\n        %s)", values, updateValueExpr(c))
	}
	return fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s
AFTER UPDATE ON %s
BEGIN
    INSERT INTO %s (timestamp, operation, %s, updated_values, "group")
    VALUES (%s, 'update', %s, %s, %s);
END;`,
		ident.Quote(t.triggerName("update")), ident.Quote(t.Name), ident.Quote(t.Audit),
		strings.Join(t.auditKeyNames(), ", "),
		timestampExpr, strings.Join(t.keyRefs("NEW"), ", "), values, t.groupExpr())
}

// DeleteTrigger returns DDL for the AFTER DELETE capture trigger. The key
// columns come from OLD; there is no diff to record.
func (t Table) DeleteTrigger() string {
	return fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s
AFTER DELETE ON %s
BEGIN
    INSERT INTO %s (timestamp, operation, %s, updated_values, "group")
    VALUES (%s, 'delete', %s, NULL, %s);
END;`,
		ident.Quote(t.triggerName("delete")), ident.Quote(t.Name), ident.Quote(t.Audit),
		strings.Join(t.auditKeyNames(), ", "),
		timestampExpr, strings.Join(t.keyRefs("OLD"), ", "), t.groupExpr())
}

// DropTriggers returns statements removing the capture triggers.
func (t Table) DropTriggers() []string {
	stmts := make([]string, 0, 3)
	for _, op := range []string{"insert", "update", "delete"} {
		stmts = append(stmts, fmt.Sprintf("DROP TRIGGER IF EXISTS %s;", ident.Quote(t.triggerName(op))))
	}
	return stmts
}

// InsertEntry returns the parameterized statement used by baseline populate:
// one key parameter per key column followed by the updated_values parameter.
func (t Table) InsertEntry() string {
	params := strings.TrimRight(strings.Repeat("?, ", len(t.Key)), ", ")
	return fmt.Sprintf(
		`INSERT INTO %s (timestamp, operation, %s, updated_values, "group") VALUES (%s, 'insert', %s, ?, %s)`,
		ident.Quote(t.Audit), strings.Join(t.auditKeyNames(), ", "),
		timestampExpr, params, t.groupExpr())
}

// SelectEntries returns the newest-first listing query, joined to the group
// table for the note. With byKey, the audit key columns are matched against
// positional parameters; the trailing parameter is the LIMIT (-1 for all).
func (t Table) SelectEntries(byKey bool) string {
	var b strings.Builder
	b.WriteString("SELECT a.id, a.timestamp, a.operation, ")
	for _, k := range t.Key {
		fmt.Fprintf(&b, "a.%s, ", ident.Quote(k.Audit))
	}
	fmt.Fprintf(&b, `a.updated_values, a."group", g.note FROM %s a LEFT JOIN %s g ON g.id = a."group"`,
		ident.Quote(t.Audit), ident.Quote(t.Groups))
	if byKey {
		conds := make([]string, len(t.Key))
		for i, k := range t.Key {
			conds[i] = fmt.Sprintf("a.%s = ?", ident.Quote(k.Audit))
		}
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY a.id DESC LIMIT ?")
	return b.String()
}

// SelectBaseInsert finds the newest insert entry at or before a version for
// one row: key parameters first, then the version.
func (t Table) SelectBaseInsert() string {
	return fmt.Sprintf(
		`SELECT id, updated_values FROM %s WHERE %s AND operation = 'insert' AND id <= ? ORDER BY id DESC LIMIT 1`,
		ident.Quote(t.Audit), t.KeyEquals())
}

// SelectWindow lists a row's entries between two versions inclusive, in
// replay order: key parameters first, then the lower and upper bounds.
func (t Table) SelectWindow() string {
	return fmt.Sprintf(
		`SELECT operation, updated_values FROM %s WHERE %s AND id >= ? AND id <= ? ORDER BY id`,
		ident.Quote(t.Audit), t.KeyEquals())
}

// SelectReplay lists every entry up to the given cutoffs in replay order.
// Conditions are ANDed; pass none for a full replay.
func (t Table) SelectReplay(conds []string) string {
	var b strings.Builder
	b.WriteString("SELECT id, operation, ")
	for _, k := range t.Key {
		fmt.Fprintf(&b, "%s, ", ident.Quote(k.Audit))
	}
	fmt.Fprintf(&b, "updated_values FROM %s", ident.Quote(t.Audit))
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY id")
	return b.String()
}

// RowState returns a self-contained query reconstructing one row's state at
// a version entirely inside SQLite. Parameters are named: :pk for a single
// key column, :pk_1..:pk_N for compound keys, and :target_id for the
// version. The result is one column holding the encoded JSON state, NULL if
// the row was deleted at that version, and no rows if it has no history.
func (t Table) RowState() string {
	conds := make([]string, len(t.Key))
	for i, k := range t.Key {
		param := ":pk"
		if len(t.Key) > 1 {
			param = fmt.Sprintf(":pk_%d", i+1)
		}
		conds[i] = fmt.Sprintf("%s = %s", ident.Quote(k.Audit), param)
	}
	keyEq := strings.Join(conds, " AND ")
	audit := ident.Quote(t.Audit)

	return fmt.Sprintf(`WITH RECURSIVE base AS (
    SELECT id, updated_values
    FROM %s
    WHERE %s AND operation = 'insert' AND id <= :target_id
    ORDER BY id DESC
    LIMIT 1
),
steps(id, state) AS (
    SELECT id, json(updated_values) FROM base
    UNION ALL
    SELECT e.id,
           CASE e.operation
               WHEN 'delete' THEN NULL
               ELSE json_patch(steps.state, coalesce(e.updated_values, '{}'))
           END
    FROM steps
    JOIN %s e ON e.id = (
        SELECT min(id) FROM %s
        WHERE %s AND id > steps.id AND id <= :target_id
    )
)
SELECT state FROM steps ORDER BY id DESC LIMIT 1`,
		audit, keyEq, audit, audit, keyEq)
}
