package rewind

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"

	"github.com/mickamy/rewind/internal/ident"
	"github.com/mickamy/rewind/internal/query"
)

// Column is one column of a tracked table.
type Column struct {
	Name    string
	Type    string
	NotNull bool
	// PK is the column's 1-based position within the primary key, 0 when the
	// column is not part of it.
	PK int
}

// TrackedTable describes a source table whose mutations are captured. It is
// derived from the live schema, so re-deriving it is idempotent.
type TrackedTable struct {
	Name    string
	Columns []Column
}

// KeyColumns returns the primary-key columns in key order.
func (t TrackedTable) KeyColumns() []Column {
	var keys []Column
	for _, c := range t.Columns {
		if c.PK > 0 {
			keys = append(keys, c)
		}
	}
	sort.SliceStable(keys, func(i, j int) bool { return keys[i].PK < keys[j].PK })
	return keys
}

// ValueColumns returns the non-key columns in declaration order.
func (t TrackedTable) ValueColumns() []Column {
	var values []Column
	for _, c := range t.Columns {
		if c.PK == 0 {
			values = append(values, c)
		}
	}
	return values
}

// Resolve derives the TrackedTable for a target, failing with
// ErrNoPrimaryKey when the table declares none.
func (h *Handler) Resolve(ctx context.Context, db DBTX, target any) (TrackedTable, error) {
	name, err := resolveTableName(target)
	if err != nil {
		return TrackedTable{}, err
	}
	t, err := introspect(ctx, db, name)
	if err != nil {
		return TrackedTable{}, err
	}
	if len(t.KeyColumns()) == 0 {
		return TrackedTable{}, fmt.Errorf("%w: %q", ErrNoPrimaryKey, name)
	}
	return t, nil
}

// introspect reads a table's column list from the live schema.
func introspect(ctx context.Context, db DBTX, name string) (TrackedTable, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", ident.Quote(name)))
	if err != nil {
		return TrackedTable{}, fmt.Errorf("rewind: failed to read schema of %q: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	t := TrackedTable{Name: name}
	for rows.Next() {
		var (
			cid     int
			col     Column
			notNull int
			dflt    sql.NullString
		)
		if err := rows.Scan(&cid, &col.Name, &col.Type, &notNull, &dflt, &col.PK); err != nil {
			return TrackedTable{}, fmt.Errorf("rewind: failed to read schema of %q: %w", name, err)
		}
		col.NotNull = notNull != 0
		t.Columns = append(t.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return TrackedTable{}, err
	}
	if len(t.Columns) == 0 {
		return TrackedTable{}, fmt.Errorf("rewind: table %q not found", name)
	}
	return t, nil
}

// queryTable maps a TrackedTable onto the SQL builder descriptor.
func (h *Handler) queryTable(t TrackedTable) query.Table {
	qt := query.Table{
		Name:   t.Name,
		Audit:  h.AuditTableName(t.Name),
		Groups: h.cfg.GroupsTable,
	}
	for _, c := range t.KeyColumns() {
		qt.Key = append(qt.Key, query.KeyColumn{
			Source: c.Name,
			Audit:  AuditKeyColumn(c.Name),
			Type:   c.Type,
		})
	}
	for _, c := range t.ValueColumns() {
		qt.Value = append(qt.Value, query.ValueColumn{Name: c.Name, Type: c.Type})
	}
	return qt
}

// TableNamer provides a custom table name for a model.
type TableNamer interface {
	TableName() string
}

var tableNamerType = reflect.TypeOf((*TableNamer)(nil)).Elem()

// resolveTableName turns a target (a table name or a model struct) into the
// tracked table's name.
func resolveTableName(target any) (string, error) {
	switch v := target.(type) {
	case nil:
		return "", errors.New("rewind: nil table target")
	case string:
		name := strings.TrimSpace(v)
		if name == "" {
			return "", errors.New("rewind: empty table name")
		}
		return name, nil
	}

	val := reflect.ValueOf(target)
	typ := val.Type()

	if typ.Kind() == reflect.Pointer {
		if val.IsNil() {
			return "", fmt.Errorf("rewind: nil pointer target %T", target)
		}
		if namer, ok := val.Interface().(TableNamer); ok {
			return namedTable(namer, target)
		}
		typ = typ.Elem()
		val = val.Elem()
	}

	if namer, ok := val.Interface().(TableNamer); ok {
		return namedTable(namer, target)
	}

	if typ.Kind() == reflect.Struct {
		if reflect.PointerTo(typ).Implements(tableNamerType) {
			inst := reflect.New(typ)
			if namer, ok := inst.Interface().(TableNamer); ok {
				return namedTable(namer, target)
			}
		}
		if typ.Name() == "" {
			return "", fmt.Errorf("rewind: cannot derive table name for anonymous struct of type %v", typ)
		}
		return inflection.Plural(toSnakeCase(typ.Name())), nil
	}

	return "", fmt.Errorf("rewind: unsupported table target %T", target)
}

func namedTable(namer TableNamer, target any) (string, error) {
	name := strings.TrimSpace(namer.TableName())
	if name == "" {
		return "", fmt.Errorf("rewind: TableName returned empty string. %T", target)
	}
	return name, nil
}

func toSnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
