package rewind

// Operation classifies an audit entry.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Entry is one row of an audit table. Entries are append-only; the id is the
// sole total order for replay, the timestamp is advisory.
type Entry struct {
	ID        int64     `json:"id"`
	Timestamp string    `json:"timestamp"`
	Operation Operation `json:"operation"`

	// Key holds the tracked row's primary-key values, keyed by the source
	// table's own column names.
	Key map[string]any `json:"key"`

	// UpdatedValues is the encoded diff: every non-key column for an insert,
	// only the changed columns for an update, nil for a delete.
	UpdatedValues map[string]any `json:"updated_values"`

	// Group links the entry to the change group it was written under.
	Group     *int64  `json:"group"`
	GroupNote *string `json:"group_note"`
}
