package rewind

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPrimaryKey is returned when a table cannot be tracked because it
	// declares no explicit primary key.
	ErrNoPrimaryKey = errors.New("rewind: table has no explicit primary key")

	// ErrNotTracked is returned when an audit operation targets a table whose
	// audit table does not exist.
	ErrNotTracked = errors.New("rewind: table is not tracked")

	// ErrGroupActive is returned when a change group is started while another
	// one is still active.
	ErrGroupActive = errors.New("rewind: a change group is already active")
)

// DecodeError reports an encoded value token that cannot be decoded.
type DecodeError struct {
	Token  any
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("rewind: cannot decode value token %v: %s", e.Token, e.Reason)
}

// ReplayConsistencyError reports an audit entry that cannot be applied during
// replay, which indicates a corrupted or hand-edited audit log, or a log
// predating a schema change of the tracked table.
type ReplayConsistencyError struct {
	Table     string
	Operation Operation
	EntryID   int64
	// Column is set when the entry's diff names a column the tracked table no
	// longer has.
	Column string
}

func (e *ReplayConsistencyError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("rewind: replay of %q failed: entry %d (%s) references column %q, which the table no longer has",
			e.Table, e.EntryID, e.Operation, e.Column)
	}
	return fmt.Sprintf("rewind: replay of %q failed: entry %d (%s) targets a row that does not exist",
		e.Table, e.EntryID, e.Operation)
}

// ConfigurationError reports an invalid combination of options.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "rewind: " + e.Reason
}
