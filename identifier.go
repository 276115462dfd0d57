package rewind

const (
	defaultAuditPrefix = "_history_json_"
	defaultGroupsTable = "_history_json"
	auditKeyPrefix     = "pk_"
)

// AuditTableName returns the audit table name for a tracked table. The
// mapping is a deterministic prefix; identifier quoting keeps tables whose
// names differ only in quote-requiring characters collision-free.
func (h *Handler) AuditTableName(table string) string {
	return h.cfg.AuditPrefix + table
}

// AuditKeyColumn returns the audit-table column name for a source
// primary-key column. Every key column is namespaced the same way, whether
// the key is simple or compound.
func AuditKeyColumn(source string) string {
	return auditKeyPrefix + source
}
