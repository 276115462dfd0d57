package ident

import (
	"strings"
)

// Quote safely quotes a single identifier part.
func Quote(part string) string {
	return `"` + strings.ReplaceAll(part, `"`, `""`) + `"`
}

// QuoteAll quotes every identifier in parts.
func QuoteAll(parts []string) []string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = Quote(p)
	}
	return quoted
}

// Literal renders s as a SQL string literal with proper quoting.
func Literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
