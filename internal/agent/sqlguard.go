package agent

import (
	"regexp"
	"strings"
)

var disallowedSQLPattern = regexp.MustCompile(`(?i)\b(DROP|DELETE|UPDATE|INSERT|ALTER|PRAGMA|ATTACH)\b`)

// GuardSQL enforces the safeguard every run_sql tool call must pass before
// execution: the statement must start with SELECT, must contain a FROM
// clause, and must not contain any mutating or pragma keyword. It returns
// an empty string when sql is safe, or a human-readable rejection reason.
func GuardSQL(sql string) string {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return "empty SQL statement"
	}
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") {
		return "SQL must start with SELECT"
	}
	if !strings.Contains(upper, "FROM") {
		return "SQL must contain a FROM clause"
	}
	if m := disallowedSQLPattern.FindString(trimmed); m != "" {
		return "SQL contains disallowed keyword: " + strings.ToUpper(m)
	}
	return ""
}
