package sqlguard

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/querydesk/querydesk/internal/observability"
)

// Denylist is checked in this order; the first offending keyword names the rejection.
var Denylist = []string{
	"DELETE", "DROP", "UPDATE", "INSERT", "ALTER", "TRUNCATE",
	"CREATE", "RENAME", "REPLACE", "GRANT", "REVOKE",
}

var denylistPatterns = compileDenylist(Denylist)

func compileDenylist(keywords []string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, len(keywords))
	for i, keyword := range keywords {
		patterns[i] = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(keyword))
	}
	return patterns
}

// Validate accepts a single SELECT or SHOW statement with no denylisted keyword.
// A keyword directly after a quote character is treated as part of a string
// literal; no other quoting is recognised.
func Validate(sqlText string) (result Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = Invalid(fmt.Sprintf("Failed to validate SQL: %v", recovered))
		}
		observability.ObserveValidation(result.OK())
	}()

	for i, pattern := range denylistPatterns {
		if hasUnquotedMatch(sqlText, pattern) {
			return Invalid(Denylist[i] + " commands are not allowed")
		}
	}

	trimmed := strings.TrimSpace(sqlText)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "SHOW") {
		return Invalid("Only SELECT and SHOW queries are allowed")
	}

	if strings.Contains(trimmed[:len(trimmed)-1], ";") {
		return Invalid("Multiple SQL statements are not allowed")
	}

	return Valid()
}

func hasUnquotedMatch(sqlText string, pattern *regexp.Regexp) bool {
	for _, loc := range wholeWordMatches(sqlText, pattern) {
		if loc[0] > 0 {
			if prev := sqlText[loc[0]-1]; prev == '\'' || prev == '"' {
				continue
			}
		}
		return true
	}
	return false
}
