package inspector

import (
	"regexp"
	"strings"

	"github.com/HapticTide/iOS-DebugProbe/internal/apierr"
)

// identifierPattern is the strict validation §4.5 mandates for any
// table/column name or orderBy clause built by string concatenation,
// since parameterized statements cannot bind identifiers.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const maxIdentifierLength = 128

// validateIdentifier rejects anything that isn't a bare SQL identifier,
// before it is ever concatenated into generated SQL.
func validateIdentifier(name string) error {
	if len(name) == 0 || len(name) > maxIdentifierLength {
		return apierr.InvalidQuery("identifier length must be between 1 and 128 characters")
	}
	if !identifierPattern.MatchString(name) {
		return apierr.InvalidQuery("identifier " + name + " contains disallowed characters")
	}
	return nil
}

// quoteIdentifier wraps a validated identifier in double quotes for use in
// generated SQL.
func quoteIdentifier(name string) string {
	return `"` + name + `"`
}

// deniedKeywords are rejected as whole words (case-insensitive) anywhere
// in an execute_query statement.
var deniedKeywords = []string{"DROP", "DELETE", "INSERT", "UPDATE", "ALTER", "CREATE", "ATTACH", "DETACH"}

// validateSelectOnly enforces §4.5's execute_query guardrail: the trimmed
// statement must begin with SELECT (case-insensitive), and must contain no
// denylisted keyword as a whole word — `\bWORD\b` avoids flagging
// identifiers like createTimestamp that merely contain a denylisted
// substring.
func validateSelectOnly(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		return apierr.InvalidQuery("only SELECT statements are permitted")
	}
	upper := strings.ToUpper(trimmed)
	for _, kw := range deniedKeywords {
		re := regexp.MustCompile(`\b` + kw + `\b`)
		if re.MatchString(upper) {
			return apierr.InvalidQuery("statement contains a disallowed keyword: " + kw)
		}
	}
	return nil
}

// escapeLikeKeyword escapes %, _, and \ for safe use inside a LIKE pattern
// with ESCAPE '\'. The keyword is always bound as a parameter (never
// concatenated into the statement text), so quote characters need no
// escaping here — doubling them would corrupt a literal apostrophe in the
// search term itself (e.g. "O'Brien" would stop matching "O'Brien").
func escapeLikeKeyword(keyword string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		`%`, `\%`,
		`_`, `\_`,
	)
	return replacer.Replace(keyword)
}
