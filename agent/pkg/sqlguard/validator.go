// Package sqlguard is the read-only safety gate for generated SQL.
package sqlguard

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow"
)

// DenyList is the set of keywords whose presence rejects a query, in the
// order they are reported.
var DenyList = []string{
	"UPDATE", "DELETE", "INSERT", "DROP", "ALTER",
	"TRUNCATE", "GRANT", "REVOKE", "CREATE", "REPLACE",
}

// readOnlyLeads are the leading keywords accepted for the primary statement.
var readOnlyLeads = map[string]bool{
	"SELECT": true,
	"WITH":   true,
}

const (
	msgEmpty          = "Empty SQL query"
	msgMultiple       = "Multiple SQL statements not allowed"
	msgNotSelect      = "Only SELECT statements are allowed"
	msgComments       = "SQL comments not allowed"
	msgSemicolons     = "Multiple statements or improper semicolon usage"
	parseErrorPrefix  = "SQL parsing error: "
	blockedWordPrefix = "Blocked keywords found: "
)

// Validator checks SQL text against the read-only policy. It holds no state
// and is safe for concurrent use.
type Validator struct {
	denyList []string
}

// New returns a Validator using DenyList.
func New() *Validator {
	return &Validator{denyList: DenyList}
}

// Validate evaluates every rule and accumulates all violations in rule order.
func (v *Validator) Validate(sql string) workflow.ValidationResult {
	tokens, err := tokenize(sql)
	if err != nil {
		return invalid(parseErrorPrefix + err.Error())
	}

	stmts := statements(tokens)
	if len(stmts) == 0 {
		return invalid(msgEmpty)
	}

	var errs []string
	if len(stmts) > 1 {
		errs = append(errs, msgMultiple)
	}

	if lead := stmts[0][0]; lead.kind != tokenWord || !readOnlyLeads[strings.ToUpper(lead.value)] {
		errs = append(errs, msgNotSelect)
	}

	if blocked := v.blockedKeywords(sql); len(blocked) > 0 {
		errs = append(errs, blockedWordPrefix+strings.Join(blocked, ", "))
	}

	if strings.Contains(sql, "--") || strings.Contains(sql, "/*") {
		errs = append(errs, msgComments)
	}

	if n := strings.Count(sql, ";"); n > 1 || (n == 1 && !strings.HasSuffix(strings.TrimSpace(sql), ";")) {
		errs = append(errs, msgSemicolons)
	}

	if len(errs) == 0 {
		return workflow.ValidationResult{Valid: true}
	}
	return workflow.ValidationResult{Valid: false, Errors: errs}
}

// blockedKeywords does a padded whole-word scan: a keyword matches when it is
// surrounded by whitespace or directly followed by an opening parenthesis.
func (v *Validator) blockedKeywords(sql string) []string {
	padded := " " + strings.Join(strings.Fields(strings.ToUpper(sql)), " ") + " "
	var found []string
	for _, kw := range v.denyList {
		if strings.Contains(padded, " "+kw+" ") || strings.Contains(padded, " "+kw+"(") {
			found = append(found, kw)
		}
	}
	return found
}

func invalid(msg string) workflow.ValidationResult {
	return workflow.ValidationResult{Valid: false, Errors: []string{msg}}
}

// Classify maps a failed validation to its error kind. Text that could not be
// read as SQL is a parse error, everything else is a policy violation.
func Classify(res workflow.ValidationResult) workflow.ErrorKind {
	if len(res.Errors) == 1 && (strings.HasPrefix(res.Errors[0], parseErrorPrefix) || res.Errors[0] == msgEmpty) {
		return workflow.ErrorKindParse
	}
	return workflow.ErrorKindPolicyViolation
}

// Summary joins validation errors into one message.
func Summary(res workflow.ValidationResult) string {
	if res.Valid {
		return ""
	}
	return fmt.Sprintf("Validation failed: %s", strings.Join(res.Errors, "; "))
}
