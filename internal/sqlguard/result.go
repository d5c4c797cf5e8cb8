// Package sqlguard screens generated SQL before it reaches the database and
// qualifies columns that would be ambiguous across joined tables. Both passes
// are lexical heuristics over the raw text, not a SQL parser.
package sqlguard

// Result is a validation verdict. The zero value is not valid; use Valid or Invalid.
type Result struct {
	ok     bool
	reason string
}

func Valid() Result {
	return Result{ok: true}
}

func Invalid(reason string) Result {
	return Result{reason: reason}
}

func (r Result) OK() bool {
	return r.ok
}

// Reason is empty for valid results.
func (r Result) Reason() string {
	return r.reason
}

func (r Result) String() string {
	if r.ok {
		return "valid"
	}
	return "invalid: " + r.reason
}
