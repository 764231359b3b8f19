package rules

import "github.com/validata-io/validata/internal/domain"

// RowValidator applies a full ordered rule set to single rows.
type RowValidator struct {
	rules []Rule
}

// NewRowValidator creates a validator over a compiled rule list.
func NewRowValidator(rules []Rule) *RowValidator {
	return &RowValidator{rules: rules}
}

// Validate runs every rule against the row and returns the accumulated
// errors in rule declaration order. It never short-circuits across rules: a
// row can fail several checks at once, and repeated calls with the same
// inputs produce the same list in the same order.
func (v *RowValidator) Validate(row domain.Row) []domain.ValidationError {
	var errs []domain.ValidationError
	for _, rule := range v.rules {
		if failure := Evaluate(rule, row); failure != nil {
			errs = append(errs, *failure)
		}
	}
	return errs
}

// UniqueFields returns the fields covered by DUPLICATE rules, in declaration
// order. The orchestrator hands these to the batch loader's target so unique
// violations can be attributed even when the store's error detail is
// unusable.
func (v *RowValidator) UniqueFields() []string {
	var fields []string
	for _, rule := range v.rules {
		if rule.Kind == domain.ErrorKindDuplicate {
			fields = append(fields, rule.Field)
		}
	}
	return fields
}
