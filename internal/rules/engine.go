package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/validata-io/validata/internal/domain"
)

// Evaluate runs a single rule against a row. It returns nil on pass, or a
// ValidationError with no file or row attribution; the caller owns
// provenance.
//
// Only REQUIRED enforces presence. FORMAT, RANGE and LENGTH treat an absent
// or blank field as passing, so one field can carry several orthogonal
// checks without also being required.
func Evaluate(rule Rule, row domain.Row) *domain.ValidationError {
	raw, present := row.Lookup(rule.Field)
	trimmed := strings.TrimSpace(raw)

	switch rule.Kind {
	case domain.ErrorKindRequired:
		if !present || trimmed == "" {
			return fail(rule, raw, "%s is required", rule.Field)
		}
	case domain.ErrorKindFormat:
		if !present || trimmed == "" {
			return nil
		}
		if !rule.Pattern.MatchString(trimmed) {
			return fail(rule, raw, "%s does not match expected pattern", rule.Field)
		}
	case domain.ErrorKindRange:
		if !present || trimmed == "" {
			return nil
		}
		value, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return unknown(rule, raw, fmt.Sprintf("%s must be numeric for range validation", rule.Field))
		}
		if rule.Min != nil && value < *rule.Min {
			return fail(rule, raw, "%s must be at least %v", rule.Field, *rule.Min)
		}
		if rule.Max != nil && value > *rule.Max {
			return fail(rule, raw, "%s must be at most %v", rule.Field, *rule.Max)
		}
	case domain.ErrorKindLength:
		if !present || trimmed == "" {
			return nil
		}
		if utf8.RuneCountInString(raw) > rule.MaxLength {
			return fail(rule, raw, "%s exceeds maximum length of %d", rule.Field, rule.MaxLength)
		}
	case domain.ErrorKindDuplicate:
		// Surfaced post-hoc by the batch loader from the store's uniqueness
		// constraints; nothing to check against the row alone.
		return nil
	}

	return nil
}

func fail(rule Rule, value string, format string, args ...any) *domain.ValidationError {
	message := rule.Message
	if message == "" {
		message = fmt.Sprintf(format, args...)
	}
	return &domain.ValidationError{
		Kind:       rule.Kind,
		FieldName:  rule.Field,
		FieldValue: value,
		Message:    message,
	}
}

func unknown(rule Rule, value, message string) *domain.ValidationError {
	return &domain.ValidationError{
		Kind:       domain.ErrorKindUnknown,
		FieldName:  rule.Field,
		FieldValue: value,
		Message:    message,
	}
}
