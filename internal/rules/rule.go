package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/validata-io/validata/internal/domain"
)

// ErrInvalidRule is wrapped by every rule compilation failure.
var ErrInvalidRule = errors.New("invalid rule configuration")

// Config is the loosely typed shape a rule takes in configuration files.
// Compile turns it into a Rule, rejecting malformed parameters up front so
// bad configuration fails at load time rather than mid-run.
type Config struct {
	Kind      string   `mapstructure:"kind" json:"kind"`
	Field     string   `mapstructure:"field" json:"field"`
	Pattern   string   `mapstructure:"pattern" json:"pattern,omitempty"`
	Min       *float64 `mapstructure:"min" json:"min,omitempty"`
	Max       *float64 `mapstructure:"max" json:"max,omitempty"`
	MaxLength int      `mapstructure:"max_length" json:"max_length,omitempty"`
	Message   string   `mapstructure:"message" json:"message,omitempty"`
}

// Rule is a single compiled validation check bound to a field. Exactly the
// parameters for its kind are populated; everything else is zero.
type Rule struct {
	Kind      domain.ErrorKind
	Field     string
	Pattern   *regexp.Regexp
	Min       *float64
	Max       *float64
	MaxLength int
	Message   string
}

// Compile validates a rule configuration and produces an executable Rule.
func (c Config) Compile() (Rule, error) {
	field := strings.TrimSpace(c.Field)
	if field == "" {
		return Rule{}, fmt.Errorf("%w: field is required", ErrInvalidRule)
	}

	rule := Rule{
		Field:   field,
		Message: strings.TrimSpace(c.Message),
	}

	switch domain.ErrorKind(strings.ToUpper(strings.TrimSpace(c.Kind))) {
	case domain.ErrorKindRequired:
		rule.Kind = domain.ErrorKindRequired
	case domain.ErrorKindFormat:
		if strings.TrimSpace(c.Pattern) == "" {
			return Rule{}, fmt.Errorf("%w: format rule for %s needs a pattern", ErrInvalidRule, field)
		}
		pattern, err := regexp.Compile(anchor(c.Pattern))
		if err != nil {
			return Rule{}, fmt.Errorf("%w: format rule for %s: %v", ErrInvalidRule, field, err)
		}
		rule.Kind = domain.ErrorKindFormat
		rule.Pattern = pattern
	case domain.ErrorKindRange:
		if c.Min == nil && c.Max == nil {
			return Rule{}, fmt.Errorf("%w: range rule for %s needs min or max", ErrInvalidRule, field)
		}
		if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
			return Rule{}, fmt.Errorf("%w: range rule for %s has min above max", ErrInvalidRule, field)
		}
		rule.Kind = domain.ErrorKindRange
		rule.Min = c.Min
		rule.Max = c.Max
	case domain.ErrorKindLength:
		if c.MaxLength <= 0 {
			return Rule{}, fmt.Errorf("%w: length rule for %s needs a positive max_length", ErrInvalidRule, field)
		}
		rule.Kind = domain.ErrorKindLength
		rule.MaxLength = c.MaxLength
	case domain.ErrorKindDuplicate:
		// Duplicate detection is a load-time concern backed by the target
		// table's uniqueness constraints; the rule only declares the key.
		rule.Kind = domain.ErrorKindDuplicate
	default:
		return Rule{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, c.Kind)
	}

	return rule, nil
}

// CompileAll compiles an ordered rule list, preserving declaration order.
func CompileAll(configs []Config) ([]Rule, error) {
	compiled := make([]Rule, 0, len(configs))
	for i, cfg := range configs {
		rule, err := cfg.Compile()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		compiled = append(compiled, rule)
	}
	return compiled, nil
}

// anchor forces full-string regex matching unless the pattern already
// carries its own anchors.
func anchor(pattern string) string {
	if strings.HasPrefix(pattern, "^") && strings.HasSuffix(pattern, "$") {
		return pattern
	}
	return "^(?:" + pattern + ")$"
}
