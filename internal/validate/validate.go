// Package validate evaluates declarative per-field rules against a form
// record. Validation is pure and synchronous; unknown fields in the record
// are ignored.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"formline/internal/config"
)

// Result reports the outcome of one validation pass. Never persisted.
type Result struct {
	OK          bool              `json:"ok"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
}

type compiledRule struct {
	config.FieldRule
	pattern *regexp.Regexp
}

type Validator struct {
	rules map[string]compiledRule
}

// New compiles the config field rules. Patterns were checked during config
// validation, so compilation failures are programmer errors.
func New(cfg *config.Config) (*Validator, error) {
	rules := make(map[string]compiledRule, len(cfg.Fields))
	for name, rule := range cfg.Fields {
		cr := compiledRule{FieldRule: rule}
		if rule.Pattern != "" {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", name, err)
			}
			cr.pattern = re
		}
		rules[name] = cr
	}
	return &Validator{rules: rules}, nil
}

// Check validates the named fields of record. Fields without a rule pass.
func (v *Validator) Check(record map[string]string, fields []string) Result {
	res := Result{OK: true}
	for _, name := range fields {
		rule, ok := v.rules[name]
		if !ok {
			continue
		}
		value := Normalize(name, record[name])
		msg := v.checkField(rule, value, record)
		if msg != "" {
			if res.FieldErrors == nil {
				res.FieldErrors = map[string]string{}
			}
			res.FieldErrors[name] = msg
			res.OK = false
		}
	}
	return res
}

func (v *Validator) checkField(rule compiledRule, value string, record map[string]string) string {
	required := rule.Required
	if !required && rule.RequiredIf != "" {
		required = strings.TrimSpace(record[rule.RequiredIf]) != ""
	}
	if value == "" {
		if required {
			return requiredMessage(rule.FieldRule)
		}
		return ""
	}
	if rule.MinLength > 0 && len([]rune(value)) < rule.MinLength {
		return ruleMessage(rule.FieldRule, fmt.Sprintf("must be at least %d characters", rule.MinLength))
	}
	if rule.MaxLength > 0 && len([]rune(value)) > rule.MaxLength {
		return ruleMessage(rule.FieldRule, fmt.Sprintf("must be at most %d characters", rule.MaxLength))
	}
	if rule.pattern != nil && !rule.pattern.MatchString(value) {
		return ruleMessage(rule.FieldRule, "invalid format")
	}
	return ""
}

// Normalize trims whitespace and applies field-specific cleanup before rule
// evaluation. Postal codes lose inner spaces so "75 011" matches the 5-digit
// rule.
func Normalize(field, value string) string {
	value = strings.TrimSpace(value)
	switch field {
	case "postalCode":
		value = strings.ReplaceAll(value, " ", "")
	case "vatNumber":
		value = strings.ToUpper(strings.ReplaceAll(value, " ", ""))
	}
	return value
}

// NormalizeRecord returns a copy of record with Normalize applied per field.
func NormalizeRecord(record map[string]string) map[string]string {
	out := make(map[string]string, len(record))
	for k, v := range record {
		out[k] = Normalize(k, v)
	}
	return out
}

func requiredMessage(rule config.FieldRule) string {
	if rule.Message != "" {
		return rule.Message
	}
	return "this field is required"
}

func ruleMessage(rule config.FieldRule, fallback string) string {
	if rule.Message != "" {
		return rule.Message
	}
	return fallback
}
