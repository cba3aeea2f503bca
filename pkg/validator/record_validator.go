package validator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/schema"
)

// SchemaSource resolves classification codes to compiled schemas.
type SchemaSource interface {
	Lookup(ctx context.Context, code string) (*schema.Schema, error)
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

// ValidationResult represents the result of validation
type ValidationResult struct {
	IsValid  bool              `json:"is_valid"`
	Errors   []ValidationError `json:"errors"`
	Warnings []ValidationError `json:"warnings"`
	// Values holds the typed values to persist; undeclared fields are excluded.
	Values domain.Attributes `json:"-"`
}

// Engine checks candidate records against their classification schema.
type Engine struct {
	schemas SchemaSource
}

// NewEngine creates a validation engine reading schemas from source.
func NewEngine(source SchemaSource) *Engine {
	return &Engine{schemas: source}
}

// Validate checks the record's dynamic fields. Data problems are reported in the
// result; the returned error is reserved for schema lookups that fail for reasons
// other than an unknown code.
func (e *Engine) Validate(ctx context.Context, record domain.CandidateRecord) (ValidationResult, error) {
	result := ValidationResult{
		IsValid:  true,
		Errors:   []ValidationError{},
		Warnings: []ValidationError{},
		Values:   domain.Attributes{},
	}

	s, err := e.schemas.Lookup(ctx, record.ClassificationCode)
	if err != nil {
		if errors.Is(err, schema.ErrUnknownCode) {
			result.addError(string(domain.FieldClassificationCode),
				fmt.Sprintf("classification code '%s' is unknown or inactive", record.ClassificationCode),
				record.ClassificationCode)
			return result, nil
		}
		return result, err
	}

	for _, field := range s.Fields {
		cell, present := record.Fields[field.Code]
		if !present || cell.Blank() {
			if field.HasDefault() {
				cell = domain.Cell{Value: strings.TrimSpace(*field.DefaultValue)}
			} else if field.Required {
				result.addError(field.Code, fmt.Sprintf("required field '%s' is missing", field.Label()), "")
				continue
			} else {
				continue
			}
		}

		value, ok := result.checkField(s, field, cell)
		if ok {
			result.Values[field.Code] = value
		}
	}

	declared := make(map[string]struct{}, len(s.Fields))
	for _, field := range s.Fields {
		declared[field.Code] = struct{}{}
	}
	var unknown []string
	for code, cell := range record.Fields {
		if _, ok := declared[code]; ok || cell.Blank() {
			continue
		}
		unknown = append(unknown, code)
	}
	sort.Strings(unknown)
	for _, code := range unknown {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   code,
			Message: fmt.Sprintf("field '%s' is not defined for classification code %s and was ignored", code, s.Code.Code),
			Value:   record.Fields[code].Value,
		})
	}

	return result, nil
}

// checkField runs coercion, bounds, pattern and option checks in that order,
// stopping at the first failure.
func (r *ValidationResult) checkField(s *schema.Schema, field domain.FieldDefinition, cell domain.Cell) (domain.FieldValue, bool) {
	value, err := Coerce(field.ValueKind, cell)
	if err != nil {
		r.addError(field.Code, fmt.Sprintf("%s: %v", field.Label(), err), cell.Value)
		return domain.FieldValue{}, false
	}

	if msg := checkBounds(field, value); msg != "" {
		r.addError(field.Code, fmt.Sprintf("%s: %s", field.Label(), msg), cell.Value)
		return domain.FieldValue{}, false
	}

	if pattern := s.Pattern(field.Code); pattern != nil {
		for _, candidate := range patternSubjects(value) {
			if !pattern.MatchString(candidate) {
				r.addError(field.Code, fmt.Sprintf("%s: value %q does not match pattern %s", field.Label(), candidate, field.Pattern), cell.Value)
				return domain.FieldValue{}, false
			}
		}
	}

	if field.ValueKind.IsSelect() {
		canonical := make([]string, 0, len(value.Selected))
		for _, selected := range value.Selected {
			option, ok := matchOption(field.Options, selected)
			if !ok {
				r.addError(field.Code, fmt.Sprintf("%s: value %q is not one of [%s]", field.Label(), selected, strings.Join(field.Options, ", ")), cell.Value)
				return domain.FieldValue{}, false
			}
			canonical = append(canonical, option)
		}
		value.Selected = canonical
	}

	return value, true
}

func checkBounds(field domain.FieldDefinition, value domain.FieldValue) string {
	switch value.Kind {
	case domain.ValueKindNumber, domain.ValueKindInteger:
		number := value.Number
		if value.Kind == domain.ValueKindInteger {
			number = decimalFromInt(value.Integer)
		}
		if field.Min != nil && number.LessThan(*field.Min) {
			return fmt.Sprintf("value %s is below the minimum %s", number, field.Min)
		}
		if field.Max != nil && number.GreaterThan(*field.Max) {
			return fmt.Sprintf("value %s is above the maximum %s", number, field.Max)
		}
	case domain.ValueKindText:
		length := utf8.RuneCountInString(value.Text)
		if field.MinLength != nil && length < *field.MinLength {
			return fmt.Sprintf("value is shorter than %d characters", *field.MinLength)
		}
		if field.MaxLength != nil && length > *field.MaxLength {
			return fmt.Sprintf("value is longer than %d characters", *field.MaxLength)
		}
	}
	return ""
}

func patternSubjects(value domain.FieldValue) []string {
	if value.Kind.IsSelect() {
		return value.Selected
	}
	return []string{value.String()}
}

func matchOption(options []string, value string) (string, bool) {
	for _, option := range options {
		if strings.EqualFold(strings.TrimSpace(option), value) {
			return option, true
		}
	}
	return "", false
}

func (r *ValidationResult) addError(field, message, value string) {
	r.IsValid = false
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message, Value: value})
}
