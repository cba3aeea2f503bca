package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rpattn/assetimport/internal/domain"
)

// ValidateFields ensures a classification code's field definitions are internally
// consistent. It returns the definitions with storage kinds filled in and ordered
// by display order.
func ValidateFields(fields []domain.FieldDefinition) ([]domain.FieldDefinition, error) {
	seen := make(map[string]struct{}, len(fields))
	out := make([]domain.FieldDefinition, 0, len(fields))

	for idx, field := range fields {
		code := strings.TrimSpace(field.Code)
		if code == "" {
			return nil, fmt.Errorf("field at position %d has no code", idx+1)
		}
		if code != domain.FieldCodeFromHeader(code) {
			return nil, fmt.Errorf("field code %q must be lower snake case", code)
		}
		if _, dup := seen[code]; dup {
			return nil, fmt.Errorf("field code %s is declared more than once", code)
		}
		seen[code] = struct{}{}

		if !field.ValueKind.Valid() {
			return nil, fmt.Errorf("field %s has unsupported value kind %q", code, field.ValueKind)
		}
		if field.StorageKind == "" {
			field.StorageKind = domain.DefaultStorageKind(field.ValueKind)
		}

		if field.Min != nil || field.Max != nil {
			if field.ValueKind != domain.ValueKindNumber && field.ValueKind != domain.ValueKindInteger {
				return nil, fmt.Errorf("field %s declares numeric bounds but is %s", code, field.ValueKind)
			}
			if field.Min != nil && field.Max != nil && field.Min.GreaterThan(*field.Max) {
				return nil, fmt.Errorf("field %s has min %s greater than max %s", code, field.Min, field.Max)
			}
		}
		if field.MinLength != nil && *field.MinLength < 0 {
			return nil, fmt.Errorf("field %s has negative minLength", code)
		}
		if field.MinLength != nil && field.MaxLength != nil && *field.MinLength > *field.MaxLength {
			return nil, fmt.Errorf("field %s has minLength greater than maxLength", code)
		}
		if field.Pattern != "" {
			if _, err := regexp.Compile(field.Pattern); err != nil {
				return nil, fmt.Errorf("field %s has invalid pattern: %w", code, err)
			}
		}
		if field.ValueKind.IsSelect() && len(field.Options) == 0 {
			return nil, fmt.Errorf("field %s is %s but declares no options", code, field.ValueKind)
		}
		if !field.ValueKind.IsSelect() && len(field.Options) > 0 {
			return nil, fmt.Errorf("field %s declares options but is %s", code, field.ValueKind)
		}

		field.Code = code
		out = append(out, field)
	}

	sortByDisplayOrder(out)
	return out, nil
}

func sortByDisplayOrder(fields []domain.FieldDefinition) {
	// insertion sort keeps declaration order for equal display orders
	for i := 1; i < len(fields); i++ {
		for j := i; j > 0 && fields[j].DisplayOrder < fields[j-1].DisplayOrder; j-- {
			fields[j], fields[j-1] = fields[j-1], fields[j]
		}
	}
}
