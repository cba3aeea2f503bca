package domain

import (
	"regexp"
	"strings"
)

// LogicalField names a static column of the import template.
type LogicalField string

const (
	FieldAssetCode          LogicalField = "asset_code"
	FieldAssetName          LogicalField = "name"
	FieldClassificationCode LogicalField = "classification_code"
	FieldPropertyName       LogicalField = "property_name"
	FieldBuildingName       LogicalField = "building_name"
	FieldDescription        LogicalField = "description"
	FieldManufacturer       LogicalField = "manufacturer"
	FieldModel              LogicalField = "model"
	FieldSerialNumber       LogicalField = "serial_number"
)

// RequiredLogicalFields must each be mapped to a column for a file to be importable.
var RequiredLogicalFields = []LogicalField{
	FieldAssetCode,
	FieldAssetName,
	FieldClassificationCode,
	FieldPropertyName,
	FieldBuildingName,
}

// ExcelColumnMapping maps spreadsheet headers onto logical fields and dynamic field codes.
// Header labels are matched case-insensitively after whitespace trimming.
type ExcelColumnMapping struct {
	Columns       map[string]LogicalField `json:"columns"`
	DynamicFields map[string]string       `json:"dynamicFields,omitempty"`
	// UnmappedAsDynamic treats every other header as a dynamic field whose code is
	// the slugified header label.
	UnmappedAsDynamic bool `json:"unmappedAsDynamic"`
}

// DefaultColumnMapping returns the mapping for the standard import template.
func DefaultColumnMapping() ExcelColumnMapping {
	return ExcelColumnMapping{
		Columns: map[string]LogicalField{
			"asset code":          FieldAssetCode,
			"asset tag":           FieldAssetCode,
			"code":                FieldAssetCode,
			"name":                FieldAssetName,
			"asset name":          FieldAssetName,
			"classification code": FieldClassificationCode,
			"classification":      FieldClassificationCode,
			"property":            FieldPropertyName,
			"property name":       FieldPropertyName,
			"building":            FieldBuildingName,
			"building name":       FieldBuildingName,
			"description":         FieldDescription,
			"manufacturer":        FieldManufacturer,
			"model":               FieldModel,
			"serial number":       FieldSerialNumber,
		},
		DynamicFields:     map[string]string{},
		UnmappedAsDynamic: true,
	}
}

// Normalized returns a copy with lower-cased header keys.
func (m ExcelColumnMapping) Normalized() ExcelColumnMapping {
	out := ExcelColumnMapping{
		Columns:           make(map[string]LogicalField, len(m.Columns)),
		DynamicFields:     make(map[string]string, len(m.DynamicFields)),
		UnmappedAsDynamic: m.UnmappedAsDynamic,
	}
	for header, field := range m.Columns {
		out.Columns[HeaderKey(header)] = field
	}
	for header, code := range m.DynamicFields {
		out.DynamicFields[HeaderKey(header)] = strings.TrimSpace(code)
	}
	return out
}

// IsZero reports whether no columns are mapped.
func (m ExcelColumnMapping) IsZero() bool {
	return len(m.Columns) == 0 && len(m.DynamicFields) == 0 && !m.UnmappedAsDynamic
}

// HeaderKey is the comparison form of a header label.
func HeaderKey(label string) string {
	return strings.ToLower(strings.Join(strings.Fields(label), " "))
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// FieldCodeFromHeader derives a dynamic field code from a header label.
func FieldCodeFromHeader(label string) string {
	value := strings.ToLower(strings.TrimSpace(label))
	value = slugPattern.ReplaceAllString(value, "_")
	return strings.Trim(value, "_")
}
