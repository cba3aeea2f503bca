package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ValueKind is the declared kind of a dynamic field value.
type ValueKind string

const (
	ValueKindText         ValueKind = "text"
	ValueKindNumber       ValueKind = "number"
	ValueKindInteger      ValueKind = "integer"
	ValueKindDate         ValueKind = "date"
	ValueKindBoolean      ValueKind = "boolean"
	ValueKindSingleSelect ValueKind = "single_select"
	ValueKindMultiSelect  ValueKind = "multi_select"
)

// Valid reports whether the kind is one the validation engine understands.
func (k ValueKind) Valid() bool {
	switch k {
	case ValueKindText, ValueKindNumber, ValueKindInteger, ValueKindDate,
		ValueKindBoolean, ValueKindSingleSelect, ValueKindMultiSelect:
		return true
	}
	return false
}

// IsSelect reports whether the kind is constrained by enumerated options.
func (k ValueKind) IsSelect() bool {
	return k == ValueKindSingleSelect || k == ValueKindMultiSelect
}

// StorageKind describes how a field value is persisted.
type StorageKind string

const (
	StorageKindString     StorageKind = "string"
	StorageKindInteger    StorageKind = "integer"
	StorageKindDecimal    StorageKind = "decimal"
	StorageKindDate       StorageKind = "date"
	StorageKindBoolean    StorageKind = "boolean"
	StorageKindStructured StorageKind = "structured"
)

// DefaultStorageKind returns the storage kind implied by a value kind.
func DefaultStorageKind(kind ValueKind) StorageKind {
	switch kind {
	case ValueKindNumber:
		return StorageKindDecimal
	case ValueKindInteger:
		return StorageKindInteger
	case ValueKindDate:
		return StorageKindDate
	case ValueKindBoolean:
		return StorageKindBoolean
	case ValueKindMultiSelect:
		return StorageKindStructured
	default:
		return StorageKindString
	}
}

// FieldDefinition declares one dynamic field for a classification code.
type FieldDefinition struct {
	Code         string           `json:"code"`
	DisplayName  string           `json:"displayName"`
	ValueKind    ValueKind        `json:"valueKind"`
	StorageKind  StorageKind      `json:"storageKind,omitempty"`
	Unit         string           `json:"unit,omitempty"`
	Required     bool             `json:"required"`
	Min          *decimal.Decimal `json:"min,omitempty"`
	Max          *decimal.Decimal `json:"max,omitempty"`
	MinLength    *int             `json:"minLength,omitempty"`
	MaxLength    *int             `json:"maxLength,omitempty"`
	Pattern      string           `json:"pattern,omitempty"`
	Options      []string         `json:"options,omitempty"`
	DefaultValue *string          `json:"defaultValue,omitempty"`
	DisplayOrder int              `json:"displayOrder"`
}

// HasDefault reports whether the field declares an explicit default.
func (f FieldDefinition) HasDefault() bool {
	return f.DefaultValue != nil && strings.TrimSpace(*f.DefaultValue) != ""
}

// Label returns the display name, falling back to the code.
func (f FieldDefinition) Label() string {
	if strings.TrimSpace(f.DisplayName) != "" {
		return f.DisplayName
	}
	return f.Code
}

// ClassificationCode drives which dynamic fields apply to an asset.
type ClassificationCode struct {
	Code        string            `json:"code"`
	Version     int               `json:"version"`
	DisplayName string            `json:"displayName"`
	Category    string            `json:"category"`
	Active      bool              `json:"active"`
	ParentCode  *string           `json:"parentCode,omitempty"`
	Fields      []FieldDefinition `json:"fields"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// NormalizeClassificationCode canonicalizes a code for lookups.
func NormalizeClassificationCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Field returns the definition with the given code.
func (c ClassificationCode) Field(code string) (FieldDefinition, bool) {
	for _, field := range c.Fields {
		if field.Code == code {
			return field, true
		}
	}
	return FieldDefinition{}, false
}

// WithFields returns a copy of the classification code with replaced fields.
func (c ClassificationCode) WithFields(fields []FieldDefinition) ClassificationCode {
	copied := c
	copied.Fields = append([]FieldDefinition(nil), fields...)
	copied.UpdatedAt = time.Now()
	return copied
}
