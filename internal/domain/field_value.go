package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the canonical layout for date-valued fields.
const DateLayout = "2006-01-02"

// FieldValue is a typed dynamic field value. Only the member matching Kind is meaningful.
type FieldValue struct {
	Kind     ValueKind
	Text     string
	Number   decimal.Decimal
	Integer  int64
	Date     time.Time
	Bool     bool
	Selected []string
}

func TextValue(v string) FieldValue { return FieldValue{Kind: ValueKindText, Text: v} }

func NumberValue(v decimal.Decimal) FieldValue { return FieldValue{Kind: ValueKindNumber, Number: v} }

func IntegerValue(v int64) FieldValue { return FieldValue{Kind: ValueKindInteger, Integer: v} }

func DateValue(v time.Time) FieldValue {
	return FieldValue{Kind: ValueKindDate, Date: time.Date(v.Year(), v.Month(), v.Day(), 0, 0, 0, 0, time.UTC)}
}

func BooleanValue(v bool) FieldValue { return FieldValue{Kind: ValueKindBoolean, Bool: v} }

func SingleSelectValue(v string) FieldValue {
	return FieldValue{Kind: ValueKindSingleSelect, Selected: []string{v}}
}

func MultiSelectValue(v []string) FieldValue {
	return FieldValue{Kind: ValueKindMultiSelect, Selected: append([]string(nil), v...)}
}

// String renders the value the way it would appear in a spreadsheet cell.
func (v FieldValue) String() string {
	switch v.Kind {
	case ValueKindText:
		return v.Text
	case ValueKindNumber:
		return v.Number.String()
	case ValueKindInteger:
		return strconv.FormatInt(v.Integer, 10)
	case ValueKindDate:
		return v.Date.Format(DateLayout)
	case ValueKindBoolean:
		return strconv.FormatBool(v.Bool)
	case ValueKindSingleSelect, ValueKindMultiSelect:
		return strings.Join(v.Selected, ", ")
	default:
		return ""
	}
}

// Equal compares two values of the same kind.
func (v FieldValue) Equal(other FieldValue) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case ValueKindNumber:
		return v.Number.Equal(other.Number)
	case ValueKindDate:
		return v.Date.Equal(other.Date)
	default:
		return v.String() == other.String()
	}
}

type fieldValueJSON struct {
	Kind  ValueKind       `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON stores the value with its kind so it can be decoded without a schema.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch v.Kind {
	case ValueKindText:
		raw, err = json.Marshal(v.Text)
	case ValueKindNumber:
		raw, err = json.Marshal(v.Number.String())
	case ValueKindInteger:
		raw, err = json.Marshal(v.Integer)
	case ValueKindDate:
		raw, err = json.Marshal(v.Date.Format(DateLayout))
	case ValueKindBoolean:
		raw, err = json.Marshal(v.Bool)
	case ValueKindSingleSelect, ValueKindMultiSelect:
		selected := v.Selected
		if selected == nil {
			selected = []string{}
		}
		raw, err = json.Marshal(selected)
	default:
		return nil, fmt.Errorf("unsupported field value kind %q", v.Kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(fieldValueJSON{Kind: v.Kind, Value: raw})
}

// UnmarshalJSON decodes the tagged form produced by MarshalJSON.
func (v *FieldValue) UnmarshalJSON(data []byte) error {
	var envelope fieldValueJSON
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	out := FieldValue{Kind: envelope.Kind}
	switch envelope.Kind {
	case ValueKindText:
		if err := json.Unmarshal(envelope.Value, &out.Text); err != nil {
			return err
		}
	case ValueKindNumber:
		var s string
		if err := json.Unmarshal(envelope.Value, &s); err != nil {
			return err
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("decode number field: %w", err)
		}
		out.Number = d
	case ValueKindInteger:
		if err := json.Unmarshal(envelope.Value, &out.Integer); err != nil {
			return err
		}
	case ValueKindDate:
		var s string
		if err := json.Unmarshal(envelope.Value, &s); err != nil {
			return err
		}
		ts, err := time.Parse(DateLayout, s)
		if err != nil {
			return fmt.Errorf("decode date field: %w", err)
		}
		out.Date = ts
	case ValueKindBoolean:
		if err := json.Unmarshal(envelope.Value, &out.Bool); err != nil {
			return err
		}
	case ValueKindSingleSelect, ValueKindMultiSelect:
		if err := json.Unmarshal(envelope.Value, &out.Selected); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported field value kind %q", envelope.Kind)
	}
	*v = out
	return nil
}

// Attributes holds validated dynamic field values keyed by field code.
type Attributes map[string]FieldValue

// Clone returns a copy safe to mutate.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		if v.Selected != nil {
			v.Selected = append([]string(nil), v.Selected...)
		}
		out[k] = v
	}
	return out
}
