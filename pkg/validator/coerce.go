package validator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/assetimport/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

var timeLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006/01/02",
	"02.01.2006",
	"02/01/2006",
	"01/02/2006",
	"2-Jan-2006",
	"02-Jan-06",
	"Jan 2, 2006",
}

// converter turns a normalized cell into a typed value for one value kind.
type converter func(cell domain.Cell) (domain.FieldValue, error)

var converters = map[domain.ValueKind]converter{
	domain.ValueKindText:         toText,
	domain.ValueKindNumber:       toNumber,
	domain.ValueKindInteger:      toInteger,
	domain.ValueKindDate:         toDate,
	domain.ValueKindBoolean:      toBoolean,
	domain.ValueKindSingleSelect: toSingleSelect,
	domain.ValueKindMultiSelect:  toMultiSelect,
}

// Coerce converts a cell to the declared kind.
func Coerce(kind domain.ValueKind, cell domain.Cell) (domain.FieldValue, error) {
	convert, ok := converters[kind]
	if !ok {
		return domain.FieldValue{}, fmt.Errorf("unsupported value kind %q", kind)
	}
	return convert(cell)
}

func toText(cell domain.Cell) (domain.FieldValue, error) {
	return domain.TextValue(cell.Value), nil
}

func toNumber(cell domain.Cell) (domain.FieldValue, error) {
	raw := numericText(cell.Value)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return domain.FieldValue{}, fmt.Errorf("value %q is not a valid number", cell.Value)
	}
	return domain.NumberValue(d), nil
}

func toInteger(cell domain.Cell) (domain.FieldValue, error) {
	raw := numericText(cell.Value)
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return domain.IntegerValue(i), nil
	}
	if d, err := decimal.NewFromString(raw); err == nil && d.IsInteger() {
		return domain.IntegerValue(d.IntPart()), nil
	}
	return domain.FieldValue{}, fmt.Errorf("value %q is not a valid integer", cell.Value)
}

func toDate(cell domain.Cell) (domain.FieldValue, error) {
	raw := strings.TrimSpace(cell.Value)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return domain.DateValue(ts), nil
		}
	}
	// Unformatted date cells arrive as spreadsheet serial numbers.
	if cell.Numeric {
		if serial, err := strconv.ParseFloat(raw, 64); err == nil && serial > 0 && serial < 2958466 {
			if ts, err := excelize.ExcelDateToTime(serial, false); err == nil {
				return domain.DateValue(ts), nil
			}
		}
	}
	return domain.FieldValue{}, fmt.Errorf("value %q is not a recognized date", cell.Value)
}

func toBoolean(cell domain.Cell) (domain.FieldValue, error) {
	value := strings.ToLower(strings.TrimSpace(cell.Value))
	switch value {
	case "1", "yes", "y", "x":
		return domain.BooleanValue(true), nil
	case "0", "no", "n":
		return domain.BooleanValue(false), nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return domain.FieldValue{}, fmt.Errorf("value %q is not a valid boolean", cell.Value)
	}
	return domain.BooleanValue(b), nil
}

func toSingleSelect(cell domain.Cell) (domain.FieldValue, error) {
	return domain.SingleSelectValue(strings.TrimSpace(cell.Value)), nil
}

func toMultiSelect(cell domain.Cell) (domain.FieldValue, error) {
	parts := strings.FieldsFunc(cell.Value, func(r rune) bool {
		return r == ',' || r == ';' || r == '|' || r == '\n'
	})
	selected := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			selected = append(selected, trimmed)
		}
	}
	if len(selected) == 0 {
		return domain.FieldValue{}, fmt.Errorf("value %q contains no selections", cell.Value)
	}
	return domain.MultiSelectValue(selected), nil
}

// numericText strips grouping spaces and underscores so "1 200" parses.
func numericText(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.ReplaceAll(raw, " ", "")
	raw = strings.ReplaceAll(raw, "\u00a0", "")
	return strings.ReplaceAll(raw, "_", "")
}

func decimalFromInt(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}
