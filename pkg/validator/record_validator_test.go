package validator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/repository/memory"
	"github.com/rpattn/assetimport/internal/schema"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func decPtr(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func strPtr(v string) *string { return &v }

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store := memory.NewStore()
	registry, err := schema.NewRegistry(store.Classifications())
	require.NoError(t, err)

	_, err = registry.Save(context.Background(), domain.ClassificationCode{
		Code:        "PUMP",
		DisplayName: "Pump",
		Active:      true,
		Fields: []domain.FieldDefinition{
			{Code: "flow_rate", DisplayName: "Flow rate", ValueKind: domain.ValueKindNumber, Required: true, Min: decPtr("0"), Max: decPtr("100")},
			{Code: "stages", ValueKind: domain.ValueKindInteger, Min: decPtr("1")},
			{Code: "tag", ValueKind: domain.ValueKindText, Pattern: "P-[0-9]+", MaxLength: intPtr(6)},
			{Code: "installed", ValueKind: domain.ValueKindDate},
			{Code: "redundant", ValueKind: domain.ValueKindBoolean},
			{Code: "medium", ValueKind: domain.ValueKindSingleSelect, Options: []string{"Water", "Glycol"}, DefaultValue: strPtr("water")},
			{Code: "seals", ValueKind: domain.ValueKindMultiSelect, Options: []string{"Mechanical", "Packing", "Lip"}},
		},
	})
	require.NoError(t, err)
	return NewEngine(registry)
}

func record(fields map[string]string) domain.CandidateRecord {
	cells := make(map[string]domain.Cell, len(fields))
	for k, v := range fields {
		cells[k] = domain.Cell{Value: v}
	}
	return domain.CandidateRecord{
		Row:                1,
		AssetCode:          "A-1",
		Name:               "Pump 1",
		ClassificationCode: "pump",
		PropertyName:       "HQ",
		BuildingName:       "Main",
		Fields:             cells,
	}
}

func TestValidateAcceptsAndCoerces(t *testing.T) {
	engine := newTestEngine(t)

	result, err := engine.Validate(context.Background(), record(map[string]string{
		"flow_rate": "12.5",
		"stages":    "3",
		"tag":       "P-12",
		"installed": "2023-04-01",
		"redundant": "yes",
		"seals":     "mechanical; lip",
	}))
	require.NoError(t, err)
	require.True(t, result.IsValid, "errors: %+v", result.Errors)

	assert.True(t, result.Values["flow_rate"].Number.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, int64(3), result.Values["stages"].Integer)
	assert.Equal(t, time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC), result.Values["installed"].Date)
	assert.True(t, result.Values["redundant"].Bool)
	assert.Equal(t, []string{"Water"}, result.Values["medium"].Selected, "default canonicalized to the declared option")
	assert.Equal(t, []string{"Mechanical", "Lip"}, result.Values["seals"].Selected)
	assert.Empty(t, result.Warnings)
}

func TestValidateReportsFieldErrors(t *testing.T) {
	engine := newTestEngine(t)

	cases := []struct {
		name   string
		fields map[string]string
		field  string
		msg    string
	}{
		{name: "missing required", fields: map[string]string{}, field: "flow_rate", msg: "required field 'Flow rate' is missing"},
		{name: "not a number", fields: map[string]string{"flow_rate": "fast"}, field: "flow_rate", msg: "not a valid number"},
		{name: "above max", fields: map[string]string{"flow_rate": "150"}, field: "flow_rate", msg: "above the maximum 100"},
		{name: "integer below min", fields: map[string]string{"flow_rate": "1", "stages": "0"}, field: "stages", msg: "below the minimum 1"},
		{name: "pattern", fields: map[string]string{"flow_rate": "1", "tag": "X-1"}, field: "tag", msg: "does not match pattern"},
		{name: "too long", fields: map[string]string{"flow_rate": "1", "tag": "P-12345"}, field: "tag", msg: "longer than 6 characters"},
		{name: "bad date", fields: map[string]string{"flow_rate": "1", "installed": "soon"}, field: "installed", msg: "not a recognized date"},
		{name: "bad option", fields: map[string]string{"flow_rate": "1", "medium": "Oil"}, field: "medium", msg: "is not one of [Water, Glycol]"},
		{name: "bad multi option", fields: map[string]string{"flow_rate": "1", "seals": "Lip, Magnetic"}, field: "seals", msg: `"Magnetic" is not one of`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := engine.Validate(context.Background(), record(tc.fields))
			require.NoError(t, err)
			require.False(t, result.IsValid)
			require.Len(t, result.Errors, 1)
			assert.Equal(t, tc.field, result.Errors[0].Field)
			assert.Contains(t, result.Errors[0].Message, tc.msg)
			_, stored := result.Values[tc.field]
			assert.False(t, stored)
		})
	}
}

func TestValidateCollectsEveryFieldError(t *testing.T) {
	engine := newTestEngine(t)

	result, err := engine.Validate(context.Background(), record(map[string]string{
		"stages":    "many",
		"redundant": "perhaps",
	}))
	require.NoError(t, err)
	require.False(t, result.IsValid)

	fields := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		fields = append(fields, e.Field)
	}
	assert.Equal(t, []string{"flow_rate", "stages", "redundant"}, fields)
}

func TestValidateWarnsOnUndeclaredFields(t *testing.T) {
	engine := newTestEngine(t)

	result, err := engine.Validate(context.Background(), record(map[string]string{
		"flow_rate": "5",
		"colour":    "red",
		"notes":     "",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "colour", result.Warnings[0].Field)
	_, stored := result.Values["colour"]
	assert.False(t, stored)
}

func TestValidateUnknownClassification(t *testing.T) {
	engine := newTestEngine(t)

	rec := record(map[string]string{"flow_rate": "5"})
	rec.ClassificationCode = "VALVE"
	result, err := engine.Validate(context.Background(), rec)
	require.NoError(t, err)
	require.False(t, result.IsValid)
	assert.Equal(t, string(domain.FieldClassificationCode), result.Errors[0].Field)
	assert.Contains(t, result.Errors[0].Message, "'VALVE' is unknown or inactive")
}

type failingSource struct{ err error }

func (f failingSource) Lookup(context.Context, string) (*schema.Schema, error) {
	return nil, f.err
}

func TestValidatePropagatesStorageErrors(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := NewEngine(failingSource{err: boom}).Validate(context.Background(), record(nil))
	assert.ErrorIs(t, err, boom)
}

func TestCoerce(t *testing.T) {
	cases := []struct {
		name string
		kind domain.ValueKind
		cell domain.Cell
		want string
		err  bool
	}{
		{name: "grouped number", kind: domain.ValueKindNumber, cell: domain.Cell{Value: "1 200,5"}, err: true},
		{name: "grouped number with dot", kind: domain.ValueKindNumber, cell: domain.Cell{Value: "1 200.5"}, want: "1200.5"},
		{name: "nbsp grouping", kind: domain.ValueKindInteger, cell: domain.Cell{Value: "12\u00a0000"}, want: "12000"},
		{name: "integral decimal", kind: domain.ValueKindInteger, cell: domain.Cell{Value: "4.0"}, want: "4"},
		{name: "fractional integer", kind: domain.ValueKindInteger, cell: domain.Cell{Value: "4.5"}, err: true},
		{name: "european date", kind: domain.ValueKindDate, cell: domain.Cell{Value: "31.12.2022"}, want: "2022-12-31"},
		{name: "serial date", kind: domain.ValueKindDate, cell: domain.Cell{Value: "45000", Numeric: true}, want: "2023-03-15"},
		{name: "serial date needs numeric cell", kind: domain.ValueKindDate, cell: domain.Cell{Value: "45000"}, err: true},
		{name: "boolean x", kind: domain.ValueKindBoolean, cell: domain.Cell{Value: "X"}, want: "true"},
		{name: "boolean false", kind: domain.ValueKindBoolean, cell: domain.Cell{Value: "FALSE"}, want: "false"},
		{name: "empty multi", kind: domain.ValueKindMultiSelect, cell: domain.Cell{Value: " ; , "}, err: true},
		{name: "unsupported", kind: domain.ValueKind("json"), cell: domain.Cell{Value: "{}"}, err: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Coerce(tc.kind, tc.cell)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.String())
		})
	}
}
