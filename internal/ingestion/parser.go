package ingestion

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rpattn/assetimport/internal/domain"
)

// ErrMissingColumn is returned when a mandatory column is not mapped by any header.
var ErrMissingColumn = errors.New("missing mandatory column")

// structuralFields must hold a value on every row.
var structuralFields = []domain.LogicalField{
	domain.FieldAssetCode,
	domain.FieldClassificationCode,
	domain.FieldAssetName,
	domain.FieldPropertyName,
	domain.FieldBuildingName,
}

type column struct {
	index   int
	header  string
	logical domain.LogicalField
	dynamic string
}

// Parser maps rows of a single file onto candidate records.
type Parser struct {
	columns []column
}

// NewParser resolves the mapping against the file's headers. An empty mapping falls
// back to the default template mapping.
func NewParser(headers []string, mapping domain.ExcelColumnMapping) (*Parser, error) {
	if mapping.IsZero() {
		mapping = domain.DefaultColumnMapping()
	}
	mapping = mapping.Normalized()

	p := &Parser{}
	mapped := make(map[domain.LogicalField]string, len(mapping.Columns))
	dynamic := make(map[string]string)

	for idx, header := range headers {
		key := domain.HeaderKey(header)
		if key == "" {
			continue
		}
		if logical, ok := mapping.Columns[key]; ok {
			if previous, dup := mapped[logical]; dup {
				return nil, fmt.Errorf("columns %q and %q both map to %s", previous, header, logical)
			}
			mapped[logical] = header
			p.columns = append(p.columns, column{index: idx, header: header, logical: logical})
			continue
		}

		code, ok := mapping.DynamicFields[key]
		if !ok && mapping.UnmappedAsDynamic {
			code = domain.FieldCodeFromHeader(header)
		}
		if code == "" {
			continue
		}
		if previous, dup := dynamic[code]; dup {
			return nil, fmt.Errorf("columns %q and %q both map to field %s", previous, header, code)
		}
		dynamic[code] = header
		p.columns = append(p.columns, column{index: idx, header: header, dynamic: code})
	}

	var missing []string
	for _, field := range domain.RequiredLogicalFields {
		if _, ok := mapped[field]; !ok {
			missing = append(missing, string(field))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}
	return p, nil
}

// Parse converts one data row. ordinal is the 1-based data row number used in error reports.
// A blank structural value yields a row error and no record.
func (p *Parser) Parse(row Row, ordinal int) (domain.CandidateRecord, *domain.RowError) {
	record := domain.CandidateRecord{
		Row:    ordinal,
		Line:   row.Line,
		Fields: make(map[string]domain.Cell),
		Raw:    make(map[string]string, len(p.columns)),
	}

	for _, col := range p.columns {
		var cell domain.Cell
		if col.index < len(row.Cells) {
			cell = row.Cells[col.index]
		}
		if !cell.Blank() {
			record.Raw[col.header] = cell.Value
		}
		if col.dynamic != "" {
			record.Fields[col.dynamic] = cell
			continue
		}
		assign(&record, col.logical, cell.Value)
	}

	for _, field := range structuralFields {
		if structuralValue(record, field) == "" {
			rowErr := record.RowError(string(field), fmt.Sprintf("%s is required", strings.ReplaceAll(string(field), "_", " ")))
			return domain.CandidateRecord{}, &rowErr
		}
	}
	return record, nil
}

func assign(record *domain.CandidateRecord, field domain.LogicalField, value string) {
	switch field {
	case domain.FieldAssetCode:
		record.AssetCode = value
	case domain.FieldAssetName:
		record.Name = value
	case domain.FieldClassificationCode:
		record.ClassificationCode = domain.NormalizeClassificationCode(value)
	case domain.FieldPropertyName:
		record.PropertyName = value
	case domain.FieldBuildingName:
		record.BuildingName = value
	case domain.FieldDescription:
		record.Description = value
	case domain.FieldManufacturer:
		record.Manufacturer = value
	case domain.FieldModel:
		record.Model = value
	case domain.FieldSerialNumber:
		record.SerialNumber = value
	}
}

func structuralValue(record domain.CandidateRecord, field domain.LogicalField) string {
	switch field {
	case domain.FieldAssetCode:
		return record.AssetCode
	case domain.FieldAssetName:
		return record.Name
	case domain.FieldClassificationCode:
		return record.ClassificationCode
	case domain.FieldPropertyName:
		return record.PropertyName
	case domain.FieldBuildingName:
		return record.BuildingName
	}
	return ""
}
