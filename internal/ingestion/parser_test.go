package ingestion

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rpattn/assetimport/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func readAll(t *testing.T, reader RowReader) []Row {
	t.Helper()
	var rows []Row
	for {
		row, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func TestOpenCSVSkipsBlankRowsAndBOM(t *testing.T) {
	data := "\xEF\xBB\xBF\n,,\nAsset Code,Name,Classification\nA-1, Pump 1 ,pump\n,,\nA-2,Fan 2,fan\n"

	reader, err := Open("assets.CSV", strings.NewReader(data))
	require.NoError(t, err)
	defer reader.Close()

	assert.Equal(t, []string{"Asset Code", "Name", "Classification"}, reader.Headers())
	rows := readAll(t, reader)
	require.Len(t, rows, 2)
	assert.Equal(t, 4, rows[0].Line)
	assert.Equal(t, "Pump 1", rows[0].Cells[1].Value)
	assert.False(t, rows[0].Cells[1].Numeric)
	assert.Equal(t, 6, rows[1].Line)
	assert.Equal(t, "Fan 2", rows[1].Cells[1].Value)
}

func TestOpenRejectsUnknownFormats(t *testing.T) {
	_, err := Open("assets.pdf", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Open("empty.csv", strings.NewReader("\n\n"))
	assert.ErrorIs(t, err, ErrNoHeader)
}

func TestOpenExcelStreamsRows(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{"Asset Code", "Name", "Flow Rate", "Installed"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]any{"A-1", "Pump", 12.5, "2023-01-05"}))
	require.NoError(t, f.SetSheetRow(sheet, "A5", &[]any{"A-2", "Pump\u00a0spare ", 7, 45000}))
	var buf bytes.Buffer
	_, err := f.WriteTo(&buf)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reader, err := Open("assets.xlsx", &buf)
	require.NoError(t, err)
	defer reader.Close()

	assert.Equal(t, []string{"Asset Code", "Name", "Flow Rate", "Installed"}, reader.Headers())
	rows := readAll(t, reader)
	require.Len(t, rows, 2)

	assert.Equal(t, 3, rows[0].Line)
	assert.Equal(t, domain.Cell{Value: "12.5", Numeric: true}, rows[0].Cells[2])
	assert.False(t, rows[0].Cells[3].Numeric)

	assert.Equal(t, 5, rows[1].Line)
	assert.Equal(t, "Pump spare", rows[1].Cells[1].Value)
	assert.Equal(t, domain.Cell{Value: "45000", Numeric: true}, rows[1].Cells[3])
}

func TestNewParserRequiresStructuralColumns(t *testing.T) {
	_, err := NewParser([]string{"Asset Code", "Name", "Property"}, domain.ExcelColumnMapping{})
	require.ErrorIs(t, err, ErrMissingColumn)
	assert.Contains(t, err.Error(), "classification_code")
	assert.Contains(t, err.Error(), "building_name")
}

func TestNewParserRejectsDuplicateMappings(t *testing.T) {
	_, err := NewParser([]string{"Asset Code", "Code", "Name", "Classification", "Property", "Building"}, domain.ExcelColumnMapping{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both map to asset_code")
}

var templateHeaders = []string{"Asset Code", "Name", "Classification Code", "Property", "Building", "Serial Number", "Flow rate (m³/h)", "Notes", ""}

func textRow(line int, values ...string) Row {
	cells := make([]domain.Cell, len(values))
	for i, v := range values {
		cells[i] = domain.Cell{Value: v}
	}
	return Row{Line: line, Cells: cells}
}

func TestParseMapsStaticAndDynamicColumns(t *testing.T) {
	p, err := NewParser(templateHeaders, domain.ExcelColumnMapping{})
	require.NoError(t, err)

	record, rowErr := p.Parse(textRow(7, "A-1", "Pump 1", "pump", "HQ", "Main", "SN-9", "12.5", "", "ignored"), 5)
	require.Nil(t, rowErr)

	assert.Equal(t, 5, record.Row)
	assert.Equal(t, 7, record.Line)
	assert.Equal(t, "A-1", record.AssetCode)
	assert.Equal(t, "PUMP", record.ClassificationCode)
	assert.Equal(t, "HQ", record.PropertyName)
	assert.Equal(t, "Main", record.BuildingName)
	assert.Equal(t, "SN-9", record.SerialNumber)
	assert.Equal(t, domain.Cell{Value: "12.5"}, record.Fields["flow_rate_m_h"])
	assert.Contains(t, record.Fields, "notes")
	assert.Len(t, record.Fields, 2)
	assert.Equal(t, "12.5", record.Raw["Flow rate (m³/h)"])
	assert.NotContains(t, record.Raw, "Notes")
}

func TestParseExplicitDynamicMapping(t *testing.T) {
	mapping := domain.ExcelColumnMapping{
		Columns: map[string]domain.LogicalField{
			"Tag":   domain.FieldAssetCode,
			"Title": domain.FieldAssetName,
			"Class": domain.FieldClassificationCode,
			"Site":  domain.FieldPropertyName,
			"Block": domain.FieldBuildingName,
		},
		DynamicFields: map[string]string{"  FLOW ": "flow_rate"},
	}
	p, err := NewParser([]string{"Tag", "Title", "Class", "Site", "Block", "Flow", "Colour"}, mapping)
	require.NoError(t, err)

	record, rowErr := p.Parse(textRow(2, "T1", "Pump", "PUMP", "S", "B", "3", "red"), 1)
	require.Nil(t, rowErr)
	assert.Equal(t, map[string]domain.Cell{"flow_rate": {Value: "3"}}, record.Fields)
}

func TestParseBlankStructuralValueIsRowError(t *testing.T) {
	p, err := NewParser(templateHeaders, domain.ExcelColumnMapping{})
	require.NoError(t, err)

	_, rowErr := p.Parse(textRow(4, "A-1", "Pump 1", "", "HQ", "Main"), 2)
	require.NotNil(t, rowErr)
	assert.Equal(t, 2, rowErr.Row)
	assert.Equal(t, 4, rowErr.Line)
	assert.Equal(t, string(domain.FieldClassificationCode), rowErr.Field)
	assert.Equal(t, "classification code is required", rowErr.Message)
	assert.Equal(t, "A-1", rowErr.AssetCode)
	assert.Equal(t, "HQ", rowErr.RawData["Property"])
}

func TestDateSerialsSurviveReading(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"Installed"}))
	require.NoError(t, f.SetCellValue(sheet, "A2", time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC)))
	var buf bytes.Buffer
	_, err := f.WriteTo(&buf)
	require.NoError(t, err)

	reader, err := Open("dates.xlsx", &buf)
	require.NoError(t, err)
	defer reader.Close()
	rows := readAll(t, reader)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Cells[0].Numeric)
	assert.Equal(t, "45000", rows[0].Cells[0].Value)
}
