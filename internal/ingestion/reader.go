// Package ingestion turns uploaded spreadsheets into candidate asset records.
package ingestion

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rpattn/assetimport/internal/domain"

	"github.com/xuri/excelize/v2"
)

var (
	// ErrUnsupportedFormat is returned for files that are neither xlsx nor csv.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrNoHeader is returned when the file contains no non-empty row.
	ErrNoHeader = errors.New("header row could not be detected")
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// Row is one non-empty data row. Line is the physical row number in the file.
type Row struct {
	Line  int
	Cells []domain.Cell
}

// RowReader streams data rows after the header. Next returns io.EOF when done.
type RowReader interface {
	Headers() []string
	Next() (Row, error)
	Close() error
}

// Open detects the format from the file name and positions the reader after the header row.
func Open(fileName string, data io.Reader) (RowReader, error) {
	var (
		source rowSource
		err    error
	)
	switch ext := strings.ToLower(filepath.Ext(fileName)); ext {
	case ".xlsx", ".xlsm":
		source, err = openExcel(data)
	case ".csv":
		source = openCSV(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, err
	}

	reader := &tableReader{source: source}
	if err := reader.readHeader(); err != nil {
		_ = source.close()
		return nil, err
	}
	return reader, nil
}

// rowSource yields raw physical rows.
type rowSource interface {
	next() (line int, cells []domain.Cell, err error)
	close() error
}

type tableReader struct {
	source  rowSource
	headers []string
}

func (r *tableReader) Headers() []string {
	return append([]string(nil), r.headers...)
}

func (r *tableReader) readHeader() error {
	for {
		_, cells, err := r.source.next()
		if errors.Is(err, io.EOF) {
			return ErrNoHeader
		}
		if err != nil {
			return err
		}
		if blankRow(cells) {
			continue
		}
		r.headers = make([]string, len(cells))
		for i, cell := range cells {
			r.headers[i] = cell.Value
		}
		return nil
	}
}

func (r *tableReader) Next() (Row, error) {
	for {
		line, cells, err := r.source.next()
		if err != nil {
			return Row{}, err
		}
		if blankRow(cells) {
			continue
		}
		return Row{Line: line, Cells: padRow(cells, len(r.headers))}, nil
	}
}

func (r *tableReader) Close() error {
	return r.source.close()
}

type excelSource struct {
	file *excelize.File
	rows *excelize.Rows
	line int
}

func openExcel(data io.Reader) (*excelSource, error) {
	f, err := excelize.OpenReader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		_ = f.Close()
		return nil, errors.New("excel file has no sheets")
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return &excelSource{file: f, rows: rows}, nil
}

func (s *excelSource) next() (int, []domain.Cell, error) {
	if !s.rows.Next() {
		if err := s.rows.Error(); err != nil {
			return 0, nil, fmt.Errorf("failed to read rows from xlsx: %w", err)
		}
		return 0, nil, io.EOF
	}
	s.line++
	// Raw values keep numbers and date serials free of display formatting.
	values, err := s.rows.Columns(excelize.Options{RawCellValue: true})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read xlsx row %d: %w", s.line, err)
	}
	cells := make([]domain.Cell, len(values))
	for i, value := range values {
		cells[i] = newCell(value, true)
	}
	return s.line, cells, nil
}

func (s *excelSource) close() error {
	rowsErr := s.rows.Close()
	if err := s.file.Close(); err != nil {
		return err
	}
	return rowsErr
}

type csvSource struct {
	reader *csv.Reader
}

func openCSV(data io.Reader) *csvSource {
	reader := bufio.NewReader(data)
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1
	csvReader.ReuseRecord = true
	return &csvSource{reader: csvReader}
}

func (s *csvSource) next() (int, []domain.Cell, error) {
	record, err := s.reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("failed to read csv: %w", err)
	}
	line, _ := s.reader.FieldPos(0)
	cells := make([]domain.Cell, len(record))
	for i, value := range record {
		cells[i] = newCell(value, false)
	}
	return line, cells, nil
}

func (s *csvSource) close() error { return nil }

// newCell normalizes the display text. Only spreadsheet cells can be numeric;
// csv text stays text.
func newCell(raw string, typed bool) domain.Cell {
	value := normalizeText(raw)
	cell := domain.Cell{Value: value}
	if typed && value != "" {
		if _, err := strconv.ParseFloat(value, 64); err == nil {
			cell.Numeric = true
		}
	}
	return cell
}

var textReplacer = strings.NewReplacer(
	"\r\n", "\n",
	"\r", "\n",
	"\u00a0", " ",
	"\u200b", "",
	"\ufeff", "",
)

func normalizeText(raw string) string {
	return strings.TrimSpace(textReplacer.Replace(raw))
}

func blankRow(cells []domain.Cell) bool {
	for _, cell := range cells {
		if !cell.Blank() {
			return false
		}
	}
	return true
}

func padRow(row []domain.Cell, length int) []domain.Cell {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]domain.Cell, length)
	copy(padded, row)
	return padded
}
