package importer

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/rpattn/assetimport/internal/domain"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

// Report formats accepted by ErrorReport.
const (
	ReportFormatXLSX = "xlsx"
	ReportFormatCSV  = "csv"
)

const reportSheet = "Errors"

var reportColumns = []string{
	"Row", "Line", "Severity", "Asset Code", "Name", "Field", "Error",
	"Property", "Building", "Classification Code",
}

// ErrorReport writes the row errors and warnings of a job, followed by the original
// cell values of each row, so the sheet can be corrected and uploaded again.
func (s *Service) ErrorReport(ctx context.Context, id uuid.UUID, format string, w io.Writer) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.FailedRows == 0 {
		return ErrNoFailedRows
	}
	rows := reportRows(job)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case ReportFormatXLSX, "":
		return writeXLSXReport(w, rows)
	case ReportFormatCSV:
		return writeCSVReport(w, rows)
	default:
		return fmt.Errorf("unsupported report format %q", format)
	}
}

func reportRows(job domain.ImportJob) [][]string {
	type entry struct {
		severity string
		err      domain.RowError
	}
	entries := make([]entry, 0, len(job.Errors)+len(job.Warnings))
	for _, e := range job.Errors {
		entries = append(entries, entry{"error", e})
	}
	for _, w := range job.Warnings {
		entries = append(entries, entry{"warning", w})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].err.Row < entries[j].err.Row })

	header := append(append([]string{}, reportColumns...), job.SourceHeaders...)
	out := make([][]string, 0, len(entries)+1)
	out = append(out, header)
	for _, e := range entries {
		line := ""
		if e.err.Line > 0 {
			line = strconv.Itoa(e.err.Line)
		}
		row := []string{
			strconv.Itoa(e.err.Row),
			line,
			e.severity,
			e.err.AssetCode,
			e.err.AssetName,
			e.err.Field,
			e.err.Message,
			e.err.PropertyName,
			e.err.BuildingName,
			e.err.ClassificationCode,
		}
		for _, h := range job.SourceHeaders {
			row = append(row, e.err.RawData[h])
		}
		out = append(out, row)
	}
	return out
}

func writeCSVReport(w io.Writer, rows [][]string) error {
	writer := csv.NewWriter(w)
	if err := writer.WriteAll(rows); err != nil {
		return fmt.Errorf("write csv report: %w", err)
	}
	return nil
}

func writeXLSXReport(w io.Writer, rows [][]string) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", reportSheet); err != nil {
		return fmt.Errorf("name report sheet: %w", err)
	}
	sw, err := f.NewStreamWriter(reportSheet)
	if err != nil {
		return fmt.Errorf("open report stream: %w", err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		values := make([]interface{}, len(row))
		for j, v := range row {
			// Row and line numbers stay numeric so the sheet sorts naturally.
			if i > 0 && j < 2 && v != "" {
				if n, convErr := strconv.Atoi(v); convErr == nil {
					values[j] = n
					continue
				}
			}
			values[j] = v
		}
		if err := sw.SetRow(cell, values); err != nil {
			return fmt.Errorf("write report row %d: %w", i+1, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush report: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx report: %w", err)
	}
	return nil
}
