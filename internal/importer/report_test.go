package importer

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"

	"github.com/rpattn/assetimport/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestErrorReport(t *testing.T) {
	f := newFixture(t)
	service := f.start(t, nil)
	ctx := context.Background()

	job := waitForTerminal(t, service, f.submit(t, 0,
		"A-1,Pump 1,PUMP,HQ,Main,10",
		"A-2,Pump 2,PUMP,HQ,Main,",
	).ID)
	require.Equal(t, domain.ImportJobStatusCompleted, job.Status)

	var csvOut bytes.Buffer
	require.NoError(t, service.ErrorReport(ctx, job.ID, ReportFormatCSV, &csvOut))
	records, err := csv.NewReader(&csvOut).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Row", records[0][0])
	assert.Equal(t, "Flow Rate", records[0][len(records[0])-1])
	assert.Equal(t, []string{"2", "3", "error", "A-2", "Pump 2", "flow_rate", "required field 'Flow rate' is missing", "HQ", "Main", "PUMP"}, records[1][:10])
	assert.Equal(t, "A-2", records[1][10])

	var xlsxOut bytes.Buffer
	require.NoError(t, service.ErrorReport(ctx, job.ID, ReportFormatXLSX, &xlsxOut))
	book, err := excelize.OpenReader(&xlsxOut)
	require.NoError(t, err)
	defer book.Close()
	rows, err := book.GetRows(reportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2", rows[1][0])
	assert.Equal(t, "required field 'Flow rate' is missing", rows[1][6])

	assert.Error(t, service.ErrorReport(ctx, job.ID, "pdf", &bytes.Buffer{}))
}

func TestErrorReportRequiresFailedRows(t *testing.T) {
	f := newFixture(t)
	service := f.start(t, nil)

	job := waitForTerminal(t, service, f.submit(t, 0, "A-1,Pump 1,PUMP,HQ,Main,10").ID)
	err := service.ErrorReport(context.Background(), job.ID, ReportFormatCSV, &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrNoFailedRows)
}
