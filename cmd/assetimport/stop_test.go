package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/importer"
	"github.com/rpattn/assetimport/internal/repository/memory"
	"github.com/rpattn/assetimport/internal/schema"
	"github.com/rpattn/assetimport/pkg/validator"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pausingValidator struct {
	inner   importer.RecordValidator
	row     int
	reached chan struct{}
	release chan struct{}
}

func (p *pausingValidator) Validate(ctx context.Context, rec domain.CandidateRecord) (validator.ValidationResult, error) {
	if rec.Row == p.row {
		close(p.reached)
		<-p.release
	}
	return p.inner.Validate(ctx, rec)
}

func TestStopImportCancelsAtNextBatchBoundary(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	registry, err := schema.NewRegistry(store.Classifications())
	require.NoError(t, err)
	_, err = registry.Save(ctx, domain.ClassificationCode{
		Code:   "PUMP",
		Active: true,
		Fields: []domain.FieldDefinition{{Code: "flow_rate", ValueKind: domain.ValueKindNumber}},
	})
	require.NoError(t, err)

	paused := &pausingValidator{
		inner:   validator.NewEngine(registry),
		row:     5,
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
	svc := importer.NewService(store.Jobs(), store.Hierarchy(), store, paused,
		importer.WithWorkers(1), importer.WithStallTimeout(0))

	var data strings.Builder
	data.WriteString("Asset Code,Name,Classification Code,Property,Building,Flow Rate\n")
	for i := 1; i <= 30; i++ {
		fmt.Fprintf(&data, "A-%02d,Pump %d,PUMP,HQ,Main,%d\n", i, i, i)
	}
	job, err := svc.Submit(ctx, importer.Upload{
		TenantID:  uuid.New(),
		UserID:    uuid.New(),
		FileName:  "assets.csv",
		Data:      []byte(data.String()),
		BatchSize: 10,
	})
	require.NoError(t, err)
	<-paused.reached

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	type outcome struct {
		job domain.ImportJob
		err error
	}
	stopped := make(chan outcome, 1)
	go func() {
		final, stopErr := stopImport(svc, job.ID, true, 5*time.Second, logrus.NewEntry(logger))
		stopped <- outcome{final, stopErr}
	}()

	require.Eventually(t, func() bool {
		current, getErr := svc.GetJob(ctx, job.ID)
		return getErr == nil && current.CancelRequested
	}, 5*time.Second, time.Millisecond)
	close(paused.release)

	select {
	case got := <-stopped:
		require.NoError(t, got.err)
		assert.Equal(t, domain.ImportJobStatusCancelled, got.job.Status)
		assert.Equal(t, 10, got.job.ProcessedRows)
		assert.Equal(t, 10, store.AssetCount())
	case <-time.After(5 * time.Second):
		t.Fatal("stopImport did not return")
	}
}
