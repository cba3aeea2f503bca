package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ImportJobStatus captures lifecycle state for an import job.
type ImportJobStatus string

const (
	ImportJobStatusPending        ImportJobStatus = "PENDING"
	ImportJobStatusProcessing     ImportJobStatus = "PROCESSING"
	ImportJobStatusCompleted      ImportJobStatus = "COMPLETED"
	ImportJobStatusFailed         ImportJobStatus = "FAILED"
	ImportJobStatusCancelled      ImportJobStatus = "CANCELLED"
	ImportJobStatusRollingBack    ImportJobStatus = "ROLLING_BACK"
	ImportJobStatusRolledBack     ImportJobStatus = "ROLLED_BACK"
	ImportJobStatusRollbackFailed ImportJobStatus = "ROLLBACK_FAILED"
)

// Terminal reports whether no further processing transition can happen.
func (s ImportJobStatus) Terminal() bool {
	switch s {
	case ImportJobStatusCompleted, ImportJobStatusFailed, ImportJobStatusCancelled,
		ImportJobStatusRolledBack, ImportJobStatusRollbackFailed:
		return true
	}
	return false
}

// RowError describes why a row was rejected, with enough context to fix and re-upload it.
type RowError struct {
	Row                int               `json:"row"`
	Line               int               `json:"line,omitempty"`
	Field              string            `json:"field,omitempty"`
	Message            string            `json:"message"`
	AssetCode          string            `json:"assetCode,omitempty"`
	AssetName          string            `json:"assetName,omitempty"`
	PropertyName       string            `json:"propertyName,omitempty"`
	BuildingName       string            `json:"buildingName,omitempty"`
	ClassificationCode string            `json:"classificationCode,omitempty"`
	RawData            map[string]string `json:"rawData,omitempty"`
}

// RollbackLedger records the effects of an import so they can be reversed.
type RollbackLedger struct {
	CreatedProperties []uuid.UUID     `json:"createdProperties"`
	CreatedBuildings  []uuid.UUID     `json:"createdBuildings"`
	CreatedAssets     []uuid.UUID     `json:"createdAssets"`
	UpdatedAssets     []AssetSnapshot `json:"updatedAssets"`
	CompletedSteps    []string        `json:"completedSteps,omitempty"`
}

// IsEmpty reports whether nothing was committed.
func (l RollbackLedger) IsEmpty() bool {
	return len(l.CreatedProperties) == 0 &&
		len(l.CreatedBuildings) == 0 &&
		len(l.CreatedAssets) == 0 &&
		len(l.UpdatedAssets) == 0
}

// Merge appends a delta in commit order.
func (l RollbackLedger) Merge(delta RollbackLedger) RollbackLedger {
	l.CreatedProperties = append(l.CreatedProperties, delta.CreatedProperties...)
	l.CreatedBuildings = append(l.CreatedBuildings, delta.CreatedBuildings...)
	l.CreatedAssets = append(l.CreatedAssets, delta.CreatedAssets...)
	l.UpdatedAssets = append(l.UpdatedAssets, delta.UpdatedAssets...)
	return l
}

// ToJSON marshals the ledger into the JSONB layout stored in Postgres.
func (l RollbackLedger) ToJSON() (json.RawMessage, error) {
	if l.CreatedProperties == nil {
		l.CreatedProperties = []uuid.UUID{}
	}
	if l.CreatedBuildings == nil {
		l.CreatedBuildings = []uuid.UUID{}
	}
	if l.CreatedAssets == nil {
		l.CreatedAssets = []uuid.UUID{}
	}
	if l.UpdatedAssets == nil {
		l.UpdatedAssets = []AssetSnapshot{}
	}
	return json.Marshal(l)
}

// RollbackLedgerFromJSON unmarshals a persisted ledger.
func RollbackLedgerFromJSON(data []byte) (RollbackLedger, error) {
	var ledger RollbackLedger
	if len(data) == 0 {
		return ledger, nil
	}
	if err := json.Unmarshal(data, &ledger); err != nil {
		return RollbackLedger{}, err
	}
	return ledger, nil
}

// RowErrorsFromJSON unmarshals a persisted error list.
func RowErrorsFromJSON(data []byte) ([]RowError, error) {
	if len(data) == 0 {
		return []RowError{}, nil
	}
	var out []RowError
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []RowError{}
	}
	return out, nil
}

// RowErrorsToJSON marshals an error list, never producing null.
func RowErrorsToJSON(errs []RowError) (json.RawMessage, error) {
	if errs == nil {
		errs = []RowError{}
	}
	return json.Marshal(errs)
}

// ImportJob mirrors the persisted import job record.
type ImportJob struct {
	ID              uuid.UUID          `json:"id"`
	TenantID        uuid.UUID          `json:"tenantId"`
	UserID          uuid.UUID          `json:"userId"`
	FileName        string             `json:"fileName"`
	Status          ImportJobStatus    `json:"status"`
	TotalRows       *int               `json:"totalRows,omitempty"`
	ProcessedRows   int                `json:"processedRows"`
	SuccessfulRows  int                `json:"successfulRows"`
	FailedRows      int                `json:"failedRows"`
	BatchSize       int                `json:"batchSize"`
	Mapping         ExcelColumnMapping `json:"mapping"`
	SourceHeaders   []string           `json:"sourceHeaders,omitempty"`
	Errors          []RowError         `json:"errors"`
	Warnings        []RowError         `json:"warnings"`
	Ledger          RollbackLedger     `json:"rollbackLedger"`
	CancelRequested bool               `json:"cancelRequested"`
	FailureReason   *string            `json:"failureReason,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	StartedAt       *time.Time         `json:"startedAt,omitempty"`
	CompletedAt     *time.Time         `json:"completedAt,omitempty"`
	LastProgressAt  *time.Time         `json:"lastProgressAt,omitempty"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// NewImportJob creates a pending job.
func NewImportJob(tenantID, userID uuid.UUID, fileName string, mapping ExcelColumnMapping, batchSize int) ImportJob {
	now := time.Now()
	return ImportJob{
		ID:        uuid.New(),
		TenantID:  tenantID,
		UserID:    userID,
		FileName:  fileName,
		Status:    ImportJobStatusPending,
		BatchSize: batchSize,
		Mapping:   mapping,
		Errors:    []RowError{},
		Warnings:  []RowError{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Progress returns the job's current progress snapshot.
func (j ImportJob) Progress() ImportProgress {
	return ImportProgress{
		JobID:          j.ID,
		Status:         j.Status,
		TotalRows:      j.TotalRows,
		ProcessedRows:  j.ProcessedRows,
		SuccessfulRows: j.SuccessfulRows,
		FailedRows:     j.FailedRows,
	}
}

// Rollbackable reports whether the job's committed effects may be reversed.
func (j ImportJob) Rollbackable() bool {
	switch j.Status {
	case ImportJobStatusCompleted:
		return true
	case ImportJobStatusFailed:
		return !j.Ledger.IsEmpty()
	}
	return false
}

// ImportProgress is published after every committed batch.
type ImportProgress struct {
	JobID          uuid.UUID       `json:"jobId"`
	Status         ImportJobStatus `json:"status"`
	TotalRows      *int            `json:"totalRows,omitempty"`
	ProcessedRows  int             `json:"processedRows"`
	SuccessfulRows int             `json:"successfulRows"`
	FailedRows     int             `json:"failedRows"`
}

// Cell is one normalized spreadsheet cell.
type Cell struct {
	Value   string
	Numeric bool
}

// Blank reports whether the cell carries no value.
func (c Cell) Blank() bool {
	return c.Value == ""
}

// CandidateRecord is one parsed row on its way to validation and commit.
type CandidateRecord struct {
	Row                int
	Line               int
	AssetCode          string
	Name               string
	ClassificationCode string
	PropertyName       string
	BuildingName       string
	Description        string
	Manufacturer       string
	Model              string
	SerialNumber       string
	Fields             map[string]Cell
	Raw                map[string]string
}

// RowError builds an error entry carrying the record's context.
func (c CandidateRecord) RowError(field, message string) RowError {
	return RowError{
		Row:                c.Row,
		Line:               c.Line,
		Field:              field,
		Message:            message,
		AssetCode:          c.AssetCode,
		AssetName:          c.Name,
		PropertyName:       c.PropertyName,
		BuildingName:       c.BuildingName,
		ClassificationCode: c.ClassificationCode,
		RawData:            c.Raw,
	}
}
