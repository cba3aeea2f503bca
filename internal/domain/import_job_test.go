package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "main campus", NormalizeName("  Main \t  CAMPUS "))
	assert.Equal(t, NormalizeName("CAFÉ"), NormalizeName("Café"))
	assert.Equal(t, "", NormalizeName("   "))
}

func TestRollbackLedgerMergeKeepsCommitOrder(t *testing.T) {
	p1, p2 := uuid.New(), uuid.New()
	a1 := uuid.New()

	ledger := RollbackLedger{CreatedProperties: []uuid.UUID{p1}}
	assert.False(t, ledger.IsEmpty())
	ledger = ledger.Merge(RollbackLedger{
		CreatedProperties: []uuid.UUID{p2},
		UpdatedAssets:     []AssetSnapshot{{ID: a1, Name: "Pump 1"}},
	})

	assert.Equal(t, []uuid.UUID{p1, p2}, ledger.CreatedProperties)
	require.Len(t, ledger.UpdatedAssets, 1)
	assert.Equal(t, a1, ledger.UpdatedAssets[0].ID)
	assert.True(t, RollbackLedger{CompletedSteps: []string{"delete_assets"}}.IsEmpty())
}

func TestRollbackLedgerJSONNeverNull(t *testing.T) {
	raw, err := RollbackLedger{}.ToJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"createdProperties":[],"createdBuildings":[],"createdAssets":[],"updatedAssets":[]}`, string(raw))

	decoded, err := RollbackLedgerFromJSON(raw)
	require.NoError(t, err)
	assert.True(t, decoded.IsEmpty())

	empty, err := RollbackLedgerFromJSON(nil)
	require.NoError(t, err)
	assert.True(t, empty.IsEmpty())
}

func TestRollbackable(t *testing.T) {
	job := ImportJob{Status: ImportJobStatusFailed}
	assert.False(t, job.Rollbackable())

	job.Ledger.CreatedAssets = []uuid.UUID{uuid.New()}
	assert.True(t, job.Rollbackable())

	job.Status = ImportJobStatusCancelled
	assert.False(t, job.Rollbackable())

	job.Status = ImportJobStatusCompleted
	job.Ledger = RollbackLedger{}
	assert.True(t, job.Rollbackable())
}

func TestFieldCodeFromHeader(t *testing.T) {
	assert.Equal(t, "flow_rate", FieldCodeFromHeader(" Flow Rate "))
	assert.Equal(t, "max_temp_c", FieldCodeFromHeader("Max. Temp (°C)"))
	assert.Equal(t, "flow rate", HeaderKey("Flow   RATE"))
}
