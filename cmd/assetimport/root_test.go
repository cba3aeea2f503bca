package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rpattn/assetimport/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMappingDefaultPrintsLoadableJSON(t *testing.T) {
	dir := t.TempDir()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"--config", dir, "mapping", "default"})
	require.NoError(t, cmd.Execute())

	var mapping domain.ExcelColumnMapping
	require.NoError(t, json.Unmarshal(out.Bytes(), &mapping))
	assert.Equal(t, domain.DefaultColumnMapping().Columns, mapping.Columns)

	path := filepath.Join(dir, "mapping.json")
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o600))
	loaded, err := loadMapping(path)
	require.NoError(t, err)
	assert.True(t, loaded.UnmappedAsDynamic)
}

func TestParseIDNamesTheFlag(t *testing.T) {
	_, err := parseID("--tenant", "not-a-uuid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --tenant")

	id, err := parseID("job", " 6f1c1f43-8d7a-4d9e-9a7b-0b8f2b9f6a11 ")
	require.NoError(t, err)
	assert.Equal(t, "6f1c1f43-8d7a-4d9e-9a7b-0b8f2b9f6a11", id.String())
}

func TestImportRequiresTenant(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", t.TempDir(), "import", "assets.xlsx", "--user", "6f1c1f43-8d7a-4d9e-9a7b-0b8f2b9f6a11"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant")
}
