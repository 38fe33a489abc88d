package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectEmptyMemoryStore(t *testing.T) {
	out, err := execute(t, "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "No records.")
}

func TestInspectListsPendingVisits(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "rideon.db")
	seedPending(t, dbPath, "badge-2", "badge-1")

	out, err := execute(t, "inspect", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "ENTITY")
	assert.Contains(t, out, "badge-1")
	assert.Contains(t, out, "badge-2")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "entered|left")
}

func TestInspectEntityJSON(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "rideon.db")
	seedPending(t, dbPath, "badge-1")

	out, err := execute(t, "inspect", "--db", dbPath, "--entity", "badge-1", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   InspectResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Records, 1)

	rec := resp.Data.Records[0]
	assert.Equal(t, "badge-1", rec.EntityID)
	assert.Equal(t, "completed", rec.State)
	assert.Equal(t, "2024-03-01T09:00:00Z", rec.EnteredAt)
	assert.Equal(t, "2024-03-01T09:42:00Z", rec.LeftAt)
	assert.Equal(t, int64(1), rec.Version)
	require.NotNil(t, resp.Data.Tombstone)
	assert.False(t, *resp.Data.Tombstone)
}

func TestInspectUnknownEntity(t *testing.T) {
	out, err := execute(t, "inspect", "--entity", "nobody")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E003]")
}

func TestInspectBadStore(t *testing.T) {
	_, err := execute(t, "inspect", "--store", "postgres")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDash(t *testing.T) {
	assert.Equal(t, "-", dash(""))
	assert.Equal(t, "x", dash("x"))
}
