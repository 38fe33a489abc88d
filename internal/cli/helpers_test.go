package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/saga"
	"github.com/roach88/rideon/internal/store"
	"github.com/roach88/rideon/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeConfig writes body to a config file in a temp directory.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rideon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// completed builds a record that saw both observations but was never finalized.
func completed(id string, delivered ...string) saga.VisitRecord {
	return saga.VisitRecord{
		EntityID:  ir.EntityID(id),
		State:     saga.StateCompleted,
		Status:    saga.Required,
		EnteredAt: testutil.Epoch,
		LeftAt:    testutil.Epoch.Add(42 * time.Minute),
		Delivered: delivered,
		Version:   1,
		UpdatedAt: testutil.Epoch.Add(42 * time.Minute),
	}
}

// seedPending saves a completed, unfinalized record per id in a SQLite store.
func seedPending(t *testing.T, dbPath string, ids ...string) {
	t.Helper()
	st, err := store.OpenSQLite(dbPath)
	require.NoError(t, err)
	defer st.Close()

	for _, id := range ids {
		require.NoError(t, st.Save(context.Background(), completed(id)))
	}
}

// execute runs the root command with args and returns stdout and the error.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeWithInput(t, "", args...)
}

func executeWithInput(t *testing.T, input string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(bytes.NewBufferString(input))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}
