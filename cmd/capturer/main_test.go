package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/capturer/internal/crypto"
	"github.com/mikeyg42/capturer/internal/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	path := writeConfig(t, `
regions:
  - {name: Desk, x: 0, y: 0, width: 100, height: 100, enabled: true}
  - {name: Door, x: 100, y: 0, width: 100, height: 100, enabled: true}
`)
	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid (2 regions)")

	bad := writeConfig(t, `
regions:
  - {name: Desk, x: 0, y: 0, width: 0, height: 100, enabled: true}
schedule:
  max_attempts: 0
`)
	_, err = execute(t, "validate", "--config", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "positive size")
	assert.Contains(t, err.Error(), "max attempts")
}

func TestSealCommand(t *testing.T) {
	key, err := crypto.GenerateMasterKey()
	require.NoError(t, err)
	t.Setenv(crypto.MasterKeyEnv, key)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	out, err := execute(t, "seal", "hunter2")
	require.NoError(t, err)
	sealed := string(bytes.TrimSpace([]byte(out)))
	assert.True(t, crypto.IsSealed(sealed))

	raw, err := crypto.ResolveKey(key, nil)
	require.NoError(t, err)
	plain, err := crypto.Open(sealed, raw)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}

func TestSealCommandNeedsKey(t *testing.T) {
	t.Setenv(crypto.MasterKeyEnv, "")
	_, err := execute(t, "seal", "hunter2")
	assert.ErrorIs(t, err, crypto.ErrNoMasterKey)
}

func TestReportHistoryCommand(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "history.db")
	store, err := storage.NewHistoryStore(storage.HistoryConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	now := time.Date(2024, 3, 4, 18, 0, 0, 0, time.Local)
	ctx := context.Background()
	require.NoError(t, store.SaveReport(ctx, &storage.ReportRecord{
		ID: "r1", Period: "daily", Format: "html",
		WindowStart: now.Add(-24 * time.Hour), WindowEnd: now, GeneratedAt: now,
		TotalRegions: 2, TotalActivities: 9, BusiestRegion: "Desk",
	}))
	require.NoError(t, store.RecordAttempt(ctx, &storage.DispatchAttempt{
		ID: "a1", ReportID: "r1", Period: "2024-03-04", Attempt: 1, Method: "smtp", Success: true, At: now,
	}))
	require.NoError(t, store.Close())

	path := writeConfig(t, `
storage:
  history:
    enabled: true
    driver: sqlite
    dsn: `+dsn+`
`)
	out, err := execute(t, "report", "history", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2024-03-04 18:00")
	assert.Contains(t, out, "Desk")
	assert.Contains(t, out, "sent via smtp")
}

func TestDeliveryStatus(t *testing.T) {
	assert.Equal(t, "-", deliveryStatus(nil))
	assert.Equal(t, "failed: timeout", deliveryStatus([]*storage.DispatchAttempt{
		{Success: true, Method: "smtp"},
		{Success: false, Error: "timeout"},
	}))
}
