package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"playguard/internal/config"
	"playguard/internal/license"
	"playguard/internal/persistence"
)

func seedBolt(t *testing.T) config.StorageConfig {
	t.Helper()
	storage := config.StorageConfig{Backend: "bolt", Path: filepath.Join(t.TempDir(), "pg.db")}

	backend, err := persistence.Open(context.Background(), storage)
	require.NoError(t, err)
	require.NoError(t, backend.PutViolations(context.Background(), []license.ComplianceViolation{
		{ID: "v1", TrackID: "track-1", Type: license.ViolationLicenseExpired, Severity: license.SeverityHigh, Timestamp: time.Now()},
		{ID: "v2", TrackID: "track-2", Type: license.ViolationRegionBlocked, Severity: license.SeverityMedium, Timestamp: time.Now()},
	}))
	require.NoError(t, backend.Close())
	return storage
}

func TestExportViolations(t *testing.T) {
	storage := seedBolt(t)
	dir := t.TempDir()

	t.Run("csv", func(t *testing.T) {
		path := filepath.Join(dir, "out.csv")
		n, err := exportViolations(context.Background(), storage, path)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		assert.Len(t, lines, 3)
		assert.Contains(t, lines[1], "track-1")
	})

	t.Run("xlsx", func(t *testing.T) {
		path := filepath.Join(dir, "out.xlsx")
		n, err := exportViolations(context.Background(), storage, path)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		f, err := excelize.OpenFile(path)
		require.NoError(t, err)
		defer f.Close()
		rows, err := f.GetRows("Violations")
		require.NoError(t, err)
		assert.Len(t, rows, 3)
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := exportViolations(context.Background(), storage, filepath.Join(dir, "out.json"))
		assert.ErrorContains(t, err, ".json")
	})
}
