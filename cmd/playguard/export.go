package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"playguard/internal/config"
	"playguard/internal/exporter"
	"playguard/internal/persistence"
)

// exportViolations dumps the stored violation log to path. The file
// extension picks the format.
func exportViolations(ctx context.Context, storage config.StorageConfig, path string) (int, error) {
	write := exporter.WriteViolationsCSV
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
	case ".xlsx":
		write = exporter.WriteViolationsXLSX
	default:
		return 0, fmt.Errorf("unsupported export format %q", ext)
	}

	backend, err := persistence.Open(ctx, storage)
	if err != nil {
		return 0, err
	}
	defer backend.Close()

	violations, err := backend.GetViolations(ctx)
	if err != nil {
		return 0, err
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	if err := write(f, violations); err != nil {
		f.Close()
		return 0, err
	}
	return len(violations), f.Close()
}
