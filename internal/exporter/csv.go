package exporter

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"playguard/internal/license"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// WriteOptions configures CSV writing behavior
type WriteOptions struct {
	Headers   []string
	Records   [][]string
	Append    bool
	BOMPrefix bool // Add UTF-8 BOM for Excel compatibility
}

// WriteCSV writes options to w
func WriteCSV(w io.Writer, options WriteOptions) error {
	if options.BOMPrefix && !options.Append {
		if _, err := w.Write(utf8BOM); err != nil {
			return fmt.Errorf("failed to write BOM: %w", err)
		}
	}

	writer := csv.NewWriter(w)

	if !options.Append && len(options.Headers) > 0 {
		if err := writer.Write(options.Headers); err != nil {
			return fmt.Errorf("failed to write headers: %w", err)
		}
	}

	for i, record := range options.Records {
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// WriteViolationsCSV writes violations with a header row to w
func WriteViolationsCSV(w io.Writer, violations []license.ComplianceViolation) error {
	return WriteCSV(w, WriteOptions{
		Headers:   ViolationHeaders,
		Records:   violationRecords(violations),
		BOMPrefix: true,
	})
}

func violationRecords(violations []license.ComplianceViolation) [][]string {
	records := make([][]string, len(violations))
	for i, v := range violations {
		records[i] = ViolationRow(v)
	}
	return records
}

// CSVArchiver appends violations to one CSV file per UTC day under dir. It
// implements license.Archiver.
type CSVArchiver struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

var _ license.Archiver = (*CSVArchiver)(nil)

// NewCSVArchiver creates an archiver writing under dir
func NewCSVArchiver(dir string, logger *slog.Logger) *CSVArchiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVArchiver{
		dir:    dir,
		logger: logger.With("component", "csv_archiver"),
		now:    time.Now,
	}
}

// Path returns the file a batch archived now would be written to
func (a *CSVArchiver) Path() string {
	return filepath.Join(a.dir, fmt.Sprintf("violations-%s.csv", a.now().UTC().Format("2006-01-02")))
}

// Archive appends violations to today's file, writing headers when the file is new
func (a *CSVArchiver) Archive(ctx context.Context, violations []license.ComplianceViolation) error {
	if len(violations) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	fullPath := a.Path()
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	_, statErr := os.Stat(fullPath)
	isNew := os.IsNotExist(statErr)

	file, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}

	writeErr := WriteCSV(file, WriteOptions{
		Headers:   ViolationHeaders,
		Records:   violationRecords(violations),
		Append:    !isNew,
		BOMPrefix: true,
	})
	closeErr := file.Close()
	if writeErr != nil {
		return writeErr
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close file: %w", closeErr)
	}

	a.logger.InfoContext(ctx, "violations archived to CSV",
		slog.String("path", fullPath),
		slog.Int("record_count", len(violations)))
	return nil
}
