package exporter

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"playguard/internal/config"
	"playguard/internal/errors"
	"playguard/internal/license"
)

// SheetsArchiver appends violations to a Google Sheets spreadsheet. It
// implements license.Archiver.
type SheetsArchiver struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	logger        *slog.Logger
}

var _ license.Archiver = (*SheetsArchiver)(nil)

// NewSheetsArchiver creates a Sheets client for cfg. The credentials file
// option is added when cfg names one; extra opts are applied after it.
func NewSheetsArchiver(ctx context.Context, cfg config.AuditConfig, logger *slog.Logger, opts ...option.ClientOption) (*SheetsArchiver, error) {
	if cfg.SpreadsheetID == "" {
		return nil, errors.NewConfigError("audit spreadsheet id is required", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	clientOpts = append(clientOpts, opts...)

	service, err := sheets.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, errors.NewConfigError("failed to create sheets service", err)
	}

	sheetName := cfg.SheetName
	if sheetName == "" {
		sheetName = ViolationsSheet
	}

	return &SheetsArchiver{
		service:       service,
		spreadsheetID: cfg.SpreadsheetID,
		sheetName:     sheetName,
		logger:        logger.With("component", "sheets_archiver"),
	}, nil
}

// Archive appends one row per violation after the sheet's last row
func (a *SheetsArchiver) Archive(ctx context.Context, violations []license.ComplianceViolation) error {
	if len(violations) == 0 {
		return nil
	}

	values := make([][]interface{}, len(violations))
	for i, v := range violations {
		row := ViolationRow(v)
		cells := make([]interface{}, len(row))
		for j, c := range row {
			cells[j] = c
		}
		values[i] = cells
	}

	_, err := a.service.Spreadsheets.Values.Append(
		a.spreadsheetID,
		a.sheetName,
		&sheets.ValueRange{Values: values},
	).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return errors.NewStorageError("failed to append violations to sheet", err).
			WithContext("spreadsheet_id", a.spreadsheetID)
	}

	a.logger.InfoContext(ctx, "violations archived to sheet",
		slog.String("sheet", a.sheetName),
		slog.Int("record_count", len(violations)))
	return nil
}

// String describes the archive destination
func (a *SheetsArchiver) String() string {
	return fmt.Sprintf("sheets:%s/%s", a.spreadsheetID, a.sheetName)
}
