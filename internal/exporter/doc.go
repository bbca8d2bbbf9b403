// Package exporter renders compliance violations for audit.
//
// WriteViolationsCSV and WriteViolationsXLSX stream a violation log as a CSV
// file (UTF-8 BOM, for Excel) or a single-sheet workbook. Both share the
// column layout in ViolationHeaders.
//
// CSVArchiver and SheetsArchiver implement license.Archiver so the retention
// sweeper can hand off violations before pruning them:
//
//	archiver, err := exporter.NewSheetsArchiver(ctx, cfg.Audit, logger)
//	if err != nil {
//		return err
//	}
//	sweeper := license.NewRetentionSweeper(manager, retention, time.Hour, archiver, logger)
package exporter
