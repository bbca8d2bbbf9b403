package exporter

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"playguard/internal/license"
)

// ViolationsSheet is the worksheet name used by WriteViolationsXLSX
const ViolationsSheet = "Violations"

// WriteViolationsXLSX writes violations as a single-sheet workbook to w
func WriteViolationsXLSX(w io.Writer, violations []license.ComplianceViolation) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ViolationsSheet); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	if err := f.SetSheetRow(ViolationsSheet, "A1", toCells(ViolationHeaders)); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	lastCol, err := excelize.ColumnNumberToName(len(ViolationHeaders))
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(ViolationsSheet, "A1", lastCol+"1", headerStyle); err != nil {
		return fmt.Errorf("failed to style headers: %w", err)
	}

	for i, v := range violations {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(ViolationsSheet, cell, toCells(ViolationRow(v))); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i, err)
		}
	}

	if err := f.SetPanes(ViolationsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze header row: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func toCells(values []string) *[]interface{} {
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return &cells
}
