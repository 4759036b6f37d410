package expense

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

const (
	exportSheet = "Spese"
	// XLSXContentType is the media type of exported workbooks
	XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var exportHeader = []any{"Data", "Azienda", "Tipo Spesa", "Importo (€)", "Descrizione"}

// Workbook is a generated spreadsheet ready for download
type Workbook struct {
	Filename string
	Data     []byte
}

// Export renders expenses as a single-sheet workbook named after the center.
// An empty list is rejected before anything is built.
func Export(expenses []*Expense, centerName string) (*Workbook, error) {
	if len(expenses) == 0 {
		return nil, ErrNothingToExport
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), exportSheet); err != nil {
		return nil, fmt.Errorf("naming sheet: %w", err)
	}
	if err := f.SetSheetRow(exportSheet, "A1", &exportHeader); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}

	for i, e := range expenses {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		row := exportRow(e)
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("writing row %d: %w", i+2, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("writing workbook: %w", err)
	}

	return &Workbook{
		Filename: fmt.Sprintf("spese_%s.xlsx", sanitizeFilename(centerName)),
		Data:     buf.Bytes(),
	}, nil
}

func exportRow(e *Expense) []any {
	date := "-"
	if e.ExpenseDate != nil {
		date = e.ExpenseDate.Italian()
	}
	return []any{date, e.Merchant, e.Category, e.Amount.StringFixed(2), e.Description}
}
