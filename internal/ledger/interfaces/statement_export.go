package interfaces

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	ledgerapp "mlm-ledger/internal/ledger/application"
)

// BuildStatementPDF renders an account statement as PDF.
func BuildStatementPDF(stmt *ledgerapp.AccountStatement) ([]byte, error) {
	if stmt == nil {
		return nil, fmt.Errorf("statement export: nil statement")
	}
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Account Statement")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Account: %s (%s)", stmt.Account.ID, stmt.Account.Key()))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Currency: %s", stmt.Account.Currency))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Period: %s - %s", stmt.From.Format(time.RFC3339), stmt.To.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Opening balance: %s", stmt.Opening.StringFixed(2)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Closing balance: %s", stmt.Closing.StringFixed(2)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(38, 6, "Time", "1", 0, "C", false, 0, "")
	pdf.CellFormat(62, 6, "Memo", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Debit", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Credit", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Balance", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, line := range stmt.Lines {
		debit, credit := "", ""
		if line.Credit {
			credit = line.Posting.Amount.StringFixed(2)
		} else {
			debit = line.Posting.Amount.StringFixed(2)
		}
		pdf.CellFormat(38, 6, line.Posting.CreatedAt.Format("2006-01-02 15:04"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(62, 6, line.Posting.Memo, "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 6, debit, "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, credit, "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, line.Running.StringFixed(2), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildStatementXLSX renders an account statement as XLSX with a summary and a postings sheet.
func BuildStatementXLSX(stmt *ledgerapp.AccountStatement) ([]byte, error) {
	if stmt == nil {
		return nil, fmt.Errorf("statement export: nil statement")
	}
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	summarySheet := "summary"
	postingsSheet := "postings"
	_ = f.SetSheetName("Sheet1", summarySheet)
	if _, err := f.NewSheet(postingsSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Account Statement")
	_ = f.SetCellValue(summarySheet, "A3", "Account")
	_ = f.SetCellValue(summarySheet, "B3", stmt.Account.ID)
	_ = f.SetCellValue(summarySheet, "A4", "Owner")
	_ = f.SetCellValue(summarySheet, "B4", stmt.Account.Key().String())
	_ = f.SetCellValue(summarySheet, "A5", "Currency")
	_ = f.SetCellValue(summarySheet, "B5", string(stmt.Account.Currency))
	_ = f.SetCellValue(summarySheet, "A6", "From")
	_ = f.SetCellValue(summarySheet, "B6", stmt.From.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A7", "To")
	_ = f.SetCellValue(summarySheet, "B7", stmt.To.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A8", "Opening")
	_ = f.SetCellValue(summarySheet, "B8", stmt.Opening.StringFixed(2))
	_ = f.SetCellValue(summarySheet, "A9", "Closing")
	_ = f.SetCellValue(summarySheet, "B9", stmt.Closing.StringFixed(2))

	_ = f.SetCellValue(postingsSheet, "A1", "Time")
	_ = f.SetCellValue(postingsSheet, "B1", "Transaction")
	_ = f.SetCellValue(postingsSheet, "C1", "Memo")
	_ = f.SetCellValue(postingsSheet, "D1", "Delta")
	_ = f.SetCellValue(postingsSheet, "E1", "Balance")
	for i, line := range stmt.Lines {
		row := i + 2
		_ = f.SetCellValue(postingsSheet, fmt.Sprintf("A%d", row), line.Posting.CreatedAt.Format(time.RFC3339))
		_ = f.SetCellValue(postingsSheet, fmt.Sprintf("B%d", row), line.Posting.TransactionID)
		_ = f.SetCellValue(postingsSheet, fmt.Sprintf("C%d", row), line.Posting.Memo)
		_ = f.SetCellValue(postingsSheet, fmt.Sprintf("D%d", row), line.Delta.StringFixed(2))
		_ = f.SetCellValue(postingsSheet, fmt.Sprintf("E%d", row), line.Running.StringFixed(2))
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
