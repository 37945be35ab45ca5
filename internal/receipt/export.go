package receipt

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// ExportFormat is a download format for receipt exports
type ExportFormat string

const (
	FormatXLSX ExportFormat = "xlsx"
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

// ParseExportFormat returns the format named s
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatXLSX, FormatCSV, FormatJSON:
		return f, nil
	case "":
		return FormatXLSX, nil
	}
	return "", validationErr("unknown export format %q", s)
}

// ContentType is the MIME type of an export in this format
func (f ExportFormat) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatJSON:
		return "application/json"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

const exportSheet = "Receipts"

var exportHeaders = []string{
	"ID",
	"Filename",
	"Vendor",
	"Transaction Date",
	"Amount",
	"Currency",
	"Category",
	"Created At",
}

// exportRow lays a receipt out in exportHeaders order. Unknown values are empty.
func exportRow(r *Receipt) []string {
	row := []string{
		strconv.FormatInt(r.ID, 10),
		r.Filename,
		deref(r.Vendor),
		"",
		"",
		deref(r.Currency),
		deref(r.Category),
		r.CreatedAt.String(),
	}
	if r.TransactionDate != nil {
		row[3] = r.TransactionDate.String()
	}
	if r.Amount != nil {
		row[4] = strconv.FormatFloat(*r.Amount, 'f', -1, 64)
	}
	return row
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Export renders every receipt matching criteria in the given format
func (s *Service) Export(ctx context.Context, format ExportFormat, criteria Criteria) ([]byte, error) {
	start := time.Now()

	receipts, err := s.db.SearchReceipts(ctx, criteria, Page{})
	if err != nil {
		return nil, fmt.Errorf("querying receipts: %w", err)
	}

	var data []byte
	switch format {
	case FormatXLSX:
		data, err = exportXLSX(receipts)
	case FormatCSV:
		data, err = exportCSV(receipts)
	case FormatJSON:
		data, err = json.Marshal(receipts)
	default:
		return nil, validationErr("unknown export format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("writing %s export: %w", format, err)
	}

	slog.Info("Exported receipts",
		"format", format,
		"rows", len(receipts),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return data, nil
}

func exportXLSX(receipts []*Receipt) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	// replace the default sheet so the workbook opens on ours
	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return nil, err
	}

	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(exportSheet, cell, h); err != nil {
			return nil, err
		}
	}

	for i, r := range receipts {
		row := i + 2
		write := func(col int, v any) error {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			return f.SetCellValue(exportSheet, cell, v)
		}

		values := make([]any, 0, len(exportHeaders))
		for _, v := range exportRow(r) {
			values = append(values, v)
		}
		// amounts stay numeric so spreadsheet sums work
		if r.Amount != nil {
			values[4] = *r.Amount
		}
		values[0] = r.ID
		for col, v := range values {
			if err := write(col+1, v); err != nil {
				return nil, err
			}
		}
	}

	_ = f.SetColWidth(exportSheet, "B", "B", 32) // filename
	_ = f.SetColWidth(exportSheet, "C", "C", 28) // vendor
	_ = f.SetColWidth(exportSheet, "D", "D", 16) // date
	_ = f.SetColWidth(exportSheet, "G", "H", 14)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func exportCSV(receipts []*Receipt) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(exportHeaders); err != nil {
		return nil, err
	}
	for _, r := range receipts {
		if err := w.Write(exportRow(r)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
