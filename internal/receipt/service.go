package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zombor/receipt-analyzer/internal/extract"
	"github.com/zombor/receipt-analyzer/internal/ocr"
)

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// allowedContentTypes are the upload types the recognizer can handle
var allowedContentTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/heic":      true,
	"image/heif":      true,
	"application/pdf": true,
	"text/plain":      true,
}

// Service handles receipt operations
type Service struct {
	db         DB
	recognizer ocr.Recognizer
	storage    Storage
	timeSource TimeSource
	lang       string
}

// NewService creates a new Service with the default time source. lang is the
// OCR language hint, e.g. "eng".
func NewService(db DB, recognizer ocr.Recognizer, storage Storage, lang string) *Service {
	return NewServiceWithDeps(db, recognizer, storage, &defaultTimeSource{}, lang)
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, recognizer ocr.Recognizer, storage Storage, timeSrc TimeSource, lang string) *Service {
	return &Service{
		db:         db,
		recognizer: recognizer,
		storage:    storage,
		timeSource: timeSrc,
		lang:       lang,
	}
}

// Upload is the outcome of processing one uploaded document
type Upload struct {
	Receipt *Receipt
	// ParsedFields are the values extracted from the text before date normalization
	ParsedFields extract.Fields
}

// normalizeContentType lowercases a MIME type and drops its parameters
func normalizeContentType(contentType string) string {
	mimeType, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// ProcessReceipt stores an uploaded document, extracts its fields and saves
// the resulting record. Recognition failures are not fatal; the record is
// saved with empty fields.
func (s *Service) ProcessReceipt(ctx context.Context, filename string, data []byte, contentType string) (*Upload, error) {
	mimeType := normalizeContentType(contentType)
	if !allowedContentTypes[mimeType] {
		return nil, validationErr("unsupported content type %q", contentType)
	}

	savedPath, err := s.storage.Save(filename, data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	text, err := s.recognizer.RecognizeText(ctx, data, mimeType, s.lang)
	if err != nil {
		slog.Warn("Failed to recognize text",
			"filename", filename,
			"content_type", mimeType,
			"file_size", len(data),
			"error", err,
		)
		text = ""
	}

	fields := extract.Extract(text)
	receipt := &Receipt{
		Filename:    filename,
		ContentType: mimeType,
		SavedPath:   savedPath,
		Vendor:      fields.Vendor,
		Amount:      fields.Amount,
		Category:    fields.Category,
		Currency:    fields.Currency,
		CreatedAt:   NewDate(s.timeSource.Now()),
	}
	if fields.Date != nil {
		if t := extract.NormalizeDate(fields.Date); t != nil {
			d := NewDate(*t)
			receipt.TransactionDate = &d
		} else {
			slog.Warn("Could not normalize transaction date", "filename", filename, "raw_date", *fields.Date)
		}
	}

	if err := s.db.CreateReceipt(ctx, receipt); err != nil {
		if delErr := s.storage.Delete(savedPath); delErr != nil {
			slog.Warn("Failed to clean up file", "saved_path", savedPath, "error", delErr)
		}
		return nil, fmt.Errorf("saving receipt to database: %w", err)
	}

	slog.Info("Processed receipt",
		"id", receipt.ID,
		"filename", filename,
		"vendor_found", receipt.Vendor != nil,
		"amount_found", receipt.Amount != nil,
		"date_found", receipt.TransactionDate != nil,
	)
	return &Upload{Receipt: receipt, ParsedFields: fields}, nil
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(ctx context.Context, id int64) (*Receipt, error) {
	receipt, err := s.db.GetReceipt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// ListReceipts returns a page of receipts ordered by ID
func (s *Service) ListReceipts(ctx context.Context, page Page) ([]*Receipt, error) {
	receipts, err := s.db.ListReceipts(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// UpdateReceipt applies a partial correction to a stored receipt
func (s *Service) UpdateReceipt(ctx context.Context, id int64, update Update) (*Receipt, error) {
	receipt, err := s.db.UpdateReceipt(ctx, id, func(r *Receipt) error {
		update.apply(r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("updating receipt: %w", err)
	}
	return receipt, nil
}

// apply copies every set field onto r. A transaction date that is not
// YYYY-MM-DD leaves the stored date unchanged.
func (u Update) apply(r *Receipt) {
	if u.Vendor.Set {
		r.Vendor = u.Vendor.Value
	}
	if u.TransactionDate.Set {
		if u.TransactionDate.Value == nil {
			r.TransactionDate = nil
		} else if t, ok := extract.ParseISODate(*u.TransactionDate.Value); ok {
			d := NewDate(t)
			r.TransactionDate = &d
		} else {
			slog.Warn("Ignoring invalid transaction date", "id", r.ID, "transaction_date", *u.TransactionDate.Value)
		}
	}
	if u.Amount.Set {
		r.Amount = u.Amount.Value
	}
	if u.Category.Set {
		r.Category = u.Category.Value
	}
	if u.Currency.Set {
		r.Currency = u.Currency.Value
	}
}

// DeleteReceipt removes a receipt and its file
func (s *Service) DeleteReceipt(ctx context.Context, id int64) error {
	receipt, err := s.db.GetReceipt(ctx, id)
	if err != nil {
		return fmt.Errorf("getting receipt for deletion: %w", err)
	}

	if err := s.db.DeleteReceipt(ctx, id); err != nil {
		return fmt.Errorf("deleting receipt from database: %w", err)
	}

	if err := s.storage.Delete(receipt.SavedPath); err != nil {
		// the record is gone either way
		slog.Warn("Failed to delete file", "saved_path", receipt.SavedPath, "error", err)
	}
	return nil
}

// GetReceiptFile retrieves the uploaded file for a receipt
func (s *Service) GetReceiptFile(ctx context.Context, id int64) ([]byte, *Receipt, error) {
	receipt, err := s.db.GetReceipt(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("getting receipt: %w", err)
	}

	data, err := s.storage.Get(receipt.SavedPath)
	if err != nil {
		return nil, nil, fmt.Errorf("getting receipt file: %w", err)
	}

	return data, receipt, nil
}

// SearchReceipts returns receipts matching every filter in criteria
func (s *Service) SearchReceipts(ctx context.Context, criteria Criteria, page Page) ([]*Receipt, error) {
	receipts, err := s.db.SearchReceipts(ctx, criteria, page)
	if err != nil {
		return nil, fmt.Errorf("searching receipts: %w", err)
	}
	return receipts, nil
}

// SortReceipts returns receipts in the requested order
func (s *Service) SortReceipts(ctx context.Context, opts SortOptions, page Page) ([]*Receipt, error) {
	receipts, err := s.db.SortReceipts(ctx, opts.normalized(), page)
	if err != nil {
		return nil, fmt.Errorf("sorting receipts: %w", err)
	}
	return receipts, nil
}

// TotalSpend sums every known amount
func (s *Service) TotalSpend(ctx context.Context) (float64, error) {
	total, err := s.db.TotalSpend(ctx)
	if err != nil {
		return 0, fmt.Errorf("computing total spend: %w", err)
	}
	return total, nil
}

func (s *Service) SpendStatistics(ctx context.Context) (SpendStatistics, error) {
	stats, err := s.db.SpendStatistics(ctx)
	if err != nil {
		return SpendStatistics{}, fmt.Errorf("computing spend statistics: %w", err)
	}
	return stats, nil
}

func (s *Service) VendorFrequency(ctx context.Context) ([]VendorCount, error) {
	counts, err := s.db.VendorFrequency(ctx)
	if err != nil {
		return nil, fmt.Errorf("computing vendor frequency: %w", err)
	}
	return counts, nil
}

func (s *Service) MonthlySpendTrend(ctx context.Context) ([]MonthlySpend, error) {
	trend, err := s.db.MonthlySpendTrend(ctx)
	if err != nil {
		return nil, fmt.Errorf("computing monthly spend trend: %w", err)
	}
	return trend, nil
}

func (s *Service) SpendByCategory(ctx context.Context) ([]CategorySpend, error) {
	spend, err := s.db.SpendByCategory(ctx)
	if err != nil {
		return nil, fmt.Errorf("computing spend by category: %w", err)
	}
	return spend, nil
}
