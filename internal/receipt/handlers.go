package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/receipt-analyzer/internal/extract"
)

// maxUploadSize caps multipart uploads; high resolution phone photos are large
const maxUploadSize = int64(50 << 20) // 50MB

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// jsonError writes {"error": message}
func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeServiceError maps a service error to a status code. Details of
// internal failures are logged, not returned.
func writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		jsonError(w, "Receipt not found", http.StatusNotFound)
	case errors.Is(err, ErrValidation):
		jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("Error "+op, "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// badRequestError marks malformed query or path parameters
type badRequestError struct {
	param string
	value string
}

func (e *badRequestError) Error() string {
	return fmt.Sprintf("invalid %s: %q", e.param, e.value)
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &badRequestError{param: "receipt id", value: raw}
	}
	return id, nil
}

// parsePage reads skip and limit. A missing limit defaults to defaultPageSize
// and any limit is capped at maxPageSize.
func (s *Server) parsePage(r *http.Request) (Page, error) {
	q := r.URL.Query()
	page := Page{Limit: min(defaultPageSize, s.maxPageSize)}

	if raw := q.Get("skip"); raw != "" {
		skip, err := strconv.Atoi(raw)
		if err != nil || skip < 0 {
			return Page{}, &badRequestError{param: "skip", value: raw}
		}
		page.Skip = skip
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return Page{}, &badRequestError{param: "limit", value: raw}
		}
		page.Limit = min(limit, s.maxPageSize)
	}
	return page, nil
}

func parseAmountParam(r *http.Request, name string) (*float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, &badRequestError{param: name, value: raw}
	}
	return &v, nil
}

func parseDateParam(r *http.Request, name string) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	t, ok := extract.ParseISODate(raw)
	if !ok {
		return nil, &badRequestError{param: name, value: raw}
	}
	return &t, nil
}

func parseCriteria(r *http.Request) (Criteria, error) {
	q := r.URL.Query()
	c := Criteria{
		Keyword:       strings.TrimSpace(q.Get("keyword")),
		VendorPattern: strings.TrimSpace(q.Get("vendor_pattern")),
	}

	var err error
	if c.MinAmount, err = parseAmountParam(r, "min_amount"); err != nil {
		return Criteria{}, err
	}
	if c.MaxAmount, err = parseAmountParam(r, "max_amount"); err != nil {
		return Criteria{}, err
	}
	if c.StartDate, err = parseDateParam(r, "start_date"); err != nil {
		return Criteria{}, err
	}
	if c.EndDate, err = parseDateParam(r, "end_date"); err != nil {
		return Criteria{}, err
	}
	return c, nil
}

// handleHealth reports that the service is up
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Receipt analyzer is running"})
}

// detectContentType falls back to the file extension when the part has no type
func detectContentType(header string, filename string) string {
	if header != "" && header != "application/octet-stream" {
		return strings.ToLower(strings.TrimSpace(header))
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	case ".txt":
		return "text/plain"
	}
	return "application/octet-stream"
}

type uploadResponse struct {
	Filename     string         `json:"filename"`
	ContentType  string         `json:"content_type"`
	Message      string         `json:"message"`
	SavedPath    string         `json:"saved_path"`
	ParsedFields extract.Fields `json:"parsed_fields"`
	DBRecordID   int64          `json:"db_record_id"`
	Receipt      *Receipt       `json:"receipt"`
}

// handleUploadReceipt handles receipt upload
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			errorMsg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a file to upload."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return
	}
	defer f.Close()

	if header.Size > maxUploadSize {
		jsonError(w, "File is too large. Maximum size is 50MB. Please compress or resize your image.", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	contentType := detectContentType(header.Header.Get("Content-Type"), header.Filename)
	upload, err := s.service.ProcessReceipt(r.Context(), header.Filename, data, contentType)
	if err != nil {
		writeServiceError(w, "processing receipt", err)
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		Filename:     upload.Receipt.Filename,
		ContentType:  upload.Receipt.ContentType,
		Message:      "File uploaded and processed successfully",
		SavedPath:    upload.Receipt.SavedPath,
		ParsedFields: upload.ParsedFields,
		DBRecordID:   upload.Receipt.ID,
		Receipt:      upload.Receipt,
	})
}

// handleListReceipts returns a page of receipts
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	page, err := s.parsePage(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	receipts, err := s.service.ListReceipts(r.Context(), page)
	if err != nil {
		writeServiceError(w, "listing receipts", err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

func (s *Server) handleSearchReceipts(w http.ResponseWriter, r *http.Request) {
	criteria, err := parseCriteria(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	page, err := s.parsePage(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	receipts, err := s.service.SearchReceipts(r.Context(), criteria, page)
	if err != nil {
		writeServiceError(w, "searching receipts", err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

func (s *Server) handleSortReceipts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := SortOptions{By: SortByID, Order: Ascending}
	if raw := q.Get("sort_by"); raw != "" {
		by, ok := ParseSortField(raw)
		if !ok && !strings.EqualFold(raw, string(SortByID)) {
			jsonError(w, fmt.Sprintf("invalid sort_by %q: use amount, date or vendor", raw), http.StatusBadRequest)
			return
		}
		opts.By = by
	}
	if raw := q.Get("sort_order"); raw != "" {
		order, ok := ParseSortOrder(raw)
		if !ok {
			jsonError(w, fmt.Sprintf("invalid sort_order %q: use asc or desc", raw), http.StatusBadRequest)
			return
		}
		opts.Order = order
	}
	page, err := s.parsePage(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	receipts, err := s.service.SortReceipts(r.Context(), opts, page)
	if err != nil {
		writeServiceError(w, "sorting receipts", err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

func (s *Server) handleExportReceipts(w http.ResponseWriter, r *http.Request) {
	format, err := ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	criteria, err := parseCriteria(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := s.service.Export(r.Context(), format, criteria)
	if err != nil {
		writeServiceError(w, "exporting receipts", err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="receipts.%s"`, format))
	w.Write(data)
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	receipt, err := s.service.GetReceipt(r.Context(), id)
	if err != nil {
		writeServiceError(w, "getting receipt", err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleGetReceiptFile returns the uploaded file for a receipt
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, receipt, err := s.service.GetReceiptFile(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			jsonError(w, "Receipt not found", http.StatusNotFound)
			return
		}
		slog.Error("Error getting receipt file", "id", id, "error", err)
		jsonError(w, "File not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", receipt.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filepath.Base(receipt.Filename)))
	w.Write(data)
}

// handleUpdateReceipt applies a partial correction
func (s *Server) handleUpdateReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var update Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	receipt, err := s.service.UpdateReceipt(r.Context(), id, update)
	if err != nil {
		writeServiceError(w, "updating receipt", err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleDeleteReceipt deletes a receipt
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.service.DeleteReceipt(r.Context(), id); err != nil {
		writeServiceError(w, "deleting receipt", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTotalSpend(w http.ResponseWriter, r *http.Request) {
	total, err := s.service.TotalSpend(r.Context())
	if err != nil {
		writeServiceError(w, "computing total spend", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"total_spend": total})
}

func (s *Server) handleSpendStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.SpendStatistics(r.Context())
	if err != nil {
		writeServiceError(w, "computing spend statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleVendorFrequency(w http.ResponseWriter, r *http.Request) {
	counts, err := s.service.VendorFrequency(r.Context())
	if err != nil {
		writeServiceError(w, "computing vendor frequency", err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleMonthlySpendTrend(w http.ResponseWriter, r *http.Request) {
	trend, err := s.service.MonthlySpendTrend(r.Context())
	if err != nil {
		writeServiceError(w, "computing monthly spend trend", err)
		return
	}
	writeJSON(w, http.StatusOK, trend)
}

func (s *Server) handleSpendByCategory(w http.ResponseWriter, r *http.Request) {
	spend, err := s.service.SpendByCategory(r.Context())
	if err != nil {
		writeServiceError(w, "computing spend by category", err)
		return
	}
	writeJSON(w, http.StatusOK, spend)
}
