package extract

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// Fields contains the structured values found in OCR text.
// A nil field means the heuristics could not determine it.
type Fields struct {
	Vendor   *string  `json:"vendor"`
	Date     *string  `json:"date"` // raw token, not validated
	Amount   *float64 `json:"amount"`
	Category *string  `json:"category"`
	Currency *string  `json:"currency"`
}

const (
	CategoryUtilities = "Utilities"
	CategoryGroceries = "Groceries"
)

var (
	vendorLabelRe    = regexp.MustCompile(`(?i)(?:Vendor|Biller|Store|Payee)\s*[:\-]\s*(.+)`)
	nonWordLineRe    = regexp.MustCompile(`^[^\p{L}_]+$`)
	dateTokenRe      = regexp.MustCompile(`(\d{4}[/-]\d{2}[/-]\d{2}|\d{2}[/-]\d{2}[/-]\d{4})`)
	currencyAmountRe = regexp.MustCompile(`[₹$€£]\s?\d+[.,]?\d*`)
	nonNumericRe     = regexp.MustCompile(`[^\d.]`)
	currencyStripRe  = regexp.MustCompile(`[\d.,\s]`)
	numberRe         = regexp.MustCompile(`\d+[.,]?\d*`)
	currencySymbolRe = regexp.MustCompile(`[₹$€£]`)
)

// categoryRules are checked in order; the first rule with a matching keyword wins.
var categoryRules = []struct {
	category string
	keywords []string
}{
	{CategoryUtilities, []string{"electricity", "power", "energy"}},
	{CategoryGroceries, []string{"grocery", "mart", "food", "whole foods", "walmart"}},
}

// Extract derives receipt fields from raw OCR text. It never fails.
func Extract(text string) Fields {
	var f Fields
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	f.Vendor = extractVendor(text, lines)
	if m := dateTokenRe.FindString(text); m != "" {
		f.Date = &m
	}
	f.Amount, f.Currency = extractAmount(text, lines)
	f.Category = Categorize(f.Vendor)

	slog.Debug("Extracted receipt fields",
		"vendor", deref(f.Vendor),
		"date", deref(f.Date),
		"amount", derefAmount(f.Amount),
		"currency", deref(f.Currency),
		"category", deref(f.Category),
	)
	return f
}

func extractVendor(text string, lines []string) *string {
	if m := vendorLabelRe.FindStringSubmatch(text); m != nil {
		if v := strings.TrimSpace(m[1]); v != "" {
			return &v
		}
	}
	for _, line := range lines {
		candidate := strings.TrimSpace(line)
		if candidate != "" && !nonWordLineRe.MatchString(candidate) {
			return &candidate
		}
	}
	return nil
}

func extractAmount(text string, lines []string) (*float64, *string) {
	if m := currencyAmountRe.FindString(text); m != "" {
		var amount *float64
		if v, err := strconv.ParseFloat(nonNumericRe.ReplaceAllString(m, ""), 64); err == nil {
			amount = &v
		}
		currency := currencyStripRe.ReplaceAllString(m, "")
		return amount, &currency
	}

	// Only the first line mentioning a total is considered.
	for _, line := range lines {
		if !strings.Contains(strings.ToLower(line), "total") {
			continue
		}
		var amount *float64
		if n := numberRe.FindString(line); n != "" {
			if v, err := strconv.ParseFloat(strings.ReplaceAll(n, ",", ""), 64); err == nil {
				amount = &v
			}
		}
		var currency *string
		if sym := currencySymbolRe.FindString(line); sym != "" {
			currency = &sym
		}
		return amount, currency
	}
	return nil, nil
}

// Categorize infers a category from vendor keywords.
func Categorize(vendor *string) *string {
	if vendor == nil {
		return nil
	}
	lower := strings.ToLower(*vendor)
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				c := rule.category
				return &c
			}
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefAmount(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
