package receipt

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// Criteria filters receipts. Every filter is optional and all present filters
// must match. A receipt with a nil value in a filtered field never matches it.
type Criteria struct {
	// Keyword is matched case-insensitively against filename, vendor and category
	Keyword   string
	MinAmount *float64
	MaxAmount *float64
	StartDate *time.Time
	EndDate   *time.Time
	// VendorPattern is a case-insensitive substring, not a regular expression
	VendorPattern string
}

// Matches reports whether r satisfies every filter in c
func (c Criteria) Matches(r *Receipt) bool {
	if c.Keyword != "" {
		kw := strings.ToLower(c.Keyword)
		if !containsFold(&r.Filename, kw) && !containsFold(r.Vendor, kw) && !containsFold(r.Category, kw) {
			return false
		}
	}
	if c.MinAmount != nil && (r.Amount == nil || *r.Amount < *c.MinAmount) {
		return false
	}
	if c.MaxAmount != nil && (r.Amount == nil || *r.Amount > *c.MaxAmount) {
		return false
	}
	if c.StartDate != nil && (r.TransactionDate == nil || r.TransactionDate.Before(NewDate(*c.StartDate).Time)) {
		return false
	}
	if c.EndDate != nil && (r.TransactionDate == nil || r.TransactionDate.After(NewDate(*c.EndDate).Time)) {
		return false
	}
	if c.VendorPattern != "" && !containsFold(r.Vendor, strings.ToLower(c.VendorPattern)) {
		return false
	}
	return true
}

func containsFold(s *string, lowerNeedle string) bool {
	return s != nil && strings.Contains(strings.ToLower(*s), lowerNeedle)
}

// Page selects a window of an ordered result. A Limit of zero or less means no limit.
type Page struct {
	Skip  int
	Limit int
}

func (p Page) apply(receipts []*Receipt) []*Receipt {
	if p.Skip > 0 {
		if p.Skip >= len(receipts) {
			return []*Receipt{}
		}
		receipts = receipts[p.Skip:]
	}
	if p.Limit > 0 && p.Limit < len(receipts) {
		receipts = receipts[:p.Limit]
	}
	return receipts
}

// done reports whether n collected items already fill the page
func (p Page) done(n int) bool {
	return p.Limit > 0 && n >= p.Limit
}

type SortField string

const (
	SortByAmount SortField = "amount"
	SortByDate   SortField = "date"
	SortByVendor SortField = "vendor"
	// SortByID is the fallback for unrecognized fields
	SortByID SortField = "id"
)

type SortOrder string

const (
	Ascending  SortOrder = "asc"
	Descending SortOrder = "desc"
)

// ParseSortField returns the field named s and whether it was recognized.
// Unrecognized names fall back to SortByID.
func ParseSortField(s string) (SortField, bool) {
	switch f := SortField(strings.ToLower(strings.TrimSpace(s))); f {
	case SortByAmount, SortByDate, SortByVendor:
		return f, true
	}
	return SortByID, false
}

// ParseSortOrder returns the order named s and whether it was recognized.
// Unrecognized names fall back to Ascending.
func ParseSortOrder(s string) (SortOrder, bool) {
	switch o := SortOrder(strings.ToLower(strings.TrimSpace(s))); o {
	case Ascending, Descending:
		return o, true
	}
	return Ascending, false
}

// SortOptions orders receipts by one field. Receipts with a nil sort key are
// always placed last, in both directions. Equal keys are ordered by ID ascending.
type SortOptions struct {
	By    SortField
	Order SortOrder
}

func (o SortOptions) normalized() SortOptions {
	by, _ := ParseSortField(string(o.By))
	order, _ := ParseSortOrder(string(o.Order))
	return SortOptions{By: by, Order: order}
}

// sortReceipts orders receipts in place
func sortReceipts(receipts []*Receipt, opts SortOptions) {
	opts = opts.normalized()
	desc := opts.Order == Descending && opts.By != SortByID

	slices.SortStableFunc(receipts, func(a, b *Receipt) int {
		c, decided := compareKeys(a, b, opts.By)
		if !decided && c != 0 {
			if desc {
				c = -c
			}
			return c
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// compareKeys compares the sort keys of a and b. decided is true when the
// result comes from null placement and must not be reversed for descending order.
func compareKeys(a, b *Receipt, by SortField) (c int, decided bool) {
	switch by {
	case SortByAmount:
		return compareNullable(a.Amount, b.Amount, cmp.Compare[float64])
	case SortByDate:
		return compareNullable(a.TransactionDate, b.TransactionDate, func(x, y Date) int { return x.Compare(y.Time) })
	case SortByVendor:
		return compareNullable(a.Vendor, b.Vendor, strings.Compare)
	}
	return cmp.Compare(a.ID, b.ID), false
}

func compareNullable[T any](a, b *T, compare func(T, T) int) (int, bool) {
	switch {
	case a == nil && b == nil:
		return 0, true
	case a == nil:
		return 1, true
	case b == nil:
		return -1, true
	}
	return compare(*a, *b), false
}
