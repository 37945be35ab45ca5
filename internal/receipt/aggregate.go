package receipt

import (
	"cmp"
	"slices"

	"github.com/shopspring/decimal"
)

// SpendStatistics describes the distribution of receipt amounts.
// Every field is nil when no receipt has an amount.
type SpendStatistics struct {
	Mean   *float64 `json:"mean"`
	Median *float64 `json:"median"`
	Mode   *float64 `json:"mode"`
}

type VendorCount struct {
	Vendor string `json:"vendor"`
	Count  int    `json:"count"`
}

type MonthlySpend struct {
	Month      string  `json:"month_year"`
	TotalSpend float64 `json:"total_spend"`
}

type CategorySpend struct {
	Category   string  `json:"category"`
	TotalSpend float64 `json:"total_spend"`
}

// ComputeStatistics returns mean, median and mode of amounts.
// Ties for the most frequent value resolve to the smallest value.
func ComputeStatistics(amounts []float64) SpendStatistics {
	if len(amounts) == 0 {
		return SpendStatistics{}
	}

	sorted := slices.Clone(amounts)
	slices.Sort(sorted)

	sum := decimal.Zero
	for _, a := range sorted {
		sum = sum.Add(decimal.NewFromFloat(a))
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(sorted)))).InexactFloat64()

	n := len(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	// sorted input means runs of equal values are adjacent and the first
	// run reaching the maximum is the smallest value
	mode, best := sorted[0], 0
	for i := 0; i < n; {
		j := i
		for j < n && sorted[j] == sorted[i] {
			j++
		}
		if j-i > best {
			mode, best = sorted[i], j-i
		}
		i = j
	}

	return SpendStatistics{Mean: &mean, Median: &median, Mode: &mode}
}

// spendAccumulator folds receipts into every aggregation at once. Individual
// amounts are only retained when keepAmounts is set, since only the
// statistics need them.
type spendAccumulator struct {
	keepAmounts bool
	total       decimal.Decimal
	amounts     []float64
	vendors     map[string]int
	months      map[string]decimal.Decimal
	categories  map[string]decimal.Decimal
}

func newSpendAccumulator(keepAmounts bool) *spendAccumulator {
	return &spendAccumulator{
		keepAmounts: keepAmounts,
		vendors:     make(map[string]int),
		months:      make(map[string]decimal.Decimal),
		categories:  make(map[string]decimal.Decimal),
	}
}

func (a *spendAccumulator) add(r *Receipt) {
	if r.Vendor != nil {
		a.vendors[*r.Vendor]++
	}
	if r.Amount == nil {
		return
	}
	amount := decimal.NewFromFloat(*r.Amount)
	a.total = a.total.Add(amount)
	if a.keepAmounts {
		a.amounts = append(a.amounts, *r.Amount)
	}
	if r.TransactionDate != nil {
		key := r.TransactionDate.MonthKey()
		a.months[key] = a.months[key].Add(amount)
	}
	if r.Category != nil {
		a.categories[*r.Category] = a.categories[*r.Category].Add(amount)
	}
}

func (a *spendAccumulator) totalSpend() float64 {
	return a.total.InexactFloat64()
}

func (a *spendAccumulator) statistics() SpendStatistics {
	return ComputeStatistics(a.amounts)
}

// vendorFrequency orders vendors by count descending, then name
func (a *spendAccumulator) vendorFrequency() []VendorCount {
	out := make([]VendorCount, 0, len(a.vendors))
	for v, c := range a.vendors {
		out = append(out, VendorCount{Vendor: v, Count: c})
	}
	slices.SortFunc(out, func(x, y VendorCount) int {
		if c := cmp.Compare(y.Count, x.Count); c != 0 {
			return c
		}
		return cmp.Compare(x.Vendor, y.Vendor)
	})
	return out
}

// monthlyTrend orders months ascending
func (a *spendAccumulator) monthlyTrend() []MonthlySpend {
	out := make([]MonthlySpend, 0, len(a.months))
	for m, total := range a.months {
		out = append(out, MonthlySpend{Month: m, TotalSpend: total.InexactFloat64()})
	}
	slices.SortFunc(out, func(x, y MonthlySpend) int {
		return cmp.Compare(x.Month, y.Month)
	})
	return out
}

// categorySpend orders categories by total descending, then name
func (a *spendAccumulator) categorySpend() []CategorySpend {
	out := make([]CategorySpend, 0, len(a.categories))
	for c, total := range a.categories {
		out = append(out, CategorySpend{Category: c, TotalSpend: total.InexactFloat64()})
	}
	slices.SortFunc(out, func(x, y CategorySpend) int {
		if c := cmp.Compare(y.TotalSpend, x.TotalSpend); c != 0 {
			return c
		}
		return cmp.Compare(x.Category, y.Category)
	})
	return out
}
