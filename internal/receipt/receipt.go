package receipt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Date is a calendar date without a time component
type Date struct {
	time.Time
}

// NewDate truncates t to its calendar date in UTC
func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return Date{t}, nil
}

func (d Date) String() string {
	return d.Format(dateLayout)
}

// MonthKey returns the YYYY-MM bucket of the date
func (d Date) MonthKey() string {
	return d.Format("2006-01")
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Receipt is a persisted receipt record
type Receipt struct {
	ID              int64    `json:"id"`
	Filename        string   `json:"filename"`
	ContentType     string   `json:"content_type"`
	SavedPath       string   `json:"saved_path"`
	Vendor          *string  `json:"vendor"`
	TransactionDate *Date    `json:"transaction_date"`
	Amount          *float64 `json:"amount"`
	Category        *string  `json:"category"`
	Currency        *string  `json:"currency"`
	CreatedAt       Date     `json:"created_at"`
}

// Field is an optional update value. Set reports whether the key was present,
// Value is nil when it was explicitly null.
type Field[T any] struct {
	Set   bool
	Value *T
}

// Value returns a Field set to v
func Value[T any](v T) Field[T] {
	return Field[T]{Set: true, Value: &v}
}

// Null returns a Field that clears the stored value
func Null[T any]() Field[T] {
	return Field[T]{Set: true}
}

func (f *Field[T]) UnmarshalJSON(data []byte) error {
	f.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		f.Value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	f.Value = &v
	return nil
}

// Update is a partial correction of the extracted fields of a receipt.
// Keys that are absent leave the stored value untouched.
type Update struct {
	Vendor          Field[string]  `json:"vendor"`
	TransactionDate Field[string]  `json:"transaction_date"`
	Amount          Field[float64] `json:"amount"`
	Category        Field[string]  `json:"category"`
	Currency        Field[string]  `json:"currency"`
}
