package extract

import (
	"strings"
	"time"
)

const (
	isoLayout = "2006-01-02"
	usLayout  = "01/02/2006"
)

// NormalizeDate converts a raw date token into a calendar date at UTC midnight.
// Tokens containing '-' are read as YYYY-MM-DD, tokens containing '/' as
// MM/DD/YYYY. Anything else, including impossible calendar values, yields nil.
func NormalizeDate(raw *string) *time.Time {
	if raw == nil {
		return nil
	}
	token := strings.TrimSpace(*raw)

	var layout string
	switch {
	case strings.Contains(token, "-"):
		layout = isoLayout
	case strings.Contains(token, "/"):
		layout = usLayout
	default:
		return nil
	}

	t, ok := parseDate(layout, token)
	if !ok {
		return nil
	}
	return &t
}

// ParseISODate parses a YYYY-MM-DD string.
func ParseISODate(s string) (time.Time, bool) {
	return parseDate(isoLayout, strings.TrimSpace(s))
}

// parseDate rejects year zero, which time.Parse accepts
func parseDate(layout, token string) (time.Time, bool) {
	t, err := time.Parse(layout, token)
	if err != nil || t.Year() < 1 {
		return time.Time{}, false
	}
	return t, true
}
