package triage

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/grantscout/internal/table"
)

// deadlineLayouts are tried in order. Human-entered sheets mix ISO, US and
// long-form dates; the catalog returns MM/DD/YYYY.
var deadlineLayouts = []string{
	time.DateOnly,
	time.RFC3339,
	time.DateTime,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-1-2",
	"2006-1-2 15:04",
	"2006/1/2",
	"2006/1/2 15:04",
	"1/2/2006",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"1/2/2006 3:04 PM",
	"1/2/2006 3:04PM",
	"1/2/2006 3:04:05 PM",
	"1/2/06",
	"01-02-2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"January 2, 2006",
	"January 2 2006",
	"2 Jan 2006",
	"2 January 2006",
	"02-Jan-2006",
	"Mon, 02 Jan 2006",
	"Mon Jan 2 2006",
	"20060102",
}

// ordinalSuffix matches day ordinals such as "5th" in "January 5th, 2025".
var ordinalSuffix = regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th)\b`)

// ParseScore coerces a human-entered score cell to float64. Anything that is
// not numeric (null, blank, free text, NaN) is 0.
func ParseScore(v any) float64 {
	var f float64
	switch x := v.(type) {
	case nil:
		return 0
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0
		}
		f = p
	default:
		return 0
	}
	if math.IsNaN(f) {
		return 0
	}
	return f
}

// ParseMatch parses a required cost-share percentage. "30%", "30", "30.0" and
// "1,000" parse as numbers; null, blank and anything starting with "var"
// (Var, Var., variable) are unknown. ok is false when the value is unknown.
func ParseMatch(v any) (pct float64, ok bool) {
	if table.IsNull(v) {
		return 0, false
	}
	var text string
	switch x := v.(type) {
	case string:
		text = x
	case float64:
		return x, !math.IsNaN(x)
	default:
		text = fmt.Sprint(x)
	}

	text = strings.NewReplacer("%", "", ",", "").Replace(text)
	text = strings.TrimSpace(text)
	if text == "" || strings.HasPrefix(strings.ToLower(text), "var") {
		return 0, false
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// ParseDeadline parses a deadline cell into a calendar date (midnight UTC).
// ok is false for null or unparseable input.
func ParseDeadline(v any) (d time.Time, ok bool) {
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return time.Time{}, false
		}
		return Day(x), true
	case float64:
		// a yyyymmdd cell typed as a number at load
		if x != math.Trunc(x) || x < 10000101 || x > 99991231 {
			return time.Time{}, false
		}
		return ParseDeadline(strconv.FormatFloat(x, 'f', 0, 64))
	case int:
		return ParseDeadline(float64(x))
	case string:
		s := ordinalSuffix.ReplaceAllString(strings.TrimSpace(x), "$1")
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range deadlineLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return Day(t), true
			}
		}
	}
	return time.Time{}, false
}

// Day truncates t to its calendar day, expressed as midnight UTC so that dates
// from different locations compare by calendar day alone.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
