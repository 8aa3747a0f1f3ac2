package columns

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/gridflow/pkg/schema"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Field presentation types.
const (
	FormatNumber   = "number"
	FormatCurrency = "currency"
	FormatDate     = "date"
	FormatCheckbox = "checkbox"
	FormatText     = "text"
)

// CheckMark is the display value of a checked checkbox.
const CheckMark = "✓"

// DefaultDatePattern is used when a date format names no pattern.
const DefaultDatePattern = "MM/DD/YYYY"

// datePatterns maps the supported display patterns to Go layouts.
var datePatterns = map[string]string{
	"MM/DD/YYYY":  "01/02/2006",
	"DD/MM/YYYY":  "02/01/2006",
	"YYYY-MM-DD":  "2006-01-02",
	"MMM D, YYYY": "Jan 2, 2006",
	"D MMM YYYY":  "2 Jan 2006",
}

// inputDateLayouts are tried in order when parsing a raw date value.
var inputDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"2 January 2006",
}

var groupingPrinter = message.NewPrinter(language.English)

// DatePatterns lists the supported date display patterns.
func DatePatterns() []string {
	return []string{"MM/DD/YYYY", "DD/MM/YYYY", "YYYY-MM-DD", "MMM D, YYYY", "D MMM YYYY"}
}

// FormatField renders a raw field value for display. Values that do not parse
// for the declared type are shown unchanged.
func FormatField(raw string, f *schema.FieldFormat) string {
	if f == nil || raw == "" {
		if f != nil && f.Type == FormatCheckbox {
			return ""
		}
		return raw
	}
	switch f.Type {
	case FormatNumber:
		v, ok := parseNumeric(raw)
		if !ok {
			return raw
		}
		return formatNumber(v, decimalsFor(raw, f.Decimals), f.ThousandsSep)
	case FormatCurrency:
		v, ok := parseNumeric(raw)
		if !ok {
			return raw
		}
		return formatCurrency(v, f)
	case FormatDate:
		return formatDate(raw, f.DatePattern)
	case FormatCheckbox:
		if isChecked(raw) {
			return CheckMark
		}
		return ""
	default:
		return raw
	}
}

func formatNumber(v float64, decimals int, grouped bool) string {
	if grouped {
		return groupingPrinter.Sprintf("%."+strconv.Itoa(decimals)+"f", v)
	}
	return strconv.FormatFloat(v, 'f', decimals, 64)
}

func formatCurrency(v float64, f *schema.FieldFormat) string {
	decimals := 2
	if f.Decimals != nil {
		decimals = clampDecimals(*f.Decimals)
	}
	symbol := f.CurrencySymbol
	if symbol == "" {
		symbol = "$"
	}
	sign := ""
	if v < 0 {
		sign = "-"
		v = math.Abs(v)
	}
	amount := formatNumber(v, decimals, f.ThousandsSep)
	if f.CurrencyPosition == "after" {
		return sign + amount + " " + symbol
	}
	return sign + symbol + amount
}

func formatDate(raw, pattern string) string {
	if pattern == "" {
		pattern = DefaultDatePattern
	}
	layout, ok := datePatterns[pattern]
	if !ok {
		return raw
	}
	s := strings.TrimSpace(raw)
	for _, in := range inputDateLayouts {
		if t, err := time.Parse(in, s); err == nil {
			return t.Format(layout)
		}
	}
	return raw
}

func isChecked(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "yes", "y", "1", "x", "checked", "on", CheckMark:
		return true
	default:
		return false
	}
}

// parseNumeric accepts plain decimals plus grouping commas and a leading
// currency sign, which imported spreadsheets often carry.
func parseNumeric(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// decimalsFor returns the configured decimals, or the number of decimals
// already present in the raw value.
func decimalsFor(raw string, configured *int) int {
	if configured != nil {
		return clampDecimals(*configured)
	}
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return clampDecimals(len(s) - i - 1)
	}
	return 0
}

func clampDecimals(d int) int {
	switch {
	case d < 0:
		return 0
	case d > 10:
		return 10
	default:
		return d
	}
}
