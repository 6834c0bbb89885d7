package core

// convert.go holds the lenient casts applied to loosely typed feed values.
//
// These functions accept the messy reality of exported spreadsheets:
//   - Multiple date formats (US, EU, ISO, spelled months)
//   - Thousands separators and trailing ".0" on whole numbers
//   - Several boolean spellings (yes/no, y/n, t/f, 1/0, x)
//   - Excel formula wrappers (="value")
//
// Every Cast* function reports ok=false instead of returning an error, so a
// bad cell degrades to null and the row keeps going.

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// DateLayout is the storage format for date fields.
const DateLayout = "2006-01-02"

// numericRegex validates a cleaned number: integers, decimals and exponents.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// TwoDigitYearPivot bounds how far into the future a 2-digit year may land
// before it is read as the previous century.
var TwoDigitYearPivot = 20

var (
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"Jan 2, 2006", "January 2, 2006", "2 Jan 2006", "2-Jan-2006",
		"2006-01-02T15:04:05Z07:00", "2006-01-02 15:04:05",
		"20060102",
	}
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06", "2-Jan-06",
	}
)

// ValidUTF8 replaces each byte of s that is not valid UTF-8 with U+FFFD, the
// same substitution encoding/json applies when raw rows are stored.
func ValidUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	out, _, err := transform.String(runes.ReplaceIllFormed(), s)
	if err != nil {
		return strings.ToValidUTF8(s, string(utf8.RuneError))
	}
	return out
}

// CleanCell removes common spreadsheet artifacts from a cell value:
// surrounding whitespace, the Excel formula prefix (="...") and stray quotes.
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	return strings.TrimSpace(strings.Trim(s, `"'`))
}

// CastDate parses s with the known layouts and returns it as YYYY-MM-DD.
func CastDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}

	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(DateLayout), true
		}
	}

	pivotYear := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return t.Format(DateLayout), true
		}
	}

	return "", false
}

// CastInt parses a whole number, tolerating thousands separators,
// accounting negatives "(12)" and a zero fractional part ("12.0").
func CastInt(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "_", "")
	s = strings.TrimSpace(s)
	if negative {
		s = "-" + s
	}

	if !numericRegex.MatchString(s) {
		return 0, false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// CastBool accepts true/false, yes/no, t/f, y/n, 1/0, on/off and x.
func CastBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "yes", "y", "1", "on", "x":
		return true, true
	case "false", "f", "no", "n", "0", "off":
		return false, true
	default:
		return false, false
	}
}

// CleanNaturalKey trims a key and strips the ".0" spreadsheets append to
// numeric identifiers. An empty result means the key is absent.
func CleanNaturalKey(s string) string {
	s = CleanCell(s)
	if i := strings.IndexByte(s, '.'); i > 0 && strings.Trim(s[i+1:], "0") == "" {
		if _, err := strconv.ParseInt(s[:i], 10, 64); err == nil {
			s = s[:i]
		}
	}
	return s
}
