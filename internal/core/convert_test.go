package core

import (
	"testing"
	"time"
)

// ----------------------------------------------------------------------------
// CastInt Tests
// ----------------------------------------------------------------------------

func TestCastInt(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   int64
		wantOK bool
	}{
		{name: "plain integer", input: "123", want: 123, wantOK: true},
		{name: "zero", input: "0", want: 0, wantOK: true},
		{name: "negative", input: "-456", want: -456, wantOK: true},
		{name: "thousands separator", input: "1,234", want: 1234, wantOK: true},
		{name: "spreadsheet float", input: "12.0", want: 12, wantOK: true},
		{name: "accounting negative", input: "(42)", want: -42, wantOK: true},
		{name: "surrounding whitespace", input: "  7 ", want: 7, wantOK: true},
		{name: "exponent", input: "1e3", want: 1000, wantOK: true},
		{name: "empty", input: "", wantOK: false},
		{name: "fractional", input: "12.5", wantOK: false},
		{name: "text", input: "twelve", wantOK: false},
		{name: "currency rejected", input: "$12", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CastInt(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("CastInt(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("CastInt(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

// ----------------------------------------------------------------------------
// CastDate Tests
// ----------------------------------------------------------------------------

func TestCastDate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{name: "iso", input: "2024-03-15", want: "2024-03-15", wantOK: true},
		{name: "us slash", input: "3/15/2024", want: "2024-03-15", wantOK: true},
		{name: "us padded", input: "03/15/2024", want: "2024-03-15", wantOK: true},
		{name: "spelled month", input: "Mar 15, 2024", want: "2024-03-15", wantOK: true},
		{name: "day month year", input: "15 Mar 2024", want: "2024-03-15", wantOK: true},
		{name: "compact", input: "20240315", want: "2024-03-15", wantOK: true},
		{name: "timestamp", input: "2024-03-15 10:30:00", want: "2024-03-15", wantOK: true},
		{name: "two digit year", input: "3/15/24", want: "2024-03-15", wantOK: true},
		{name: "empty", input: "", wantOK: false},
		{name: "garbage", input: "next tuesday", wantOK: false},
		{name: "impossible date", input: "2024-02-30", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CastDate(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("CastDate(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("CastDate(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCastDate_TwoDigitYearPivot(t *testing.T) {
	far := time.Now().Year() + TwoDigitYearPivot + 5
	input := "1/1/" + twoDigits(far%100)

	got, ok := CastDate(input)
	if !ok {
		t.Fatalf("CastDate(%q) failed", input)
	}
	wantYear := far - 100
	if got[:4] != itoa4(wantYear) {
		t.Errorf("CastDate(%q) = %q, want year %d", input, got, wantYear)
	}
}

func twoDigits(n int) string {
	return string([]byte{byte('0' + n/10), byte('0' + n%10)})
}

func itoa4(n int) string {
	return string([]byte{byte('0' + n/1000), byte('0' + n/100%10), byte('0' + n/10%10), byte('0' + n%10)})
}

// ----------------------------------------------------------------------------
// CastBool Tests
// ----------------------------------------------------------------------------

func TestCastBool(t *testing.T) {
	tests := []struct {
		input  string
		want   bool
		wantOK bool
	}{
		{"true", true, true},
		{"YES", true, true},
		{"y", true, true},
		{"1", true, true},
		{"x", true, true},
		{"false", false, true},
		{"No", false, true},
		{"0", false, true},
		{"off", false, true},
		{"", false, false},
		{"maybe", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := CastBool(tt.input)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("CastBool(%q) = (%v, %v), want (%v, %v)", tt.input, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

// ----------------------------------------------------------------------------
// CleanCell / CleanNaturalKey Tests
// ----------------------------------------------------------------------------

func TestCleanCell(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"  plain  ", "plain"},
		{`="00123"`, "00123"},
		{"=42", "42"},
		{`"quoted"`, "quoted"},
		{"'single'", "single"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := CleanCell(tt.input); got != tt.want {
			t.Errorf("CleanCell(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestValidUTF8(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"café", "café"},
		{"caf\xe9", "caf\uFFFD"},
		{"k\xe9\xe8", "k\uFFFD\uFFFD"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := ValidUTF8(tt.input); got != tt.want {
			t.Errorf("ValidUTF8(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestCleanNaturalKey(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"1001", "1001"},
		{"1001.0", "1001"},
		{"1001.00", "1001"},
		{" 1001 ", "1001"},
		{`="1001"`, "1001"},
		{"1001.5", "1001.5"},
		{"A-1001.0", "A-1001.0"},
		{"   ", ""},
	}

	for _, tt := range tests {
		if got := CleanNaturalKey(tt.input); got != tt.want {
			t.Errorf("CleanNaturalKey(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
