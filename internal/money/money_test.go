package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"100", "100", false},
		{"0.01", "0.01", false},
		{" 250.50 ", "250.5", false},
		{"0", "", true},
		{"-5", "", true},
		{"1.005", "", true}, // sub-cent precision rejected
		{"abc", "", true},
		{"", "", true},
	}

	for _, tc := range cases {
		got, err := Parse(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error, got %s", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): unexpected error: %v", tc.in, err)
			continue
		}
		want, _ := decimal.NewFromString(tc.want)
		if !got.Equal(want) {
			t.Errorf("Parse(%q) = %s, want %s", tc.in, got, want)
		}
	}
}

func TestCurrency(t *testing.T) {
	if c, err := Currency(" ghs "); err != nil || c != "GHS" {
		t.Errorf("Currency(ghs) = %q, %v", c, err)
	}
	for _, bad := range []string{"", "GH", "GHSX", "G1S"} {
		if _, err := Currency(bad); err == nil {
			t.Errorf("Currency(%q): expected error", bad)
		}
	}
}

func TestRound(t *testing.T) {
	d := decimal.RequireFromString("66.666666")
	if got := Round(d); got.String() != "66.67" {
		t.Errorf("Round = %s, want 66.67", got)
	}
}
