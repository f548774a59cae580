// Copyright 2025 R5 Labs
// This file is part of the R5 Proxy library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

package decimal

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		decimals uint8
		mode     Rounding
		in       string
		want     string // minimal units, decimal
		wantErr  bool
	}{
		{8, Truncate, "0.00005000", "5000", false},
		{8, Truncate, "1", "100000000", false},
		{8, Truncate, "1.", "100000000", false},
		{8, Truncate, ".5", "50000000", false},
		{8, Truncate, "0.000000001", "0", false},
		{8, HalfUp, "0.000000005", "1", false},
		{8, HalfUp, "0.000000004", "0", false},
		{6, Truncate, "10.000000", "10000000", false},
		{6, Truncate, "-0.5", "-500000", false},
		{0, Truncate, "42", "42", false},
		{0, Truncate, "42.9", "42", false},
		{0, HalfUp, "42.9", "43", false},
		{8, Truncate, "", "", true},
		{8, Truncate, ".", "", true},
		{8, Truncate, "1e8", "", true},
		{8, Truncate, "1,5", "", true},
		{8, Truncate, "0x10", "", true},
		{8, Truncate, "--1", "", true},
	}
	for _, tt := range tests {
		c := New(tt.decimals, tt.mode)
		got, err := c.Parse(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q) with %d decimals: expected error, got %v", tt.in, tt.decimals, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q) with %d decimals: %v", tt.in, tt.decimals, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("Parse(%q) with %d decimals: got %v, want %v", tt.in, tt.decimals, got, tt.want)
		}
	}
}

func TestParseUnsigned(t *testing.T) {
	c := New(8, Truncate)
	if _, err := c.ParseUnsigned("-1"); err != ErrNegative {
		t.Errorf("expected ErrNegative, got %v", err)
	}
	if v, err := c.ParseUnsigned("0"); err != nil || v.Sign() != 0 {
		t.Errorf("ParseUnsigned(0): got %v, %v", v, err)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		decimals uint8
		in       string
		want     string
	}{
		{8, "5000", "0.00005000"},
		{8, "100000000", "1.00000000"},
		{8, "0", "0.00000000"},
		{6, "10000000", "10.000000"},
		{6, "-500000", "-0.500000"},
		{0, "42", "42"},
	}
	for _, tt := range tests {
		c := New(tt.decimals, Truncate)
		v, ok := new(big.Int).SetString(tt.in, 10)
		if !ok {
			t.Fatalf("bad test input %q", tt.in)
		}
		if got := c.Format(v); got != tt.want {
			t.Errorf("Format(%s) with %d decimals: got %q, want %q", tt.in, tt.decimals, got, tt.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	c := New(8, Truncate)
	for _, s := range []string{"0.00000000", "1.23456789", "21000000.00000000"} {
		v, err := c.Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got := c.Format(v); got != s {
			t.Errorf("round trip %q: got %q", s, got)
		}
	}
}

func TestParseRounding(t *testing.T) {
	if m, err := ParseRounding(""); err != nil || m != Truncate {
		t.Errorf("default mode: got %v, %v", m, err)
	}
	if m, err := ParseRounding("half-up"); err != nil || m != HalfUp {
		t.Errorf("half-up: got %v, %v", m, err)
	}
	if _, err := ParseRounding("banker"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
