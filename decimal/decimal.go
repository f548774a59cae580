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

// Package decimal converts between decimal amount strings and exact
// integers in a coin's minimal unit. All internal accounting is done on
// *big.Int values; the decimal form only ever appears at the external
// boundary (API requests, responses and chain daemons speaking decimal).
package decimal

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// MaxDecimals bounds the configurable precision. Chains stop well
// short of it; the cap keeps scale factors sane.
const MaxDecimals = 30

// Rounding selects how excess fractional digits are folded into the
// minimal unit during Parse. A coin uses one mode for every conversion.
type Rounding int

const (
	// Truncate drops excess fractional digits.
	Truncate Rounding = iota
	// HalfUp rounds the last representable digit away from zero when the
	// first dropped digit is 5 or greater.
	HalfUp
)

// ParseRounding maps a configuration string to a Rounding mode.
func ParseRounding(s string) (Rounding, error) {
	switch s {
	case "", "truncate":
		return Truncate, nil
	case "half-up":
		return HalfUp, nil
	}
	return Truncate, fmt.Errorf("unknown rounding mode %q", s)
}

var (
	// ErrMalformed is returned for input that is not a plain decimal number.
	ErrMalformed = errors.New("malformed decimal amount")
	// ErrNegative is returned by ParseUnsigned for negative input.
	ErrNegative = errors.New("negative amount")
)

// Codec converts between decimal strings and minimal-unit integers at a
// fixed precision. The zero value is unusable; construct with New.
type Codec struct {
	decimals uint8
	mode     Rounding
	scale    *big.Int // 10^decimals
}

// New returns a codec for the given number of fractional digits.
func New(decimals uint8, mode Rounding) Codec {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return Codec{decimals: decimals, mode: mode, scale: scale}
}

// Decimals returns the configured precision.
func (c Codec) Decimals() uint8 { return c.decimals }

// Parse converts a decimal string into minimal units. Exponent notation,
// group separators and whitespace are rejected; a leading minus sign is
// accepted and preserved.
func (c Codec) Parse(s string) (*big.Int, error) {
	if c.scale == nil {
		panic("decimal: use of zero Codec")
	}
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if s == "" {
		return nil, ErrMalformed
	}
	intPart, fracPart := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
		if intPart == "" && fracPart == "" {
			return nil, ErrMalformed
		}
	}
	if !digitsOnly(intPart) || !digitsOnly(fracPart) {
		return nil, ErrMalformed
	}
	if intPart == "" {
		intPart = "0"
	}

	v, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return nil, ErrMalformed
	}
	v.Mul(v, c.scale)

	d := int(c.decimals)
	kept, dropped := fracPart, ""
	if len(fracPart) > d {
		kept, dropped = fracPart[:d], fracPart[d:]
	}
	if kept != "" {
		f, ok := new(big.Int).SetString(kept, 10)
		if !ok {
			return nil, ErrMalformed
		}
		// Scale the kept fraction up to full precision.
		for i := len(kept); i < d; i++ {
			f.Mul(f, big10)
		}
		v.Add(v, f)
	}
	if c.mode == HalfUp && dropped != "" && dropped[0] >= '5' {
		v.Add(v, big.NewInt(1))
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}

// ParseUnsigned is Parse restricted to non-negative amounts.
func (c Codec) ParseUnsigned(s string) (*big.Int, error) {
	v, err := c.Parse(s)
	if err != nil {
		return nil, err
	}
	if v.Sign() < 0 {
		return nil, ErrNegative
	}
	return v, nil
}

// Format renders minimal units as a decimal string with exactly the
// configured number of fractional digits.
func (c Codec) Format(v *big.Int) string {
	if c.scale == nil {
		panic("decimal: use of zero Codec")
	}
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)
	q, r := new(big.Int).QuoRem(abs, c.scale, new(big.Int))
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteString(q.String())
	if c.decimals > 0 {
		frac := r.String()
		b.WriteByte('.')
		for i := len(frac); i < int(c.decimals); i++ {
			b.WriteByte('0')
		}
		b.WriteString(frac)
	}
	return b.String()
}

var big10 = big.NewInt(10)

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
