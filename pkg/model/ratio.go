package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Ratio is a non-negative rational number, used for the redundancy factor.
type Ratio struct {
	Num uint32
	Den uint32
}

var ErrInvalidRatio = errors.New("model: invalid ratio")

// Valid reports whether the ratio has a non-zero denominator.
func (r Ratio) Valid() bool { return r.Den != 0 }

// Float returns the ratio as a float64.
func (r Ratio) Float() float64 {
	if r.Den == 0 {
		return math.NaN()
	}
	return float64(r.Num) / float64(r.Den)
}

// CeilMul returns ceil(k * r) using integer arithmetic.
func (r Ratio) CeilMul(k uint32) uint64 {
	if r.Den == 0 {
		return 0
	}
	p := uint64(k) * uint64(r.Num)
	return (p + uint64(r.Den) - 1) / uint64(r.Den)
}

func (r Ratio) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// ParseRatio accepts "num/den" or a decimal such as "0.5". Decimals are
// converted with a denominator of 1000.
func ParseRatio(s string) (Ratio, error) {
	s = strings.TrimSpace(s)
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err := strconv.ParseUint(strings.TrimSpace(num), 10, 32)
		if err != nil {
			return Ratio{}, fmt.Errorf("%w: %q: %v", ErrInvalidRatio, s, err)
		}
		d, err := strconv.ParseUint(strings.TrimSpace(den), 10, 32)
		if err != nil {
			return Ratio{}, fmt.Errorf("%w: %q: %v", ErrInvalidRatio, s, err)
		}
		if d == 0 {
			return Ratio{}, fmt.Errorf("%w: %q: zero denominator", ErrInvalidRatio, s)
		}
		return Ratio{Num: uint32(n), Den: uint32(d)}.Reduce(), nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || math.IsInf(f, 0) || math.IsNaN(f) || f > math.MaxUint32/1000 {
		return Ratio{}, fmt.Errorf("%w: %q", ErrInvalidRatio, s)
	}
	return Ratio{Num: uint32(math.Round(f * 1000)), Den: 1000}.Reduce(), nil
}

// Reduce divides numerator and denominator by their gcd.
func (r Ratio) Reduce() Ratio {
	if r.Den == 0 {
		return r
	}
	a, b := r.Num, r.Den
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return Ratio{Num: 0, Den: 1}
	}
	return Ratio{Num: r.Num / a, Den: r.Den / a}
}

// MarshalYAML writes the "num/den" form UnmarshalYAML reads.
func (r Ratio) MarshalYAML() (interface{}, error) {
	return r.String(), nil
}

// UnmarshalYAML lets configuration files spell ratios as strings.
func (r *Ratio) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseRatio(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
