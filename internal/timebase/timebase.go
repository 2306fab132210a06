// Package timebase converts the time strings found in model descriptions
// ("10ns", "2.5us", "1GHz") into integer simulation cycles against the
// core's configured timebase.
package timebase

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrBadTimeString is returned for strings that do not parse as a time or
// frequency quantity.
var ErrBadTimeString = errors.New("invalid time string")

// femtoseconds per unit
var timeUnits = map[string]float64{
	"s":  1e15,
	"ms": 1e12,
	"us": 1e9,
	"ns": 1e6,
	"ps": 1e3,
	"fs": 1,
}

// hertz multipliers; a frequency is converted to its period
var freqUnits = map[string]float64{
	"hz":  1,
	"khz": 1e3,
	"mhz": 1e6,
	"ghz": 1e9,
	"thz": 1e12,
}

// TimeBase performs latency-string to simulation-cycle conversion. One
// simulation cycle equals the configured base period.
type TimeBase struct {
	baseFs float64
	base   string
}

// New builds a TimeBase from a period string such as "1ps".
func New(base string) (*TimeBase, error) {
	fs, err := ParseFemtoseconds(base)
	if err != nil {
		return nil, fmt.Errorf("timebase %q: %w", base, err)
	}
	if fs <= 0 {
		return nil, fmt.Errorf("%w: timebase must be positive: %s", ErrBadTimeString, base)
	}
	return &TimeBase{baseFs: fs, base: base}, nil
}

// String returns the base period string.
func (tb *TimeBase) String() string {
	return tb.base
}

// Cycles converts a latency string to whole simulation cycles. Any positive
// latency shorter than one cycle rounds up to one so events never deliver in
// the cycle they were sent.
func (tb *TimeBase) Cycles(latency string) (uint64, error) {
	fs, err := ParseFemtoseconds(latency)
	if err != nil {
		return 0, err
	}
	cycles := uint64(math.Round(fs / tb.baseFs))
	if cycles == 0 && fs > 0 {
		cycles = 1
	}
	return cycles, nil
}

// FormatCycles renders a cycle count as a human-readable time using the
// largest unit that keeps the value at or above one.
func (tb *TimeBase) FormatCycles(cycles uint64) string {
	fs := float64(cycles) * tb.baseFs
	for _, unit := range []struct {
		name string
		mult float64
	}{{"s", 1e15}, {"ms", 1e12}, {"us", 1e9}, {"ns", 1e6}, {"ps", 1e3}} {
		if fs >= unit.mult {
			return fmt.Sprintf("%g %s", fs/unit.mult, unit.name)
		}
	}
	return fmt.Sprintf("%g fs", fs)
}

// ParseFemtoseconds parses a time or frequency quantity and returns its
// value (for frequencies, the period) in femtoseconds.
func ParseFemtoseconds(s string) (float64, error) {
	trimmed := strings.TrimSpace(s)
	split := len(trimmed)
	for i, r := range trimmed {
		if (r < '0' || r > '9') && r != '.' && r != '-' && r != '+' && r != 'e' && r != 'E' {
			split = i
			break
		}
	}
	numStr := strings.TrimSpace(trimmed[:split])
	unitStr := strings.TrimSpace(trimmed[split:])
	if numStr == "" || unitStr == "" {
		return 0, fmt.Errorf("%w: %q", ErrBadTimeString, s)
	}
	value, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadTimeString, s)
	}

	unit := strings.ToLower(unitStr)
	if mult, ok := timeUnits[unit]; ok {
		return value * mult, nil
	}
	if mult, ok := freqUnits[unit]; ok {
		if value <= 0 {
			return 0, fmt.Errorf("%w: non-positive frequency %q", ErrBadTimeString, s)
		}
		return 1e15 / (value * mult), nil
	}
	return 0, fmt.Errorf("%w: unknown unit in %q", ErrBadTimeString, s)
}
