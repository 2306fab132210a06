package timebase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCycles(t *testing.T) {
	tb, err := New("1ps")
	require.NoError(t, err)

	c, err := tb.Cycles("10ns")
	require.NoError(t, err)
	assert.Equal(t, uint64(10000), c)

	c, err = tb.Cycles("20ns")
	require.NoError(t, err)
	assert.Equal(t, uint64(20000), c)

	// Sub-cycle positive latencies round up to one cycle.
	c, err = tb.Cycles("0.1fs")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c)
}

func TestFrequencyAsPeriod(t *testing.T) {
	tb, err := New("1ps")
	require.NoError(t, err)

	c, err := tb.Cycles("1GHz")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), c)

	c, err = tb.Cycles("500MHz")
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), c)
}

func TestParseErrors(t *testing.T) {
	_, err := ParseFemtoseconds("10")
	assert.ErrorIs(t, err, ErrBadTimeString)
	_, err = ParseFemtoseconds("ns")
	assert.ErrorIs(t, err, ErrBadTimeString)
	_, err = ParseFemtoseconds("10 parsecs")
	assert.ErrorIs(t, err, ErrBadTimeString)
	_, err = New("0ps")
	assert.Error(t, err)
}

func TestWhitespaceAndCase(t *testing.T) {
	fs, err := ParseFemtoseconds(" 2.5 us ")
	require.NoError(t, err)
	assert.InDelta(t, 2.5e9, fs, 1)

	fs, err = ParseFemtoseconds("1MHZ")
	require.NoError(t, err)
	assert.InDelta(t, 1e9, fs, 1)
}
