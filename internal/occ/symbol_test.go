package occ

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name       string
		underlying string
		expiry     time.Time
		class      OptionClass
		strike     float64
		want       string
	}{
		{
			name:       "short underlying pads to six chars",
			underlying: "TQQQ",
			expiry:     time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC),
			class:      Put,
			strike:     72,
			want:       "TQQQ  260116P00072000",
		},
		{
			name:       "single char underlying",
			underlying: "F",
			expiry:     time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC),
			class:      Call,
			strike:     12.5,
			want:       "F     251219C00012500",
		},
		{
			name:       "fractional dollar strike",
			underlying: "SPY",
			expiry:     time.Date(2025, 9, 30, 0, 0, 0, 0, time.UTC),
			class:      Put,
			strike:     452.35,
			want:       "SPY   250930P00452350",
		},
		{
			name:       "full width underlying unpadded",
			underlying: "GOOGL1",
			expiry:     time.Date(2027, 6, 18, 0, 0, 0, 0, time.UTC),
			class:      Call,
			strike:     2500,
			want:       "GOOGL1270618C02500000",
		},
		{
			name:       "lowercase underlying normalized",
			underlying: " tqqq ",
			expiry:     time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC),
			class:      Put,
			strike:     68,
			want:       "TQQQ  260116P00068000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.underlying, tt.expiry, tt.class, tt.strike)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Len(t, got, symbolLength)
		})
	}
}

func TestEncodeRejectsInvalidInput(t *testing.T) {
	exp := time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)

	_, err := Encode("", exp, Put, 72)
	assert.Error(t, err)

	_, err = Encode("TOOLONGSYM", exp, Put, 72)
	assert.Error(t, err)

	_, err = Encode("TQQQ", exp, OptionClass('X'), 72)
	assert.Error(t, err)

	_, err = Encode("TQQQ", exp, Put, 0)
	assert.Error(t, err)

	_, err = Encode("TQQQ", exp, Put, 123456.78)
	assert.Error(t, err)
}

func TestDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		underlying string
		expiry     time.Time
		class      OptionClass
		strike     float64
	}{
		{"TQQQ", time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC), Put, 72},
		{"SPY", time.Date(2025, 9, 30, 0, 0, 0, 0, time.UTC), Call, 452.35},
		{"F", time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC), Put, 12.5},
		{"IWM", time.Date(2028, 1, 21, 0, 0, 0, 0, time.UTC), Call, 199.995},
		{"GOOGL1", time.Date(2027, 6, 18, 0, 0, 0, 0, time.UTC), Call, 2500},
	}

	for _, c := range cases {
		encoded, err := Encode(c.underlying, c.expiry, c.class, c.strike)
		require.NoError(t, err)

		decoded, err := Decode(encoded)
		require.NoError(t, err, "decode %q", encoded)

		assert.Equal(t, c.underlying, decoded.Underlying)
		assert.Equal(t, c.expiry.Format("060102"), decoded.Expiry.Format("060102"))
		assert.Equal(t, c.class, decoded.Class)
		assert.InDelta(t, c.strike, decoded.Strike, 1e-9)
	}
}

func TestDecodeUnpaddedBrokerSymbol(t *testing.T) {
	// Position feeds report symbols without the padding the order entry
	// endpoint requires.
	sym, err := Decode("TQQQ260116P00072000")
	require.NoError(t, err)
	assert.Equal(t, "TQQQ", sym.Underlying)
	assert.Equal(t, Put, sym.Class)
	assert.InDelta(t, 72.0, sym.Strike, 1e-9)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, s := range []string{
		"",
		"TQQQ",
		"TQQQ  260116X00072000",
		"TQQQ  26011AP00072000",
		"TQQQ  260116P0007200Z",
		"      260116P00072000",
	} {
		_, err := Decode(s)
		assert.Error(t, err, "symbol %q", s)
	}
}

func TestClassOf(t *testing.T) {
	class, ok := ClassOf("TQQQ  260116P00072000")
	require.True(t, ok)
	assert.Equal(t, Put, class)

	_, ok = ClassOf("garbage")
	assert.False(t, ok)
}
