package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestParse(t *testing.T) {
	got, err := Parse("100.005")
	require.NoError(t, err)
	assert.Equal(t, "100.01", Format(got), "normalized to two places")

	for _, bad := range []string{"0", "-1.00", "", "abc", "1,000"} {
		_, err := Parse(bad)
		assert.ErrorIs(t, err, ErrInvalidAmount, "input %q", bad)
	}
}

func TestEscrowFee(t *testing.T) {
	tests := []struct{ amount, fee string }{
		{"100.00", "2.50"},
		{"33.33", "0.83"},
		{"0.01", "0.00"},
		{"1000000.00", "25000.00"},
		{"19.99", "0.50"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.fee, Format(EscrowFee(dec(tc.amount))), "amount %s", tc.amount)
	}
}

func TestWithinTolerance(t *testing.T) {
	expected := dec("102.50")

	assert.True(t, WithinTolerance(expected, dec("102.50")))
	assert.True(t, WithinTolerance(expected, dec("102.00")), "under by <1%")
	assert.True(t, WithinTolerance(expected, dec("103.00")), "over by <1%")
	assert.True(t, WithinTolerance(expected, dec("101.48")), "just inside the band")

	assert.False(t, WithinTolerance(expected, dec("101.00")), "short by more than 1%")
	assert.False(t, WithinTolerance(expected, dec("95.00")))
	assert.False(t, WithinTolerance(expected, dec("110.00")))
	assert.False(t, WithinTolerance(expected, decimal.Zero))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "100.00", Format(dec("100")))
	assert.Equal(t, "0.50", Format(dec("0.5")))
}
