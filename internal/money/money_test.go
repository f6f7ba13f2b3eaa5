package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUSD(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "", want: 0},
		{in: "1", want: 100_000_000},
		{in: "5", want: 500_000_000},
		{in: "0.075", want: 7_500_000},
		{in: "3.75", want: 375_000_000},
		{in: "0.00000001", want: 1},
		{in: "0.000000001", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUSD(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromFloat(t *testing.T) {
	got, err := FromFloat(0.3)
	require.NoError(t, err)
	assert.Equal(t, int64(30_000_000), got)
}

func TestFormatUSD(t *testing.T) {
	assert.Equal(t, "20", FormatUSD(2_000_000_000))
	assert.Equal(t, "0.002", FormatUSD(200_000))
	assert.Equal(t, "0", FormatUSD(0))
}

func TestSettleRoundsHalfUp(t *testing.T) {
	assert.Equal(t, int64(0), Settle(499_999))
	assert.Equal(t, int64(1), Settle(500_000))
	assert.Equal(t, int64(200_000), Settle(CostOf(1000, 100_000_000)+CostOf(500, 200_000_000)))
	assert.Equal(t, int64(0), CostOf(-1, 5))
}
