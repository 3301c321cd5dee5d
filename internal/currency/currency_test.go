package currency

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	c, err := Parse("Bitcoin")
	require.NoError(t, err)
	assert.Equal(t, Bitcoin, c)
	assert.Equal(t, "BTC", c.Symbol())
	assert.Equal(t, int32(8), c.Scale())

	c, err = Parse("Ethereum")
	require.NoError(t, err)
	assert.Equal(t, "ETH", c.Symbol())
	assert.Equal(t, int32(18), c.Scale())
	assert.Equal(t, "ethereum", c.RoutingKey())

	_, err = Parse("Dogecoin")
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = Parse("bitcoin")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		name    string
		cur     Currency
		amount  string
		wantErr error
	}{
		{"zero", Bitcoin, "0", nil},
		{"max bitcoin precision", Bitcoin, "0.00000001", nil},
		{"too precise for bitcoin", Bitcoin, "0.000000001", ErrPrecision},
		{"trailing zeros are fine", Bitcoin, "3.0000000000", nil},
		{"ethereum wei", Ethereum, "0.000000000000000001", nil},
		{"negative", Ethereum, "-1", ErrNegativeAmount},
		{"unknown currency", Currency("Litecoin"), "1", ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cur.ValidateAmount(decimal.RequireFromString(tt.amount))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "3.00000000", Bitcoin.Format(decimal.NewFromInt(3)))
	assert.Equal(t, "3.000000000000000000", Ethereum.Format(decimal.NewFromInt(3)))
	assert.Equal(t, "0.10000000", Bitcoin.Format(decimal.RequireFromString("0.1")))
}
