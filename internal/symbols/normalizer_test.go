package symbols

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"BTC-USD", "BTC-USD"},
		{"btc-usdc", "BTC-USDC"},
		{"BTCUSD", "BTC-USD"},
		{"ethusdt", "ETH-USDT"},
		{"XBT", "BTC-USD"},
		{"xbt-usd", "BTC-USD"},
		{"SOL/USD", "SOL-USD"},
		{"doge_usdc", "DOGE-USDC"},
		{" pepe-usd ", "PEPE-USD"},
		{"ETH", "ETH-USD"},
		{"ETHBTC", "ETH-BTC"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, Normalize(tc.in), "input %q", tc.in)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{"BTCUSD", "xbt", "eth/usdc", "SHIB-USD", "weird"}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "input %q", in)
	}
}

func TestBaseAndQuote(t *testing.T) {
	assert.Equal(t, "BTC", Base("xbtusd"))
	assert.Equal(t, "USD", Quote("xbtusd"))
	assert.Equal(t, "ETH", Base("ETH-USDC"))
	assert.Equal(t, "USDC", Quote("ETH-USDC"))
}
