package execution

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
)

func TestClientOrderID_DeterministicWithinMinute(t *testing.T) {
	base := time.Date(2026, 8, 24, 12, 30, 5, 0, time.UTC)
	size := decimal.NewFromFloat(123.456)

	a := ClientOrderID("t247-", "BTC-USD", core.SideBuy, size, base)
	b := ClientOrderID("t247-", "BTC-USD", core.SideBuy, size, base.Add(40*time.Second))

	assert.Equal(t, a, b, "same identity in the same minute")
	assert.True(t, strings.HasPrefix(a, "t247-"))
	assert.Len(t, a, len("t247-")+16)
}

func TestClientOrderID_ChangesAcrossMinutes(t *testing.T) {
	base := time.Date(2026, 8, 24, 12, 30, 5, 0, time.UTC)
	size := decimal.NewFromInt(100)

	a := ClientOrderID("t247-", "BTC-USD", core.SideBuy, size, base)
	b := ClientOrderID("t247-", "BTC-USD", core.SideBuy, size, base.Add(time.Minute))
	assert.NotEqual(t, a, b)
}

func TestClientOrderID_DistinguishesIdentity(t *testing.T) {
	ts := time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC)
	size := decimal.NewFromInt(100)

	buy := ClientOrderID("t247-", "BTC-USD", core.SideBuy, size, ts)
	sell := ClientOrderID("t247-", "BTC-USD", core.SideSell, size, ts)
	eth := ClientOrderID("t247-", "ETH-USD", core.SideBuy, size, ts)
	bigger := ClientOrderID("t247-", "BTC-USD", core.SideBuy, decimal.NewFromInt(101), ts)

	assert.NotEqual(t, buy, sell)
	assert.NotEqual(t, buy, eth)
	assert.NotEqual(t, buy, bigger)
}

func TestClientOrderID_RoundsSizeToCents(t *testing.T) {
	ts := time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC)

	a := ClientOrderID("t247-", "BTC-USD", core.SideBuy, decimal.NewFromFloat(100.001), ts)
	b := ClientOrderID("t247-", "BTC-USD", core.SideBuy, decimal.NewFromFloat(100.004), ts)
	c := ClientOrderID("t247-", "BTC-USD", core.SideBuy, decimal.NewFromFloat(100.01), ts)

	assert.Equal(t, a, b, "sub-cent differences collapse")
	assert.NotEqual(t, a, c)
}
