// Package execution turns approved proposals into exchange orders:
// sizing, preview gating, route selection, idempotent submission,
// TTL enforcement, TWAP liquidation, and fill reconciliation
package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
)

// clientIDHashLen is the number of hex chars kept from the digest
const clientIDHashLen = 16

// ClientOrderID derives a deterministic id from the order's identity and
// the minute it was created in. Identical inputs within the same minute
// produce identical ids, which makes retries deduplicate safely both
// in-process and through the persisted open-order index.
func ClientOrderID(prefix, symbol string, side core.Side, sizeUSD decimal.Decimal, ts time.Time) string {
	minute := ts.Unix() - ts.Unix()%60
	payload := fmt.Sprintf("%s|%s|%s|%d", symbol, side, sizeUSD.Round(2).StringFixed(2), minute)
	sum := sha256.Sum256([]byte(payload))
	return prefix + hex.EncodeToString(sum[:])[:clientIDHashLen]
}
