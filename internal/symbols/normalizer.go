// Package symbols canonicalizes product identifiers to BASE-QUOTE form
package symbols

import (
	"strings"
)

// Base-currency aliases seen across venues and operator input
var baseAliases = map[string]string{
	"XBT": "BTC",
}

// Quote currencies recognized when splitting undelimited pairs, longest first
var knownQuotes = []string{"USDC", "USDT", "USD", "EUR", "GBP", "BTC", "ETH"}

// Normalize converts any symbol-like string to canonical upper-case
// BASE-QUOTE form. Undelimited pairs are split on a known quote currency
// suffix; bare assets default to the USD quote. Normalize is idempotent.
func Normalize(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.NewReplacer("/", "-", "_", "-", ":", "-").Replace(s)

	var base, quote string
	if i := strings.Index(s, "-"); i >= 0 {
		base, quote = s[:i], s[i+1:]
	} else {
		base, quote = splitUndelimited(s)
	}

	if canonical, ok := baseAliases[base]; ok {
		base = canonical
	}
	if quote == "" {
		quote = "USD"
	}

	return base + "-" + quote
}

// Base returns the canonical base currency of a symbol-like string
func Base(s string) string {
	canonical := Normalize(s)
	return canonical[:strings.Index(canonical, "-")]
}

// Quote returns the canonical quote currency of a symbol-like string
func Quote(s string) string {
	canonical := Normalize(s)
	return canonical[strings.Index(canonical, "-")+1:]
}

func splitUndelimited(s string) (string, string) {
	for _, q := range knownQuotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q
		}
	}
	return s, ""
}
