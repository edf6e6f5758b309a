package symbol

import (
	"strings"
)

// MaxLength is the longest canonical symbol accepted.
const MaxLength = 15

// AssetClass decides which adapters are eligible for a symbol.
type AssetClass int

const (
	Equity AssetClass = iota
	Crypto
	Forex
)

func (c AssetClass) String() string {
	switch c {
	case Crypto:
		return "crypto"
	case Forex:
		return "forex"
	}
	return "equity"
}

// aliasMap normalizes alternative tickers for the same crypto asset.
var aliasMap = map[string]string{
	"XBT":  "BTC",
	"XDG":  "DOGE",
	"BCC":  "BCH",
	"WETH": "ETH",
}

var cryptoBases = map[string]struct{}{
	"BTC": {}, "ETH": {}, "SOL": {}, "XRP": {}, "ADA": {}, "DOGE": {}, "DOT": {},
	"LTC": {}, "BCH": {}, "AVAX": {}, "LINK": {}, "MATIC": {}, "BNB": {}, "TRX": {},
}

var cryptoQuotes = []string{"USDT", "USDC", "USD", "EUR", "BTC", "ETH"}

var fiat = map[string]struct{}{
	"USD": {}, "EUR": {}, "GBP": {}, "JPY": {}, "CHF": {}, "CAD": {}, "AUD": {},
	"NZD": {}, "CNY": {}, "HKD": {}, "SEK": {}, "NOK": {},
}

// Normalize returns the canonical form of a user-supplied symbol:
// upper case, trimmed, pair separators folded to '-' and crypto aliases
// resolved. "btc/usd" and "xbtusd" both become "BTC-USD".
func Normalize(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	s = strings.NewReplacer("/", "-", "_", "-", " ", "").Replace(s)

	if base, quote, ok := strings.Cut(s, "-"); ok {
		if a, ok := aliasMap[base]; ok {
			base = a
		}
		return base + "-" + quote
	}
	// Concatenated crypto pair without separator, e.g. BTCUSDT.
	for _, q := range cryptoQuotes {
		if !strings.HasSuffix(s, q) || len(s) == len(q) {
			continue
		}
		base := strings.TrimSuffix(s, q)
		if a, ok := aliasMap[base]; ok {
			base = a
		}
		if _, ok := cryptoBases[base]; ok {
			return base + "-" + q
		}
	}
	return s
}

// IsValid reports whether s normalizes to a non-empty symbol no longer than
// MaxLength built from letters, digits and . - ^ =.
func IsValid(s string) bool {
	n := Normalize(s)
	if n == "" || len(n) > MaxLength {
		return false
	}
	for _, r := range n {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '^', r == '=':
		default:
			return false
		}
	}
	return true
}

// Classify guesses the asset class of a canonical symbol.
func Classify(s string) AssetClass {
	if strings.HasSuffix(s, "=X") {
		return Forex
	}
	base, quote, ok := strings.Cut(s, "-")
	if !ok {
		return Equity
	}
	_, baseFiat := fiat[base]
	_, quoteFiat := fiat[quote]
	if baseFiat && quoteFiat {
		return Forex
	}
	if _, ok := cryptoBases[base]; ok {
		return Crypto
	}
	if quote == "USDT" || quote == "USDC" {
		return Crypto
	}
	return Equity
}
