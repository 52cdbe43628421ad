package market

import (
	"regexp"
	"strings"
)

// Trading-212 style instrument codes carry venue suffix chains such as
// AAPL_US_EQ or LLOY_EQ_GB. The chain is stripped during normalization but
// the venue markers inside it decide UK vs US listing.
var (
	venueSuffixPattern = regexp.MustCompile(`(_EQ|_US|_BE|_DE|_GB|_FR|_NL|_ES|_IT)+$`)
	ukMarkerPattern    = regexp.MustCompile(`_GB(_|$)`)
	usMarkerPattern    = regexp.MustCompile(`_US(_|$)`)

	// Leveraged ETP codes default to the London venue: a 3x/5x/7x prefix
	// (3LGO) or a trailing leverage digit (TQQQ3, TSL3).
	leveragedPrefixPattern = regexp.MustCompile(`^[357][A-Z]+$`)
	leveragedSuffixPattern = regexp.MustCompile(`^[A-Z]+[23457]$`)
)

// tickerAliases maps broker-specific codes to canonical symbols.
var tickerAliases = map[string]string{
	"SGLN1": "SGLN",
	"AVL":   "AV",
	"BAL":   "BA",
	"VUSA1": "VUSA",
	"LGEN1": "LGEN",
	"RRL":   "RR",
}

// ukTickers are symbols known to be London-listed. Deliberately not
// exhaustive; unknown UK symbols resolve through instrument search instead.
var ukTickers = map[string]bool{
	"VOD":  true,
	"BP":   true,
	"SHEL": true,
	"GSK":  true,
	"AZN":  true,
	"ULVR": true,
	"RIO":  true,
	"HSBA": true,
	"BARC": true,
	"TSCO": true,
	"RR":   true,
	"AV":   true,
	"LGEN": true,
	"SGLN": true,
	"VUSA": true,
	"IUKD": true,
}

// usTickers are symbols excluded from UK resolution.
var usTickers = map[string]bool{
	"AAPL":  true,
	"MSFT":  true,
	"GOOGL": true,
	"GOOG":  true,
	"AMZN":  true,
	"TSLA":  true,
	"NVDA":  true,
	"META":  true,
	"NFLX":  true,
	"AMD":   true,
	"INTC":  true,
	"JPM":   true,
	"V":     true,
	"MA":    true,
	"DIS":   true,
	"KO":    true,
	"PEP":   true,
	"PLTR":  true,
	"COIN":  true,
	"SPY":   true,
	"QQQ":   true,
	"VOO":   true,
}

// NormalizeTicker canonicalizes a raw symbol: uppercase, strip $ markers
// and venue suffix chains, apply aliases, then resolve the venue for
// undotted symbols. Dotted symbols pass through unchanged. The function is
// idempotent.
func NormalizeTicker(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "$", "")
	if s == "" {
		return ""
	}
	if strings.Contains(s, ".") {
		return s
	}

	ukMarked := ukMarkerPattern.MatchString(s)
	usMarked := usMarkerPattern.MatchString(s)

	s = venueSuffixPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "_", "")
	if s == "" {
		return ""
	}

	if alias, ok := tickerAliases[s]; ok {
		s = alias
	}
	if strings.Contains(s, ".") {
		return s
	}

	switch {
	case ukMarked:
		return s + ".L"
	case usMarked:
		return s
	case ukTickers[s]:
		return s + ".L"
	case usTickers[s]:
		return s
	case leveragedPrefixPattern.MatchString(s) || leveragedSuffixPattern.MatchString(s):
		return s + ".L"
	}
	return s
}

// tickerStopWords are uppercase tokens that look like symbols but are not.
var tickerStopWords = map[string]bool{
	"A": true, "I": true, "AN": true, "AT": true, "BE": true, "BY": true,
	"DO": true, "GO": true, "IF": true, "IN": true, "IS": true, "IT": true,
	"MY": true, "NO": true, "OF": true, "OK": true, "ON": true, "OR": true,
	"SO": true, "TO": true, "UP": true, "US": true, "WE": true,
	"AND": true, "ARE": true, "BUY": true, "CAN": true, "CEO": true,
	"ETF": true, "FOR": true, "HOW": true, "ISA": true, "NOW": true,
	"NOT": true, "OUT": true, "PER": true, "THE": true, "USD": true,
	"WHY": true, "YES": true, "YOU": true, "AI": true, "API": true,
	"EPS": true, "GBP": true, "GBX": true, "IPO": true, "PE": true,
	"BUYS": true, "HOLD": true, "SELL": true, "STOP": true, "THIS": true,
	"THAT": true, "WHAT": true, "WHEN": true, "WITH": true, "EUR": true,
	"PRICE": true, "SHARE": true, "STOCK": true, "TRADE": true,
	"TODAY": true, "SHOULD": true, "MARKET": true,
}

var (
	dollarTickerPattern = regexp.MustCompile(`\$([A-Za-z]{1,6}(?:\.[A-Za-z]{1,2})?)`)
	bareTickerPattern   = regexp.MustCompile(`\b([A-Z][A-Z0-9]{1,5}(?:\.[A-Z]{1,2})?)\b`)
)

// TickerFromText returns the most recently mentioned ticker in one text,
// preferring explicit $SYMBOL markers over bare uppercase tokens.
func TickerFromText(text string) string {
	if matches := dollarTickerPattern.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		return NormalizeTicker(matches[len(matches)-1][1])
	}
	matches := bareTickerPattern.FindAllStringSubmatch(text, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		token := matches[i][1]
		if tickerStopWords[token] {
			continue
		}
		return NormalizeTicker(token)
	}
	return ""
}

// TickerFromHistory scans chat history newest-first and returns the most
// recently mentioned ticker, or "" if none is found.
func TickerFromHistory(history []string) string {
	for i := len(history) - 1; i >= 0; i-- {
		if ticker := TickerFromText(history[i]); ticker != "" {
			return ticker
		}
	}
	return ""
}

// LCSRatio computes similarity between two strings as the longest common
// subsequence length divided by the shorter string's length, so a query
// fully contained in a longer identifier ("LLOY" in "LLOY_EQ_GB") scores
// 1.0. Case insensitive; returns a value in [0, 1].
func LCSRatio(a, b string) float64 {
	a = strings.ToUpper(strings.TrimSpace(a))
	b = strings.ToUpper(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}

	shorter := len(ra)
	if len(rb) < shorter {
		shorter = len(rb)
	}
	return float64(prev[len(rb)]) / float64(shorter)
}
