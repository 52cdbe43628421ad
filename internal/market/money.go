package market

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency codes the core understands. GBX is pence sterling as quoted by
// London-listed instruments; it converts to GBP by exact division by 100.
const (
	CurrencyUSD = "USD"
	CurrencyGBP = "GBP"
	CurrencyGBX = "GBX"
	CurrencyEUR = "EUR"
)

var hundred = decimal.NewFromInt(100)

// Money pairs an exact decimal amount with a currency code. All monetary
// ingestion converts to Money early; binary floats never carry prices.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// NewMoney builds a Money value.
func NewMoney(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToUpper(currency)}
}

// MoneyFromString parses a decimal string into Money.
func MoneyFromString(s, currency string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid money amount %q: %w", s, err)
	}
	return NewMoney(d, currency), nil
}

// InPounds converts GBX to GBP; other currencies pass through.
func (m Money) InPounds() Money {
	if m.Currency != CurrencyGBX {
		return m
	}
	return Money{Amount: PenceToPounds(m.Amount), Currency: CurrencyGBP}
}

// String renders the amount with two decimals and a currency symbol.
func (m Money) String() string {
	sym := currencySymbol(m.Currency)
	if m.Currency == CurrencyGBX {
		return fmt.Sprintf("%s%sp", sym, m.Amount.StringFixed(2))
	}
	return fmt.Sprintf("%s%s", sym, m.Amount.StringFixed(2))
}

func currencySymbol(code string) string {
	switch code {
	case CurrencyUSD:
		return "$"
	case CurrencyGBP:
		return "£"
	case CurrencyEUR:
		return "€"
	default:
		return ""
	}
}

// PenceToPounds converts pence to pounds by exact decimal division.
func PenceToPounds(pence decimal.Decimal) decimal.Decimal {
	return pence.Div(hundred)
}

// PoundsToPence converts pounds to pence by exact decimal multiplication.
func PoundsToPence(pounds decimal.Decimal) decimal.Decimal {
	return pounds.Mul(hundred)
}

// penceExchangeSuffixes are exchange suffixes that quote in pence sterling.
var penceExchangeSuffixes = []string{".L", ".IL"}

// IsPenceExchange reports whether a ticker trades on a pence-quoted venue.
func IsPenceExchange(ticker string) bool {
	upper := strings.ToUpper(strings.TrimSpace(ticker))
	for _, suffix := range penceExchangeSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// londonExchanges are metadata exchange codes that identify London listings.
var londonExchanges = map[string]bool{
	"LSE":      true,
	"LSE_INTL": true,
	"LONDON":   true,
	"XLON":     true,
	"AIM":      true,
}

// IsUKStock reports whether an instrument is UK-listed: a pence-exchange
// ticker, or a sterling currency code with a London exchange in metadata.
func IsUKStock(ticker, currency, exchange string) bool {
	if IsPenceExchange(ticker) {
		return true
	}
	cur := strings.ToUpper(currency)
	if cur != CurrencyGBX && cur != CurrencyGBP {
		return false
	}
	return londonExchanges[strings.ToUpper(exchange)]
}
