// Package currency is the closed set of assets the ledger settles. Adding an
// asset means adding a variant here with its symbol, scale and routing key.
package currency

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is the wire and storage tag of an asset ("Bitcoin", "Ethereum").
type Currency string

const (
	Bitcoin  Currency = "Bitcoin"
	Ethereum Currency = "Ethereum"
)

var (
	// ErrUnsupported is returned for tags outside the closed set.
	ErrUnsupported = errors.New("unsupported currency")
	// ErrNegativeAmount rejects amounts below zero.
	ErrNegativeAmount = errors.New("amount must not be negative")
	// ErrPrecision rejects amounts with more fractional digits than the asset scale.
	ErrPrecision = errors.New("amount exceeds currency precision")
)

type asset struct {
	symbol     string
	scale      int32
	routingKey string
}

var assets = map[Currency]asset{
	Bitcoin:  {symbol: "BTC", scale: 8, routingKey: "bitcoin"},
	Ethereum: {symbol: "ETH", scale: 18, routingKey: "ethereum"},
}

// All returns the supported currencies in a stable order.
func All() []Currency {
	return []Currency{Bitcoin, Ethereum}
}

// Parse maps a wire tag to a Currency.
func Parse(s string) (Currency, error) {
	c := Currency(s)
	if _, ok := assets[c]; !ok {
		return "", fmt.Errorf("%w: %q, use %s", ErrUnsupported, s, joined())
	}
	return c, nil
}

func joined() string {
	names := make([]string, 0, len(assets))
	for _, c := range All() {
		names = append(names, string(c))
	}
	return strings.Join(names, " or ")
}

// Valid reports whether c is a supported currency.
func (c Currency) Valid() bool {
	_, ok := assets[c]
	return ok
}

func (c Currency) String() string { return string(c) }

// Symbol is the ticker, e.g. BTC.
func (c Currency) Symbol() string { return assets[c].symbol }

// Scale is the number of fractional digits balances carry.
func (c Currency) Scale() int32 { return assets[c].scale }

// RoutingKey is the lower-case token used in queue subjects and headers.
func (c Currency) RoutingKey() string { return assets[c].routingKey }

// ValidateAmount checks sign and precision of d for this currency.
func (c Currency) ValidateAmount(d decimal.Decimal) error {
	if !c.Valid() {
		return ErrUnsupported
	}
	if d.IsNegative() {
		return ErrNegativeAmount
	}
	if !d.Equal(d.Truncate(c.Scale())) {
		return fmt.Errorf("%w: %s allows %d fractional digits", ErrPrecision, c, c.Scale())
	}
	return nil
}

// Format renders d with exactly Scale() fractional digits.
func (c Currency) Format(d decimal.Decimal) string {
	return d.StringFixed(c.Scale())
}
