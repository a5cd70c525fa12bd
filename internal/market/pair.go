package market

import (
	"fmt"
	"strings"
)

// Pair identifies a market as an ordered (From, To) pair of standard currency codes.
// (BTC, EUR) and (EUR, BTC) are different markets.
type Pair struct {
	From string
	To   string
}

func NewPair(from, to string) Pair {
	return Pair{From: strings.ToUpper(from), To: strings.ToUpper(to)}
}

// ParsePair accepts "BTC-EUR", "BTC/EUR" and "BTC_EUR".
func ParsePair(s string) (Pair, error) {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '-' || r == '/' || r == '_'
	})
	if len(parts) != 2 {
		return Pair{}, fmt.Errorf("invalid pair %q", s)
	}
	return NewPair(parts[0], parts[1]), nil
}

func (p Pair) String() string {
	return p.From + "-" + p.To
}

func (p Pair) IsZero() bool {
	return p.From == "" && p.To == ""
}
