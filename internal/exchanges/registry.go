package exchanges

import (
	"sort"
	"strings"

	"github.com/dorskfr/ratewatch/internal/service"
)

type Constructor func(opts ...Option) service.Exchange

var registry = map[string]Constructor{
	"kraken":   func(opts ...Option) service.Exchange { return NewKraken(opts...) },
	"bitstamp": func(opts ...Option) service.Exchange { return NewBitstamp(opts...) },
	"paymium":  func(opts ...Option) service.Exchange { return NewPaymium(opts...) },
	"hitbtc":   func(opts ...Option) service.Exchange { return NewHitbtc(opts...) },
	"dummy":    func(opts ...Option) service.Exchange { return NewDummy(opts...) },
}

// Known returns the names of the real venues, which need no credentials to publish rates.
func Known() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		if name != "dummy" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ByName looks an adapter up case-insensitively.
func ByName(name string) (Constructor, bool) {
	c, ok := registry[strings.ToLower(name)]
	return c, ok
}
