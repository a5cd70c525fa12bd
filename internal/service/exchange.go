package service

import (
	"context"
	"time"

	"github.com/dorskfr/ratewatch/internal/market"
	"github.com/dorskfr/ratewatch/internal/orderbook"
	"github.com/dorskfr/ratewatch/internal/trading"
	"github.com/shopspring/decimal"
)

// Exchange is implemented once per venue. Adapters report everything they fetch or receive
// through the Updater they are handed; they never keep a private copy of the rates.
type Exchange interface {
	// Name identifies the venue in logs, notifications and configuration sections.
	Name() string
	Pairs() []market.Pair
	// FetchRates polls the venue for the given pairs and feeds the results to u.
	FetchRates(ctx context.Context, u Updater, pairs []market.Pair) error
	// Stream returns a push client feeding u, or nil when the venue has none.
	Stream(u Updater) Streamer
	// Trading returns the venue trading session, or nil when unsupported or unconfigured.
	Trading(u Updater) trading.Trader
	ToLocal(code string) string
	ToStandard(code string) string
}

// Updater is the ingest side of a Service.
type Updater interface {
	UpdateRates(pair market.Pair, ask, bid decimal.Decimal, observedAt time.Time) error
	UpdateOrderbook(pair market.Pair, book *orderbook.OrderBook) error
	// ModifyOrderbook applies fn to the current book of pair atomically. Incremental feeds use
	// it instead of reading and replacing the book.
	ModifyOrderbook(pair market.Pair, fn func(book *orderbook.OrderBook) error) error
	// Orderbook returns a copy of the current book.
	Orderbook(pair market.Pair) (*orderbook.OrderBook, bool)
	LogError(err error)
}

type Streamer interface {
	Run(ctx context.Context) error
	Close() error
}
