package trading

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dorskfr/ratewatch/internal/market"
	"github.com/dorskfr/ratewatch/internal/orderbook"
	"github.com/shopspring/decimal"
)

// DefaultBalanceTTL is how long a fetched balance is served from cache.
const DefaultBalanceTTL = 10 * time.Second

// Trader is the uniform trading surface of a venue. A zero Pair means every pair the venue
// trades.
type Trader interface {
	Balance(ctx context.Context) (Balance, error)
	// PlaceOrder submits a limit order, or a market order when price is not valid, and returns
	// the venue order reference. Immediate requests immediate-or-cancel semantics where the
	// venue supports it.
	PlaceOrder(ctx context.Context, pair market.Pair, side orderbook.Side, price decimal.NullDecimal, volume decimal.Decimal, immediate bool) (string, error)
	CancelOrder(ctx context.Context, pair market.Pair, ref string) error
	CancelAllOrders(ctx context.Context, pair market.Pair) error
	OpenOrders(ctx context.Context, pair market.Pair) (map[market.Pair]OpenOrders, error)
	EstimateFee(side orderbook.Side, price, volume decimal.Decimal) decimal.Decimal
}

type Balance struct {
	// Total holds everything owned per currency, Available what is not locked in orders.
	Total     map[string]decimal.Decimal
	Available map[string]decimal.Decimal
	FetchedAt time.Time
}

func (b Balance) Get(currency string) decimal.Decimal {
	return b.Available[currency]
}

type FetchBalance func(ctx context.Context) (Balance, error)

// BalanceCache serves a fetched balance for a short window so repeated polling stays within venue
// rate limits. Placing or cancelling an order must call Invalidate.
type BalanceCache struct {
	fetch FetchBalance
	ttl   time.Duration
	now   func() time.Time

	mu     sync.Mutex
	cached *Balance
}

func NewBalanceCache(fetch FetchBalance, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = DefaultBalanceTTL
	}
	return &BalanceCache{fetch: fetch, ttl: ttl, now: time.Now}
}

// WithClock replaces the cache clock, used by tests.
func (c *BalanceCache) WithClock(now func() time.Time) *BalanceCache {
	c.now = now
	return c
}

func (c *BalanceCache) Get(ctx context.Context) (Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && c.now().Sub(c.cached.FetchedAt) < c.ttl {
		return *c.cached, nil
	}
	b, err := c.fetch(ctx)
	if err != nil {
		return Balance{}, err
	}
	b.FetchedAt = c.now()
	c.cached = &b
	return b, nil
}

func (c *BalanceCache) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

type OpenOrder struct {
	ID        string
	Pair      market.Pair
	Side      orderbook.Side
	Price     decimal.Decimal
	Volume    decimal.Decimal
	CreatedAt time.Time
}

// OpenOrders lists a pair's open orders per side. Asks are sorted by descending price and bids by
// ascending price, so the orders furthest from the market come first.
type OpenOrders struct {
	Asks []OpenOrder
	Bids []OpenOrder
}

func (o *OpenOrders) Add(order OpenOrder) {
	if order.Side == orderbook.Ask {
		o.Asks = append(o.Asks, order)
	} else {
		o.Bids = append(o.Bids, order)
	}
}

func (o *OpenOrders) Sort() {
	sort.SliceStable(o.Asks, func(i, j int) bool { return o.Asks[i].Price.GreaterThan(o.Asks[j].Price) })
	sort.SliceStable(o.Bids, func(i, j int) bool { return o.Bids[i].Price.LessThan(o.Bids[j].Price) })
}

func (o OpenOrders) Len() int {
	return len(o.Asks) + len(o.Bids)
}

// GroupOrders buckets orders by pair and sorts each bucket.
func GroupOrders(orders []OpenOrder) map[market.Pair]OpenOrders {
	grouped := make(map[market.Pair]OpenOrders)
	for _, order := range orders {
		o := grouped[order.Pair]
		o.Add(order)
		grouped[order.Pair] = o
	}
	for pair, o := range grouped {
		o.Sort()
		grouped[pair] = o
	}
	return grouped
}

// PercentFee is the common venue fee formula: a percentage of the traded value plus a flat amount.
func PercentFee(rate, flat, price, volume decimal.Decimal) decimal.Decimal {
	return price.Mul(volume).Mul(rate).Add(flat)
}
