package exchanges

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dorskfr/ratewatch/internal/market"
	"github.com/dorskfr/ratewatch/internal/orderbook"
	"github.com/dorskfr/ratewatch/internal/service"
	"github.com/dorskfr/ratewatch/internal/trading"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const dummyDepth = 10

var (
	dummyCount   atomic.Int64
	dummyFeeRate = decimal.RequireFromString("0.0026")
	dummyFeeFlat = decimal.RequireFromString("0.01")
)

// Dummy generates random order books around a drifting price and simulates trading against
// them. Each instance gets its own name so several can be compared.
type Dummy struct {
	*BaseExchange

	n int64

	mu       sync.Mutex
	rng      *rand.Rand
	center   decimal.Decimal
	spread   decimal.Decimal
	lastTime time.Time
}

func NewDummy(opts ...Option) *Dummy {
	n := dummyCount.Add(1) - 1
	return NewDummyWithSeed(n, uint64(time.Now().UnixNano()), opts...)
}

func NewDummyWithSeed(n int64, seed uint64, opts ...Option) *Dummy {
	d := &Dummy{
		BaseExchange: newBaseExchange("DummyService"+strconv.FormatInt(n, 10), "", "",
			[]market.Pair{market.NewPair("BTC", "EUR")}, nil, time.Millisecond, opts...),
		n:      n,
		rng:    rand.New(rand.NewPCG(seed, uint64(n))),
		center: decimal.NewFromInt(5000),
		spread: decimal.RequireFromString("0.01"),
	}
	d.lastTime = d.now()
	return d
}

func (d *Dummy) random() decimal.Decimal {
	return decimal.NewFromFloat(d.rng.Float64()).Round(6)
}

func (d *Dummy) FetchRates(ctx context.Context, u service.Updater, pairs []market.Pair) error {
	d.mu.Lock()
	half := decimal.RequireFromString("0.5")
	d.center = d.center.Add(decimal.NewFromInt(20).Mul(d.random().Sub(half)))
	d.spread = decimal.RequireFromString("0.01").Mul(d.random())
	now := d.now()
	window := now.Sub(d.lastTime)

	books := make(map[market.Pair]*orderbook.OrderBook, len(pairs))
	for _, pair := range pairs {
		book := orderbook.New()
		for _, side := range []orderbook.Side{orderbook.Ask, orderbook.Bid} {
			direction := decimal.NewFromInt(1)
			if side == orderbook.Bid {
				direction = decimal.NewFromInt(-1)
			}
			for i := 0; i < dummyDepth; i++ {
				price := d.center.
					Add(decimal.NewFromInt(int64(i)).Mul(direction).Mul(d.random())).
					Add(d.spread.Div(decimal.NewFromInt(2)).Mul(direction).Mul(d.center)).
					Round(3)
				amount := decimal.NewFromInt(2).Mul(d.random()).Add(decimal.RequireFromString("0.00001"))
				when := now.Add(-time.Duration(float64(window) * d.rng.Float64()))
				book.Update(side, price, amount, when)
			}
		}
		book.Touch(now)
		books[pair] = book
	}
	d.lastTime = now
	d.mu.Unlock()

	var errs []error
	for pair, book := range books {
		errs = append(errs, u.UpdateOrderbook(pair, book))
	}
	return errors.Join(errs...)
}

func (d *Dummy) Stream(u service.Updater) service.Streamer {
	return nil
}

func (d *Dummy) Trading(u service.Updater) trading.Trader {
	t := &dummyTrader{d: d, u: u, funds: map[string]decimal.Decimal{}, orders: map[string]trading.OpenOrder{}}
	for _, pair := range d.pairs {
		if d.n%2 == 0 {
			t.funds[pair.From] = decimal.NewFromInt(1)
			t.funds[pair.To] = decimal.Zero
		} else {
			t.funds[pair.From] = decimal.Zero
			t.funds[pair.To] = decimal.NewFromInt(10)
		}
	}
	t.balance = trading.NewBalanceCache(t.fetchBalance, trading.DefaultBalanceTTL).WithClock(d.now)
	return t
}

// dummyTrader fills orders against the current book of the service. Whatever a limit order
// cannot fill stays open until cancelled.
type dummyTrader struct {
	d       *Dummy
	u       service.Updater
	balance *trading.BalanceCache

	mu     sync.Mutex
	funds  map[string]decimal.Decimal
	orders map[string]trading.OpenOrder
}

func (t *dummyTrader) Balance(ctx context.Context) (trading.Balance, error) {
	return t.balance.Get(ctx)
}

func (t *dummyTrader) fetchBalance(ctx context.Context) (trading.Balance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := trading.Balance{
		Total:     make(map[string]decimal.Decimal, len(t.funds)),
		Available: make(map[string]decimal.Decimal, len(t.funds)),
	}
	for currency, amount := range t.funds {
		b.Total[currency] = amount
		b.Available[currency] = amount
	}
	return b, nil
}

func (t *dummyTrader) PlaceOrder(ctx context.Context, pair market.Pair, side orderbook.Side, price decimal.NullDecimal, volume decimal.Decimal, immediate bool) (string, error) {
	t.balance.Invalidate()
	if !volume.IsPositive() {
		return "", &market.VenueError{Exchange: t.d.Name(), Op: "PlaceOrder", Messages: []string{"volume must be positive"}}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	funds := maps.Clone(t.funds)
	var left, average decimal.Decimal
	err := t.u.ModifyOrderbook(pair, func(book *orderbook.OrderBook) error {
		before := book.Copy()
		left = t.fill(book, funds, pair, side, price, volume)
		// Fills always take a prefix of the opposite side.
		average, _ = before.VolumeWeightedPrice(side.Opposite(), volume.Sub(left))
		return nil
	})
	if errors.Is(err, service.ErrNoOrderbook) {
		return "", &market.VenueError{Exchange: t.d.Name(), Op: "PlaceOrder", Messages: []string{"no order book for " + pair.String()}}
	}
	if err != nil {
		return "", err
	}
	t.funds = funds

	ref := uuid.New().String()
	if price.Valid && !immediate && left.IsPositive() {
		t.orders[ref] = trading.OpenOrder{
			ID:        ref,
			Pair:      pair,
			Side:      side,
			Price:     price.Decimal,
			Volume:    left,
			CreatedAt: t.d.now(),
		}
	}
	log.Info().Str("exchange", t.d.Name()).Str("pair", pair.String()).Str("side", string(side)).
		Str("volume", volume.String()).Str("unfilled", left.String()).Str("average", average.String()).Msg("Simulated order")
	return ref, nil
}

// fill consumes the opposite side of book, best level first, within the limit price and funds.
// It returns the volume left over.
func (t *dummyTrader) fill(book *orderbook.OrderBook, funds map[string]decimal.Decimal, pair market.Pair, side orderbook.Side, price decimal.NullDecimal, volume decimal.Decimal) decimal.Decimal {
	left := volume
	for _, level := range book.Levels(side.Opposite()) {
		if !left.IsPositive() {
			break
		}
		if price.Valid {
			if side == orderbook.Bid && level.Price.GreaterThan(price.Decimal) {
				break
			}
			if side == orderbook.Ask && level.Price.LessThan(price.Decimal) {
				break
			}
		}

		traded := decimal.Min(left, level.Volume)
		if side == orderbook.Bid {
			cost := traded.Mul(level.Price).Add(t.EstimateFee(side, level.Price, traded))
			if cost.GreaterThan(funds[pair.To]) {
				affordable := funds[pair.To].Sub(dummyFeeFlat).Div(level.Price.Mul(decimal.NewFromInt(1).Add(dummyFeeRate))).Truncate(8)
				if !affordable.IsPositive() {
					break
				}
				traded = decimal.Min(traded, affordable)
				cost = traded.Mul(level.Price).Add(t.EstimateFee(side, level.Price, traded))
			}
			funds[pair.To] = funds[pair.To].Sub(cost)
			funds[pair.From] = funds[pair.From].Add(traded)
		} else {
			traded = decimal.Min(traded, funds[pair.From])
			if !traded.IsPositive() {
				break
			}
			earned := traded.Mul(level.Price).Sub(t.EstimateFee(side, level.Price, traded))
			funds[pair.From] = funds[pair.From].Sub(traded)
			funds[pair.To] = funds[pair.To].Add(earned)
		}

		book.Update(level.Side, level.Price, level.Volume.Sub(traded), time.Time{})
		left = left.Sub(traded)
	}
	return left
}

func (t *dummyTrader) CancelOrder(ctx context.Context, pair market.Pair, ref string) error {
	t.balance.Invalidate()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.orders[ref]; !ok {
		return &market.VenueError{Exchange: t.d.Name(), Op: "CancelOrder", Messages: []string{fmt.Sprintf("unknown order %s", ref)}}
	}
	delete(t.orders, ref)
	return nil
}

func (t *dummyTrader) CancelAllOrders(ctx context.Context, pair market.Pair) error {
	t.balance.Invalidate()
	t.mu.Lock()
	defer t.mu.Unlock()
	for ref, o := range t.orders {
		if pair.IsZero() || o.Pair == pair {
			delete(t.orders, ref)
		}
	}
	return nil
}

func (t *dummyTrader) OpenOrders(ctx context.Context, pair market.Pair) (map[market.Pair]trading.OpenOrders, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	orders := make([]trading.OpenOrder, 0, len(t.orders))
	for _, o := range t.orders {
		if pair.IsZero() || o.Pair == pair {
			orders = append(orders, o)
		}
	}
	return trading.GroupOrders(orders), nil
}

func (t *dummyTrader) EstimateFee(side orderbook.Side, price, volume decimal.Decimal) decimal.Decimal {
	return trading.PercentFee(dummyFeeRate, dummyFeeFlat, price, volume)
}
