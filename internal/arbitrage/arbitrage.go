package arbitrage

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dorskfr/ratewatch/internal/market"
	"github.com/dorskfr/ratewatch/internal/orderbook"
	"github.com/dorskfr/ratewatch/internal/service"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

const DefaultBufferSize = 100

type update struct {
	service *service.Service
	pair    market.Pair
}

// Opportunity is a pair that can be bought on one venue below the price another venue bids.
type Opportunity struct {
	Pair   market.Pair
	Buy    string
	Sell   string
	Ask    decimal.Decimal
	Bid    decimal.Decimal
	Profit decimal.Decimal
	// Volume is what both quoted levels can absorb; zero when a venue only publishes quotes.
	Volume decimal.Decimal
}

// Detector compares the quotes of every watched service for the same pair. It is fed by service
// subscribers and does its work on its own goroutine, in Run.
type Detector struct {
	updates chan update

	mu       sync.RWMutex
	services []*service.Service

	report  func(Opportunity)
	dropped atomic.Int64
}

type Option func(*Detector)

// WithReport receives every opportunity found, in addition to the log line.
func WithReport(fn func(Opportunity)) Option {
	return func(d *Detector) { d.report = fn }
}

func NewDetector(bufferSize int, opts ...Option) *Detector {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	d := &Detector{updates: make(chan update, bufferSize)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Watch subscribes to s. Only actual changes are forwarded; when the buffer is full the update
// is dropped so that the publishing service never waits.
func (d *Detector) Watch(s *service.Service) func() {
	d.mu.Lock()
	d.services = append(d.services, s)
	d.mu.Unlock()

	unsubscribe := s.Subscribe(func(s *service.Service, pair market.Pair, changed bool) {
		if !changed {
			return
		}
		select {
		case d.updates <- update{service: s, pair: pair}:
		default:
			if n := d.dropped.Add(1); n%100 == 1 {
				log.Warn().Str("exchange", s.Name()).Int64("dropped", n).Msg("Arbitrage detector is falling behind")
			}
		}
	})
	return func() {
		unsubscribe()
		d.mu.Lock()
		d.services = lo.Without(d.services, s)
		d.mu.Unlock()
	}
}

// Dropped counts the updates lost to a full buffer.
func (d *Detector) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Detector) Run(ctx context.Context) {
	for {
		select {
		case u := <-d.updates:
			d.checkInverted(u.service, u.pair)
			d.Check(u.pair)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Detector) checkInverted(s *service.Service, pair market.Pair) {
	q, ok := s.Quote(pair)
	if ok && q.Inverted() {
		log.Warn().
			Str("exchange", s.Name()).
			Str("pair", pair.String()).
			Str("ask", q.Ask.String()).
			Str("bid", q.Bid.String()).
			Str("spread", q.Spread().String()).
			Msg("Inverted market")
	}
}

type venueQuote struct {
	service *service.Service
	quote   service.Quote
}

// Check compares pair across all watched services and returns the opportunities, best first.
func (d *Detector) Check(pair market.Pair) []Opportunity {
	d.mu.RLock()
	services := lo.Filter(d.services, func(s *service.Service, _ int) bool {
		return lo.Contains(s.Wanted(), pair)
	})
	d.mu.RUnlock()

	quotes := lo.FilterMap(services, func(s *service.Service, _ int) (venueQuote, bool) {
		q, ok := s.Quote(pair)
		return venueQuote{service: s, quote: q}, ok && !q.Inverted()
	})

	var found []Opportunity
	for _, buy := range quotes {
		for _, sell := range quotes {
			if buy.service == sell.service || !sell.quote.Bid.GreaterThan(buy.quote.Ask) {
				continue
			}
			found = append(found, d.opportunity(pair, buy, sell))
		}
	}

	slices.SortFunc(found, func(a, b Opportunity) int { return b.Profit.Cmp(a.Profit) })

	for _, o := range found {
		log.Info().
			Str("pair", pair.String()).
			Str("buy", o.Buy).
			Str("sell", o.Sell).
			Str("ask", o.Ask.String()).
			Str("bid", o.Bid.String()).
			Str("profit", o.Profit.String()).
			Str("volume", o.Volume.String()).
			Msg("Arbitrage opportunity detected")
		if d.report != nil {
			d.report(o)
		}
	}
	return found
}

func (d *Detector) opportunity(pair market.Pair, buy, sell venueQuote) Opportunity {
	o := Opportunity{
		Pair:   pair,
		Buy:    buy.service.Name(),
		Sell:   sell.service.Name(),
		Ask:    buy.quote.Ask,
		Bid:    sell.quote.Bid,
		Profit: sell.quote.Bid.Sub(buy.quote.Ask),
	}
	askBook, okAsk := buy.service.Orderbook(pair)
	bidBook, okBid := sell.service.Orderbook(pair)
	if okAsk && okBid {
		askVolume, hasAsk := askBook.Volume(orderbook.Ask, o.Ask)
		bidVolume, hasBid := bidBook.Volume(orderbook.Bid, o.Bid)
		if hasAsk && hasBid {
			o.Volume = decimal.Min(askVolume, bidVolume)
		}
	}
	return o
}
