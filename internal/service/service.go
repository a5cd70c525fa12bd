package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dorskfr/ratewatch/internal/market"
	"github.com/dorskfr/ratewatch/internal/orderbook"
	"github.com/dorskfr/ratewatch/internal/trading"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Subscriber is called after every accepted rate update, with changed false when the values
// were only refreshed. It runs inline on the update path and must not block or update the same
// pair.
type Subscriber func(s *Service, pair market.Pair, changed bool)

type ErrorObserver func(s *Service, err error)

type subscription struct {
	fn    Subscriber
	pairs map[market.Pair]bool
}

func (sub *subscription) wants(pair market.Pair) bool {
	return len(sub.pairs) == 0 || sub.pairs[pair]
}

// Service aggregates the rates and orderbooks of one exchange. UpdateRates and UpdateOrderbook
// are the only mutation points; updates for the same pair are serialised.
type Service struct {
	exchange Exchange
	wanted   []market.Pair
	now      func() time.Time

	locksMu   sync.Mutex
	pairLocks map[market.Pair]*sync.Mutex

	mu      sync.RWMutex
	quotes  map[market.Pair]Quote
	books   map[market.Pair]*orderbook.OrderBook
	history map[market.Pair]*changeHistory

	subMu       sync.RWMutex
	subscribers []*subscription
	observers   []ErrorObserver

	tradingOnce sync.Once
	trader      trading.Trader

	schedule schedule
}

type Option func(*Service)

// WithCurrencies restricts the wanted pairs to those whose two currencies are both listed.
func WithCurrencies(codes ...string) Option {
	return func(s *Service) {
		if len(codes) == 0 {
			return
		}
		set := lo.SliceToMap(codes, func(c string) (string, bool) { return strings.ToUpper(c), true })
		s.wanted = lo.Filter(s.wanted, func(p market.Pair, _ int) bool {
			return set[p.From] && set[p.To]
		})
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(exchange Exchange, opts ...Option) *Service {
	s := &Service{
		exchange:  exchange,
		wanted:    exchange.Pairs(),
		now:       time.Now,
		pairLocks: make(map[market.Pair]*sync.Mutex),
		quotes:    make(map[market.Pair]Quote),
		books:     make(map[market.Pair]*orderbook.OrderBook),
		history:   make(map[market.Pair]*changeHistory),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Name() string {
	return s.exchange.Name()
}

func (s *Service) Exchange() Exchange {
	return s.exchange
}

// Wanted returns the pairs fetched when no explicit pair list is given.
func (s *Service) Wanted() []market.Pair {
	return slices.Clone(s.wanted)
}

// Subscribe registers fn for the given pairs, or for every pair when none are given. The
// returned function removes the subscription.
func (s *Service) Subscribe(fn Subscriber, pairs ...market.Pair) func() {
	sub := &subscription{fn: fn, pairs: lo.SliceToMap(pairs, func(p market.Pair) (market.Pair, bool) { return p, true })}
	s.subMu.Lock()
	s.subscribers = append(s.subscribers, sub)
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		s.subscribers = lo.Without(s.subscribers, sub)
	}
}

// ErrSubscribe registers an observer for every error the service reports.
func (s *Service) ErrSubscribe(fn ErrorObserver) {
	s.subMu.Lock()
	s.observers = append(s.observers, fn)
	s.subMu.Unlock()
}

// LogError logs err and hands it to every error observer.
func (s *Service) LogError(err error) {
	if err == nil {
		return
	}
	log.Error().Err(err).Str("exchange", s.Name()).Msg("Service error")
	s.subMu.RLock()
	observers := slices.Clone(s.observers)
	s.subMu.RUnlock()
	for _, fn := range observers {
		fn(s, err)
	}
}

func (s *Service) pairLock(pair market.Pair) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.pairLocks[pair]
	if !ok {
		l = &sync.Mutex{}
		s.pairLocks[pair] = l
	}
	return l
}

// UpdateRates stores a new quote for pair. An update observed before the stored quote is rejected
// with an *OutOfOrderError and leaves the stored quote untouched. A zero observedAt means the
// venue gave no timestamp.
func (s *Service) UpdateRates(pair market.Pair, ask, bid decimal.Decimal, observedAt time.Time) error {
	l := s.pairLock(pair)
	l.Lock()
	defer l.Unlock()
	return s.updateRates(pair, ask, bid, observedAt)
}

func (s *Service) updateRates(pair market.Pair, ask, bid decimal.Decimal, observedAt time.Time) error {
	now := s.now()

	s.mu.Lock()
	prev, exists := s.quotes[pair]
	if err := s.checkOrder(pair, prev, exists, observedAt); err != nil {
		s.mu.Unlock()
		return err
	}

	changed := !exists || !prev.same(ask, bid, observedAt)
	q := prev
	if changed {
		q = Quote{Ask: ask, Bid: bid, ObservedAt: observedAt, LastChangeAt: observedAt}
		if observedAt.IsZero() {
			q.LastChangeAt = now
		}
	}
	q.StoredAt = now
	s.quotes[pair] = q

	h, ok := s.history[pair]
	if !ok {
		h = &changeHistory{}
		s.history[pair] = h
	}
	h.add(q.LastChangeAt)
	s.mu.Unlock()

	if changed {
		log.Debug().Str("exchange", s.Name()).Str("pair", pair.String()).
			Str("ask", ask.String()).Str("bid", bid.String()).Msg("Rates changed")
	}
	s.notify(pair, changed)
	return nil
}

func (s *Service) notify(pair market.Pair, changed bool) {
	s.subMu.RLock()
	subs := slices.Clone(s.subscribers)
	s.subMu.RUnlock()
	for _, sub := range subs {
		if sub.wants(pair) {
			sub.fn(s, pair, changed)
		}
	}
}

func (s *Service) checkOrder(pair market.Pair, prev Quote, exists bool, observedAt time.Time) error {
	if exists && !prev.ObservedAt.IsZero() && !observedAt.IsZero() && prev.ObservedAt.After(observedAt) {
		return &OutOfOrderError{Exchange: s.Name(), Pair: pair, Stored: prev.ObservedAt, Received: observedAt}
	}
	return nil
}

// UpdateOrderbook replaces the book of pair and derives the quote from its best levels and
// last update time. The service takes ownership of book. A book older than the stored quote is
// rejected with an *OutOfOrderError and neither the book nor the quote change. A book with an
// empty side is stored without touching the quote.
func (s *Service) UpdateOrderbook(pair market.Pair, book *orderbook.OrderBook) error {
	l := s.pairLock(pair)
	l.Lock()
	defer l.Unlock()
	return s.storeOrderbook(pair, book)
}

// ModifyOrderbook runs fn on a copy of the stored book of pair and stores the result like
// UpdateOrderbook. Other updates of pair wait until it is done, so fn must not update pair
// itself. It fails with ErrNoOrderbook before the first book, and an error from fn leaves the
// stored book untouched.
func (s *Service) ModifyOrderbook(pair market.Pair, fn func(book *orderbook.OrderBook) error) error {
	l := s.pairLock(pair)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	stored, ok := s.books[pair]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s %s: %w", s.Name(), pair, ErrNoOrderbook)
	}
	book := stored.Copy()
	if err := fn(book); err != nil {
		return err
	}
	return s.storeOrderbook(pair, book)
}

// storeOrderbook must be called with the pair lock held.
func (s *Service) storeOrderbook(pair market.Pair, book *orderbook.OrderBook) error {
	s.mu.Lock()
	prev, exists := s.quotes[pair]
	if err := s.checkOrder(pair, prev, exists, book.LastUpdate()); err != nil {
		s.mu.Unlock()
		return err
	}
	s.books[pair] = book
	s.mu.Unlock()

	if book.Empty() {
		log.Debug().Str("exchange", s.Name()).Str("pair", pair.String()).Msg("Orderbook is empty")
		return nil
	}
	ask, okAsk := book.BestAsk()
	bid, okBid := book.BestBid()
	if !okAsk || !okBid {
		log.Debug().Str("exchange", s.Name()).Str("pair", pair.String()).Msg("Orderbook has an empty side")
		return nil
	}
	return s.updateRates(pair, ask.Price, bid.Price, book.LastUpdate())
}

func (s *Service) Orderbook(pair market.Pair) (*orderbook.OrderBook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	book, ok := s.books[pair]
	if !ok {
		return nil, false
	}
	return book.Copy(), true
}

func (s *Service) Quote(pair market.Pair) (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[pair]
	return q, ok
}

// Rates returns a copy of every stored quote.
func (s *Service) Rates() map[market.Pair]Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Assign(s.quotes)
}

func (s *Service) hasData() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.quotes) > 0 || len(s.books) > 0
}

// GuessPeriod estimates how often pair changes as the median gap between its recent changes.
// It reports false until two distinct changes have been seen.
func (s *Service) GuessPeriod(pair market.Pair) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.history[pair]
	if !ok {
		return 0, false
	}
	return h.period()
}

// FetchRates polls the exchange for pairs, or for the wanted pairs when none are given.
func (s *Service) FetchRates(ctx context.Context, pairs ...market.Pair) error {
	if len(pairs) == 0 {
		pairs = s.wanted
	}
	if err := s.exchange.FetchRates(ctx, s, pairs); err != nil {
		return fmt.Errorf("%s: fetching rates: %w", s.Name(), err)
	}
	return nil
}

// CurrentRates returns the stored quotes for pairs, or for the wanted pairs when none are given.
// The first call on a service without data fetches the rates first.
func (s *Service) CurrentRates(ctx context.Context, pairs ...market.Pair) (map[market.Pair]Quote, error) {
	if !s.hasData() {
		if err := s.FetchRates(ctx, pairs...); err != nil {
			s.LogError(err)
			return nil, err
		}
	}
	if len(pairs) == 0 {
		pairs = s.wanted
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rates := make(map[market.Pair]Quote, len(pairs))
	for _, pair := range pairs {
		if q, ok := s.quotes[pair]; ok {
			rates[pair] = q
		}
	}
	return rates, nil
}

// Stream returns the exchange push client feeding this service, or nil.
func (s *Service) Stream() Streamer {
	return s.exchange.Stream(s)
}

// Trading returns the exchange trading session, or nil when unavailable. The session is created
// once and shared.
func (s *Service) Trading() trading.Trader {
	s.tradingOnce.Do(func() {
		s.trader = s.exchange.Trading(s)
	})
	return s.trader
}
