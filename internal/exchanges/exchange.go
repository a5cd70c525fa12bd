package exchanges

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dorskfr/ratewatch/internal/config"
	"github.com/dorskfr/ratewatch/internal/httpclient"
	"github.com/dorskfr/ratewatch/internal/market"
	"github.com/dorskfr/ratewatch/internal/orderbook"
	"github.com/dorskfr/ratewatch/internal/stream"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// BaseExchange carries what every adapter shares: identity, pairs, currency remapping, the REST
// client and the configuration section named after the venue.
type BaseExchange struct {
	market.CurrencyMap

	name      string
	pairs     []market.Pair
	baseURL   string
	streamURL string
	http      *httpclient.Client
	config    config.Section
	stream    stream.Config
	now       func() time.Time

	nonceMu sync.Mutex
}

type Option func(*BaseExchange)

// WithBaseURL points the REST calls at another host, such as a test server.
func WithBaseURL(url string) Option {
	return func(b *BaseExchange) { b.baseURL = strings.TrimSuffix(url, "/") }
}

func WithStreamURL(url string) Option {
	return func(b *BaseExchange) { b.streamURL = url }
}

func WithConfig(store config.Store) Option {
	return func(b *BaseExchange) { b.config = config.NewSection(store, b.name) }
}

func WithHTTPClient(c *httpclient.Client) Option {
	return func(b *BaseExchange) { b.http = c }
}

// WithStreamConfig sets the connection settings of the push client; URL is taken from the
// stream URL.
func WithStreamConfig(cfg stream.Config) Option {
	return func(b *BaseExchange) { b.stream = cfg }
}

func WithClock(now func() time.Time) Option {
	return func(b *BaseExchange) { b.now = now }
}

func newBaseExchange(name, baseURL, streamURL string, pairs []market.Pair, currencies map[string]string, requestInterval time.Duration, opts ...Option) *BaseExchange {
	b := &BaseExchange{
		CurrencyMap: market.NewCurrencyMap(currencies),
		name:        name,
		pairs:       pairs,
		baseURL:     baseURL,
		streamURL:   streamURL,
		http:        httpclient.New(httpclient.WithRateLimit(requestInterval, 1)),
		config:      config.NewSection(nil, name),
		stream:      stream.Config{PingInterval: time.Minute, StaleThreshold: 15 * time.Minute},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *BaseExchange) Name() string {
	return b.name
}

func (b *BaseExchange) Pairs() []market.Pair {
	return append([]market.Pair(nil), b.pairs...)
}

func (b *BaseExchange) url(path string) string {
	return b.baseURL + path
}

func (b *BaseExchange) streamConfig() stream.Config {
	cfg := b.stream
	cfg.URL = b.streamURL
	return cfg
}

// credentials returns the apikey and apisecret of the venue section, if both are set.
func (b *BaseExchange) credentials() (string, string, bool) {
	key := b.config.Get("apikey", "")
	secret := b.config.Get("apisecret", "")
	return key, secret, key != "" && secret != ""
}

// nextNonce returns a strictly increasing nonce derived from the clock and remembered in the
// configuration as lastnonce, so that restarts never reuse one.
func (b *BaseExchange) nextNonce(unit time.Duration) int64 {
	b.nonceMu.Lock()
	defer b.nonceMu.Unlock()

	last, err := b.config.GetInt("lastnonce", 0)
	if err != nil {
		log.Warn().Err(err).Str("exchange", b.name).Msg("Ignoring invalid lastnonce")
		last = 0
	}
	nonce := max(last+1, b.now().UnixNano()/int64(unit))
	b.config.Set("lastnonce", strconv.FormatInt(nonce, 10))
	return nonce
}

// pairFromSymbol resolves a concatenated venue symbol such as "XXBTZEUR" against the known pairs.
func (b *BaseExchange) pairFromSymbol(symbol, sep string) (market.Pair, bool) {
	return lo.Find(b.pairs, func(p market.Pair) bool {
		return strings.EqualFold(b.LocalPair(p, sep), symbol)
	})
}

func (b *BaseExchange) parseError(what string, err error) error {
	return &market.ParseError{Exchange: b.name, What: what, Err: err}
}

func (b *BaseExchange) getJSON(ctx context.Context, path string, query url.Values, v any) error {
	response, err := b.http.GetJSON(ctx, b.url(path), query, v)
	if err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if response != nil && response.OK() && (errors.As(err, &syntaxErr) || errors.As(err, &typeErr)) {
			return b.parseError(path, err)
		}
		return err
	}
	return nil
}

// jsonLevel is a [price, volume, ...] array entry as most venues send them.
type jsonLevel []json.RawMessage

func (l jsonLevel) decimal(i int) (decimal.Decimal, error) {
	if i >= len(l) {
		return decimal.Decimal{}, fmt.Errorf("level has %d fields", len(l))
	}
	return decimalFromJSON(l[i])
}

// decimalFromJSON accepts both quoted and bare JSON numbers.
func decimalFromJSON(raw json.RawMessage) (decimal.Decimal, error) {
	s := strings.Trim(string(raw), `"`)
	return decimal.NewFromString(s)
}

// bookFromLevels builds a book from [price, volume] arrays per side. Zero volume levels are
// skipped.
func bookFromLevels(asks, bids []jsonLevel, ts time.Time) (*orderbook.OrderBook, error) {
	book := orderbook.New()
	for side, levels := range map[orderbook.Side][]jsonLevel{orderbook.Ask: asks, orderbook.Bid: bids} {
		for _, level := range levels {
			price, err := level.decimal(0)
			if err != nil {
				return nil, fmt.Errorf("%s price: %w", side, err)
			}
			volume, err := level.decimal(1)
			if err != nil {
				return nil, fmt.Errorf("%s volume: %w", side, err)
			}
			book.Update(side, price, volume, ts)
		}
	}
	return book, nil
}

// unixSeconds converts a venue timestamp; zero means the venue sent none.
func unixSeconds(s float64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	sec := int64(s)
	return time.Unix(sec, int64((s-float64(sec))*1e9))
}

func sideName(side orderbook.Side) string {
	if side == orderbook.Ask {
		return "sell"
	}
	return "buy"
}
