package exchanges

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dorskfr/ratewatch/internal/httpclient"
	"github.com/dorskfr/ratewatch/internal/market"
	"github.com/dorskfr/ratewatch/internal/orderbook"
	"github.com/dorskfr/ratewatch/internal/service"
	"github.com/dorskfr/ratewatch/internal/socketio"
	"github.com/dorskfr/ratewatch/internal/trading"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	// https://github.com/Paymium/api-documentation
	paymiumBaseURL = "https://paymium.com/api/v1"
	paymiumWSURL   = "wss://paymium.com/ws/socket.io/?transport=websocket"
)

var (
	paymiumFeeRate   = decimal.RequireFromString("0.0026")
	paymiumPriceTick = int32(2)
)

// Paymium polls depth over REST and follows ticker and level changes over SocketIO.
type Paymium struct {
	*BaseExchange
}

func NewPaymium(opts ...Option) *Paymium {
	return &Paymium{
		BaseExchange: newBaseExchange("Paymium", paymiumBaseURL, paymiumWSURL,
			[]market.Pair{market.NewPair("BTC", "EUR")},
			nil, time.Second, opts...),
	}
}

type paymiumLevel struct {
	Timestamp float64         `json:"timestamp"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Currency  string          `json:"currency"`
}

type paymiumDepth struct {
	Asks []paymiumLevel `json:"asks"`
	Bids []paymiumLevel `json:"bids"`
}

func (p *Paymium) FetchRates(ctx context.Context, u service.Updater, pairs []market.Pair) error {
	var errs []error
	for _, pair := range pairs {
		if err := p.fetchOrderbook(ctx, u, pair); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pair, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Paymium) fetchOrderbook(ctx context.Context, u service.Updater, pair market.Pair) error {
	var depth paymiumDepth
	if err := p.getJSON(ctx, "/data/"+strings.ToLower(pair.To)+"/depth", nil, &depth); err != nil {
		return err
	}
	book := orderbook.New()
	for side, levels := range map[orderbook.Side][]paymiumLevel{orderbook.Ask: depth.Asks, orderbook.Bid: depth.Bids} {
		for _, level := range levels {
			if !strings.EqualFold(level.Currency, pair.To) {
				return p.parseError("depth", fmt.Errorf("unexpected currency %q", level.Currency))
			}
			book.Update(side, level.Price, level.Amount, unixSeconds(level.Timestamp))
		}
	}
	return u.UpdateOrderbook(pair, book)
}

func (p *Paymium) Stream(u service.Updater) service.Streamer {
	return socketio.New(p.Name(), p.streamConfig(), &paymiumStream{p: p, u: u}, u.LogError)
}

type paymiumStream struct {
	p *Paymium
	u service.Updater
}

func (s *paymiumStream) OnConnect(ctx context.Context, c *socketio.Client) error {
	log.Info().Str("exchange", s.p.Name()).Str("channel", "/public").Msg("Subscribing")
	return c.Subscribe("/public")
}

type paymiumTicker struct {
	Currency string          `json:"currency"`
	Ask      decimal.Decimal `json:"ask"`
	Bid      decimal.Decimal `json:"bid"`
	At       float64         `json:"at"`
}

// OnEvent handles ["stream", {...}] events; announcements and trades are ignored.
func (s *paymiumStream) OnEvent(ctx context.Context, c *socketio.Client, channel string, payload json.RawMessage) error {
	var event []json.RawMessage
	if err := json.Unmarshal(payload, &event); err != nil || len(event) != 2 {
		return s.p.parseError("event", fmt.Errorf("unexpected payload %s", payload))
	}
	var name string
	if err := json.Unmarshal(event[0], &name); err != nil {
		return s.p.parseError("event name", err)
	}
	if name != "stream" {
		log.Debug().Str("exchange", s.p.Name()).Str("event", name).Msg("Ignoring event")
		return nil
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(event[1], &data); err != nil {
		return s.p.parseError("stream event", err)
	}

	var errs []error
	if raw, ok := data["ticker"]; ok {
		errs = append(errs, s.handleTicker(raw))
	}
	levels := map[orderbook.Side][]paymiumLevel{}
	for key, side := range map[string]orderbook.Side{"asks": orderbook.Ask, "bids": orderbook.Bid} {
		raw, ok := data[key]
		if !ok {
			continue
		}
		var changes []paymiumLevel
		if err := json.Unmarshal(raw, &changes); err != nil {
			errs = append(errs, s.p.parseError(key, err))
			continue
		}
		levels[side] = changes
	}
	if len(levels) > 0 {
		errs = append(errs, s.applyLevels(levels))
	}
	return errors.Join(errs...)
}

func (s *paymiumStream) handleTicker(raw json.RawMessage) error {
	var ticker paymiumTicker
	if err := json.Unmarshal(raw, &ticker); err != nil {
		return s.p.parseError("ticker", err)
	}
	pair := market.NewPair("BTC", ticker.Currency)
	return s.u.UpdateRates(pair, ticker.Ask, ticker.Bid, unixSeconds(ticker.At))
}

// applyLevels patches a copy of the current book. Changes arriving before the first REST
// snapshot are dropped.
func (s *paymiumStream) applyLevels(levels map[orderbook.Side][]paymiumLevel) error {
	byPair := map[market.Pair][]orderbook.PriceLevel{}
	latest := map[market.Pair]time.Time{}
	for side, changes := range levels {
		for _, l := range changes {
			pair := market.NewPair("BTC", l.Currency)
			byPair[pair] = append(byPair[pair], orderbook.PriceLevel{Side: side, Price: l.Price, Volume: l.Amount})
			if ts := unixSeconds(l.Timestamp); ts.After(latest[pair]) {
				latest[pair] = ts
			}
		}
	}

	var errs []error
	for pair, changes := range byPair {
		err := s.u.ModifyOrderbook(pair, func(book *orderbook.OrderBook) error {
			if err := book.Apply(latest[pair], changes...); err != nil {
				log.Debug().Err(err).Str("exchange", s.p.Name()).Str("pair", pair.String()).Msg("Spurious level removal")
			}
			return nil
		})
		if errors.Is(err, service.ErrNoOrderbook) {
			log.Debug().Str("exchange", s.p.Name()).Str("pair", pair.String()).Msg("No snapshot yet, dropping level changes")
			continue
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Trading needs apikey and apisecret in the Paymium section.
func (p *Paymium) Trading(u service.Updater) trading.Trader {
	key, secret, ok := p.credentials()
	if !ok {
		return nil
	}
	t := &paymiumTrader{p: p, key: key, secret: secret}
	t.balance = trading.NewBalanceCache(t.fetchBalance, trading.DefaultBalanceTTL).WithClock(p.now)
	return t
}

type paymiumTrader struct {
	p       *Paymium
	key     string
	secret  string
	balance *trading.BalanceCache
}

// sign is the hex HMAC-SHA256 of nonce, full URL and body.
func (t *paymiumTrader) sign(nonce, fullURL, body string) string {
	mac := hmac.New(sha256.New, []byte(t.secret))
	mac.Write([]byte(nonce + fullURL + body))
	return hex.EncodeToString(mac.Sum(nil))
}

func (t *paymiumTrader) private(ctx context.Context, method, path string, form url.Values, v any) error {
	fullURL := t.p.url(path)
	body := ""
	if form != nil {
		body = form.Encode()
	}
	nonce := strconv.FormatInt(t.p.nextNonce(10*time.Millisecond), 10)

	header := http.Header{}
	header.Set("Api-Key", t.key)
	header.Set("Api-Nonce", nonce)
	header.Set("Api-Signature", t.sign(nonce, fullURL, body))

	var response *httpclient.Response
	var err error
	if method == http.MethodPost {
		response, err = t.p.http.PostForm(ctx, fullURL, form, header)
	} else {
		response, err = t.p.http.Do(ctx, method, fullURL, nil, header)
	}
	if err != nil {
		return err
	}
	if !response.OK() {
		var envelope struct {
			Errors []string `json:"errors"`
		}
		if json.Unmarshal(response.Body, &envelope) == nil && len(envelope.Errors) > 0 {
			return &market.VenueError{Exchange: t.p.Name(), Op: method + " " + path, Messages: envelope.Errors}
		}
		return &httpclient.StatusError{URL: fullURL, StatusCode: response.StatusCode, Body: response.Body}
	}
	if v == nil || len(response.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(response.Body, v); err != nil {
		return t.p.parseError(path, err)
	}
	return nil
}

func (t *paymiumTrader) Balance(ctx context.Context) (trading.Balance, error) {
	return t.balance.Get(ctx)
}

// fetchBalance splits "balance_<cur>" into available and "locked_<cur>".
func (t *paymiumTrader) fetchBalance(ctx context.Context) (trading.Balance, error) {
	var info map[string]json.RawMessage
	if err := t.private(ctx, http.MethodGet, "/user", nil, &info); err != nil {
		return trading.Balance{}, err
	}
	b := trading.Balance{
		Total:     make(map[string]decimal.Decimal),
		Available: make(map[string]decimal.Decimal),
	}
	for key, raw := range info {
		currency, found := strings.CutPrefix(key, "balance_")
		if !found {
			continue
		}
		total, err := decimalFromJSON(raw)
		if err != nil {
			return trading.Balance{}, t.p.parseError(key, err)
		}
		locked := decimal.Zero
		if rawLocked, ok := info["locked_"+currency]; ok {
			if locked, err = decimalFromJSON(rawLocked); err != nil {
				return trading.Balance{}, t.p.parseError("locked_"+currency, err)
			}
		}
		code := strings.ToUpper(currency)
		b.Total[code] = total
		b.Available[code] = total.Sub(locked)
	}
	return b, nil
}

// roundPrice truncates to the two decimals Paymium accepts.
func roundPrice(price decimal.Decimal) decimal.Decimal {
	return price.Truncate(paymiumPriceTick)
}

func (t *paymiumTrader) PlaceOrder(ctx context.Context, pair market.Pair, side orderbook.Side, price decimal.NullDecimal, volume decimal.Decimal, immediate bool) (string, error) {
	t.balance.Invalidate()
	if pair.From != "BTC" {
		return "", fmt.Errorf("%s: invalid pair %s", t.p.Name(), pair)
	}

	form := url.Values{
		"currency":  {pair.To},
		"direction": {sideName(side)},
		"type":      {"MarketOrder"},
		"amount":    {volume.String()},
	}
	if price.Valid {
		form.Set("type", "LimitOrder")
		form.Set("price", roundPrice(price.Decimal).String())
	}

	var result struct {
		UUID string `json:"uuid"`
	}
	if err := t.private(ctx, http.MethodPost, "/user/orders", form, &result); err != nil {
		return "", err
	}
	log.Info().Str("exchange", t.p.Name()).Str("pair", pair.String()).Str("uuid", result.UUID).Msg("Placed order")
	return result.UUID, nil
}

func (t *paymiumTrader) CancelOrder(ctx context.Context, pair market.Pair, ref string) error {
	t.balance.Invalidate()
	return t.private(ctx, http.MethodDelete, "/user/orders/"+url.PathEscape(ref)+"/cancel", nil, nil)
}

func (t *paymiumTrader) CancelAllOrders(ctx context.Context, pair market.Pair) error {
	open, err := t.OpenOrders(ctx, pair)
	if err != nil {
		return err
	}
	var errs []error
	for orderPair, orders := range open {
		for _, o := range append(orders.Asks, orders.Bids...) {
			errs = append(errs, t.CancelOrder(ctx, orderPair, o.ID))
		}
	}
	t.balance.Invalidate()
	return errors.Join(errs...)
}

type paymiumOrder struct {
	UUID      string          `json:"uuid"`
	Direction string          `json:"direction"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt time.Time       `json:"created_at"`
}

func (t *paymiumTrader) OpenOrders(ctx context.Context, pair market.Pair) (map[market.Pair]trading.OpenOrders, error) {
	var raw []paymiumOrder
	if err := t.private(ctx, http.MethodGet, "/user/orders?active=true", nil, &raw); err != nil {
		return nil, err
	}
	orders := make([]trading.OpenOrder, 0, len(raw))
	for _, o := range raw {
		orderPair := market.NewPair("BTC", o.Currency)
		if !pair.IsZero() && orderPair != pair {
			continue
		}
		side := orderbook.Bid
		if o.Direction == "sell" {
			side = orderbook.Ask
		}
		orders = append(orders, trading.OpenOrder{
			ID:        o.UUID,
			Pair:      orderPair,
			Side:      side,
			Price:     o.Price,
			Volume:    o.Amount,
			CreatedAt: o.CreatedAt,
		})
	}
	return trading.GroupOrders(orders), nil
}

func (t *paymiumTrader) EstimateFee(side orderbook.Side, price, volume decimal.Decimal) decimal.Decimal {
	return trading.PercentFee(paymiumFeeRate, decimal.Zero, price, volume)
}
