package exchanges

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dorskfr/ratewatch/internal/httpclient"
	"github.com/dorskfr/ratewatch/internal/market"
	"github.com/dorskfr/ratewatch/internal/orderbook"
	"github.com/dorskfr/ratewatch/internal/service"
	"github.com/dorskfr/ratewatch/internal/stream"
	"github.com/dorskfr/ratewatch/internal/trading"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

const (
	// https://www.bitstamp.net/api/
	bitstampBaseURL = "https://www.bitstamp.net/api"
	// Pusher protocol, https://pusher.com/docs/channels/library_auth_reference/pusher-websockets-protocol/
	bitstampWSURL = "wss://ws.pusherapp.com/app/de504dc5763aeef9ff52?protocol=6&client=js&version=2.1.2&flash=false"
)

var bitstampFeeRate = decimal.RequireFromString("0.0025")

// Pusher channel names for the full order book snapshots. BTC-USD has no suffix.
var bitstampChannels = map[string]market.Pair{
	"order_book":        market.NewPair("BTC", "USD"),
	"order_book_btceur": market.NewPair("BTC", "EUR"),
	"order_book_eurusd": market.NewPair("EUR", "USD"),
}

type Bitstamp struct {
	*BaseExchange
}

func NewBitstamp(opts ...Option) *Bitstamp {
	return &Bitstamp{
		BaseExchange: newBaseExchange("Bitstamp", bitstampBaseURL, bitstampWSURL,
			[]market.Pair{market.NewPair("BTC", "USD"), market.NewPair("BTC", "EUR"), market.NewPair("EUR", "USD")},
			nil, time.Second, opts...),
	}
}

func bitstampSymbol(pair market.Pair) string {
	return strings.ToLower(pair.From + pair.To)
}

type bitstampTicker struct {
	Ask       decimal.Decimal `json:"ask"`
	Bid       decimal.Decimal `json:"bid"`
	Timestamp string          `json:"timestamp"`
}

func (b *Bitstamp) FetchRates(ctx context.Context, u service.Updater, pairs []market.Pair) error {
	var errs []error
	for _, pair := range pairs {
		var ticker bitstampTicker
		if err := b.getJSON(ctx, "/v2/ticker/"+bitstampSymbol(pair)+"/", nil, &ticker); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pair, err))
			continue
		}
		ts, err := strconv.ParseInt(ticker.Timestamp, 10, 64)
		if err != nil {
			errs = append(errs, b.parseError("ticker timestamp", err))
			continue
		}
		if err := u.UpdateRates(pair, ticker.Ask, ticker.Bid, time.Unix(ts, 0)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bitstamp) Stream(u service.Updater) service.Streamer {
	return stream.New(b.Name(), b.streamConfig(), &bitstampStream{b: b, u: u}, u.LogError)
}

type pusherMessage struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data"`
}

type bitstampBook struct {
	Timestamp string      `json:"timestamp"`
	Asks      []jsonLevel `json:"asks"`
	Bids      []jsonLevel `json:"bids"`
}

type bitstampStream struct {
	b *Bitstamp
	u service.Updater
}

func (s *bitstampStream) OnOpen(ctx context.Context, c *stream.Client) error {
	for channel := range bitstampChannels {
		err := c.SendJSON(map[string]any{
			"event": "pusher:subscribe",
			"data":  map[string]string{"channel": channel},
		})
		if err != nil {
			return fmt.Errorf("error subscribing to %s: %w", channel, err)
		}
		log.Info().Str("exchange", s.b.Name()).Str("channel", channel).Msg("Subscribing")
	}
	return nil
}

func (s *bitstampStream) OnMessage(ctx context.Context, c *stream.Client, message []byte) error {
	var msg pusherMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return s.b.parseError("pusher message", err)
	}

	switch msg.Event {
	case "data":
		return s.handleBook(msg)
	case "pusher:ping":
		return c.SendJSON(map[string]any{"event": "pusher:pong", "data": map[string]string{}})
	case "pusher:error":
		return &market.VenueError{Exchange: s.b.Name(), Op: "stream", Messages: []string{string(msg.Data)}}
	default:
		log.Debug().Str("exchange", s.b.Name()).Str("event", msg.Event).Str("channel", msg.Channel).Msg("Ignoring event")
		return nil
	}
}

// handleBook decodes a full snapshot. Pusher delivers the payload as a JSON encoded string.
func (s *bitstampStream) handleBook(msg pusherMessage) error {
	pair, ok := bitstampChannels[msg.Channel]
	if !ok {
		return s.b.parseError("channel", fmt.Errorf("unknown channel %q", msg.Channel))
	}

	data := []byte(msg.Data)
	var encoded string
	if err := json.Unmarshal(msg.Data, &encoded); err == nil {
		data = []byte(encoded)
	}
	var snapshot bitstampBook
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return s.b.parseError("order book", err)
	}
	ts, err := strconv.ParseInt(snapshot.Timestamp, 10, 64)
	if err != nil {
		return s.b.parseError("order book timestamp", err)
	}
	book, err := bookFromLevels(snapshot.Asks, snapshot.Bids, time.Unix(ts, 0))
	if err != nil {
		return s.b.parseError("order book", err)
	}
	return s.u.UpdateOrderbook(pair, book)
}

// Trading needs apikey, apisecret and customerid in the Bitstamp section.
func (b *Bitstamp) Trading(u service.Updater) trading.Trader {
	key, secret, ok := b.credentials()
	customerID := b.config.Get("customerid", "")
	if !ok || customerID == "" {
		return nil
	}
	t := &bitstampTrader{b: b, key: key, secret: secret, customerID: customerID}
	t.balance = trading.NewBalanceCache(t.fetchBalance, trading.DefaultBalanceTTL).WithClock(b.now)
	return t
}

type bitstampTrader struct {
	b          *Bitstamp
	key        string
	secret     string
	customerID string
	balance    *trading.BalanceCache
}

// sign is the upper case hex HMAC-SHA256 of nonce, customer id and api key.
func (t *bitstampTrader) sign(nonce string) string {
	mac := hmac.New(sha256.New, []byte(t.secret))
	mac.Write([]byte(nonce + t.customerID + t.key))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

func (t *bitstampTrader) private(ctx context.Context, path string, form url.Values, v any) error {
	if form == nil {
		form = url.Values{}
	}
	nonce := strconv.FormatInt(t.b.nextNonce(time.Microsecond), 10)
	form.Set("key", t.key)
	form.Set("nonce", nonce)
	form.Set("signature", t.sign(nonce))

	response, err := t.b.http.PostForm(ctx, t.b.url(path), form, nil)
	if err != nil {
		return err
	}
	if err := bitstampError(path, response.Body); err != nil {
		return err
	}
	if !response.OK() {
		return &httpclient.StatusError{URL: t.b.url(path), StatusCode: response.StatusCode, Body: response.Body}
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(response.Body, v); err != nil {
		return t.b.parseError(path, err)
	}
	return nil
}

// bitstampError detects the error envelopes: {"status": "error", "reason": ...} and
// {"error": ...}.
func bitstampError(op string, body []byte) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil
	}
	var envelope struct {
		Status string          `json:"status"`
		Reason json.RawMessage `json:"reason"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}
	switch {
	case envelope.Status == "error":
		return &market.VenueError{Exchange: "Bitstamp", Op: op, Messages: []string{string(envelope.Reason)}}
	case len(envelope.Error) > 0 && string(envelope.Error) != "null":
		return &market.VenueError{Exchange: "Bitstamp", Op: op, Messages: []string{strings.Trim(string(envelope.Error), `"`)}}
	}
	return nil
}

func (t *bitstampTrader) Balance(ctx context.Context) (trading.Balance, error) {
	return t.balance.Get(ctx)
}

// fetchBalance reads the flat "<currency>_balance" and "<currency>_available" fields.
func (t *bitstampTrader) fetchBalance(ctx context.Context) (trading.Balance, error) {
	var fields map[string]json.RawMessage
	if err := t.private(ctx, "/v2/balance/", nil, &fields); err != nil {
		return trading.Balance{}, err
	}
	b := trading.Balance{
		Total:     make(map[string]decimal.Decimal),
		Available: make(map[string]decimal.Decimal),
	}
	for key, raw := range fields {
		currency, kind, found := strings.Cut(key, "_")
		if !found {
			continue
		}
		amount, err := decimalFromJSON(raw)
		if err != nil {
			continue
		}
		switch kind {
		case "balance":
			b.Total[strings.ToUpper(currency)] = amount
		case "available":
			b.Available[strings.ToUpper(currency)] = amount
		}
	}
	return b, nil
}

func (t *bitstampTrader) PlaceOrder(ctx context.Context, pair market.Pair, side orderbook.Side, price decimal.NullDecimal, volume decimal.Decimal, immediate bool) (string, error) {
	t.balance.Invalidate()

	path := "/v2/" + sideName(side) + "/"
	form := url.Values{"amount": {volume.String()}}
	if price.Valid {
		form.Set("price", price.Decimal.String())
	} else {
		path += "market/"
	}
	path += bitstampSymbol(pair) + "/"
	if immediate {
		form.Set("ioc_order", "True")
	}

	var result struct {
		ID json.RawMessage `json:"id"`
	}
	if err := t.private(ctx, path, form, &result); err != nil {
		return "", err
	}
	id := strings.Trim(string(result.ID), `"`)
	if id == "" {
		return "", t.b.parseError("order id", errors.New("missing id"))
	}
	log.Info().Str("exchange", t.b.Name()).Str("pair", pair.String()).Str("id", id).Msg("Placed order")
	return id, nil
}

func (t *bitstampTrader) CancelOrder(ctx context.Context, pair market.Pair, ref string) error {
	t.balance.Invalidate()
	return t.private(ctx, "/v2/cancel_order/", url.Values{"id": {ref}}, nil)
}

func (t *bitstampTrader) CancelAllOrders(ctx context.Context, pair market.Pair) error {
	t.balance.Invalidate()
	if pair.IsZero() {
		return t.private(ctx, "/v2/cancel_all_orders/", nil, nil)
	}
	return t.private(ctx, "/v2/cancel_all_orders/"+bitstampSymbol(pair)+"/", nil, nil)
}

type bitstampOpenOrder struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	CurrencyPair string          `json:"currency_pair"`
	Datetime     string          `json:"datetime"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
}

func (t *bitstampTrader) OpenOrders(ctx context.Context, pair market.Pair) (map[market.Pair]trading.OpenOrders, error) {
	symbol := "all"
	if !pair.IsZero() {
		symbol = bitstampSymbol(pair)
	}
	var raw []bitstampOpenOrder
	if err := t.private(ctx, "/v2/open_orders/"+symbol+"/", nil, &raw); err != nil {
		return nil, err
	}

	orders := make([]trading.OpenOrder, 0, len(raw))
	for _, o := range raw {
		orderPair, err := market.ParsePair(o.CurrencyPair)
		if err != nil {
			return nil, t.b.parseError("open order pair", err)
		}
		created, _ := time.Parse(time.DateTime, o.Datetime)
		orders = append(orders, trading.OpenOrder{
			ID:        o.ID,
			Pair:      orderPair,
			Side:      lo.Ternary(o.Type == "1", orderbook.Ask, orderbook.Bid),
			Price:     o.Price,
			Volume:    o.Amount,
			CreatedAt: created,
		})
	}
	return trading.GroupOrders(orders), nil
}

func (t *bitstampTrader) EstimateFee(side orderbook.Side, price, volume decimal.Decimal) decimal.Decimal {
	return trading.PercentFee(bitstampFeeRate, decimal.Zero, price, volume)
}
