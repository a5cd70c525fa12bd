package exchanges

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
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
	"github.com/dorskfr/ratewatch/internal/trading"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	// https://docs.kraken.com/api/docs/rest-api/get-order-book
	krakenBaseURL = "https://api.kraken.com"
)

var krakenFeeRate = decimal.RequireFromString("0.0026")

// Kraken polls full order books over REST; the venue streams nothing we use.
type Kraken struct {
	*BaseExchange
}

func NewKraken(opts ...Option) *Kraken {
	return &Kraken{
		BaseExchange: newBaseExchange("Kraken", krakenBaseURL, "",
			[]market.Pair{market.NewPair("BTC", "USD"), market.NewPair("BTC", "EUR")},
			map[string]string{"BTC": "XXBT", "XLM": "XXLM", "EUR": "ZEUR", "USD": "ZUSD"},
			time.Second, opts...),
	}
}

// Every Kraken answer is wrapped in this envelope.
type krakenResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (r *krakenResponse) check(op string) error {
	if len(r.Error) > 0 {
		return &market.VenueError{Exchange: "Kraken", Op: op, Messages: r.Error}
	}
	return nil
}

// Depth levels are [price, volume, timestamp].
type krakenDepth struct {
	Asks []jsonLevel `json:"asks"`
	Bids []jsonLevel `json:"bids"`
}

func (k *Kraken) FetchRates(ctx context.Context, u service.Updater, pairs []market.Pair) error {
	var errs []error
	for _, pair := range pairs {
		if err := k.fetchOrderbook(ctx, u, pair); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pair, err))
		}
	}
	return errors.Join(errs...)
}

func (k *Kraken) fetchOrderbook(ctx context.Context, u service.Updater, pair market.Pair) error {
	symbol := k.LocalPair(pair, "")
	var response krakenResponse
	if err := k.getJSON(ctx, "/0/public/Depth", url.Values{"pair": {symbol}}, &response); err != nil {
		return err
	}
	if err := response.check("Depth"); err != nil {
		return err
	}

	var result map[string]krakenDepth
	if err := json.Unmarshal(response.Result, &result); err != nil {
		return k.parseError("Depth result", err)
	}
	depth, ok := result[symbol]
	if !ok {
		return k.parseError("Depth result", fmt.Errorf("missing pair %s", symbol))
	}

	book := orderbook.New()
	for side, levels := range map[orderbook.Side][]jsonLevel{orderbook.Ask: depth.Asks, orderbook.Bid: depth.Bids} {
		for _, level := range levels {
			price, errPrice := level.decimal(0)
			volume, errVolume := level.decimal(1)
			ts, errTS := level.decimal(2)
			if err := errors.Join(errPrice, errVolume, errTS); err != nil {
				return k.parseError("Depth level", err)
			}
			seconds, _ := ts.Float64()
			book.Update(side, price, volume, unixSeconds(seconds))
		}
	}
	return u.UpdateOrderbook(pair, book)
}

func (k *Kraken) Stream(u service.Updater) service.Streamer {
	return nil
}

// Trading needs apikey and a base64 encoded apisecret in the Kraken section.
func (k *Kraken) Trading(u service.Updater) trading.Trader {
	key, secret, ok := k.credentials()
	if !ok {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		log.Warn().Err(err).Str("exchange", k.Name()).Msg("Invalid apisecret, trading disabled")
		return nil
	}
	t := &krakenTrader{k: k, key: key, secret: decoded}
	t.balance = trading.NewBalanceCache(t.fetchBalance, trading.DefaultBalanceTTL).WithClock(k.now)
	return t
}

type krakenTrader struct {
	k       *Kraken
	key     string
	secret  []byte
	balance *trading.BalanceCache
}

// sign computes API-Sign: HMAC-SHA512 of the URI path followed by SHA256(nonce + POST body).
func (t *krakenTrader) sign(path, nonce, body string) string {
	sum := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, t.secret)
	mac.Write([]byte(path))
	mac.Write(sum[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (t *krakenTrader) private(ctx context.Context, method string, form url.Values, v any) error {
	path := "/0/private/" + method
	if form == nil {
		form = url.Values{}
	}
	nonce := strconv.FormatInt(t.k.nextNonce(time.Millisecond), 10)
	form.Set("nonce", nonce)

	header := http.Header{}
	header.Set("API-Key", t.key)
	header.Set("API-Sign", t.sign(path, nonce, form.Encode()))

	response, err := t.k.http.PostForm(ctx, t.k.url(path), form, header)
	if err != nil {
		return err
	}
	if !response.OK() {
		return &httpclient.StatusError{URL: t.k.url(path), StatusCode: response.StatusCode, Body: response.Body}
	}

	var envelope krakenResponse
	if err := json.Unmarshal(response.Body, &envelope); err != nil {
		return t.k.parseError(method, err)
	}
	if err := envelope.check(method); err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, v); err != nil {
		return t.k.parseError(method+" result", err)
	}
	return nil
}

func (t *krakenTrader) Balance(ctx context.Context) (trading.Balance, error) {
	return t.balance.Get(ctx)
}

func (t *krakenTrader) fetchBalance(ctx context.Context) (trading.Balance, error) {
	var assets map[string]decimal.Decimal
	if err := t.private(ctx, "Balance", nil, &assets); err != nil {
		return trading.Balance{}, err
	}
	b := trading.Balance{
		Total:     make(map[string]decimal.Decimal, len(assets)),
		Available: make(map[string]decimal.Decimal, len(assets)),
	}
	for asset, amount := range assets {
		code := t.k.ToStandard(asset)
		b.Total[code] = amount
		b.Available[code] = amount
	}
	return b, nil
}

func (t *krakenTrader) PlaceOrder(ctx context.Context, pair market.Pair, side orderbook.Side, price decimal.NullDecimal, volume decimal.Decimal, immediate bool) (string, error) {
	t.balance.Invalidate()

	form := url.Values{
		"pair":      {t.k.LocalPair(pair, "")},
		"type":      {sideName(side)},
		"ordertype": {"market"},
		"volume":    {volume.String()},
	}
	if price.Valid {
		form.Set("ordertype", "limit")
		form.Set("price", price.Decimal.String())
	}
	if immediate {
		form.Set("timeinforce", "IOC")
	}

	var result struct {
		TxID []string `json:"txid"`
	}
	if err := t.private(ctx, "AddOrder", form, &result); err != nil {
		return "", err
	}
	if len(result.TxID) == 0 {
		return "", t.k.parseError("AddOrder result", errors.New("no txid"))
	}
	log.Info().Str("exchange", t.k.Name()).Str("pair", pair.String()).Strs("txid", result.TxID).Msg("Placed order")
	return strings.Join(result.TxID, ","), nil
}

func (t *krakenTrader) CancelOrder(ctx context.Context, pair market.Pair, ref string) error {
	t.balance.Invalidate()
	return t.private(ctx, "CancelOrder", url.Values{"txid": {ref}}, nil)
}

func (t *krakenTrader) CancelAllOrders(ctx context.Context, pair market.Pair) error {
	t.balance.Invalidate()
	if pair.IsZero() {
		return t.private(ctx, "CancelAll", nil, nil)
	}
	open, err := t.OpenOrders(ctx, pair)
	if err != nil {
		return err
	}
	var errs []error
	for _, o := range open[pair].Asks {
		errs = append(errs, t.CancelOrder(ctx, pair, o.ID))
	}
	for _, o := range open[pair].Bids {
		errs = append(errs, t.CancelOrder(ctx, pair, o.ID))
	}
	return errors.Join(errs...)
}

type krakenOpenOrder struct {
	OpenTime float64         `json:"opentm"`
	Volume   decimal.Decimal `json:"vol"`
	Executed decimal.Decimal `json:"vol_exec"`
	Descr    struct {
		Pair  string          `json:"pair"`
		Type  string          `json:"type"`
		Price decimal.Decimal `json:"price"`
	} `json:"descr"`
}

func (t *krakenTrader) OpenOrders(ctx context.Context, pair market.Pair) (map[market.Pair]trading.OpenOrders, error) {
	var result struct {
		Open map[string]krakenOpenOrder `json:"open"`
	}
	if err := t.private(ctx, "OpenOrders", nil, &result); err != nil {
		return nil, err
	}

	var orders []trading.OpenOrder
	for id, o := range result.Open {
		orderPair, ok := t.k.orderPair(o.Descr.Pair)
		if !ok {
			log.Debug().Str("exchange", t.k.Name()).Str("symbol", o.Descr.Pair).Msg("Skipping order on unknown pair")
			continue
		}
		if !pair.IsZero() && orderPair != pair {
			continue
		}
		side := orderbook.Bid
		if o.Descr.Type == "sell" {
			side = orderbook.Ask
		}
		orders = append(orders, trading.OpenOrder{
			ID:        id,
			Pair:      orderPair,
			Side:      side,
			Price:     o.Descr.Price,
			Volume:    o.Volume.Sub(o.Executed),
			CreatedAt: unixSeconds(o.OpenTime),
		})
	}
	return trading.GroupOrders(orders), nil
}

// orderPair resolves both the full symbol (XXBTZEUR) and the short one Kraken uses in order
// descriptions (XBTEUR).
func (k *Kraken) orderPair(symbol string) (market.Pair, bool) {
	if p, ok := k.pairFromSymbol(symbol, ""); ok {
		return p, true
	}
	for _, p := range k.pairs {
		if strings.EqualFold(krakenShortCode(k.ToLocal(p.From))+krakenShortCode(k.ToLocal(p.To)), symbol) {
			return p, true
		}
	}
	return market.Pair{}, false
}

func krakenShortCode(code string) string {
	if len(code) == 4 && (code[0] == 'X' || code[0] == 'Z') {
		return code[1:]
	}
	return code
}

func (t *krakenTrader) EstimateFee(side orderbook.Side, price, volume decimal.Decimal) decimal.Decimal {
	return trading.PercentFee(krakenFeeRate, decimal.Zero, price, volume)
}
