package exchanges

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dorskfr/ratewatch/internal/market"
	"github.com/dorskfr/ratewatch/internal/orderbook"
	"github.com/dorskfr/ratewatch/internal/service"
	"github.com/dorskfr/ratewatch/internal/stream"
	"github.com/dorskfr/ratewatch/internal/trading"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	hitbtcBaseURL = "https://api.hitbtc.com/api/1"
	// https://api.hitbtc.com/#socket-market-data
	hitbtcWSURL = "wss://api.hitbtc.com/api/2/ws"
)

// Hitbtc polls the ticker over REST and streams order book snapshots and diffs. It has no
// trading support.
type Hitbtc struct {
	*BaseExchange
}

func NewHitbtc(opts ...Option) *Hitbtc {
	return &Hitbtc{
		BaseExchange: newBaseExchange("Hitbtc", hitbtcBaseURL, hitbtcWSURL,
			[]market.Pair{market.NewPair("BTC", "USD")},
			nil, time.Second, opts...),
	}
}

type hitbtcTicker struct {
	Ask decimal.Decimal `json:"ask"`
	Bid decimal.Decimal `json:"bid"`
	// milliseconds
	Timestamp int64 `json:"timestamp"`
}

func (h *Hitbtc) FetchRates(ctx context.Context, u service.Updater, pairs []market.Pair) error {
	var errs []error
	for _, pair := range pairs {
		var ticker hitbtcTicker
		if err := h.getJSON(ctx, "/public/"+h.LocalPair(pair, "")+"/ticker", nil, &ticker); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pair, err))
			continue
		}
		var observedAt time.Time
		if ticker.Timestamp > 0 {
			observedAt = time.UnixMilli(ticker.Timestamp)
		}
		if err := u.UpdateRates(pair, ticker.Ask, ticker.Bid, observedAt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Hitbtc) Stream(u service.Updater) service.Streamer {
	return stream.New(h.Name(), h.streamConfig(), &hitbtcStream{h: h, u: u}, u.LogError)
}

func (h *Hitbtc) Trading(u service.Updater) trading.Trader {
	return nil
}

type hitbtcRequest struct {
	Method string            `json:"method"`
	Params map[string]string `json:"params"`
	ID     int64             `json:"id"`
}

type hitbtcMessage struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code        int    `json:"code"`
		Message     string `json:"message"`
		Description string `json:"description"`
	} `json:"error"`
	ID int64 `json:"id"`
}

type hitbtcLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

type hitbtcBook struct {
	Ask       []hitbtcLevel `json:"ask"`
	Bid       []hitbtcLevel `json:"bid"`
	Symbol    string        `json:"symbol"`
	Sequence  int64         `json:"sequence"`
	Timestamp time.Time     `json:"timestamp"`
}

type hitbtcStream struct {
	h         *Hitbtc
	u         service.Updater
	requestID atomic.Int64
}

func (s *hitbtcStream) OnOpen(ctx context.Context, c *stream.Client) error {
	for _, pair := range s.h.pairs {
		symbol := s.h.LocalPair(pair, "")
		request := hitbtcRequest{
			Method: "subscribeOrderbook",
			Params: map[string]string{"symbol": symbol},
			ID:     s.requestID.Add(1),
		}
		if err := c.SendJSON(request); err != nil {
			return fmt.Errorf("error subscribing to %s: %w", symbol, err)
		}
		log.Info().Str("exchange", s.h.Name()).Str("symbol", symbol).Msg("Subscribing")
	}
	return nil
}

func (s *hitbtcStream) OnMessage(ctx context.Context, c *stream.Client, message []byte) error {
	var msg hitbtcMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return s.h.parseError("message", err)
	}
	if msg.Error != nil {
		return &market.VenueError{Exchange: s.h.Name(), Op: "stream", Messages: []string{msg.Error.Message, msg.Error.Description}}
	}

	switch msg.Method {
	case "":
		log.Debug().Str("exchange", s.h.Name()).Int64("id", msg.ID).RawJSON("result", msg.Result).Msg("Request acknowledged")
		return nil
	case "snapshotOrderbook", "updateOrderbook":
		var book hitbtcBook
		if err := json.Unmarshal(msg.Params, &book); err != nil {
			return s.h.parseError(msg.Method, err)
		}
		if msg.Method == "snapshotOrderbook" {
			return s.snapshot(book)
		}
		return s.update(book)
	default:
		log.Debug().Str("exchange", s.h.Name()).Str("method", msg.Method).Msg("Ignoring message")
		return nil
	}
}

func (s *hitbtcStream) pair(symbol string) (market.Pair, error) {
	if pair, ok := s.h.pairFromSymbol(symbol, ""); ok {
		return pair, nil
	}
	return market.Pair{}, s.h.parseError("symbol", fmt.Errorf("unsubscribed symbol %q", symbol))
}

func (s *hitbtcStream) timestamp(book hitbtcBook) time.Time {
	if book.Timestamp.IsZero() {
		return s.h.now()
	}
	return book.Timestamp
}

func (s *hitbtcStream) levels(book hitbtcBook) []orderbook.PriceLevel {
	levels := make([]orderbook.PriceLevel, 0, len(book.Ask)+len(book.Bid))
	for _, l := range book.Ask {
		levels = append(levels, orderbook.PriceLevel{Side: orderbook.Ask, Price: l.Price, Volume: l.Size})
	}
	for _, l := range book.Bid {
		levels = append(levels, orderbook.PriceLevel{Side: orderbook.Bid, Price: l.Price, Volume: l.Size})
	}
	return levels
}

func (s *hitbtcStream) snapshot(book hitbtcBook) error {
	pair, err := s.pair(book.Symbol)
	if err != nil {
		return err
	}
	ob := orderbook.New()
	for _, l := range s.levels(book) {
		ob.Update(l.Side, l.Price, l.Volume, time.Time{})
	}
	ob.Touch(s.timestamp(book))
	log.Debug().Str("exchange", s.h.Name()).Str("pair", pair.String()).
		Int("asks", ob.Depth(orderbook.Ask)).Int("bids", ob.Depth(orderbook.Bid)).Msg("Orderbook snapshot")
	return s.u.UpdateOrderbook(pair, ob)
}

// update applies a diff to a copy of the current book. A zero size removes the level.
func (s *hitbtcStream) update(book hitbtcBook) error {
	pair, err := s.pair(book.Symbol)
	if err != nil {
		return err
	}
	err = s.u.ModifyOrderbook(pair, func(ob *orderbook.OrderBook) error {
		if err := ob.Apply(s.timestamp(book), s.levels(book)...); err != nil {
			log.Info().Err(err).Str("exchange", s.h.Name()).Str("pair", pair.String()).Msg("Removal of unknown level")
		}
		return nil
	})
	if errors.Is(err, service.ErrNoOrderbook) {
		log.Debug().Str("exchange", s.h.Name()).Str("pair", pair.String()).Msg("Update before snapshot, ignoring")
		return nil
	}
	return err
}
