package exchanges

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dorskfr/ratewatch/internal/market"
	"github.com/dorskfr/ratewatch/internal/orderbook"
	"github.com/dorskfr/ratewatch/internal/service"
	"github.com/gorilla/websocket"
)

func TestHitbtcFetchRates(t *testing.T) {
	server := jsonServer(t, map[string]string{
		"/public/BTCUSD/ticker": `{"ask":"6501.20","bid":"6499.80","last":"6500.00","timestamp":1530000000123}`,
	})

	s := service.New(NewHitbtc(WithBaseURL(server.URL), unlimited()))
	if err := s.FetchRates(context.Background()); err != nil {
		t.Fatal(err)
	}
	q, ok := s.Quote(btcusd)
	if !ok {
		t.Fatal("expected a quote")
	}
	if !q.Ask.Equal(dec("6501.2")) || !q.Bid.Equal(dec("6499.8")) || !q.ObservedAt.Equal(time.UnixMilli(1530000000123)) {
		t.Errorf("quote = %+v", q)
	}
	if s.Trading() != nil {
		t.Error("expected no trading")
	}
}

func TestHitbtcStream(t *testing.T) {
	requests := make(chan hitbtcRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var request hitbtcRequest
		if err := conn.ReadJSON(&request); err != nil {
			return
		}
		requests <- request

		conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","result":true,"id":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"snapshotOrderbook","params":{
			"ask":[{"price":"6500.00","size":"1.0"},{"price":"6501.00","size":"2"}],
			"bid":[{"price":"6499.00","size":"1"}],
			"symbol":"BTCUSD","sequence":1,"timestamp":"2018-06-26T10:00:00.000Z"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"updateOrderbook","params":{
			"ask":[{"price":"6500.00","size":"0.00"},{"price":"7000.00","size":"0.00"}],
			"bid":[{"price":"6499.50","size":"0.3"}],
			"symbol":"BTCUSD","sequence":2,"timestamp":"2018-06-26T10:00:01.000Z"}}`))
		conn.ReadMessage()
	}))
	defer server.Close()

	s := service.New(NewHitbtc(WithStreamURL(wsURL(server)), WithStreamConfig(testStreamConfig())))
	ch := quotes(s)
	runStream(t, s)

	select {
	case request := <-requests:
		if request.Method != "subscribeOrderbook" || request.Params["symbol"] != "BTCUSD" {
			t.Errorf("request = %+v", request)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no subscription")
	}

	first := waitForQuote(t, ch, func(q service.Quote) bool { return true })
	if !first.Ask.Equal(dec("6500")) || !first.Bid.Equal(dec("6499")) {
		t.Errorf("snapshot quote = %+v", first)
	}
	second := waitForQuote(t, ch, func(q service.Quote) bool { return true })
	if !second.Ask.Equal(dec("6501")) || !second.Bid.Equal(dec("6499.5")) {
		t.Errorf("updated quote = %+v", second)
	}
	if want := time.Date(2018, 6, 26, 10, 0, 1, 0, time.UTC); !second.ObservedAt.Equal(want) {
		t.Errorf("ObservedAt = %v, want %v", second.ObservedAt, want)
	}
	book, _ := s.Orderbook(btcusd)
	if book.Depth(orderbook.Ask) != 1 || book.Depth(orderbook.Bid) != 2 {
		t.Errorf("unexpected book:\n%s", book)
	}
}

func TestHitbtcUpdateBeforeSnapshot(t *testing.T) {
	s := service.New(NewHitbtc())
	hs := &hitbtcStream{h: NewHitbtc(), u: s}
	msg := []byte(`{"method":"updateOrderbook","params":{"ask":[{"price":"1","size":"1"}],"bid":[],"symbol":"BTCUSD"}}`)
	if err := hs.OnMessage(context.Background(), nil, msg); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Orderbook(btcusd); ok {
		t.Error("expected no book before the snapshot")
	}
	if err := hs.OnMessage(context.Background(), nil, []byte(`{"error":{"code":2001,"message":"Symbol not found"}}`)); err == nil {
		t.Error("expected a venue error")
	}
}

func TestHitbtcUnsubscribedSymbol(t *testing.T) {
	s := service.New(NewHitbtc())
	hs := &hitbtcStream{h: NewHitbtc(), u: s}
	msg := []byte(`{"method":"snapshotOrderbook","params":{"ask":[{"price":"0.07","size":"1"}],"bid":[{"price":"0.06","size":"1"}],"symbol":"ETHBTC"}}`)

	var parseErr *market.ParseError
	if err := hs.OnMessage(context.Background(), nil, msg); !errors.As(err, &parseErr) {
		t.Errorf("expected a ParseError, got %v", err)
	}
	if rates := s.Rates(); len(rates) != 0 {
		t.Errorf("unexpected rates %v", rates)
	}
	if _, ok := s.Orderbook(market.NewPair("ETH", "BTC")); ok {
		t.Error("expected no book for an unsubscribed symbol")
	}
}
