package exchanges

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dorskfr/ratewatch/internal/market"
	"github.com/dorskfr/ratewatch/internal/orderbook"
	"github.com/dorskfr/ratewatch/internal/service"
	"github.com/shopspring/decimal"
)

func TestDummyFetchRates(t *testing.T) {
	s := service.New(NewDummyWithSeed(0, 42))
	if s.Name() != "DummyService0" {
		t.Errorf("name = %s", s.Name())
	}
	if err := s.FetchRates(context.Background()); err != nil {
		t.Fatal(err)
	}
	book, ok := s.Orderbook(btceur)
	if !ok {
		t.Fatal("expected a book")
	}
	if book.Depth(orderbook.Ask) == 0 || book.Depth(orderbook.Bid) == 0 || book.Depth(orderbook.Ask) > dummyDepth {
		t.Errorf("unexpected book:\n%s", book)
	}
	q, _ := s.Quote(btceur)
	if q.Inverted() {
		t.Errorf("inverted quote %s/%s", q.Ask, q.Bid)
	}
	if q.Ask.Sub(dec("5000")).Abs().GreaterThan(dec("200")) {
		t.Errorf("ask %s drifted too far", q.Ask)
	}
}

func TestDummyMarketSell(t *testing.T) {
	now := time.Unix(1530000000, 0)
	clock := func() time.Time { return now }
	s := service.New(NewDummyWithSeed(0, 7, WithClock(clock)))
	if err := s.FetchRates(context.Background()); err != nil {
		t.Fatal(err)
	}
	tr := s.Trading()
	ctx := context.Background()

	before, err := tr.Balance(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !before.Get("BTC").Equal(decimal.NewFromInt(1)) || !before.Get("EUR").IsZero() {
		t.Fatalf("initial balance = %v", before.Available)
	}
	bookBefore, _ := s.Orderbook(btceur)
	bestBid, _ := bookBefore.BestBid()

	volume := decimal.Min(dec("0.5"), bestBid.Volume)
	if _, err := tr.PlaceOrder(ctx, btceur, orderbook.Ask, decimal.NullDecimal{}, volume, false); err != nil {
		t.Fatal(err)
	}

	after, err := tr.Balance(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !after.Get("BTC").Equal(decimal.NewFromInt(1).Sub(volume)) {
		t.Errorf("BTC = %s", after.Get("BTC"))
	}
	wantEUR := volume.Mul(bestBid.Price).Sub(tr.EstimateFee(orderbook.Ask, bestBid.Price, volume))
	if !after.Get("EUR").Equal(wantEUR) {
		t.Errorf("EUR = %s, want %s", after.Get("EUR"), wantEUR)
	}

	bookAfter, _ := s.Orderbook(btceur)
	left, found := bookAfter.Volume(orderbook.Bid, bestBid.Price)
	if found && !left.Equal(bestBid.Volume.Sub(volume)) {
		t.Errorf("level volume = %s", left)
	}
	if !found && !bestBid.Volume.Equal(volume) {
		t.Error("level removed before it was exhausted")
	}
}

func TestDummyRestingOrders(t *testing.T) {
	s := service.New(NewDummyWithSeed(1, 7))
	tr := s.Trading()
	ctx := context.Background()

	if _, err := tr.PlaceOrder(ctx, btceur, orderbook.Bid, decimal.NewNullDecimal(dec("1")), dec("1"), false); err == nil {
		t.Error("expected an error without a book")
	}
	if err := s.FetchRates(ctx); err != nil {
		t.Fatal(err)
	}

	low, err := tr.PlaceOrder(ctx, btceur, orderbook.Bid, decimal.NewNullDecimal(dec("1")), dec("1"), false)
	if err != nil {
		t.Fatal(err)
	}
	lower, err := tr.PlaceOrder(ctx, btceur, orderbook.Bid, decimal.NewNullDecimal(dec("0.5")), dec("1"), false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.PlaceOrder(ctx, btceur, orderbook.Bid, decimal.NewNullDecimal(dec("0.5")), dec("1"), true); err != nil {
		t.Fatal(err)
	}

	open, err := tr.OpenOrders(ctx, market.Pair{})
	if err != nil {
		t.Fatal(err)
	}
	bids := open[btceur].Bids
	if len(bids) != 2 || bids[0].ID != lower || bids[1].ID != low {
		t.Fatalf("bids = %+v", bids)
	}

	if err := tr.CancelOrder(ctx, btceur, low); err != nil {
		t.Fatal(err)
	}
	var venueErr *market.VenueError
	if err := tr.CancelOrder(ctx, btceur, low); !errors.As(err, &venueErr) {
		t.Errorf("expected a VenueError, got %v", err)
	}
	if err := tr.CancelAllOrders(ctx, market.Pair{}); err != nil {
		t.Fatal(err)
	}
	if open, _ := tr.OpenOrders(ctx, btceur); open[btceur].Len() != 0 {
		t.Errorf("orders left: %+v", open)
	}

	balance, _ := tr.Balance(ctx)
	if !balance.Get("EUR").Equal(decimal.NewFromInt(10)) {
		t.Errorf("EUR = %s", balance.Get("EUR"))
	}
	if fee := tr.EstimateFee(orderbook.Bid, dec("5000"), dec("1")); !fee.Equal(dec("13.01")) {
		t.Errorf("fee = %s", fee)
	}
}

func TestDummyTradeThenPoll(t *testing.T) {
	ctx := context.Background()
	for seed := uint64(0); seed < 20; seed++ {
		s := service.New(NewDummyWithSeed(0, seed))
		var observed []error
		s.ErrSubscribe(func(_ *service.Service, err error) { observed = append(observed, err) })

		if err := s.FetchRates(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Trading().PlaceOrder(ctx, btceur, orderbook.Ask, decimal.NullDecimal{}, dec("0.1"), false); err != nil {
			t.Fatalf("seed %d: %v", seed, err)
		}
		if err := s.FetchRates(ctx); err != nil {
			t.Fatalf("seed %d: poll after a trade failed: %v", seed, err)
		}
		if len(observed) != 0 {
			t.Errorf("seed %d: errors reported: %v", seed, observed)
		}

		book, _ := s.Orderbook(btceur)
		best, _ := book.BestAsk()
		if q, _ := s.Quote(btceur); !best.Price.Equal(q.Ask) {
			t.Errorf("seed %d: book best ask %s, quote ask %s", seed, best.Price, q.Ask)
		}
	}
}
