package arbitrage

import (
	"context"
	"testing"
	"time"

	"github.com/dorskfr/ratewatch/internal/market"
	"github.com/dorskfr/ratewatch/internal/orderbook"
	"github.com/dorskfr/ratewatch/internal/service"
	"github.com/dorskfr/ratewatch/internal/trading"
	"github.com/shopspring/decimal"
)

var btceur = market.NewPair("BTC", "EUR")

type venue struct {
	name string
}

func (v venue) Name() string         { return v.name }
func (v venue) Pairs() []market.Pair { return []market.Pair{btceur} }
func (v venue) FetchRates(ctx context.Context, u service.Updater, pairs []market.Pair) error {
	return nil
}
func (v venue) Stream(u service.Updater) service.Streamer { return nil }
func (v venue) Trading(u service.Updater) trading.Trader  { return nil }
func (v venue) ToLocal(code string) string                { return code }
func (v venue) ToStandard(code string) string             { return code }

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCheck(t *testing.T) {
	a := service.New(venue{"A"})
	b := service.New(venue{"B"})
	c := service.New(venue{"C"})
	d := NewDetector(0)
	d.Watch(a)
	d.Watch(b)
	d.Watch(c)

	tests := []struct {
		name  string
		a, b  [2]string
		found int
		buy   string
	}{
		{"no overlap", [2]string{"101", "100"}, [2]string{"102", "99"}, 0, ""},
		{"b bids above a asks", [2]string{"101", "100"}, [2]string{"104", "103"}, 1, "A"},
		{"a bids above b asks", [2]string{"106", "105"}, [2]string{"104", "103"}, 1, "B"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a.UpdateRates(btceur, dec(tt.a[0]), dec(tt.a[1]), time.Time{})
			b.UpdateRates(btceur, dec(tt.b[0]), dec(tt.b[1]), time.Time{})
			found := d.Check(btceur)
			if len(found) != tt.found {
				t.Fatalf("found %d opportunities: %+v", len(found), found)
			}
			if tt.found > 0 && (found[0].Buy != tt.buy || !found[0].Profit.IsPositive()) {
				t.Errorf("opportunity = %+v", found[0])
			}
		})
	}
}

func TestInvertedQuotesAreIgnored(t *testing.T) {
	a := service.New(venue{"A"})
	b := service.New(venue{"B"})
	d := NewDetector(0)
	d.Watch(a)
	d.Watch(b)

	a.UpdateRates(btceur, dec("90"), dec("110"), time.Time{})
	b.UpdateRates(btceur, dec("101"), dec("100"), time.Time{})
	if found := d.Check(btceur); len(found) != 0 {
		t.Errorf("expected nothing, got %+v", found)
	}
}

func TestVolumeFromBooks(t *testing.T) {
	a := service.New(venue{"A"})
	b := service.New(venue{"B"})
	d := NewDetector(0)
	d.Watch(a)
	d.Watch(b)

	bookA := orderbook.New()
	bookA.Update(orderbook.Ask, dec("100"), dec("0.4"), time.Time{})
	bookA.Update(orderbook.Bid, dec("99"), dec("1"), time.Time{})
	bookB := orderbook.New()
	bookB.Update(orderbook.Ask, dec("103"), dec("1"), time.Time{})
	bookB.Update(orderbook.Bid, dec("102"), dec("0.7"), time.Time{})
	a.UpdateOrderbook(btceur, bookA)
	b.UpdateOrderbook(btceur, bookB)

	found := d.Check(btceur)
	if len(found) != 1 {
		t.Fatalf("found = %+v", found)
	}
	if !found[0].Volume.Equal(dec("0.4")) || !found[0].Profit.Equal(dec("2")) {
		t.Errorf("opportunity = %+v", found[0])
	}
}

func TestRunReportsOpportunities(t *testing.T) {
	reports := make(chan Opportunity, 10)
	d := NewDetector(10, WithReport(func(o Opportunity) { reports <- o }))
	a := service.New(venue{"A"})
	b := service.New(venue{"B"})
	d.Watch(a)
	unwatch := d.Watch(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	a.UpdateRates(btceur, dec("100"), dec("99"), time.Time{})
	b.UpdateRates(btceur, dec("103"), dec("102"), time.Time{})

	select {
	case o := <-reports:
		if o.Buy != "A" || o.Sell != "B" {
			t.Errorf("opportunity = %+v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no opportunity reported")
	}

	unwatch()
	if found := d.Check(btceur); len(found) != 0 {
		t.Errorf("unwatched service still compared: %+v", found)
	}
}

func TestFullBufferDropsUpdates(t *testing.T) {
	d := NewDetector(1)
	a := service.New(venue{"A"})
	d.Watch(a)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			a.UpdateRates(btceur, decimal.NewFromInt(int64(100+i)), dec("99"), time.Time{})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("updates blocked on the detector")
	}
	if d.Dropped() != 4 {
		t.Errorf("dropped = %d", d.Dropped())
	}
}
