package orderbook

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func sampleBook() *OrderBook {
	ob := New()
	ob.Update(Ask, d("101"), d("1"), time.Time{})
	ob.Update(Ask, d("102"), d("2"), time.Time{})
	ob.Update(Bid, d("99"), d("1"), time.Time{})
	ob.Update(Bid, d("98"), d("3"), time.Time{})
	return ob
}

func assertLevel(t *testing.T, got PriceLevel, ok bool, price, volume string) {
	t.Helper()
	if !ok {
		t.Fatalf("expected a level at %s, side was empty", price)
	}
	if !got.Price.Equal(d(price)) || !got.Volume.Equal(d(volume)) {
		t.Errorf("got %s@%s, want %s@%s", got.Volume, got.Price, volume, price)
	}
}

func TestBestLevels(t *testing.T) {
	ob := sampleBook()

	ask, ok := ob.BestAsk()
	assertLevel(t, ask, ok, "101", "1")
	bid, ok := ob.BestBid()
	assertLevel(t, bid, ok, "99", "1")
}

func TestEmptyBook(t *testing.T) {
	ob := New()
	if _, ok := ob.BestAsk(); ok {
		t.Error("expected no best ask on an empty book")
	}
	if _, ok := ob.BestBid(); ok {
		t.Error("expected no best bid on an empty book")
	}
	if !ob.Empty() {
		t.Error("expected Empty() to be true")
	}
}

func TestLastUpdateIsMonotonic(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name    string
		offsets []int
		want    int
	}{
		{"increasing", []int{1, 2, 3, 10}, 10},
		{"decreasing never regresses", []int{10, 5, 1}, 10},
		{"mixed", []int{3, 7, 2, 7, 5}, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ob := New()
			for i, off := range tt.offsets {
				ob.Update(Ask, decimal.NewFromInt(int64(100+i)), d("1"), base.Add(time.Duration(off)*time.Second))
			}
			if want := base.Add(time.Duration(tt.want) * time.Second); !ob.LastUpdate().Equal(want) {
				t.Errorf("LastUpdate() = %v, want %v", ob.LastUpdate(), want)
			}
		})
	}
}

func TestUpdateWithoutTimestampKeepsLastUpdate(t *testing.T) {
	ob := New()
	ts := time.Unix(100, 0)
	ob.Update(Bid, d("1"), d("1"), ts)
	ob.Update(Bid, d("2"), d("1"), time.Time{})
	if !ob.LastUpdate().Equal(ts) {
		t.Errorf("LastUpdate() = %v, want %v", ob.LastUpdate(), ts)
	}
}

func TestRemove(t *testing.T) {
	ob := sampleBook()

	if err := ob.Remove(Ask, d("101")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ask, ok := ob.BestAsk()
	assertLevel(t, ask, ok, "102", "2")

	if err := ob.Remove(Bid, d("99")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	bid, ok := ob.BestBid()
	assertLevel(t, bid, ok, "98", "3")

	if ob.Depth(Ask) != 1 || ob.Depth(Bid) != 1 {
		t.Errorf("expected one level left per side, got %d/%d", ob.Depth(Ask), ob.Depth(Bid))
	}
}

func TestRemoveMissingLevel(t *testing.T) {
	ob := sampleBook()
	err := ob.Remove(Ask, d("150"))
	if !errors.Is(err, ErrLevelNotFound) {
		t.Fatalf("expected ErrLevelNotFound, got %v", err)
	}
	if ob.Depth(Ask) != 2 {
		t.Error("a failed removal must not touch other levels")
	}
}

func TestUpdateIsIdempotentAndReplaces(t *testing.T) {
	ob := sampleBook()
	ob.Update(Ask, d("101"), d("1"), time.Time{})
	ob.Update(Ask, d("101"), d("1"), time.Time{})
	if ob.Depth(Ask) != 2 {
		t.Errorf("expected 2 ask levels, got %d", ob.Depth(Ask))
	}
	ask, ok := ob.BestAsk()
	assertLevel(t, ask, ok, "101", "1")

	ob.Update(Ask, d("101.00"), d("4"), time.Time{})
	ask, ok = ob.BestAsk()
	assertLevel(t, ask, ok, "101", "4")
	if ob.Depth(Ask) != 2 {
		t.Errorf("equal prices with different scale must share a level, got %d levels", ob.Depth(Ask))
	}
}

func TestZeroVolumeRemovesLevel(t *testing.T) {
	ob := sampleBook()
	ob.Update(Bid, d("99"), d("0.000"), time.Time{})
	if _, ok := ob.Volume(Bid, d("99")); ok {
		t.Error("a zero volume level must be deleted, not kept")
	}
}

func TestApply(t *testing.T) {
	ob := sampleBook()
	ts := time.Unix(200, 0)
	err := ob.Apply(ts,
		PriceLevel{Side: Ask, Price: d("100.5"), Volume: d("0.5")},
		PriceLevel{Side: Bid, Price: d("99"), Volume: d("0")},
		PriceLevel{Side: Bid, Price: d("97"), Volume: d("0")},
		PriceLevel{Side: Bid, Price: d("98"), Volume: d("1.5")},
	)
	if !errors.Is(err, ErrLevelNotFound) {
		t.Errorf("expected the spurious removal to be reported, got %v", err)
	}

	ask, ok := ob.BestAsk()
	assertLevel(t, ask, ok, "100.5", "0.5")
	bid, ok := ob.BestBid()
	assertLevel(t, bid, ok, "98", "1.5")
	if !ob.LastUpdate().Equal(ts) {
		t.Errorf("LastUpdate() = %v, want %v", ob.LastUpdate(), ts)
	}
}

func TestLevelsOrder(t *testing.T) {
	ob := sampleBook()
	asks := ob.Levels(Ask)
	if len(asks) != 2 || !asks[0].Price.Equal(d("101")) || !asks[1].Price.Equal(d("102")) {
		t.Errorf("asks not ascending: %v", asks)
	}
	bids := ob.Levels(Bid)
	if len(bids) != 2 || !bids[0].Price.Equal(d("99")) || !bids[1].Price.Equal(d("98")) {
		t.Errorf("bids not descending: %v", bids)
	}
}

func TestCopyIsIndependent(t *testing.T) {
	ob := sampleBook()
	ob.Touch(time.Unix(50, 0))
	c := ob.Copy()

	c.Update(Ask, d("100"), d("9"), time.Unix(60, 0))
	if err := c.Remove(Bid, d("99")); err != nil {
		t.Fatal(err)
	}

	ask, ok := ob.BestAsk()
	assertLevel(t, ask, ok, "101", "1")
	bid, ok := ob.BestBid()
	assertLevel(t, bid, ok, "99", "1")
	if !ob.LastUpdate().Equal(time.Unix(50, 0)) {
		t.Error("copy mutation moved the original LastUpdate")
	}
	if !c.LastUpdate().Equal(time.Unix(60, 0)) {
		t.Error("copy did not advance its own LastUpdate")
	}
}

func TestClearKeepsLastUpdate(t *testing.T) {
	ob := sampleBook()
	ts := time.Unix(70, 0)
	ob.Touch(ts)
	ob.Clear()
	if !ob.Empty() {
		t.Error("expected an empty book after Clear")
	}
	if !ob.LastUpdate().Equal(ts) {
		t.Error("Clear must not reset LastUpdate")
	}
}

func TestVolumeWeightedPrice(t *testing.T) {
	ob := sampleBook()

	price, ok := ob.VolumeWeightedPrice(Ask, d("2"))
	if !ok {
		t.Fatal("expected enough ask volume")
	}
	// 1@101 + 1@102
	if !price.Equal(d("101.5")) {
		t.Errorf("VolumeWeightedPrice = %s, want 101.5", price)
	}

	if _, ok := ob.VolumeWeightedPrice(Bid, d("5")); ok {
		t.Error("expected insufficient bid volume")
	}
}
