package orderbook

import (
	"errors"
	"fmt"
	"strings"
	"time"

	rbt "github.com/emirpasic/gods/trees/redblacktree"
	"github.com/shopspring/decimal"
)

type Side string

const (
	Ask Side = "ask"
	Bid Side = "bid"
)

func (s Side) Valid() bool {
	return s == Ask || s == Bid
}

func (s Side) Opposite() Side {
	if s == Ask {
		return Bid
	}
	return Ask
}

var (
	ErrLevelNotFound = errors.New("price level not found")
	ErrInvalidSide   = errors.New("invalid order book side")
)

// PriceLevel is a normalized "price level changed" event. A zero Volume removes the level.
type PriceLevel struct {
	Side   Side
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// OrderBook holds the outstanding volume per price level for both sides of one market.
// Asks are kept ascending and bids descending, so the best level of either side is the
// leftmost tree node. It is not safe for concurrent mutation; the owning service serializes
// writers and hands out copies.
type OrderBook struct {
	asks       *rbt.Tree
	bids       *rbt.Tree
	lastUpdate time.Time
}

func New() *OrderBook {
	return &OrderBook{
		asks: rbt.NewWith(AskComparator),
		bids: rbt.NewWith(BidComparator),
	}
}

func (ob *OrderBook) side(side Side) *rbt.Tree {
	switch side {
	case Ask:
		return ob.asks
	case Bid:
		return ob.bids
	}
	panic(fmt.Sprintf("%v: %q", ErrInvalidSide, side))
}

// Update sets the volume at price, replacing any previous volume at that level. A zero or
// negative volume deletes the level instead. A non-zero timestamp advances LastUpdate if
// it is newer.
func (ob *OrderBook) Update(side Side, price, volume decimal.Decimal, timestamp time.Time) {
	tree := ob.side(side)
	if volume.Sign() <= 0 {
		tree.Remove(price)
	} else {
		tree.Put(price, volume)
	}
	ob.Touch(timestamp)
}

// Remove deletes the level at price. Streaming feeds may announce removal of levels that are
// already gone, so callers get ErrLevelNotFound and decide how loud to be about it.
func (ob *OrderBook) Remove(side Side, price decimal.Decimal) error {
	tree := ob.side(side)
	if _, found := tree.Get(price); !found {
		return fmt.Errorf("%s %s: %w", side, price, ErrLevelNotFound)
	}
	tree.Remove(price)
	return nil
}

// Apply applies streamed level changes in order. A zero volume removes the level. Removals of
// unknown levels do not stop the remaining changes; they are reported together at the end.
func (ob *OrderBook) Apply(timestamp time.Time, levels ...PriceLevel) error {
	var errs []error
	for _, level := range levels {
		if !level.Side.Valid() {
			errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidSide, level.Side))
			continue
		}
		if level.Volume.IsZero() {
			if err := ob.Remove(level.Side, level.Price); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		ob.Update(level.Side, level.Price, level.Volume, time.Time{})
	}
	ob.Touch(timestamp)
	return errors.Join(errs...)
}

// Touch advances LastUpdate to t when t is set and newer. It never moves backwards.
func (ob *OrderBook) Touch(t time.Time) {
	if t.IsZero() {
		return
	}
	if ob.lastUpdate.IsZero() || t.After(ob.lastUpdate) {
		ob.lastUpdate = t
	}
}

func (ob *OrderBook) LastUpdate() time.Time {
	return ob.lastUpdate
}

func (ob *OrderBook) BestAsk() (PriceLevel, bool) {
	return ob.best(Ask)
}

func (ob *OrderBook) BestBid() (PriceLevel, bool) {
	return ob.best(Bid)
}

func (ob *OrderBook) best(side Side) (PriceLevel, bool) {
	node := ob.side(side).Left()
	if node == nil {
		return PriceLevel{}, false
	}
	return PriceLevel{Side: side, Price: node.Key.(decimal.Decimal), Volume: node.Value.(decimal.Decimal)}, true
}

// Volume returns the volume at price, if the level exists.
func (ob *OrderBook) Volume(side Side, price decimal.Decimal) (decimal.Decimal, bool) {
	v, found := ob.side(side).Get(price)
	if !found {
		return decimal.Zero, false
	}
	return v.(decimal.Decimal), true
}

// Levels returns the levels of one side, best first.
func (ob *OrderBook) Levels(side Side) []PriceLevel {
	tree := ob.side(side)
	levels := make([]PriceLevel, 0, tree.Size())
	it := tree.Iterator()
	for it.Next() {
		levels = append(levels, PriceLevel{
			Side:   side,
			Price:  it.Key().(decimal.Decimal),
			Volume: it.Value().(decimal.Decimal),
		})
	}
	return levels
}

func (ob *OrderBook) Depth(side Side) int {
	return ob.side(side).Size()
}

func (ob *OrderBook) Empty() bool {
	return ob.asks.Empty() && ob.bids.Empty()
}

// VolumeWeightedPrice returns the average price paid to take volume from one side of the
// book, walking from the best level. The second result is false when the side does not hold
// enough volume.
func (ob *OrderBook) VolumeWeightedPrice(side Side, volume decimal.Decimal) (decimal.Decimal, bool) {
	if volume.Sign() <= 0 {
		return decimal.Zero, false
	}
	remaining := volume
	cost := decimal.Zero
	it := ob.side(side).Iterator()
	for it.Next() && remaining.Sign() > 0 {
		price := it.Key().(decimal.Decimal)
		take := decimal.Min(remaining, it.Value().(decimal.Decimal))
		cost = cost.Add(price.Mul(take))
		remaining = remaining.Sub(take)
	}
	if remaining.Sign() > 0 {
		return decimal.Zero, false
	}
	return cost.Div(volume), true
}

// Copy returns a deep copy that can be mutated without disturbing readers of the original.
func (ob *OrderBook) Copy() *OrderBook {
	c := New()
	for _, pair := range []struct{ from, to *rbt.Tree }{{ob.asks, c.asks}, {ob.bids, c.bids}} {
		it := pair.from.Iterator()
		for it.Next() {
			pair.to.Put(it.Key(), it.Value())
		}
	}
	c.lastUpdate = ob.lastUpdate
	return c
}

// Clear removes every level. LastUpdate is kept.
func (ob *OrderBook) Clear() {
	ob.asks.Clear()
	ob.bids.Clear()
}

func (ob *OrderBook) String() string {
	var sb strings.Builder
	for _, side := range []Side{Ask, Bid} {
		sb.WriteString(string(side))
		sb.WriteString(":")
		for _, level := range ob.Levels(side) {
			fmt.Fprintf(&sb, " %s@%s", level.Volume, level.Price)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func AskComparator(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

func BidComparator(a, b interface{}) int {
	return b.(decimal.Decimal).Cmp(a.(decimal.Decimal))
}
