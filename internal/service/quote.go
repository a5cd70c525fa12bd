package service

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

const historySize = 10

// Quote is the best ask and bid of a pair. ObservedAt is the venue timestamp and is zero when the
// venue does not send one; StoredAt is refreshed on every update, LastChangeAt only when the
// values change.
type Quote struct {
	Ask          decimal.Decimal
	Bid          decimal.Decimal
	ObservedAt   time.Time
	StoredAt     time.Time
	LastChangeAt time.Time
}

// Spread is Ask minus Bid. It is negative on an inverted market.
func (q Quote) Spread() decimal.Decimal {
	return q.Ask.Sub(q.Bid)
}

func (q Quote) Inverted() bool {
	return q.Ask.LessThan(q.Bid)
}

func (q Quote) same(ask, bid decimal.Decimal, observedAt time.Time) bool {
	return q.Ask.Equal(ask) && q.Bid.Equal(bid) && q.ObservedAt.Equal(observedAt)
}

// changeHistory keeps the last change times of a pair, without consecutive duplicates.
type changeHistory struct {
	times []time.Time
}

func (h *changeHistory) add(t time.Time) {
	if n := len(h.times); n > 0 && h.times[n-1].Equal(t) {
		return
	}
	h.times = append(h.times, t)
	if len(h.times) > historySize {
		h.times = h.times[len(h.times)-historySize:]
	}
}

// period is the median gap between recorded changes.
func (h *changeHistory) period() (time.Duration, bool) {
	if len(h.times) < 2 {
		return 0, false
	}
	gaps := make([]time.Duration, 0, len(h.times)-1)
	for i := 1; i < len(h.times); i++ {
		gaps = append(gaps, h.times[i].Sub(h.times[i-1]))
	}
	slices.Sort(gaps)
	mid := len(gaps) / 2
	if len(gaps)%2 == 1 {
		return gaps[mid], true
	}
	return (gaps[mid-1] + gaps[mid]) / 2, true
}
