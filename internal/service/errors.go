package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/dorskfr/ratewatch/internal/market"
)

var (
	ErrOutOfOrder  = errors.New("out of order update")
	ErrNoOrderbook = errors.New("no orderbook yet")
)

// OutOfOrderError rejects an update observed before the stored quote.
type OutOfOrderError struct {
	Exchange string
	Pair     market.Pair
	Stored   time.Time
	Received time.Time
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("%s %s: out of order update, stored %s is newer than %s",
		e.Exchange, e.Pair, e.Stored.Format(time.RFC3339Nano), e.Received.Format(time.RFC3339Nano))
}

func (e *OutOfOrderError) Is(target error) bool {
	return target == ErrOutOfOrder
}
