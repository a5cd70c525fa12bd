package messagetracker

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// MessageTracker remembers when a feed last delivered a message so a silent connection can be
// told apart from a quiet market.
type MessageTracker struct {
	lastMessage    atomic.Int64
	exchangeName   string
	staleThreshold time.Duration
	now            func() time.Time
}

func NewMessageTracker(exchangeName string, staleThreshold time.Duration) *MessageTracker {
	mt := &MessageTracker{
		exchangeName:   exchangeName,
		staleThreshold: staleThreshold,
		now:            time.Now,
	}
	mt.RecordMessage()
	return mt
}

func (mt *MessageTracker) RecordMessage() {
	mt.lastMessage.Store(mt.now().UnixNano())
}

func (mt *MessageTracker) SinceLastMessage() time.Duration {
	return mt.now().Sub(time.Unix(0, mt.lastMessage.Load()))
}

// CheckStaleConnection logs and reports whether no message arrived within the threshold.
// A zero threshold disables the check.
func (mt *MessageTracker) CheckStaleConnection() bool {
	if mt.staleThreshold <= 0 {
		return false
	}
	since := mt.SinceLastMessage()
	if since > mt.staleThreshold {
		log.Warn().
			Str("exchange", mt.exchangeName).
			Dur("timeSinceLastMessage", since).
			Msg("Connection may be stale")
		return true
	}
	log.Debug().
		Str("exchange", mt.exchangeName).
		Dur("timeSinceLastMessage", since).
		Msg("Connection does not appear stale")
	return false
}
