package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

type schedule struct {
	mu       sync.Mutex
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	// replaced holds the done channels of cancelled schedules that may still be fetching.
	replaced []chan struct{}
}

// PeriodicUpdate fetches the wanted pairs every interval until ctx ends. A failed fetch is
// reported and the schedule keeps running. Calling it again replaces the current schedule and
// an interval of zero only cancels it; a replaced schedule starts no fetch once this returns.
// It does not wait for a fetch in progress, so subscribers and error observers may call it to
// reschedule.
func (s *Service) PeriodicUpdate(ctx context.Context, interval time.Duration) error {
	if interval < 0 {
		return fmt.Errorf("%s: negative update interval %s", s.Name(), interval)
	}

	s.schedule.mu.Lock()
	defer s.schedule.mu.Unlock()

	if s.schedule.cancel != nil {
		s.schedule.cancel()
		s.schedule.replaced = append(lo.Reject(s.schedule.replaced, func(done chan struct{}, _ int) bool {
			return closed(done)
		}), s.schedule.done)
		s.schedule.cancel = nil
		s.schedule.done = nil
		s.schedule.interval = 0
		log.Debug().Str("exchange", s.Name()).Msg("Cancelled periodic update")
	}
	if interval == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.schedule.cancel = cancel
	s.schedule.interval = interval
	s.schedule.done = done

	log.Info().Str("exchange", s.Name()).Dur("interval", interval).Msg("Scheduled periodic update")
	go s.runSchedule(ctx, interval, done)
	return nil
}

// Schedule reports the active periodic update interval.
func (s *Service) Schedule() (time.Duration, bool) {
	s.schedule.mu.Lock()
	defer s.schedule.mu.Unlock()
	return s.schedule.interval, s.schedule.cancel != nil
}

// StopPeriodicUpdate cancels the schedule and waits for a fetch in progress to finish. It must
// not be called from a subscriber or error observer of s; use PeriodicUpdate with a zero
// interval there.
func (s *Service) StopPeriodicUpdate() {
	_ = s.PeriodicUpdate(context.Background(), 0)

	s.schedule.mu.Lock()
	replaced := s.schedule.replaced
	s.schedule.replaced = nil
	s.schedule.mu.Unlock()
	for _, done := range replaced {
		<-done
	}
}

func closed(done chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// current reports whether done still belongs to the active schedule.
func (s *Service) current(done chan struct{}) bool {
	s.schedule.mu.Lock()
	defer s.schedule.mu.Unlock()
	return s.schedule.done == done
}

func (s *Service) runSchedule(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.current(done) {
				return
			}
			if err := s.FetchRates(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.LogError(fmt.Errorf("periodic update: %w", err))
			}
		}
	}
}
