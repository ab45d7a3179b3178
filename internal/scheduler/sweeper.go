// Package scheduler runs periodic housekeeping for the policy engine.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"moneypolicy/pkg/logger"
)

// StaleReleaser releases reservations older than maxAge, at most batch per call.
type StaleReleaser interface {
	ReleaseStale(ctx context.Context, maxAge time.Duration, batch int) (int, error)
}

const sweepBatch = 500

// Sweeper gives back limit capacity held by reservations that were never
// committed or released.
type Sweeper struct {
	limits   StaleReleaser
	maxAge   time.Duration
	interval time.Duration
	logger   logger.Logger

	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewSweeper(limits StaleReleaser, maxAge, interval time.Duration, log logger.Logger) *Sweeper {
	return &Sweeper{
		limits:   limits,
		maxAge:   maxAge,
		interval: interval,
		logger:   log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	ticker := time.NewTicker(s.interval)
	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.SweepOnce(context.Background())
			case <-s.stop:
				return
			}
		}
	}()
	s.logger.Info("Reservation sweeper started", map[string]interface{}{
		"interval": s.interval.String(),
		"max_age":  s.maxAge.String(),
	})
}

// Stop ends the loop and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
}

// SweepOnce releases stale reservations until a batch comes back short.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	total := 0
	for {
		n, err := s.limits.ReleaseStale(ctx, s.maxAge, sweepBatch)
		total += n
		if err != nil {
			s.logger.Error("Reservation sweep failed", map[string]interface{}{
				"error":    err.Error(),
				"released": total,
				"alert":    true,
			})
			return total
		}
		if n < sweepBatch {
			break
		}
	}
	if total > 0 {
		s.logger.Warn("Reservation sweep released stale reservations", map[string]interface{}{"released": total})
	}
	return total
}
