package session

import (
	"context"
	"time"

	"github.com/nangohq/nango/pkg/logger"
)

// DefaultSweepInterval is how often expired sessions are reaped.
const DefaultSweepInterval = time.Minute

// Sweeper periodically deletes expired sessions. The sweep is idempotent;
// running multiple sweepers against the same store is safe.
type Sweeper struct {
	store    Store
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSweeper builds a sweeper; call Start to begin sweeping.
func NewSweeper(store Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	go s.loop()
}

// Stop terminates the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) loop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reaped, err := s.store.SweepExpired(ctx)
	if err != nil {
		logger.Errorw("sweeping expired sessions", "error", err)
		return
	}
	if reaped > 0 {
		logger.Debugw("swept expired sessions", "count", reaped)
	}
}
