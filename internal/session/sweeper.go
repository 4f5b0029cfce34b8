package session

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"authplane.org/internal/obs"
)

// Sweeper periodically deletes sessions past expiry. An expired session is
// already invalid, so the sweep reclaims storage without affecting
// correctness.
type Sweeper struct {
	store    Store
	cron     *cron.Cron
	timeout  time.Duration
	schedule string
}

// NewSweeper schedules SweepExpired on a cron expression such as
// "@every 10m".
func NewSweeper(store Store, schedule string, timeout time.Duration) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("session: store is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &Sweeper{
		store:    store,
		cron:     cron.New(),
		timeout:  timeout,
		schedule: schedule,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the schedule in its own goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	n, err := s.store.SweepExpired(ctx)
	if err != nil {
		obs.Log("error", "session_sweep_failed", map[string]any{"error": err.Error()})
		return
	}
	if n > 0 {
		obs.Log("info", "session_sweep_complete", map[string]any{"deleted": n})
	}
}
