package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultSweepSchedule runs the sweep once an hour.
const DefaultSweepSchedule = "@every 1h"

// SweepHook is called after every completed sweep.
type SweepHook func(SweepResult)

// Sweeper runs Store.Sweep on a cron schedule.
type Sweeper struct {
	store    Store
	schedule string
	hooks    []SweepHook
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	running bool
}

// NewSweeper validates schedule and returns a stopped sweeper.
func NewSweeper(store Store, schedule string, hooks ...SweepHook) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return &Sweeper{
		store:    store,
		schedule: schedule,
		hooks:    hooks,
		now:      time.Now,
	}, nil
}

// Start schedules the sweep. Calling Start on a running sweeper is a no-op.
func (w *Sweeper) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(w.schedule, func() { w.RunOnce(w.context()) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	w.ctx = ctx
	w.cron = c
	w.running = true
	c.Start()

	log.Info().Str("schedule", w.schedule).Msg("Session sweeper started")
	return nil
}

// Stop halts the schedule and waits for a sweep in progress to finish.
func (w *Sweeper) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	c := w.cron
	w.running = false
	w.mu.Unlock()

	<-c.Stop().Done()
	log.Info().Msg("Session sweeper stopped")
}

// IsRunning reports whether the schedule is active.
func (w *Sweeper) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Sweeper) context() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx == nil {
		return context.Background()
	}
	return w.ctx
}

// RunOnce performs a single sweep and notifies the hooks.
func (w *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	started := w.now()
	res, err := w.store.Sweep(ctx, started)
	if err != nil {
		log.Error().Err(err).Msg("Session sweep failed")
		return res, err
	}

	event := log.Debug()
	if res.Expired > 0 || res.Evicted > 0 {
		event = log.Info()
	}
	event.
		Int("expired", res.Expired).
		Int("evicted", res.Evicted).
		Int("remaining", res.Remaining).
		Dur("duration", time.Since(started)).
		Msg("Session sweep completed")

	for _, hook := range w.hooks {
		hook(res)
	}
	return res, nil
}
