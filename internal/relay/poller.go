package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	cmdpkg "github.com/stupiduntilnot/mctrelay/internal/commander"
	"github.com/stupiduntilnot/mctrelay/internal/control"
	"github.com/stupiduntilnot/mctrelay/internal/db"
)

// sourceErrorClass is the circuit breaker class for update polling failures.
const sourceErrorClass = "command_source_api"

// UpdateHandler consumes one update.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update cmdpkg.Update)
}

// PollOptions configure the long-poll loop.
type PollOptions struct {
	Timeout     int
	DropPending bool
	Backoff     control.Backoff
	Circuit     *control.CircuitBreaker
}

// Poller drives HandleUpdate from getUpdates long polling.
type Poller struct {
	source  cmdpkg.Source
	handler UpdateHandler
	journal Journal
	opts    PollOptions
}

type pollResult struct {
	updates []cmdpkg.Update
	err     error
}

func NewPoller(source cmdpkg.Source, handler UpdateHandler, journal Journal, opts PollOptions) *Poller {
	if journal == nil {
		journal = nopJournal{}
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = control.DefaultBackoff()
	}
	if opts.Circuit == nil {
		opts.Circuit = control.NewCircuitBreaker(5, 30*time.Second)
	}
	return &Poller{source: source, handler: handler, journal: journal, opts: opts}
}

// Run polls until ctx is cancelled. Updates are handled sequentially in
// arrival order.
func (p *Poller) Run(ctx context.Context) error {
	offset, err := p.startOffset()
	if err != nil {
		return err
	}
	log.Info().Int64("offset", offset).Int("timeout", p.opts.Timeout).Msg("Polling for updates")

	circuit := p.opts.Circuit
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		if !circuit.Allow(time.Now()) {
			if sleep(ctx, p.opts.Backoff.Delay(failures)) != nil {
				return nil
			}
			continue
		}

		updates, err := p.poll(ctx, offset)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			failures++
			delay := p.opts.Backoff.Delay(failures)
			log.Warn().Err(err).Int("failures", failures).Dur("backoff", delay).Msg("getUpdates failed")
			p.journal.Record(nil, db.EventPollFailed, map[string]any{"error": errString(err), "failures": failures})

			prev := circuit.State()
			circuit.RecordFailure(sourceErrorClass, time.Now())
			if prev != control.CircuitOpen && circuit.State() == control.CircuitOpen {
				log.Error().
					Str("error_class", circuit.OpenedClass()).
					Int("threshold", circuit.Threshold).
					Dur("cooldown", circuit.Cooldown).
					Msg("Update polling circuit opened")
				p.journal.Record(nil, db.EventCircuitOpened, map[string]any{
					"error_class":      circuit.OpenedClass(),
					"threshold":        circuit.Threshold,
					"cooldown_seconds": int(circuit.Cooldown.Seconds()),
				})
			}
			if sleep(ctx, delay) != nil {
				return nil
			}
			continue
		}

		failures = 0
		if circuit.State() != control.CircuitClosed {
			circuit.RecordSuccess()
			log.Info().Msg("Update polling recovered")
			p.journal.Record(nil, db.EventCircuitClosed, map[string]any{"recovered": true})
		}

		for _, update := range updates {
			offset = update.UpdateID + 1
			p.handler.HandleUpdate(ctx, update)
		}
	}
}

// poll runs GetUpdates without letting a long poll hold up shutdown.
func (p *Poller) poll(ctx context.Context, offset int64) ([]cmdpkg.Update, error) {
	ch := make(chan pollResult, 1)
	go func() {
		updates, err := p.source.GetUpdates(offset, p.opts.Timeout)
		ch <- pollResult{updates: updates, err: err}
	}()
	select {
	case r := <-ch:
		return r.updates, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// startOffset continues after the newest claimed update. On a fresh inbox
// with DropPending set the backlog is skipped.
func (p *Poller) startOffset() (int64, error) {
	offset, err := p.journal.Offset()
	if err != nil {
		return 0, err
	}
	if offset != 0 || !p.opts.DropPending {
		return offset, nil
	}

	updates, err := p.source.GetUpdates(0, 0)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read pending updates; starting from the beginning")
		return 0, nil
	}
	if len(updates) == 0 {
		return 0, nil
	}
	next := updates[len(updates)-1].UpdateID + 1
	log.Info().Int("dropped", len(updates)).Int64("offset", next).Msg("Dropped pending updates")
	return next, nil
}
