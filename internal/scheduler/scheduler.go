package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State reflects whether a scan is currently in flight.
type State int32

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// TickFunc is invoked on every scheduled tick.
type TickFunc func(ctx context.Context, now time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
}

// Scheduler drives scans on a fixed cadence with an explicit Idle/Running
// state machine. Overlapping triggers are coalesced into a no-op, never
// queued.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	state  atomic.Int32
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// State returns the current scheduler state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// TryTick runs fn if the scheduler is idle. When a tick is already running the
// call returns (false, nil) and fn is not invoked. Tests drive single scans
// deterministically through this method.
func (s *Scheduler) TryTick(ctx context.Context, now time.Time, fn TickFunc) (bool, error) {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		s.logger.Warn().Time("tick", now).Msg("previous scan still running; tick coalesced")
		return false, nil
	}
	defer s.state.Store(int32(StateIdle))
	return true, fn(ctx, now)
}

// Run blocks, invoking the tick function at each interval until ctx is
// cancelled. Tick errors are logged and the loop continues; a failed scan is
// retried on the next cadence tick, never fatal to the hosting process.
func (s *Scheduler) Run(ctx context.Context, fn TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		now := time.Now().UTC()
		s.logger.Info().Time("tick", now).Msg("executing scheduled scan")

		executed, err := s.TryTick(ctx, now, fn)
		if err != nil {
			s.logger.Error().Err(err).Time("tick", now).Msg("scan failed; will retry on next tick")
		}
		if !executed {
			s.logger.Debug().Time("tick", now).Msg("tick skipped")
		}

		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	tick := now.Truncate(s.opts.Interval)
	if !tick.After(now) {
		tick = tick.Add(s.opts.Interval)
	}
	return tick
}
