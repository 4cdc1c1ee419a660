// Package scheduler fires benchmark runs on a cron schedule evaluated in UTC.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/docker/go-units"
	"github.com/hashicorp/cronexpr"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/bitbenchoor/pkg/config"
)

// State is the scheduler's position in its fire cycle.
type State string

const (
	StateIdle    State = "idle"
	StateWaiting State = "waiting"
	StateRunning State = "running"
)

// ScheduleError reports an unusable schedule expression.
type ScheduleError struct {
	Expression string
	Err        error
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule expression %q: %v", e.Expression, e.Err)
}

func (e *ScheduleError) Unwrap() error {
	return e.Err
}

// TriggerFunc runs one benchmark for revision.
type TriggerFunc func(ctx context.Context, revision string) error

// Scheduler waits for each fire time and invokes the trigger. Fire times
// that have already passed are skipped, never caught up.
type Scheduler struct {
	log     logrus.FieldLogger
	cfg     *config.ScheduleConfig
	expr    *cronexpr.Expression
	trigger TriggerFunc
	clock   clock.Clock

	mu    sync.Mutex
	state State
	fire  time.Time
}

// New parses the schedule and returns a Scheduler in the idle state.
func New(
	log logrus.FieldLogger,
	cfg *config.ScheduleConfig,
	trigger TriggerFunc,
	clk clock.Clock,
) (*Scheduler, error) {
	expr, err := cronexpr.Parse(cfg.Expression)
	if err != nil {
		return nil, &ScheduleError{Expression: cfg.Expression, Err: err}
	}

	if clk == nil {
		clk = clock.New()
	}

	return &Scheduler{
		log: log.WithFields(logrus.Fields{
			"component": "scheduler",
			"schedule":  cfg.Expression,
		}),
		cfg:     cfg,
		expr:    expr,
		trigger: trigger,
		clock:   clk,
		state:   StateIdle,
	}, nil
}

// State returns the current state and the fire time it refers to.
func (s *Scheduler) State() (State, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state, s.fire
}

func (s *Scheduler) setState(state State, fire time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state
	s.fire = fire
}

// Next returns the first fire time strictly after t, in UTC. A zero time
// means the schedule has no further fire times.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.expr.Next(t.UTC())
}

// Run walks the schedule until ctx is cancelled or the schedule is
// exhausted. Trigger failures are logged and never end the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	last := s.clock.Now().UTC()

	s.log.WithField("revision", s.cfg.Revision).Info("Scheduler started")

	for {
		fire := s.Next(last)
		if fire.IsZero() {
			s.log.Info("Schedule has no further fire times")

			return nil
		}

		now := s.clock.Now()

		if fire.Before(now) {
			fire = s.skipPastDue(fire, now)
			if fire.IsZero() {
				s.log.Info("Schedule has no further fire times")

				return nil
			}
		}

		last = fire
		wait := fire.Sub(now)

		timer := s.clock.Timer(wait)
		s.setState(StateWaiting, fire)

		s.log.WithFields(logrus.Fields{
			"fire_time": fire,
			"in":        units.HumanDuration(wait),
		}).Info("Waiting for next fire time")

		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateIdle, time.Time{})
			s.log.Info("Scheduler stopped")

			return nil
		case <-timer.C:
		}

		s.setState(StateRunning, fire)
		s.fireOnce(ctx, fire)
		s.setState(StateIdle, time.Time{})

		if ctx.Err() != nil {
			s.log.Info("Scheduler stopped")

			return nil
		}
	}
}

// skipPastDue returns the first fire time at or after now and logs the
// fire times from missed onwards that were passed over.
func (s *Scheduler) skipPastDue(missed, now time.Time) time.Time {
	resume := s.Next(now.Add(-time.Nanosecond))

	skipped := 0
	for t := missed; !t.IsZero() && t.Before(now); t = s.Next(t) {
		skipped++
	}

	s.log.WithFields(logrus.Fields{
		"skipped":    skipped,
		"first_fire": missed,
		"late_by":    units.HumanDuration(now.Sub(missed)),
		"next_fire":  resume,
	}).Warn("Skipping past-due fire times")

	return resume
}

// fireOnce invokes the trigger, containing any failure.
func (s *Scheduler) fireOnce(ctx context.Context, fire time.Time) {
	log := s.log.WithFields(logrus.Fields{
		"fire_time": fire,
		"revision":  s.cfg.Revision,
	})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Scheduled run panicked")
		}
	}()

	log.Info("Starting scheduled run")

	start := s.clock.Now()

	if err := s.trigger(ctx, s.cfg.Revision); err != nil {
		log.WithError(err).Error("Scheduled run failed")

		return
	}

	log.WithField("duration", units.HumanDuration(s.clock.Since(start))).Info("Scheduled run finished")
}
