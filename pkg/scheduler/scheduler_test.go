package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/bitbenchoor/pkg/config"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

// calls records trigger invocations against the mock clock.
type calls struct {
	mu        sync.Mutex
	revisions []string
	times     []time.Time
	active    atomic.Int32
	peak      atomic.Int32
}

func (c *calls) record(revision string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.revisions = append(c.revisions, revision)
	c.times = append(c.times, now)
}

func (c *calls) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.times)
}

func (c *calls) snapshot() ([]string, []time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.revisions...), append([]time.Time(nil), c.times...)
}

func startScheduler(t *testing.T, expr string, mock *clock.Mock, trigger TriggerFunc) (*Scheduler, <-chan error) {
	t.Helper()

	return startSchedulerWithLogger(t, quietLogger(), expr, mock, trigger)
}

func startSchedulerWithLogger(
	t *testing.T,
	log logrus.FieldLogger,
	expr string,
	mock *clock.Mock,
	trigger TriggerFunc,
) (*Scheduler, <-chan error) {
	t.Helper()

	s, err := New(log, &config.ScheduleConfig{
		Expression: expr,
		Revision:   config.DefaultScheduleRevision,
	}, trigger, mock)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- s.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return s, done
}

func waitForState(t *testing.T, s *Scheduler, want State) {
	t.Helper()

	require.Eventually(t, func() bool {
		state, _ := s.State()

		return state == want
	}, waitFor, tick)
}

func TestNew_InvalidExpression(t *testing.T) {
	for _, expr := range []string{"", "bogus", "0 0 25 * * * *", "* * *"} {
		t.Run(expr, func(t *testing.T) {
			_, err := New(quietLogger(), &config.ScheduleConfig{Expression: expr}, nil, clock.NewMock())

			var serr *ScheduleError
			require.True(t, errors.As(err, &serr), "expected ScheduleError, got %v", err)
			assert.Equal(t, expr, serr.Expression)
		})
	}
}

func TestNext_DefaultExpression(t *testing.T) {
	s, err := New(quietLogger(), &config.ScheduleConfig{Expression: config.DefaultScheduleExpression}, nil, clock.NewMock())
	require.NoError(t, err)

	tests := []struct {
		from time.Time
		want time.Time
	}{
		{
			from: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		},
		{
			from: time.Date(2026, 3, 4, 23, 59, 59, 0, time.UTC),
			want: time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		},
		{
			// Exactly on a fire time moves to the next day.
			from: time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC),
		},
		{
			// Evaluated in UTC regardless of the input zone.
			from: time.Date(2026, 3, 4, 20, 0, 0, 0, time.FixedZone("UTC-5", -5*3600)),
			want: time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.from.String(), func(t *testing.T) {
			got := s.Next(tt.from)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestRun_FiresWithDefaultRevision(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 1, 23, 59, 59, 0, time.UTC))

	var c calls

	s, _ := startScheduler(t, config.DefaultScheduleExpression, mock, func(_ context.Context, revision string) error {
		c.record(revision, mock.Now())

		return nil
	})

	waitForState(t, s, StateWaiting)

	_, fire := s.State()
	assert.True(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC).Equal(fire))
	assert.Equal(t, 0, c.count())

	mock.Add(time.Second)

	require.Eventually(t, func() bool { return c.count() == 1 }, waitFor, tick)

	revisions, times := c.snapshot()
	assert.Equal(t, []string{"master"}, revisions)
	assert.True(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC).Equal(times[0]))

	waitForState(t, s, StateWaiting)

	_, fire = s.State()
	assert.True(t, time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC).Equal(fire))
}

func TestRun_FailureDoesNotStopDaemon(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	var c calls

	s, done := startScheduler(t, config.DefaultScheduleExpression, mock, func(_ context.Context, revision string) error {
		c.record(revision, mock.Now())

		if c.count() == 1 {
			return errors.New("workspace checkout failed")
		}

		panic("runner exploded")
	})

	for want := 1; want <= 3; want++ {
		waitForState(t, s, StateWaiting)
		mock.Add(24 * time.Hour)

		require.Eventually(t, func() bool { return c.count() == want }, waitFor, tick)
	}

	select {
	case err := <-done:
		t.Fatalf("scheduler exited early: %v", err)
	default:
	}
}

func TestRun_SkipsPastDueFireTimes(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock := clock.NewMock()
	mock.Set(start)

	var c calls

	release := make(chan struct{})

	log, hook := test.NewNullLogger()

	s, _ := startSchedulerWithLogger(t, log, "* * * * * * *", mock, func(_ context.Context, revision string) error {
		n := c.active.Add(1)
		defer c.active.Add(-1)

		if n > c.peak.Load() {
			c.peak.Store(n)
		}

		c.record(revision, mock.Now())

		if c.count() == 1 {
			<-release
		}

		return nil
	})

	waitForState(t, s, StateWaiting)
	mock.Add(time.Second)

	waitForState(t, s, StateRunning)

	// The run overruns five fire times.
	mock.Add(5 * time.Second)
	assert.Equal(t, 1, c.count())

	close(release)

	require.Eventually(t, func() bool { return c.count() == 2 }, waitFor, tick)

	_, times := c.snapshot()
	assert.True(t, start.Add(time.Second).Equal(times[0]))
	// start+2..start+5 are skipped; start+6 is due right now.
	assert.True(t, start.Add(6*time.Second).Equal(times[1]))
	assert.Equal(t, int32(1), c.peak.Load())

	var warnings []*logrus.Entry

	for _, entry := range hook.AllEntries() {
		if entry.Message == "Skipping past-due fire times" {
			warnings = append(warnings, entry)
		}
	}

	require.Len(t, warnings, 1)
	assert.Equal(t, 4, warnings[0].Data["skipped"])
	assert.True(t, start.Add(2*time.Second).Equal(warnings[0].Data["first_fire"].(time.Time)))
	assert.True(t, start.Add(6*time.Second).Equal(warnings[0].Data["next_fire"].(time.Time)))
}

func TestSkipPastDue_LongOverrun(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	log, hook := test.NewNullLogger()

	s, err := New(log, &config.ScheduleConfig{Expression: "* * * * * * *"}, nil, clock.NewMock())
	require.NoError(t, err)

	// A three hour build on a per-second schedule.
	now := start.Add(3*time.Hour + 500*time.Millisecond)

	resume := s.skipPastDue(start.Add(time.Second), now)
	assert.True(t, start.Add(3*time.Hour+time.Second).Equal(resume), "got %s", resume)

	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, 3*3600, hook.LastEntry().Data["skipped"])
}

func TestRun_ExhaustedSchedule(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	s, err := New(quietLogger(), &config.ScheduleConfig{
		Expression: "0 0 0 1 1 * 2020",
		Revision:   "master",
	}, func(context.Context, string) error {
		t.Fatal("trigger must not run")

		return nil
	}, mock)
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
}

func TestRun_StopsOnCancel(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	s, err := New(quietLogger(), &config.ScheduleConfig{
		Expression: config.DefaultScheduleExpression,
		Revision:   "master",
	}, func(context.Context, string) error { return nil }, mock)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- s.Run(ctx) }()

	waitForState(t, s, StateWaiting)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("scheduler did not stop")
	}

	state, _ := s.State()
	assert.Equal(t, StateIdle, state)
}
