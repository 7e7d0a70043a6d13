package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/shipbot/internal/logging"
	"github.com/soyeahso/shipbot/internal/metrics"
	"github.com/soyeahso/shipbot/internal/orchestrator"
)

type fakeSessions struct {
	evicted int64
	active  int
	ttl     time.Duration
	err     error
}

func (f *fakeSessions) EvictIdle(_ context.Context, ttl time.Duration) (int64, error) {
	f.ttl = ttl
	return f.evicted, f.err
}

func (f *fakeSessions) Count(context.Context) (int, error) { return f.active, nil }

type fakeReconciler struct{ runs atomic.Int32 }

func (f *fakeReconciler) Reconcile(context.Context) (orchestrator.ReconcileReport, error) {
	f.runs.Add(1)
	return orchestrator.ReconcileReport{}, nil
}

type fakePruner struct{ calls int }

func (f *fakePruner) Prune() int { f.calls++; return 2 }

func testLogger() *logging.Logger { return logging.New(nil, "silent") }

func TestSweep(t *testing.T) {
	sessions := &fakeSessions{evicted: 3, active: 7}
	cache := &fakePruner{}
	m := metrics.New()
	s := New(Jobs{Sessions: sessions, TTL: 15 * time.Minute, RateCache: cache, Metrics: m}, testLogger())

	require.NoError(t, s.Sweep(context.Background()))
	assert.Equal(t, 15*time.Minute, sessions.ttl)
	assert.Equal(t, 1, cache.calls)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EvictedSessions))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.ActiveSessions))
}

func TestSweep_Error(t *testing.T) {
	s := New(Jobs{Sessions: &fakeSessions{err: errors.New("db locked")}}, testLogger())
	assert.Error(t, s.Sweep(context.Background()))
}

func TestSchedule_InvalidSpec(t *testing.T) {
	s := New(Jobs{Sessions: &fakeSessions{}}, testLogger())
	err := s.Schedule("every minute", "@every 2m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sweep")
}

func TestSchedule_SkipsMissingJobs(t *testing.T) {
	s := New(Jobs{}, testLogger())
	require.NoError(t, s.Schedule("not a spec", "not a spec"))
	assert.Empty(t, s.cron.Entries())
}

func TestParser_AcceptsDescriptorsAndFields(t *testing.T) {
	for _, spec := range []string{"@every 1m", "@hourly", "*/5 * * * *"} {
		_, err := Parser.Parse(spec)
		assert.NoError(t, err, spec)
	}
}

func TestRun_RunsJobs(t *testing.T) {
	rec := &fakeReconciler{}
	s := New(Jobs{Reconciler: rec}, testLogger())
	require.NoError(t, s.Schedule("", "@every 1s"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return rec.runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
