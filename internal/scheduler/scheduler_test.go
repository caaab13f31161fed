package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndTrigger(t *testing.T) {
	s := New(zerolog.Nop())

	var runs atomic.Int64
	job := FuncJob{JobName: "wal_checkpoint", Fn: func() error {
		runs.Add(1)
		return nil
	}}
	require.NoError(t, s.Register("0 0 * * * *", job))

	assert.Contains(t, s.JobNames(), "wal_checkpoint")
	require.NoError(t, s.Trigger("wal_checkpoint"))
	assert.Equal(t, int64(1), runs.Load())

	assert.Error(t, s.Trigger("missing"))
}

func TestRegisterRejectsBadSpec(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.Register("not-a-cron-spec", FuncJob{JobName: "x", Fn: func() error { return nil }})
	assert.Error(t, err)
}

func TestTriggerPropagatesJobError(t *testing.T) {
	s := New(zerolog.Nop())
	boom := errors.New("boom")
	require.NoError(t, s.Register("0 * * * * *", FuncJob{JobName: "failing", Fn: func() error { return boom }}))
	assert.ErrorIs(t, s.Trigger("failing"), boom)
}

type fakeReconciler struct{ calls atomic.Int64 }

func (f *fakeReconciler) Reconcile(context.Context) { f.calls.Add(1) }

func TestReconcileJob(t *testing.T) {
	rec := &fakeReconciler{}
	job := ReconcileJob{Gateway: rec}
	assert.Equal(t, "order_reconcile", job.Name())
	require.NoError(t, job.Run())
	assert.Equal(t, int64(1), rec.calls.Load())
}

type fakeStaleSource struct{ feeds []string }

func (f fakeStaleSource) StaleFeeds() []string { return f.feeds }

func TestStaleScanJob(t *testing.T) {
	job := StaleScanJob{Market: fakeStaleSource{feeds: []string{"synthetic/AAPL/1m"}}, Log: zerolog.Nop()}
	assert.Equal(t, "stale_feed_scan", job.Name())
	assert.NoError(t, job.Run())
}

func TestStartStop(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.Register("0 0 * * * *", FuncJob{JobName: "noop", Fn: func() error { return nil }}))
	s.Start()
	s.Stop()
}
