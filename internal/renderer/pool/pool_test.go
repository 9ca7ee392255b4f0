package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/renderfetch/renderfetch/internal/fetch"
)

type fakeWorker struct {
	profile fetch.Profile
	closed  atomic.Bool
	pingErr error
}

func (w *fakeWorker) Profile() fetch.Profile                             { return w.profile }
func (w *fakeWorker) Navigate(context.Context, string) error             { return nil }
func (w *fakeWorker) WaitReady(context.Context) error                    { return nil }
func (w *fakeWorker) DismissConsent(context.Context, time.Duration) bool { return false }
func (w *fakeWorker) Extract(context.Context) (string, string, error)    { return "", "", nil }
func (w *fakeWorker) ProbeStatus(context.Context) (int, error)           { return 0, nil }
func (w *fakeWorker) Ping(context.Context) error                         { return w.pingErr }
func (w *fakeWorker) Close()                                             { w.closed.Store(true) }

type fakeFactory struct {
	created atomic.Int32
	failAt  int32 // creation ordinal that fails, 0 = never
	pingErr error
}

func (f *fakeFactory) new(profile fetch.Profile) (Worker, error) {
	n := f.created.Add(1)
	if f.failAt != 0 && n == f.failAt {
		return nil, errors.New("browser launch failed")
	}
	return &fakeWorker{profile: profile, pingErr: f.pingErr}, nil
}

func requireInvariant(t *testing.T, p *Pool) {
	t.Helper()
	s := p.Stats()
	require.Equal(t, s.Target, s.Idle+s.InUse,
		"idle (%d) + in-use (%d) must equal target (%d)", s.Idle, s.InUse, s.Target)
}

func newTestPool(t *testing.T, f *fakeFactory, cfg Config) *Pool {
	t.Helper()
	p := NewPool(fetch.ProfileSpeed, f.new, cfg, zap.NewNop())
	t.Cleanup(p.Close)
	return p
}

func TestPoolInitializesToFloor(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{}
	p := newTestPool(t, f, Config{Floor: 2, Ceiling: 6, ScaleThreshold: 0.8})

	w, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer p.Release(w, true)

	s := p.Stats()
	require.Equal(t, 2, s.Target)
	require.Equal(t, 1, s.InUse)
	require.Equal(t, 1, s.Idle)
	require.EqualValues(t, 2, f.created.Load())
	requireInvariant(t, p)
}

// With the whole floor lent out and utilization at 100%, the next acquire
// grows the pool instead of queueing.
func TestPoolScalesUpUnderPressure(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{}
	p := newTestPool(t, f, Config{Floor: 2, Ceiling: 6, ScaleThreshold: 0.8})

	ctx := context.Background()
	w1, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	w2, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, p.Stats().Target)

	// Third concurrent request: pool grows to 3, no queueing.
	w3, err := p.Acquire(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 3, p.Stats().Target)
	require.Equal(t, 3, p.Stats().InUse)
	requireInvariant(t, p)

	p.Release(w1, true)
	p.Release(w2, true)
	p.Release(w3, true)
	requireInvariant(t, p)
}

func TestPoolRespectsCeiling(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{}
	p := newTestPool(t, f, Config{Floor: 1, Ceiling: 1, ScaleThreshold: 0.8})

	w, err := p.Acquire(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	defer p.Release(w, true)

	_, err = p.Acquire(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, 1, p.Stats().Target)
}

// When the regular scale-up fails, an acquire that times out on an empty
// pool makes one emergency growth attempt before giving up.
func TestPoolEmergencyScale(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{failAt: 2} // floor creation = 1, scale-up attempt = 2
	p := newTestPool(t, f, Config{Floor: 1, Ceiling: 3, ScaleThreshold: 0.8})

	ctx := context.Background()
	w1, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	defer p.Release(w1, true)

	// Scale-up (creation #2) fails, the wait drains empty, and the
	// emergency path (creation #3) supplies a worker.
	w2, err := p.Acquire(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	defer p.Release(w2, true)

	require.Equal(t, 2, p.Stats().Target)
	require.EqualValues(t, 3, f.created.Load())
	requireInvariant(t, p)
}

func TestPoolScalesDownWhenIdle(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{}
	p := newTestPool(t, f, Config{Floor: 2, Ceiling: 6, ScaleThreshold: 0.8})

	ctx := context.Background()
	var workers []Worker
	for i := 0; i < 4; i++ {
		w, err := p.Acquire(ctx, time.Second)
		require.NoError(t, err)
		workers = append(workers, w)
	}
	require.Equal(t, 4, p.Stats().Target)

	for _, w := range workers {
		p.Release(w, true)
	}

	s := p.Stats()
	require.Equal(t, 2, s.Target, "idle pool should shrink back to the floor")
	require.Equal(t, 0, s.InUse)
	requireInvariant(t, p)
}

func TestPoolNeverShrinksBelowFloor(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{}
	p := newTestPool(t, f, Config{Floor: 2, Ceiling: 6, ScaleThreshold: 0.8})

	w, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	p.Release(w, true)

	require.Equal(t, 2, p.Stats().Target)
}

func TestPoolReplacesUnhealthyWorker(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{}
	p := newTestPool(t, f, Config{Floor: 1, Ceiling: 2, ScaleThreshold: 0.8})

	w, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	p.Release(w, false)

	require.True(t, w.(*fakeWorker).closed.Load())
	require.EqualValues(t, 2, f.created.Load(), "a replacement must be created")
	require.Equal(t, 1, p.Stats().Target)
	requireInvariant(t, p)
}

func TestPoolReplacesWorkerFailingLivenessProbe(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{pingErr: errors.New("renderer gone")}
	p := newTestPool(t, f, Config{Floor: 1, Ceiling: 2, ScaleThreshold: 0.8})

	w, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	p.Release(w, true) // caller saw no error, but the probe fails

	require.True(t, w.(*fakeWorker).closed.Load())
	require.EqualValues(t, 2, f.created.Load())
	requireInvariant(t, p)
}

func TestPoolShrinksWhenReplacementFails(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{failAt: 2}
	p := newTestPool(t, f, Config{Floor: 1, Ceiling: 2, ScaleThreshold: 0.8})

	w, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	p.Release(w, false)

	require.Equal(t, 0, p.Stats().Target)
	requireInvariant(t, p)
}

// A canceled acquire surfaces the cancellation itself and never triggers
// emergency growth on the caller's behalf.
func TestPoolAcquireHonorsContext(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{failAt: 2} // regular scale-up cannot mask the cancel
	p := newTestPool(t, f, Config{Floor: 1, Ceiling: 3, ScaleThreshold: 0.8})

	w, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer p.Release(w, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrExhausted)
	require.EqualValues(t, 2, f.created.Load(), "no emergency worker for a canceled caller")
}

func TestPoolCloseDestroysLateReleasedWorker(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{}
	p := newTestPool(t, f, Config{Floor: 1, Ceiling: 2, ScaleThreshold: 0.8})

	w, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	p.Close()
	p.Release(w, true)

	require.True(t, w.(*fakeWorker).closed.Load())
	require.Equal(t, 0, p.Stats().Idle)
}

func TestManagerKeepsProfilesSeparate(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{}
	m := NewManager(f.new, Config{Floor: 1, Ceiling: 2, ScaleThreshold: 0.8}, zap.NewNop())
	defer m.Close()

	sp, err := m.Get(fetch.ProfileSpeed)
	require.NoError(t, err)
	ap, err := m.Get(fetch.ProfileAccuracy)
	require.NoError(t, err)

	w, err := sp.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, fetch.ProfileSpeed, w.Profile())
	sp.Release(w, true)

	require.Equal(t, 0, ap.Stats().Target, "accuracy pool stays empty until used")

	snaps := m.Snapshot()
	require.Len(t, snaps, 2)

	_, err = m.Get(fetch.Profile("bogus"))
	require.Error(t, err)
}
