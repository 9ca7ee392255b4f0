// Package pool manages dynamically sized sets of long-lived renderer
// workers, one pool per profile.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/renderfetch/renderfetch/internal/fetch"
	"github.com/renderfetch/renderfetch/internal/metrics"
)

// ErrExhausted is returned when no worker could be acquired even after an
// emergency scale attempt. Callers surface it as a capacity error and do
// not retry further.
var ErrExhausted = errors.New("renderer pool exhausted")

// Scale-down fires when the pool is demonstrably over-provisioned at the
// moment work completes: most workers idle, few lent out.
const (
	scaleDownIdleRatio  = 0.7
	scaleDownInUseRatio = 0.3

	emergencyWait = 5 * time.Second
	pingTimeout   = 3 * time.Second
)

// Worker is an owned handle to one renderer process. A worker is lent to
// exactly one in-flight fetch at a time and never migrates between pools.
type Worker interface {
	Profile() fetch.Profile
	Navigate(ctx context.Context, url string) error
	WaitReady(ctx context.Context) error
	DismissConsent(ctx context.Context, maxScan time.Duration) bool
	Extract(ctx context.Context) (html string, finalURL string, err error)
	ProbeStatus(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close()
}

// Factory creates a fresh worker bound to a profile.
type Factory func(profile fetch.Profile) (Worker, error)

// Config bounds one pool.
type Config struct {
	Floor          int
	Ceiling        int
	ScaleThreshold float64
}

// Pool owns the workers of one profile. The idle set is a buffered
// channel; the size counters live under their own lock so queue waits
// never block the reads used for scaling decisions. All scaling mutations
// go through a single serialized critical section.
type Pool struct {
	profile fetch.Profile
	factory Factory
	cfg     Config
	logger  *zap.Logger

	idle chan Worker

	mu     sync.Mutex // guards target, inUse, closed
	target int
	inUse  int
	closed bool

	scaleMu sync.Mutex // serializes scale-up/-down/emergency

	initOnce sync.Once
	initErr  error
}

// Snapshot is a read-only view of one pool's counters.
type Snapshot struct {
	Profile fetch.Profile `json:"profile"`
	Target  int           `json:"target_size"`
	InUse   int           `json:"in_use"`
	Idle    int           `json:"idle"`
}

// NewPool creates an empty pool; workers are created lazily on first use.
func NewPool(profile fetch.Profile, factory Factory, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Floor <= 0 {
		cfg.Floor = 1
	}
	if cfg.Ceiling < cfg.Floor {
		cfg.Ceiling = cfg.Floor
	}
	if cfg.ScaleThreshold <= 0 || cfg.ScaleThreshold > 1 {
		cfg.ScaleThreshold = 0.8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		profile: profile,
		factory: factory,
		cfg:     cfg,
		logger:  logger.With(zap.String("profile", string(profile))),
		idle:    make(chan Worker, cfg.Ceiling),
	}
}

// Acquire lends a worker, waiting up to the given bound. When the wait
// expires with the pool empty, one emergency growth attempt is made and
// the wait retried briefly before failing with ErrExhausted. A canceled
// caller gets its context error back instead.
func (p *Pool) Acquire(ctx context.Context, wait time.Duration) (Worker, error) {
	if err := p.init(); err != nil {
		return nil, err
	}
	p.maybeScaleUp()

	w, err := p.waitIdle(ctx, wait)
	if err != nil {
		// A canceled caller is not capacity pressure; do not grow for it.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if p.emergencyScale() {
			if w, err = p.waitIdle(ctx, emergencyWait); err == nil {
				p.lend()
				return w, nil
			}
		}
		p.mu.Lock()
		size := p.target
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: no %s worker within %s at size %d", ErrExhausted, p.profile, wait, size)
	}
	p.lend()
	return w, nil
}

// Release returns a worker after one fetch. Unhealthy workers (reported
// by the caller or failing the liveness probe) are destroyed and replaced
// so the target size is preserved. Shrinking happens opportunistically
// here, never on a timer.
func (p *Pool) Release(w Worker, healthy bool) {
	p.mu.Lock()
	if p.inUse > 0 {
		p.inUse--
	}
	closed := p.closed
	p.publishLocked()
	p.mu.Unlock()

	if closed {
		w.Close()
		return
	}

	if !healthy || p.ping(w) != nil {
		w.Close()
		p.replace()
	} else if !p.requeue(w) {
		w.Close()
		return
	}

	p.maybeScaleDown()
}

// requeue pushes a worker back to the idle set unless the pool closed
// while it was lent out. Holding the lock keeps the push ordered against
// Close's drain, so no worker slips back in after shutdown.
func (p *Pool) requeue(w Worker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.idle <- w
	return true
}

// Stats returns the pool counters. At any quiescent point
// idle + inUse == target.
func (p *Pool) Stats() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Profile: p.profile,
		Target:  p.target,
		InUse:   p.inUse,
		Idle:    len(p.idle),
	}
}

// Close destroys all idle workers and marks the pool closed. Workers
// still lent out are destroyed when released.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true

	for {
		select {
		case w := <-p.idle:
			w.Close()
		default:
			return
		}
	}
}

// init populates the pool to its floor on first use.
func (p *Pool) init() error {
	p.initOnce.Do(func() {
		p.scaleMu.Lock()
		defer p.scaleMu.Unlock()
		for i := 0; i < p.cfg.Floor; i++ {
			w, err := p.factory(p.profile)
			if err != nil {
				p.initErr = fmt.Errorf("populate %s pool: %w", p.profile, err)
				return
			}
			p.idle <- w
			p.mu.Lock()
			p.target++
			p.publishLocked()
			p.mu.Unlock()
		}
		p.logger.Info("pool initialized", zap.Int("floor", p.cfg.Floor))
	})
	return p.initErr
}

func (p *Pool) waitIdle(ctx context.Context, wait time.Duration) (Worker, error) {
	select {
	case w := <-p.idle:
		return w, nil
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case w := <-p.idle:
		return w, nil
	case <-timer.C:
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) lend() {
	p.mu.Lock()
	p.inUse++
	p.publishLocked()
	p.mu.Unlock()
}

// maybeScaleUp grows the pool by one worker when utilization crosses the
// threshold with (almost) nothing idle. Serialized so two callers cannot
// race to over-provision.
func (p *Pool) maybeScaleUp() {
	p.scaleMu.Lock()
	defer p.scaleMu.Unlock()

	p.mu.Lock()
	target, inUse := p.target, p.inUse
	p.mu.Unlock()
	idle := len(p.idle)

	if target == 0 || target >= p.cfg.Ceiling {
		return
	}
	if float64(inUse)/float64(target) < p.cfg.ScaleThreshold || idle > 1 {
		return
	}

	w, err := p.factory(p.profile)
	if err != nil {
		p.logger.Warn("scale-up worker creation failed", zap.Error(err))
		return
	}
	p.idle <- w
	p.mu.Lock()
	p.target++
	size := p.target
	p.publishLocked()
	p.mu.Unlock()
	metrics.ObservePoolScale(string(p.profile), "up")
	p.logger.Info("pool scaled up", zap.Int("target", size), zap.Int("in_use", inUse))
}

// emergencyScale grows past the normal trigger ratio after an acquire
// timeout, still bounded by the ceiling.
func (p *Pool) emergencyScale() bool {
	p.scaleMu.Lock()
	defer p.scaleMu.Unlock()

	p.mu.Lock()
	target := p.target
	p.mu.Unlock()
	if target >= p.cfg.Ceiling {
		return false
	}

	w, err := p.factory(p.profile)
	if err != nil {
		p.logger.Warn("emergency scale failed", zap.Error(err))
		return false
	}
	p.idle <- w
	p.mu.Lock()
	p.target++
	size := p.target
	p.publishLocked()
	p.mu.Unlock()
	metrics.ObservePoolScale(string(p.profile), "emergency")
	p.logger.Warn("pool emergency scaled", zap.Int("target", size))
	return true
}

func (p *Pool) maybeScaleDown() {
	p.scaleMu.Lock()
	defer p.scaleMu.Unlock()

	p.mu.Lock()
	target, inUse := p.target, p.inUse
	p.mu.Unlock()
	idle := len(p.idle)

	if target <= p.cfg.Floor {
		return
	}
	if float64(idle) <= scaleDownIdleRatio*float64(target) ||
		float64(inUse) >= scaleDownInUseRatio*float64(target) {
		return
	}

	select {
	case w := <-p.idle:
		w.Close()
		p.mu.Lock()
		p.target--
		size := p.target
		p.publishLocked()
		p.mu.Unlock()
		metrics.ObservePoolScale(string(p.profile), "down")
		p.logger.Info("pool scaled down", zap.Int("target", size))
	default:
		// Nothing idle after all; leave the size alone.
	}
}

// replace creates a fresh worker after a liveness failure, preserving the
// target size. If creation fails the pool shrinks instead of carrying a
// phantom slot.
func (p *Pool) replace() {
	metrics.ObserveWorkerReplaced(string(p.profile))
	w, err := p.factory(p.profile)
	if err != nil {
		p.mu.Lock()
		if p.target > 0 {
			p.target--
		}
		size := p.target
		p.publishLocked()
		p.mu.Unlock()
		p.logger.Warn("worker replacement failed, pool shrunk",
			zap.Int("target", size), zap.Error(err))
		return
	}
	if !p.requeue(w) {
		w.Close()
		return
	}
	p.logger.Debug("unhealthy worker replaced")
}

// ping asks the worker whether its renderer is still responsive.
// Failure means the worker is discarded; it never aborts a fetch.
func (p *Pool) ping(w Worker) error {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	return w.Ping(ctx)
}

func (p *Pool) publishLocked() {
	metrics.SetPool(string(p.profile), p.target, p.inUse)
}
