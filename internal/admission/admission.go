// Package admission bounds process-wide concurrent fetches with a bounded
// waiting room.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/renderfetch/renderfetch/internal/metrics"
)

// Rejection signals callers can distinguish with errors.Is. Both are
// expected steady-state outcomes under load, not bugs.
var (
	ErrQueueFull    = errors.New("admission waiting room full")
	ErrQueueTimeout = errors.New("admission queue wait timed out")
)

// Config controls the controller limits.
type Config struct {
	Capacity  int
	MaxQueue  int
	QueueWait time.Duration
}

// Controller grants admission slots to fetches. A request either runs,
// waits in a bounded room, or is rejected; it is never silently dropped.
type Controller struct {
	slots chan struct{}
	cfg   Config

	mu       sync.Mutex
	waiting  int
	inFlight int

	logger *zap.Logger
}

// Snapshot is a read-only view of the admission state.
type Snapshot struct {
	Capacity int `json:"capacity"`
	InFlight int `json:"in_flight"`
	Waiting  int `json:"waiting"`
	MaxQueue int `json:"max_queue"`
}

// New creates a Controller.
func New(cfg Config, logger *zap.Logger) (*Controller, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("admission capacity must be > 0")
	}
	if cfg.MaxQueue < 0 {
		return nil, fmt.Errorf("admission max queue must be >= 0")
	}
	if cfg.QueueWait <= 0 {
		cfg.QueueWait = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		slots:  make(chan struct{}, cfg.Capacity),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Do runs fn while holding an admission slot. If no slot is immediately
// available the request joins the waiting room, unless it is full, in which
// case Do returns ErrQueueFull without blocking. A queued request that does
// not obtain a slot within the configured wait returns ErrQueueTimeout.
// The slot is released even if fn panics.
func (c *Controller) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case c.slots <- struct{}{}:
	default:
		if err := c.waitForSlot(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.inFlight++
	c.publishLocked()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.publishLocked()
		c.mu.Unlock()
		<-c.slots
	}()

	return fn(ctx)
}

// waitForSlot parks the request in the waiting room. The room counter is
// only mutated outside the blocking acquire, which is what keeps the
// full-check and the slot wait deadlock-free.
func (c *Controller) waitForSlot(ctx context.Context) error {
	c.mu.Lock()
	if c.waiting >= c.cfg.MaxQueue {
		c.mu.Unlock()
		metrics.ObserveAdmissionReject("queue_full")
		return fmt.Errorf("%w: %d already waiting", ErrQueueFull, c.cfg.MaxQueue)
	}
	c.waiting++
	c.publishLocked()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.waiting--
		c.publishLocked()
		c.mu.Unlock()
	}()

	timer := time.NewTimer(c.cfg.QueueWait)
	defer timer.Stop()

	select {
	case c.slots <- struct{}{}:
		return nil
	case <-timer.C:
		metrics.ObserveAdmissionReject("queue_timeout")
		return fmt.Errorf("%w after %s", ErrQueueTimeout, c.cfg.QueueWait)
	case <-ctx.Done():
		return fmt.Errorf("admission wait canceled: %w", ctx.Err())
	}
}

// Stats returns the current admission counters.
func (c *Controller) Stats() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Capacity: c.cfg.Capacity,
		InFlight: c.inFlight,
		Waiting:  c.waiting,
		MaxQueue: c.cfg.MaxQueue,
	}
}

func (c *Controller) publishLocked() {
	metrics.SetAdmission(c.inFlight, c.waiting)
}
