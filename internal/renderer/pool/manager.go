package pool

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/renderfetch/renderfetch/internal/fetch"
)

// Manager owns one pool per profile so a fetch can pick its own tradeoff
// between speed and completeness without the pools observing each other.
type Manager struct {
	speed    *Pool
	accuracy *Pool
}

// NewManager builds both profile pools from a shared factory and limits.
func NewManager(factory Factory, cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		speed:    NewPool(fetch.ProfileSpeed, factory, cfg, logger),
		accuracy: NewPool(fetch.ProfileAccuracy, factory, cfg, logger),
	}
}

// Get returns the pool for a profile.
func (m *Manager) Get(profile fetch.Profile) (*Pool, error) {
	switch profile {
	case fetch.ProfileSpeed:
		return m.speed, nil
	case fetch.ProfileAccuracy:
		return m.accuracy, nil
	default:
		return nil, fmt.Errorf("unknown render profile %q", profile)
	}
}

// Acquire lends a worker from the pool matching the profile.
func (m *Manager) Acquire(ctx context.Context, profile fetch.Profile, wait time.Duration) (Worker, error) {
	p, err := m.Get(profile)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx, wait)
}

// Release hands a worker back to the pool it came from.
func (m *Manager) Release(w Worker, healthy bool) {
	p, err := m.Get(w.Profile())
	if err != nil {
		w.Close()
		return
	}
	p.Release(w, healthy)
}

// Snapshot reports both pools for the stats surface.
func (m *Manager) Snapshot() []Snapshot {
	return []Snapshot{m.speed.Stats(), m.accuracy.Stats()}
}

// Close tears both pools down concurrently.
func (m *Manager) Close() error {
	var g errgroup.Group
	for _, p := range []*Pool{m.speed, m.accuracy} {
		p := p
		g.Go(func() error {
			p.Close()
			return nil
		})
	}
	return g.Wait()
}
