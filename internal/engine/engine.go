// Package engine ties admission, preflight classification and the two
// fetch paths into one entry point.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/renderfetch/renderfetch/internal/admission"
	"github.com/renderfetch/renderfetch/internal/fetch"
	"github.com/renderfetch/renderfetch/internal/metrics"
	"github.com/renderfetch/renderfetch/internal/preflight"
	"github.com/renderfetch/renderfetch/internal/renderer/pool"
)

// ErrInvalidRequest marks requests rejected before admission.
var ErrInvalidRequest = errors.New("invalid fetch request")

// Classifier labels a URL after a single probe fetch.
type Classifier interface {
	Classify(ctx context.Context, url, userAgent string, maxBytes int) (preflight.Probe, error)
}

// HostLimiter spaces outbound requests per origin.
type HostLimiter interface {
	Wait(ctx context.Context, url string) error
}

// PoolStats exposes the renderer pool counters for the stats surface.
type PoolStats interface {
	Snapshot() []pool.Snapshot
}

// Defaults fill the request fields a caller left unset. InsecureTLS set
// here disables certificate verification for every request; per-request
// opt-in still works when it is off.
type Defaults struct {
	Timeout     time.Duration
	Retries     int
	MaxBytes    int
	Profile     fetch.Profile
	InsecureTLS bool
}

// Engine owns one fetch end to end: admission, mode routing, and the
// outcome tuple. Every accepted request produces exactly one result or
// one error.
type Engine struct {
	admit    *admission.Controller
	direct   fetch.DirectFetcher
	renderer fetch.RenderFetcher
	classify Classifier
	limiter  HostLimiter
	pools    PoolStats
	defaults Defaults
	logger   *zap.Logger
}

// Stats aggregates admission and pool counters.
type Stats struct {
	Admission admission.Snapshot `json:"admission"`
	Pools     []pool.Snapshot    `json:"pools"`
}

func New(admit *admission.Controller, direct fetch.DirectFetcher, renderer fetch.RenderFetcher,
	classify Classifier, limiter HostLimiter, pools PoolStats, defaults Defaults, logger *zap.Logger) *Engine {
	if defaults.Timeout <= 0 {
		defaults.Timeout = 120 * time.Second
	}
	if defaults.MaxBytes <= 0 {
		defaults.MaxBytes = 10 << 20
	}
	if !defaults.Profile.Valid() {
		defaults.Profile = fetch.ProfileSpeed
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		admit:    admit,
		direct:   direct,
		renderer: renderer,
		classify: classify,
		limiter:  limiter,
		pools:    pools,
		defaults: defaults,
		logger:   logger,
	}
}

// Fetch runs one request through admission and the chosen path.
func (e *Engine) Fetch(ctx context.Context, req fetch.Request) (fetch.Result, error) {
	req, err := e.prepare(req)
	if err != nil {
		return fetch.Result{}, err
	}

	start := time.Now()
	var res fetch.Result
	err = e.admit.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, req.Timeout+5*time.Second)
		defer cancel()
		var ferr error
		res, ferr = e.dispatch(ctx, req)
		return ferr
	})

	outcome := "ok"
	switch {
	case errors.Is(err, admission.ErrQueueFull) || errors.Is(err, admission.ErrQueueTimeout):
		outcome = "rejected"
	case err != nil:
		outcome = "error"
	}
	metrics.ObserveFetch(string(req.Mode), outcome, time.Since(start), len(res.Body))
	if err != nil {
		return fetch.Result{}, err
	}
	return res, nil
}

// Stats reports the current admission and pool counters.
func (e *Engine) Stats() Stats {
	s := Stats{Admission: e.admit.Stats()}
	if e.pools != nil {
		s.Pools = e.pools.Snapshot()
	}
	return s
}

// prepare validates the URL and fills unset fields from the defaults.
func (e *Engine) prepare(req fetch.Request) (fetch.Request, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return req, fmt.Errorf("%w: url %q must be absolute http(s)", ErrInvalidRequest, req.URL)
	}
	if req.Mode == "" {
		req.Mode = fetch.ModeAuto
	}
	if !req.Mode.Valid() {
		return req, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, req.Mode)
	}
	if req.Profile == "" {
		req.Profile = e.defaults.Profile
	}
	if !req.Profile.Valid() {
		return req, fmt.Errorf("%w: unknown profile %q", ErrInvalidRequest, req.Profile)
	}
	if req.Timeout <= 0 {
		req.Timeout = e.defaults.Timeout
	}
	if req.Retries < 0 {
		req.Retries = e.defaults.Retries
	}
	if req.MaxBytes <= 0 {
		req.MaxBytes = e.defaults.MaxBytes
	}
	if e.defaults.InsecureTLS {
		req.InsecureTLS = true
	}
	if req.Proxy != "" {
		if p, perr := url.Parse(req.Proxy); perr != nil || p.Scheme == "" {
			return req, fmt.Errorf("%w: proxy %q is not a valid url", ErrInvalidRequest, req.Proxy)
		}
	}
	return req, nil
}

func (e *Engine) dispatch(ctx context.Context, req fetch.Request) (fetch.Result, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, req.URL); err != nil {
			return fetch.Result{}, err
		}
	}

	switch req.Mode {
	case fetch.ModeDirect:
		return e.direct.Fetch(ctx, req)
	case fetch.ModeRendered:
		return e.renderer.Fetch(ctx, req)
	default:
		return e.autoFetch(ctx, req)
	}
}

// autoFetch probes first and renders only when the probe says the page
// needs it. A failed probe is not a failed fetch: transport trouble on
// the plain path still leaves the browser path worth trying.
func (e *Engine) autoFetch(ctx context.Context, req fetch.Request) (fetch.Result, error) {
	probe, err := e.classify.Classify(ctx, req.URL, req.UserAgent, req.MaxBytes)
	if err != nil {
		e.logger.Warn("preflight probe failed, rendering instead",
			zap.String("url", req.URL), zap.Error(err))
		return e.renderer.Fetch(ctx, req)
	}

	if probe.Strategy.Terminal() {
		return probe.Result, nil
	}
	if probe.Strategy == preflight.StrategyHTTPThenJS &&
		probe.Features.TextLen >= preflight.ShortCircuitTextLen {
		return probe.Result, nil
	}

	e.logger.Debug("rendering after preflight",
		zap.String("url", req.URL), zap.String("strategy", string(probe.Strategy)))
	return e.renderer.Fetch(ctx, req)
}
