// Package renderer executes a fetch through a headless browser worker,
// spending a fixed time budget across acquisition, navigation, consent
// handling, extraction and retries.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/renderfetch/renderfetch/internal/budget"
	"github.com/renderfetch/renderfetch/internal/fetch"
	"github.com/renderfetch/renderfetch/internal/renderer/pool"
)

// ErrBudgetExhausted means the request's overall deadline ran out before
// a render attempt could complete.
var ErrBudgetExhausted = errors.New("render budget exhausted")

// errSuspectedErrorPage marks a rendered document that reads like an
// error or bot page but whose real status could not be confirmed.
var errSuspectedErrorPage = errors.New("rendered page looks like an error page")

const (
	backoffCap      = 5 * time.Second
	probeTimeout    = 4 * time.Second
	escalationFloor = 3 * time.Second

	// Accuracy renders under this many bytes get one retry on a fresh
	// worker before the thin document is accepted.
	shortContentMin = 1200
)

// RenderError wraps the last failure of a render, keeping the profile
// that was active so callers can tell a speed flake from a hard failure.
type RenderError struct {
	URL     string
	Profile fetch.Profile
	Cause   error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s (%s profile): %v", e.URL, e.Profile, e.Cause)
}

func (e *RenderError) Unwrap() error { return e.Cause }

// WorkerSource lends renderer workers by profile. Satisfied by
// *pool.Manager.
type WorkerSource interface {
	Acquire(ctx context.Context, profile fetch.Profile, wait time.Duration) (pool.Worker, error)
	Release(w pool.Worker, healthy bool)
}

// Config carries the per-profile navigation caps and the bound on
// waiting for a pooled worker.
type Config struct {
	NavTimeoutSpeed    time.Duration
	NavTimeoutAccuracy time.Duration
	AcquireTimeout     time.Duration
}

// Executor renders pages with pooled workers. A disposable factory backs
// the one-shot escalation from a flaky speed render to an accuracy one
// and the retry of suspiciously thin accuracy renders.
type Executor struct {
	pools      WorkerSource
	disposable pool.Factory
	cfg        Config
	logger     *zap.Logger
}

func New(pools WorkerSource, disposable pool.Factory, cfg Config, logger *zap.Logger) *Executor {
	if cfg.NavTimeoutSpeed <= 0 {
		cfg.NavTimeoutSpeed = 8 * time.Second
	}
	if cfg.NavTimeoutAccuracy <= 0 {
		cfg.NavTimeoutAccuracy = 20 * time.Second
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{pools: pools, disposable: disposable, cfg: cfg, logger: logger}
}

// timings are the per-phase bounds of one render attempt. Each is still
// capped by whatever remains of the request budget.
type timings struct {
	nav     time.Duration
	ready   time.Duration
	consent time.Duration
	settle  time.Duration
}

func (e *Executor) timingsFor(profile fetch.Profile) timings {
	if profile == fetch.ProfileAccuracy {
		return timings{
			nav:     e.cfg.NavTimeoutAccuracy,
			ready:   5 * time.Second,
			consent: 2 * time.Second,
			settle:  2 * time.Second,
		}
	}
	return timings{
		nav:     e.cfg.NavTimeoutSpeed,
		ready:   2 * time.Second,
		consent: 250 * time.Millisecond,
		settle:  time.Second,
	}
}

// The speed profile caps retries at one so flaky pages fail over to the
// escalation path instead of burning the budget on identical attempts.
func attemptsFor(profile fetch.Profile, retries int) int {
	if retries < 0 {
		retries = 0
	}
	if profile == fetch.ProfileSpeed && retries > 1 {
		retries = 1
	}
	return retries + 1
}

// Fetch renders the requested URL within req.Timeout. Retries, profile
// escalation and worker waits all draw from that single budget.
func (e *Executor) Fetch(ctx context.Context, req fetch.Request) (fetch.Result, error) {
	profile := req.Profile
	if !profile.Valid() {
		profile = fetch.ProfileSpeed
	}
	b := budget.New(req.Timeout)
	start := time.Now()
	log := e.logger.With(zap.String("url", req.URL), zap.String("profile", string(profile)))

	attempts := attemptsFor(profile, req.Retries)
	escalated := false
	var lastErr error
	var suspect *fetch.Result

	finish := func(res *fetch.Result) (fetch.Result, error) {
		res.Duration = time.Since(start)
		return *res, nil
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := e.backoff(ctx, b, attempt); err != nil {
				lastErr = err
				break
			}
		}
		if !b.Ok() {
			lastErr = ErrBudgetExhausted
			break
		}

		res, err := e.attempt(ctx, b, profile, req)
		if err == nil {
			if retry := e.rescueShortContent(ctx, b, profile, req, res, log); retry != nil {
				res = retry
			}
			return finish(res)
		}
		lastErr = err
		log.Debug("render attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))

		if errors.Is(err, errSuspectedErrorPage) && res != nil {
			suspect = res
		}
		if errors.Is(err, pool.ErrExhausted) {
			break // capacity, not page trouble; retrying cannot help
		}
		if !escalated && e.disposable != nil && profile == fetch.ProfileSpeed &&
			shouldEscalate(err) && b.Remaining() >= escalationFloor {
			escalated = true
			log.Info("escalating to disposable accuracy worker", zap.Error(err))
			dres, derr := e.disposableAttempt(ctx, b, profile.Opposite(), req)
			if derr == nil {
				return finish(dres)
			}
			lastErr = derr
			if errors.Is(derr, errSuspectedErrorPage) && dres != nil {
				suspect = dres
			}
		}
		if suspect != nil {
			// Nothing confirmed the error page. The document rendered and
			// extracted fine, so hand it over instead of failing the fetch.
			log.Debug("error-page suspicion unconfirmed, keeping content")
			return finish(suspect)
		}
	}

	if suspect != nil {
		return finish(suspect)
	}
	return fetch.Result{}, &RenderError{URL: req.URL, Profile: profile, Cause: lastErr}
}

// rescueShortContent retries a suspiciously thin accuracy render once on a
// fresh throwaway worker, which also rotates the user agent. The longer
// document wins; a failed retry never voids the fetch.
func (e *Executor) rescueShortContent(ctx context.Context, b budget.Budget, profile fetch.Profile, req fetch.Request, res *fetch.Result, log *zap.Logger) *fetch.Result {
	if profile != fetch.ProfileAccuracy || e.disposable == nil {
		return nil
	}
	if len(res.Body) >= shortContentMin || b.Remaining() < escalationFloor {
		return nil
	}
	log.Info("retrying short render on a fresh worker", zap.Int("bytes", len(res.Body)))
	retry, err := e.disposableAttempt(ctx, b, profile, req)
	if err != nil || len(retry.Body) <= len(res.Body) {
		return nil
	}
	return retry
}

// shouldEscalate reports whether a failure is one the heavier profile is
// known to fix: a wedged tab process or an unconfirmed error page.
func shouldEscalate(err error) bool {
	return rendererTimedOut(err) || errors.Is(err, errSuspectedErrorPage)
}

// attempt runs one render on a pooled worker. The worker is always
// returned; it is flagged unhealthy when the failure points at the
// browser rather than the page.
func (e *Executor) attempt(ctx context.Context, b budget.Budget, profile fetch.Profile, req fetch.Request) (res *fetch.Result, err error) {
	wait := b.Slice(e.cfg.AcquireTimeout, time.Second)
	if wait == 0 {
		return nil, ErrBudgetExhausted
	}
	w, err := e.pools.Acquire(ctx, profile, wait)
	if err != nil {
		return nil, err
	}

	healthy := true
	defer func() { e.pools.Release(w, healthy) }()

	res, err = e.renderWith(ctx, b, w, req, e.timingsFor(profile))
	if err != nil && workerFault(err) {
		healthy = false
	}
	return res, err
}

// disposableAttempt renders once on a throwaway worker that never
// touches the pools, then destroys it.
func (e *Executor) disposableAttempt(ctx context.Context, b budget.Budget, profile fetch.Profile, req fetch.Request) (*fetch.Result, error) {
	if e.disposable == nil {
		return nil, errors.New("no disposable worker factory configured")
	}
	w, err := e.disposable(profile)
	if err != nil {
		return nil, fmt.Errorf("create disposable worker: %w", err)
	}
	defer w.Close()
	return e.renderWith(ctx, b, w, req, e.timingsFor(profile))
}

// renderWith drives one worker through navigate, readiness, consent
// dismissal, a settle pause and extraction, charging each phase to the
// remaining budget.
func (e *Executor) renderWith(ctx context.Context, b budget.Budget, w pool.Worker, req fetch.Request, t timings) (*fetch.Result, error) {
	navCap := b.Slice(t.nav, 2*time.Second)
	if navCap == 0 {
		return nil, ErrBudgetExhausted
	}
	navCtx, cancel := context.WithTimeout(ctx, navCap)
	err := w.Navigate(navCtx, req.URL)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}

	if readyCap := b.Slice(t.ready, 0); readyCap > 0 {
		readyCtx, cancel := context.WithTimeout(ctx, readyCap)
		// Readiness is best effort; a slow readyState never fails the fetch.
		_ = w.WaitReady(readyCtx)
		cancel()
	}

	if scan := minDuration(t.consent, b.Remaining()); scan > 0 {
		if w.DismissConsent(ctx, scan) {
			e.logger.Debug("consent banner dismissed", zap.String("url", req.URL))
		}
	}

	if settle := minDuration(t.settle, b.Remaining()); settle > 0 {
		if err := sleepCtx(ctx, settle); err != nil {
			return nil, err
		}
	}

	extractCtx, cancel := context.WithTimeout(ctx, maxDuration(b.Remaining(), time.Second))
	html, finalURL, err := w.Extract(extractCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("extract page: %w", err)
	}
	if finalURL == "" {
		finalURL = req.URL
	}

	body := []byte(html)
	if req.MaxBytes > 0 && len(body) > req.MaxBytes {
		body = body[:req.MaxBytes]
	}
	res := &fetch.Result{
		StatusCode:  200,
		FinalURL:    finalURL,
		Body:        body,
		ContentType: "text/html; charset=utf-8",
		Rendered:    true,
	}

	if looksLikeErrorPage(html) {
		code, perr := e.probeStatus(ctx, w)
		if perr == nil && code >= 400 {
			res.StatusCode = code
			return res, nil
		}
		// Unconfirmed suspicion. The extracted document rides along so
		// the caller can still use it once escalation is off the table.
		return res, errSuspectedErrorPage
	}
	return res, nil
}

// probeStatus re-requests the current URL from inside the page to learn
// the status code the navigation never exposed.
func (e *Executor) probeStatus(ctx context.Context, w pool.Worker) (int, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return w.ProbeStatus(probeCtx)
}

// workerFault reports whether the browser itself, not the target page,
// caused the failure.
func workerFault(err error) bool {
	return rendererTimedOut(err) || errors.Is(err, context.DeadlineExceeded)
}

func (e *Executor) backoff(ctx context.Context, b budget.Budget, attempt int) error {
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if d > backoffCap {
		d = backoffCap
	}
	d = minDuration(d, b.Remaining())
	if d <= 0 {
		return ErrBudgetExhausted
	}
	return sleepCtx(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
