// Package direct implements the plain-transfer fetch path using Colly.
package direct

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/renderfetch/renderfetch/internal/fetch"
	"github.com/renderfetch/renderfetch/internal/useragent"
)

const backoffCap = 5 * time.Second

// Some sites gate on these; mirror what a real browser navigation sends.
var defaultHeaders = map[string]string{
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
	"Accept-Language":           "de-DE,de;q=0.9,en-US;q=0.8,en;q=0.7",
	"Cache-Control":             "no-cache",
	"Pragma":                    "no-cache",
	"Upgrade-Insecure-Requests": "1",
	"Sec-Fetch-Dest":            "document",
	"Sec-Fetch-Mode":            "navigate",
	"Sec-Fetch-Site":            "none",
	"Sec-Fetch-User":            "?1",
}

// Config controls fetcher defaults applied when a request leaves them unset.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	MaxBytes  int
}

// Fetcher streams resources over plain HTTP with a byte cap and bounded
// retries. It implements fetch.DirectFetcher.
type Fetcher struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 * 1024 * 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, logger: logger}
}

// Fetch executes a single GET with retries and exponential backoff. The
// body is capped at the request byte limit; a truncated body is a valid
// partial result, not an error. The final failure propagates to the caller.
func (f *Fetcher) Fetch(ctx context.Context, req fetch.Request) (fetch.Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	maxBytes := req.MaxBytes
	if maxBytes <= 0 {
		maxBytes = f.cfg.MaxBytes
	}
	ua := req.UserAgent
	if ua == "" {
		ua = useragent.Pick(f.cfg.UserAgent)
	}

	transport, err := f.buildTransport(req)
	if err != nil {
		return fetch.Result{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= req.Retries; attempt++ {
		result, err := f.fetchOnce(ctx, req.URL, ua, timeout, maxBytes, transport)
		if err == nil {
			return result, nil
		}
		lastErr = err
		f.logger.Debug("direct fetch attempt failed",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < req.Retries {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return fetch.Result{}, err
			}
		}
	}
	return fetch.Result{}, fmt.Errorf("direct fetch %s: %w", req.URL, lastErr)
}

func (f *Fetcher) fetchOnce(
	ctx context.Context,
	rawURL string,
	userAgent string,
	timeout time.Duration,
	maxBytes int,
	transport http.RoundTripper,
) (fetch.Result, error) {
	// Synchronous collector: colly defaults to Async=false, and in colly
	// v2.1.0 the Async option ignores its argument and always enables
	// async mode, so it must not be passed here.
	collector := colly.NewCollector(
		colly.IgnoreRobotsTxt(),
		colly.MaxBodySize(maxBytes),
	)
	collector.UserAgent = userAgent
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(transport)

	var (
		result   fetch.Result
		got      bool
		fetchErr error
	)
	start := time.Now()

	collector.OnRequest(func(r *colly.Request) {
		for key, value := range defaultHeaders {
			if r.Headers.Get(key) == "" {
				r.Headers.Set(key, value)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		body := r.Body
		if len(body) > maxBytes {
			body = body[:maxBytes]
		}
		result = fetch.Result{
			StatusCode:  r.StatusCode,
			FinalURL:    r.Request.URL.String(),
			Body:        append([]byte(nil), body...),
			ContentType: r.Headers.Get("Content-Type"),
			Duration:    time.Since(start),
		}
		got = true
	})
	collector.OnError(func(r *colly.Response, err error) {
		// Non-2xx responses arrive here with the body intact; they are a
		// valid outcome, not a transport failure.
		if r != nil && r.StatusCode > 0 {
			body := r.Body
			if len(body) > maxBytes {
				body = body[:maxBytes]
			}
			result = fetch.Result{
				StatusCode:  r.StatusCode,
				FinalURL:    r.Request.URL.String(),
				Body:        append([]byte(nil), body...),
				ContentType: r.Headers.Get("Content-Type"),
				Duration:    time.Since(start),
			}
			got = true
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fetch.Result{}, fmt.Errorf("direct fetch canceled: %w", ctx.Err())
	case err := <-done:
		if got {
			return result, nil
		}
		if fetchErr != nil {
			return fetch.Result{}, fmt.Errorf("request failed: %w", fetchErr)
		}
		if err != nil {
			return fetch.Result{}, fmt.Errorf("visit failed: %w", err)
		}
		return fetch.Result{}, fmt.Errorf("no response received")
	}
}

func (f *Fetcher) buildTransport(req fetch.Request) (http.RoundTripper, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if req.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit per-request override
	}
	if req.Proxy != "" {
		proxyURL, err := url.Parse(req.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", req.Proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return transport, nil
}

func sleepBackoff(ctx context.Context, attempt int) error {
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > backoffCap {
		delay = backoffCap
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	}
}
