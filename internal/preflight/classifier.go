// Package preflight classifies resources with one cheap probe before any
// rendering work is committed.
package preflight

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/renderfetch/renderfetch/internal/fetch"
)

// Strategy labels emitted by the classifier.
type Strategy string

// Terminal labels need no rendering; the JS labels route to the render
// executor; HTTPThenJS is the safe default when signals are ambiguous.
const (
	StrategyPDF            Strategy = "PDF"
	StrategyRSS            Strategy = "RSS"
	StrategyYouTube        Strategy = "YOUTUBE"
	StrategyBlocked        Strategy = "BLOCKED"
	StrategyHTTPOnly       Strategy = "HTTP_ONLY"
	StrategyJSLight        Strategy = "JS_LIGHT"
	StrategyJSLightConsent Strategy = "JS_LIGHT_CONSENT"
	StrategyHTTPThenJS     Strategy = "HTTP_THEN_JS"
)

// Terminal reports whether the label resolves the fetch with the probe's
// own bytes.
func (s Strategy) Terminal() bool {
	switch s {
	case StrategyPDF, StrategyRSS, StrategyYouTube, StrategyBlocked, StrategyHTTPOnly:
		return true
	}
	return false
}

// Feature thresholds. A page with enough visible text and no render
// signals is served straight from the probe.
const (
	textCompleteThreshold = 800
	textShortThreshold    = 500
	// ShortCircuitTextLen lets auto mode skip rendering for HTTP_THEN_JS
	// probes that already carry this much visible text.
	ShortCircuitTextLen = 700
)

const mainContainerSelector = "main, article, #content, #main-content, [role=main], #app, #__next, #root"

var spaMarkers = []string{
	"__next_data__",
	"window.__nuxt__",
	"ng-version",
	"__apollo_state__",
}

var (
	jsRequiredRe = regexp.MustCompile(`(?i)(enable javascript|activate javascript|ohne javascript)`)
	botWallRe    = regexp.MustCompile(`(?i)(captcha|just a moment|attention required|cloudflare)`)

	// The trigger and action words must share a line; matching across
	// the whole document would flag pages that merely mention both.
	consentRe = regexp.MustCompile(`(?i)(consent|cookie|datenschutz).*?(accept|zustimmen|einverstanden)`)
)

// Features holds the structural signals computed from the probe markup.
type Features struct {
	TextLen    int  `json:"text_len"`
	HasMain    bool `json:"has_main"`
	SPAMarker  bool `json:"spa_marker"`
	JSRequired bool `json:"js_required"`
	Consent    bool `json:"consent"`
	BotWall    bool `json:"bot_wall"`
	FeedLink   bool `json:"feed_link"`
	YouTube    bool `json:"youtube"`
}

// Probe bundles the probe fetch outcome with the decision made from it.
type Probe struct {
	Result   fetch.Result
	Strategy Strategy
	Features Features
}

// Classifier decides between the direct and rendered paths.
type Classifier struct {
	fetcher fetch.DirectFetcher
	timeout time.Duration
	logger  *zap.Logger
}

// New builds a Classifier issuing probes through the given fetcher.
func New(fetcher fetch.DirectFetcher, probeTimeout time.Duration, logger *zap.Logger) *Classifier {
	if probeTimeout <= 0 {
		probeTimeout = 12 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{fetcher: fetcher, timeout: probeTimeout, logger: logger}
}

// Classify performs exactly one probe fetch (no retries) and labels the
// resource. A probe that fetches but defies parsing is labeled
// HTTP_THEN_JS rather than failing; only the probe transport error itself
// propagates.
func (c *Classifier) Classify(ctx context.Context, url, userAgent string, maxBytes int) (Probe, error) {
	res, err := c.fetcher.Fetch(ctx, fetch.Request{
		URL:       url,
		Timeout:   c.timeout,
		Retries:   0,
		UserAgent: userAgent,
		MaxBytes:  maxBytes,
	})
	if err != nil {
		return Probe{}, fmt.Errorf("preflight probe: %w", err)
	}

	probe := Probe{Result: res}
	ctype := strings.ToLower(res.ContentType)
	finalLower := strings.ToLower(res.FinalURL)

	// Binary signatures first; no markup to inspect.
	if strings.HasPrefix(ctype, "application/pdf") || strings.HasSuffix(finalLower, ".pdf") {
		probe.Strategy = StrategyPDF
		return probe, nil
	}
	if strings.Contains(ctype, "application/rss") || strings.Contains(ctype, "application/atom+xml") {
		probe.Strategy = StrategyRSS
		return probe, nil
	}

	probe.Features = extractFeatures(res.Body, finalLower)
	probe.Strategy = decide(probe.Features)
	c.logger.Debug("preflight classified",
		zap.String("url", url),
		zap.String("strategy", string(probe.Strategy)),
		zap.Int("text_len", probe.Features.TextLen),
	)
	return probe, nil
}

func extractFeatures(body []byte, finalURLLower string) Features {
	feats := Features{
		YouTube: strings.Contains(finalURLLower, "youtube.com/watch") ||
			strings.Contains(finalURLLower, "youtu.be/"),
	}

	htmlLower := strings.ToLower(string(body))
	feats.JSRequired = jsRequiredRe.MatchString(htmlLower)
	feats.Consent = consentRe.MatchString(htmlLower)
	feats.BotWall = botWallRe.MatchString(htmlLower)
	for _, marker := range spaMarkers {
		if strings.Contains(htmlLower, marker) {
			feats.SPAMarker = true
			break
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		// Unparseable markup leaves the structural signals at their zero
		// values; decide() then lands on the safe default.
		return feats
	}
	feats.TextLen = len(strings.Join(strings.Fields(doc.Text()), " "))
	feats.HasMain = doc.Find(mainContainerSelector).Length() > 0
	feats.FeedLink = doc.Find(`link[type='application/rss+xml'], link[type='application/atom+xml']`).Length() > 0
	return feats
}

// decide applies the fixed first-match-wins policy: never pay for
// rendering when a bot wall will block it anyway, and prefer the direct
// path whenever the page already looks content-complete.
func decide(f Features) Strategy {
	switch {
	case f.BotWall:
		return StrategyBlocked
	case f.YouTube:
		return StrategyYouTube
	case f.FeedLink:
		return StrategyRSS
	case f.TextLen >= textCompleteThreshold && (f.HasMain || !f.SPAMarker) && !f.JSRequired && !f.Consent:
		return StrategyHTTPOnly
	case f.SPAMarker || (f.HasMain && f.TextLen < textShortThreshold) || f.JSRequired || f.Consent:
		if f.Consent {
			return StrategyJSLightConsent
		}
		return StrategyJSLight
	default:
		return StrategyHTTPThenJS
	}
}
