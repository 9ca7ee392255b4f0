// Package fetch defines core types shared across subsystems.
package fetch

import (
	"context"
	"time"
)

// Mode selects how a document is retrieved.
type Mode string

// Retrieval modes accepted by the engine.
const (
	ModeDirect   Mode = "direct"
	ModeRendered Mode = "rendered"
	ModeAuto     Mode = "auto"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeDirect, ModeRendered, ModeAuto:
		return true
	}
	return false
}

// Profile selects the page-load behavior of a renderer worker.
// Speed favors latency, accuracy favors completeness. A worker is
// created for one profile and never migrates.
type Profile string

// Renderer profiles.
const (
	ProfileSpeed    Profile = "speed"
	ProfileAccuracy Profile = "accuracy"
)

// Valid reports whether p is a known profile.
func (p Profile) Valid() bool {
	return p == ProfileSpeed || p == ProfileAccuracy
}

// Opposite returns the other profile, used for cross-profile escalation.
func (p Profile) Opposite() Profile {
	if p == ProfileSpeed {
		return ProfileAccuracy
	}
	return ProfileSpeed
}

// Request captures everything needed to fetch one document.
type Request struct {
	URL         string
	Mode        Mode
	Profile     Profile
	Timeout     time.Duration
	Retries     int
	Proxy       string
	UserAgent   string
	MaxBytes    int
	InsecureTLS bool
}

// Result is the outcome tuple produced exactly once per accepted request.
// Body is truncated to the request byte cap, never grown past it.
type Result struct {
	StatusCode  int
	FinalURL    string
	Body        []byte
	ContentType string
	Rendered    bool
	Duration    time.Duration
}

// DirectFetcher streams a resource over a plain connection.
type DirectFetcher interface {
	Fetch(ctx context.Context, req Request) (Result, error)
}

// RenderFetcher drives a browser worker to produce a rendered document.
type RenderFetcher interface {
	Fetch(ctx context.Context, req Request) (Result, error)
}

// Converter turns fetched bytes into a text representation. Conversion
// lives outside this module; the engine only hands over the outcome tuple.
type Converter interface {
	Convert(ctx context.Context, body []byte, contentType, sourceURL string) (string, error)
}
