package drm

import (
	"context"
	"time"

	"playguard/internal/license"
)

// Track is a playable content item
type Track struct {
	ID       string        `json:"id" validate:"required"`
	Title    string        `json:"title,omitempty"`
	Artist   string        `json:"artist,omitempty"`
	Duration time.Duration `json:"duration"`
}

// PlaybackController starts playback of a track. It is provided by the host.
type PlaybackController interface {
	Play(ctx context.Context, track Track) error
}

// PlaybackFunc adapts a function to PlaybackController
type PlaybackFunc func(ctx context.Context, track Track) error

// Play implements PlaybackController
func (f PlaybackFunc) Play(ctx context.Context, track Track) error { return f(ctx, track) }

// PlaybackResult is the outcome of a gatekeeper decision
type PlaybackResult struct {
	Success         bool                         `json:"success"`
	CanPlay         bool                         `json:"canPlay"`
	Error           string                       `json:"error,omitempty"`
	Violation       *license.ComplianceViolation `json:"violation,omitempty"`
	License         *license.License             `json:"license,omitempty"`
	RequiresPayment bool                         `json:"requiresPayment,omitempty"`
	RequiresUpgrade bool                         `json:"requiresUpgrade,omitempty"`
	RetryAfter      int                          `json:"retryAfter,omitempty"`
	NearLimit       bool                         `json:"nearLimit,omitempty"`
}

// LicenseManager is the part of license.Manager the gatekeeper uses
type LicenseManager interface {
	Initialize(ctx context.Context) error
	GetLicense(trackID string) (*license.License, bool)
	ValidateLicense(ctx context.Context, trackID string, pctx license.PlaybackContext) (license.ValidationResult, error)
	CheckLicense(trackID string, pctx license.PlaybackContext) (license.ValidationResult, error)
	RequestLicense(ctx context.Context, req license.Request) (*license.Response, error)
	RecordPlay(ctx context.Context, trackID string, ev license.PlayEvent) (license.PlayRecord, error)
}

var _ LicenseManager = (*license.Manager)(nil)

func granted(l *license.License) PlaybackResult {
	return PlaybackResult{Success: true, CanPlay: true, License: l}
}

func blocked(v *license.ComplianceViolation) PlaybackResult {
	return PlaybackResult{Error: v.Description, Violation: v}
}

func denied(resp *license.Response) PlaybackResult {
	return PlaybackResult{
		Error:           resp.Error,
		RequiresPayment: resp.RequiresPayment,
		RequiresUpgrade: resp.RequiresUpgrade,
		RetryAfter:      resp.RetryAfter,
	}
}
