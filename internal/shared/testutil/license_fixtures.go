package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"playguard/internal/license"
)

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}

// ValidLicense returns an unrestricted streaming license valid for 30 days
func ValidLicense(trackID string) *license.License {
	now := time.Now()
	return &license.License{
		ID:        "lic-" + trackID,
		TrackID:   trackID,
		Type:      license.TypeStreaming,
		Status:    license.StatusValid,
		Provider:  license.ProviderNone,
		IssuedAt:  now.Add(-time.Hour),
		ExpiresAt: Ptr(now.Add(30 * 24 * time.Hour)),
	}
}

// ExpiredLicense returns a license whose expiry passed an hour ago but whose
// status still reads valid
func ExpiredLicense(trackID string) *license.License {
	l := ValidLicense(trackID)
	l.IssuedAt = time.Now().Add(-48 * time.Hour)
	l.ExpiresAt = Ptr(time.Now().Add(-time.Hour))
	return l
}

// RevokedLicense returns a revoked license with an otherwise valid shape
func RevokedLicense(trackID string) *license.License {
	l := ValidLicense(trackID)
	l.Status = license.StatusRevoked
	l.Metadata = map[string]string{
		license.MetaRevocationReason: "fixture",
		license.MetaRevokedAt:        time.Now().UTC().Format(time.RFC3339Nano),
	}
	return l
}

// ExhaustedLicense returns a license with every play used
func ExhaustedLicense(trackID string, maxPlays int) *license.License {
	l := ValidLicense(trackID)
	l.MaxPlays = Ptr(maxPlays)
	l.CurrentPlays = maxPlays
	return l
}

// RestrictedLicense returns a license limited to US, low/high quality,
// device-1 and online playback
func RestrictedLicense(trackID string) *license.License {
	l := ValidLicense(trackID)
	l.RegionRestrictions = []string{"US"}
	l.QualityRestrictions = []license.Quality{license.QualityLow, license.QualityHigh}
	l.DeviceRestrictions = []string{"device-1"}
	l.IsOfflineAllowed = false
	return l
}

// PlaybackContext returns an online US playback context for user-1 on device-1
func PlaybackContext(trackID string) license.PlaybackContext {
	return license.PlaybackContext{
		TrackID:     trackID,
		UserID:      "user-1",
		DeviceID:    "device-1",
		Region:      "US",
		Quality:     license.QualityHigh,
		LicenseType: license.TypeStreaming,
		NetworkType: "wifi",
		SessionID:   "session-1",
	}
}

// LicenseRequest returns a streaming request matching PlaybackContext
func LicenseRequest(trackID string) license.Request {
	return license.RequestFromContext(PlaybackContext(trackID))
}

// StubAuthority is a scriptable license.Authority that counts calls. When
// Gate is set, Request blocks until Gate is closed or ctx ends.
type StubAuthority struct {
	Respond func(ctx context.Context, req license.Request) (*license.Response, error)
	Gate    chan struct{}

	calls    atomic.Int64
	mu       sync.Mutex
	requests []license.Request
}

// GrantingAuthority grants a copy of template for every request. A nil
// template grants an unrestricted streaming license.
func GrantingAuthority(template *license.License) *StubAuthority {
	return &StubAuthority{
		Respond: func(_ context.Context, req license.Request) (*license.Response, error) {
			l := template.Clone()
			if l == nil {
				l = &license.License{Type: license.TypeStreaming}
			}
			l.TrackID = req.TrackID
			return &license.Response{Success: true, License: l}, nil
		},
	}
}

// DenyingAuthority answers every request with resp
func DenyingAuthority(resp license.Response) *StubAuthority {
	return &StubAuthority{
		Respond: func(context.Context, license.Request) (*license.Response, error) {
			r := resp
			return &r, nil
		},
	}
}

// Request implements license.Authority
func (a *StubAuthority) Request(ctx context.Context, req license.Request) (*license.Response, error) {
	a.calls.Add(1)
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()

	if a.Gate != nil {
		select {
		case <-a.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if a.Respond == nil {
		return &license.Response{
			Success: true,
			License: &license.License{TrackID: req.TrackID, Type: license.TypeStreaming},
		}, nil
	}
	return a.Respond(ctx, req)
}

// Calls returns how many times Request was invoked
func (a *StubAuthority) Calls() int {
	return int(a.calls.Load())
}

// Requests returns the requests received so far
func (a *StubAuthority) Requests() []license.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]license.Request, len(a.requests))
	copy(out, a.requests)
	return out
}
