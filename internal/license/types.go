package license

import (
	"maps"
	"slices"
	"time"
)

// Type is the kind of usage a license grants
type Type string

const (
	TypeStreaming Type = "streaming"
	TypeDownload  Type = "download"
	TypePreview   Type = "preview"
	TypeOffline   Type = "offline"
	TypePremium   Type = "premium"
)

// Status is the lifecycle state of a license
type Status string

const (
	StatusPending Status = "pending"
	StatusValid   Status = "valid"
	StatusExpired Status = "expired"
	StatusInvalid Status = "invalid"
	StatusRevoked Status = "revoked"
)

// Provider names the protection technology a license is bound to
type Provider string

const (
	ProviderNone      Provider = "none"
	ProviderWidevine  Provider = "widevine"
	ProviderFairPlay  Provider = "fairplay"
	ProviderPlayReady Provider = "playready"
)

// Quality is a playback quality tier
type Quality string

const (
	QualityLow      Quality = "low"
	QualityMedium   Quality = "medium"
	QualityHigh     Quality = "high"
	QualityLossless Quality = "lossless"
)

// Metadata keys stamped by RevokeLicense
const (
	MetaRevocationReason = "revocationReason"
	MetaRevokedAt        = "revokedAt"
)

// License is the authorization record for one track
type License struct {
	ID                  string            `json:"id"`
	TrackID             string            `json:"trackId"`
	Type                Type              `json:"type"`
	Status              Status            `json:"status"`
	Provider            Provider          `json:"provider"`
	IssuedAt            time.Time         `json:"issuedAt"`
	ExpiresAt           *time.Time        `json:"expiresAt,omitempty"`
	MaxPlays            *int              `json:"maxPlays,omitempty"`
	CurrentPlays        int               `json:"currentPlays"`
	IsOfflineAllowed    bool              `json:"isOfflineAllowed"`
	IsSharingAllowed    bool              `json:"isSharingAllowed"`
	IsRecordingAllowed  bool              `json:"isRecordingAllowed"`
	QualityRestrictions []Quality         `json:"qualityRestrictions,omitempty"`
	RegionRestrictions  []string          `json:"regionRestrictions,omitempty"`
	DeviceRestrictions  []string          `json:"deviceRestrictions,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the license
func (l *License) Clone() *License {
	if l == nil {
		return nil
	}
	c := *l
	if l.ExpiresAt != nil {
		t := *l.ExpiresAt
		c.ExpiresAt = &t
	}
	if l.MaxPlays != nil {
		n := *l.MaxPlays
		c.MaxPlays = &n
	}
	c.QualityRestrictions = slices.Clone(l.QualityRestrictions)
	c.RegionRestrictions = slices.Clone(l.RegionRestrictions)
	c.DeviceRestrictions = slices.Clone(l.DeviceRestrictions)
	c.Metadata = maps.Clone(l.Metadata)
	return &c
}

// IsExpiredAt reports whether the license has a past expiry at now
func (l *License) IsExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// RemainingPlays returns the plays left, or -1 when the license is uncapped
func (l *License) RemainingPlays() int {
	if l.MaxPlays == nil {
		return -1
	}
	return max(*l.MaxPlays-l.CurrentPlays, 0)
}

// ViolationType classifies a compliance failure
type ViolationType string

const (
	ViolationLicenseExpired      ViolationType = "license_expired"
	ViolationMaxPlaysExceeded    ViolationType = "max_plays_exceeded"
	ViolationRegionBlocked       ViolationType = "region_blocked"
	ViolationDeviceNotAuthorized ViolationType = "device_not_authorized"
	ViolationQualityNotAllowed   ViolationType = "quality_not_allowed"
	ViolationOfflineNotAllowed   ViolationType = "offline_not_allowed"
	ViolationSharing             ViolationType = "sharing_violation"
	ViolationRecording           ViolationType = "recording_violation"
)

// Severity ranks a violation
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ComplianceViolation is an immutable audit record of a failed validation
type ComplianceViolation struct {
	ID          string                 `json:"id"`
	Type        ViolationType          `json:"type"`
	Severity    Severity               `json:"severity"`
	TrackID     string                 `json:"trackId"`
	UserID      string                 `json:"userId"`
	DeviceID    string                 `json:"deviceId"`
	Timestamp   time.Time              `json:"timestamp"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// PlaybackContext describes the conditions of one playback or download attempt
type PlaybackContext struct {
	TrackID     string  `json:"trackId"`
	UserID      string  `json:"userId"`
	DeviceID    string  `json:"deviceId"`
	Region      string  `json:"region,omitempty"`
	Quality     Quality `json:"quality,omitempty"`
	IsOffline   bool    `json:"isOffline"`
	LicenseType Type    `json:"licenseType,omitempty"`
	NetworkType string  `json:"networkType,omitempty"`
	SessionID   string  `json:"sessionId,omitempty"`
}

// Request is the logical license request sent to the authority
type Request struct {
	TrackID          string            `json:"trackId" validate:"required"`
	LicenseType      Type              `json:"licenseType,omitempty" validate:"omitempty,oneof=streaming download preview offline premium"`
	DeviceID         string            `json:"deviceId" validate:"required"`
	UserID           string            `json:"userId" validate:"required"`
	Region           string            `json:"region,omitempty"`
	Quality          Quality           `json:"quality,omitempty" validate:"omitempty,oneof=low medium high lossless"`
	OfflineRequested bool              `json:"offlineRequested"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// RequestFromContext builds an authority request for a playback context
func RequestFromContext(pctx PlaybackContext) Request {
	licenseType := pctx.LicenseType
	if licenseType == "" {
		licenseType = TypeStreaming
	}
	return Request{
		TrackID:          pctx.TrackID,
		LicenseType:      licenseType,
		DeviceID:         pctx.DeviceID,
		UserID:           pctx.UserID,
		Region:           pctx.Region,
		Quality:          pctx.Quality,
		OfflineRequested: pctx.IsOffline,
	}
}

// playbackContext is the context a request would be played under
func (r Request) playbackContext() PlaybackContext {
	return PlaybackContext{
		TrackID:     r.TrackID,
		UserID:      r.UserID,
		DeviceID:    r.DeviceID,
		Region:      r.Region,
		Quality:     r.Quality,
		IsOffline:   r.OfflineRequested,
		LicenseType: r.LicenseType,
	}
}

// Response is the outcome of a license request. Denials carry Error and
// optionally the payment, upgrade and retry hints.
type Response struct {
	Success         bool     `json:"success"`
	License         *License `json:"license,omitempty"`
	Error           string   `json:"error,omitempty"`
	RetryAfter      int      `json:"retryAfter,omitempty"` // seconds
	RequiresPayment bool     `json:"requiresPayment,omitempty"`
	RequiresUpgrade bool     `json:"requiresUpgrade,omitempty"`
}

func (r *Response) clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.License = r.License.Clone()
	return &c
}

// ValidationResult is the outcome of ValidateLicense
type ValidationResult struct {
	Valid     bool                 `json:"valid"`
	Violation *ComplianceViolation `json:"violation,omitempty"`
}

// PlayEvent describes a completed play
type PlayEvent struct {
	UserID    string        `json:"userId,omitempty"`
	DeviceID  string        `json:"deviceId,omitempty"`
	SessionID string        `json:"sessionId,omitempty"`
	Duration  time.Duration `json:"duration"`
	Quality   Quality       `json:"quality,omitempty"`
}

// PlayRecord is the license after a recorded play. NearLimit is set once
// currentPlays reaches 90% of maxPlays.
type PlayRecord struct {
	License   *License `json:"license"`
	NearLimit bool     `json:"nearLimit"`
}

// Stats summarizes manager state
type Stats struct {
	Initialized bool           `json:"initialized"`
	Licenses    int            `json:"licenses"`
	ByStatus    map[Status]int `json:"byStatus"`
	Violations  int            `json:"violations"`
	InFlight    int64          `json:"inFlight"`
}
