package drm

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	apperrors "playguard/internal/errors"
	"playguard/internal/infrastructure"
	"playguard/internal/license"
)

// ErrNotInitialized is returned by gatekeeper operations before Initialize
var ErrNotInitialized = errors.New("drm gatekeeper not initialized")

// Gatekeeper decides whether a track may play or be downloaded and only
// then drives the playback controller. License rules live in the manager.
type Gatekeeper struct {
	manager    LicenseManager
	controller PlaybackController
	events     *EventBus
	logger     *slog.Logger

	initialized atomic.Bool
}

// Option configures a Gatekeeper
type Option func(*Gatekeeper)

// WithEventBus shares an existing bus
func WithEventBus(bus *EventBus) Option {
	return func(g *Gatekeeper) {
		if bus != nil {
			g.events = bus
		}
	}
}

// WithLogger sets the gatekeeper's logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gatekeeper) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGatekeeper creates a gatekeeper. controller may be nil for hosts that
// only request permissions; PlayTrack then fails.
func NewGatekeeper(manager LicenseManager, controller PlaybackController, opts ...Option) *Gatekeeper {
	g := &Gatekeeper{
		manager:    manager,
		controller: controller,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = infrastructure.WithComponent(g.logger, "drm_gatekeeper")
	if g.events == nil {
		g.events = NewEventBus(g.logger)
	}
	return g
}

// Initialize initializes the license manager. It is safe to call more than once.
func (g *Gatekeeper) Initialize(ctx context.Context) error {
	if g.manager == nil {
		return apperrors.NewConfigError("drm gatekeeper has no license manager", ErrNotInitialized)
	}
	if err := g.manager.Initialize(ctx); err != nil {
		g.logger.ErrorContext(ctx, "gatekeeper initialization failed", slog.String("error", err.Error()))
		return err
	}
	if !g.initialized.Swap(true) {
		g.logger.InfoContext(ctx, "drm gatekeeper initialized")
	}
	return nil
}

// Initialized reports whether Initialize has succeeded
func (g *Gatekeeper) Initialized() bool {
	return g.initialized.Load()
}

// Events returns the gatekeeper's event bus
func (g *Gatekeeper) Events() *EventBus {
	return g.events
}

// On registers a listener on the gatekeeper's event bus
func (g *Gatekeeper) On(kind EventKind, fn Listener) ListenerID {
	return g.events.On(kind, fn)
}

// Off removes a listener
func (g *Gatekeeper) Off(id ListenerID) bool {
	return g.events.Off(id)
}

func (g *Gatekeeper) requireInitialized() error {
	if !g.initialized.Load() {
		return apperrors.NewConfigError("drm gatekeeper used before Initialize", ErrNotInitialized)
	}
	return nil
}

// RequestPlaybackPermission decides whether pctx may play. An existing
// license is validated; without one a license is requested. Denials are
// results, not errors. Errors are returned only before Initialize or when
// ctx ends.
func (g *Gatekeeper) RequestPlaybackPermission(ctx context.Context, pctx license.PlaybackContext) (PlaybackResult, error) {
	if err := g.requireInitialized(); err != nil {
		return PlaybackResult{}, err
	}

	if existing, ok := g.manager.GetLicense(pctx.TrackID); ok {
		res, err := g.manager.ValidateLicense(ctx, pctx.TrackID, pctx)
		if err != nil {
			return PlaybackResult{}, err
		}
		if !res.Valid {
			g.emitViolation(ctx, pctx, res.Violation)
			return g.block(ctx, pctx, blocked(res.Violation)), nil
		}
		return g.allow(ctx, pctx, granted(existing)), nil
	}

	g.events.Emit(ctx, EventLicenseRequested, contextPayload(pctx))

	resp, err := g.manager.RequestLicense(ctx, license.RequestFromContext(pctx))
	if err != nil {
		if errors.Is(err, license.ErrNotInitialized) || ctx.Err() != nil {
			return PlaybackResult{}, err
		}
		resp = &license.Response{Error: err.Error()}
	}

	if !resp.Success || resp.License == nil {
		payload := contextPayload(pctx)
		payload["error"] = resp.Error
		payload["requiresPayment"] = resp.RequiresPayment
		payload["requiresUpgrade"] = resp.RequiresUpgrade
		payload["retryAfter"] = resp.RetryAfter
		g.events.Emit(ctx, EventLicenseDenied, payload)
		return g.block(ctx, pctx, denied(resp)), nil
	}

	payload := contextPayload(pctx)
	payload["licenseId"] = resp.License.ID
	payload["licenseType"] = string(resp.License.Type)
	g.events.Emit(ctx, EventLicenseGranted, payload)

	// an authority may grant an offline request a license without offline rights
	if pctx.IsOffline {
		res, err := g.manager.ValidateLicense(ctx, pctx.TrackID, pctx)
		if err != nil {
			return PlaybackResult{}, err
		}
		if !res.Valid {
			g.emitViolation(ctx, pctx, res.Violation)
			return g.block(ctx, pctx, blocked(res.Violation)), nil
		}
	}

	return g.allow(ctx, pctx, granted(resp.License)), nil
}

// PlayTrack plays track once permission is granted and the license still
// validates. A successful play is recorded with the track's duration.
// Controller failures come back as a failed result and record nothing.
func (g *Gatekeeper) PlayTrack(ctx context.Context, track Track, pctx license.PlaybackContext) (PlaybackResult, error) {
	if pctx.TrackID == "" {
		pctx.TrackID = track.ID
	}

	perm, err := g.RequestPlaybackPermission(ctx, pctx)
	if err != nil || !perm.CanPlay {
		return perm, err
	}

	// the license may have changed since the permission decision
	res, err := g.manager.ValidateLicense(ctx, pctx.TrackID, pctx)
	if err != nil {
		return PlaybackResult{}, err
	}
	if !res.Valid {
		g.emitViolation(ctx, pctx, res.Violation)
		return g.block(ctx, pctx, blocked(res.Violation)), nil
	}

	if g.controller == nil {
		return g.playbackFailed(ctx, pctx, errors.New("no playback controller configured")), nil
	}
	if err := g.controller.Play(ctx, track); err != nil {
		return g.playbackFailed(ctx, pctx, err), nil
	}

	rec, err := g.manager.RecordPlay(ctx, pctx.TrackID, license.PlayEvent{
		UserID:    pctx.UserID,
		DeviceID:  pctx.DeviceID,
		SessionID: pctx.SessionID,
		Duration:  track.Duration,
		Quality:   pctx.Quality,
	})
	if err != nil {
		g.logger.ErrorContext(ctx, "failed to record play",
			slog.String("track_id", pctx.TrackID),
			slog.String("user_id", pctx.UserID),
			slog.String("device_id", pctx.DeviceID),
			slog.String("error", err.Error()))
		return perm, nil
	}

	if rec.NearLimit {
		payload := contextPayload(pctx)
		payload["currentPlays"] = rec.License.CurrentPlays
		if rec.License.MaxPlays != nil {
			payload["maxPlays"] = *rec.License.MaxPlays
		}
		g.events.Emit(ctx, EventPlayLimitWarning, payload)
	}

	result := granted(rec.License)
	result.NearLimit = rec.NearLimit
	return result, nil
}

// CanPlayOffline reports whether the track's license allows offline playback
// for pctx. It changes nothing and logs no violation.
func (g *Gatekeeper) CanPlayOffline(ctx context.Context, trackID string, pctx license.PlaybackContext) (bool, error) {
	if err := g.requireInitialized(); err != nil {
		return false, err
	}

	l, ok := g.manager.GetLicense(trackID)
	if !ok || !l.IsOfflineAllowed {
		return false, nil
	}

	pctx.TrackID = trackID
	pctx.IsOffline = true
	res, err := g.manager.CheckLicense(trackID, pctx)
	if err != nil {
		return false, err
	}
	return res.Valid, nil
}

// DownloadForOffline acquires an offline license for track ahead of a
// download. The download is allowed only when the license permits offline
// playback, the same answer CanPlayOffline gives afterwards. The transfer
// itself is the caller's.
func (g *Gatekeeper) DownloadForOffline(ctx context.Context, track Track, pctx license.PlaybackContext) (PlaybackResult, error) {
	pctx.TrackID = track.ID
	pctx.LicenseType = license.TypeOffline
	pctx.IsOffline = true
	return g.RequestPlaybackPermission(ctx, pctx)
}

func (g *Gatekeeper) emitViolation(ctx context.Context, pctx license.PlaybackContext, v *license.ComplianceViolation) {
	payload := contextPayload(pctx)
	payload["violationId"] = v.ID
	payload["violationType"] = string(v.Type)
	payload["severity"] = string(v.Severity)
	payload["description"] = v.Description
	g.events.Emit(ctx, EventViolationDetected, payload)
}

func (g *Gatekeeper) allow(ctx context.Context, pctx license.PlaybackContext, res PlaybackResult) PlaybackResult {
	payload := contextPayload(pctx)
	if res.License != nil {
		payload["licenseId"] = res.License.ID
	}
	g.events.Emit(ctx, EventPlaybackAllowed, payload)
	g.logger.DebugContext(ctx, "playback allowed",
		slog.String("track_id", pctx.TrackID),
		slog.String("user_id", pctx.UserID),
		slog.String("device_id", pctx.DeviceID))
	return res
}

func (g *Gatekeeper) block(ctx context.Context, pctx license.PlaybackContext, res PlaybackResult) PlaybackResult {
	payload := contextPayload(pctx)
	payload["reason"] = res.Error
	g.events.Emit(ctx, EventPlaybackBlocked, payload)
	g.logger.InfoContext(ctx, "playback blocked",
		slog.String("track_id", pctx.TrackID),
		slog.String("user_id", pctx.UserID),
		slog.String("device_id", pctx.DeviceID),
		slog.String("reason", res.Error))
	return res
}

func (g *Gatekeeper) playbackFailed(ctx context.Context, pctx license.PlaybackContext, err error) PlaybackResult {
	perr := apperrors.NewPlaybackError("playback controller failed", err)
	g.logger.ErrorContext(ctx, perr.Message,
		slog.String("track_id", pctx.TrackID),
		slog.String("user_id", pctx.UserID),
		slog.String("device_id", pctx.DeviceID),
		slog.String("error_type", string(perr.Type)),
		slog.String("error", perr.Error()))
	return g.block(ctx, pctx, PlaybackResult{Error: err.Error()})
}

func contextPayload(pctx license.PlaybackContext) map[string]interface{} {
	return map[string]interface{}{
		"trackId":  pctx.TrackID,
		"userId":   pctx.UserID,
		"deviceId": pctx.DeviceID,
	}
}
