package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"playguard/internal/drm"
	apierrors "playguard/internal/errors"
	"playguard/internal/license"
	"playguard/internal/middleware"
)

// PlaybackService is the part of drm.Gatekeeper served over HTTP
type PlaybackService interface {
	RequestPlaybackPermission(ctx context.Context, pctx license.PlaybackContext) (drm.PlaybackResult, error)
	DownloadForOffline(ctx context.Context, track drm.Track, pctx license.PlaybackContext) (drm.PlaybackResult, error)
	CanPlayOffline(ctx context.Context, trackID string, pctx license.PlaybackContext) (bool, error)
}

var _ PlaybackService = (*drm.Gatekeeper)(nil)

// ContextRequest describes who is playing and how
type ContextRequest struct {
	UserID      string          `json:"userId" validate:"required"`
	DeviceID    string          `json:"deviceId" validate:"required"`
	Region      string          `json:"region,omitempty" validate:"omitempty,region"`
	Quality     license.Quality `json:"quality,omitempty" validate:"omitempty,oneof=low medium high lossless"`
	LicenseType license.Type    `json:"licenseType,omitempty" validate:"omitempty,oneof=streaming download preview offline premium"`
	IsOffline   bool            `json:"isOffline"`
	NetworkType string          `json:"networkType,omitempty"`
	SessionID   string          `json:"sessionId,omitempty"`
}

// PlaybackContext builds the license context for trackID
func (c ContextRequest) PlaybackContext(trackID string) license.PlaybackContext {
	return license.PlaybackContext{
		TrackID:     trackID,
		UserID:      c.UserID,
		DeviceID:    c.DeviceID,
		Region:      c.Region,
		Quality:     c.Quality,
		IsOffline:   c.IsOffline,
		LicenseType: c.LicenseType,
		NetworkType: c.NetworkType,
		SessionID:   c.SessionID,
	}
}

// PlaybackRequest is the body of the playback endpoints
type PlaybackRequest struct {
	TrackID string `json:"trackId" validate:"required,trackid"`
	ContextRequest
}

// DownloadRequest adds track details to a playback request
type DownloadRequest struct {
	PlaybackRequest
	Title      string `json:"title,omitempty"`
	Artist     string `json:"artist,omitempty"`
	DurationMS int64  `json:"durationMs" validate:"gte=0"`
}

// OfflineCheckResponse is the body returned by the offline check
type OfflineCheckResponse struct {
	TrackID        string `json:"trackId"`
	CanPlayOffline bool   `json:"canPlayOffline"`
}

// PlaybackHandler exposes gatekeeper decisions
type PlaybackHandler struct {
	service      PlaybackService
	validator    *middleware.Validator
	errorHandler *apierrors.ErrorHandler
	logger       *slog.Logger
}

// NewPlaybackHandler creates a new playback handler
func NewPlaybackHandler(service PlaybackService, validator *middleware.Validator, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *PlaybackHandler {
	return &PlaybackHandler{
		service:      service,
		validator:    validator,
		errorHandler: errorHandler,
		logger:       logger.With(slog.String("handler", "playback")),
	}
}

// Routes returns a chi router for playback endpoints
func (h *PlaybackHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/permission", h.Permission)
	r.Post("/download", h.Download)
	r.Post("/offline-check", h.OfflineCheck)
	return r
}

// Permission handles POST /api/playback/permission. A refusal is a normal
// 200 response with canPlay false.
func (h *PlaybackHandler) Permission(w http.ResponseWriter, r *http.Request) {
	var req PlaybackRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	result, err := h.service.RequestPlaybackPermission(r.Context(), req.PlaybackContext(req.TrackID))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

// Download handles POST /api/playback/download
func (h *PlaybackHandler) Download(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	track := drm.Track{
		ID:       req.TrackID,
		Title:    req.Title,
		Artist:   req.Artist,
		Duration: time.Duration(req.DurationMS) * time.Millisecond,
	}
	result, err := h.service.DownloadForOffline(r.Context(), track, req.PlaybackContext(req.TrackID))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "offline download decided",
		slog.String("track_id", track.ID),
		slog.Bool("allowed", result.CanPlay))
	render.JSON(w, r, result)
}

// OfflineCheck handles POST /api/playback/offline-check
func (h *PlaybackHandler) OfflineCheck(w http.ResponseWriter, r *http.Request) {
	var req PlaybackRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	ok, err := h.service.CanPlayOffline(r.Context(), req.TrackID, req.PlaybackContext(req.TrackID))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, OfflineCheckResponse{TrackID: req.TrackID, CanPlayOffline: ok})
}
