package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "playguard/internal/errors"
	"playguard/internal/license"
	"playguard/internal/middleware"
)

// LicenseService is the part of license.Manager served over HTTP
type LicenseService interface {
	RequestLicense(ctx context.Context, req license.Request) (*license.Response, error)
	GetLicense(trackID string) (*license.License, bool)
	ValidateLicense(ctx context.Context, trackID string, pctx license.PlaybackContext) (license.ValidationResult, error)
	RevokeLicense(ctx context.Context, trackID, reason string) error
}

var _ LicenseService = (*license.Manager)(nil)

// LicenseHandler handles license requests, lookups, validation and revocation
type LicenseHandler struct {
	service      LicenseService
	validator    *middleware.Validator
	errorHandler *apierrors.ErrorHandler
	logger       *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service LicenseService, validator *middleware.Validator, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:      service,
		validator:    validator,
		errorHandler: errorHandler,
		logger:       logger.With(slog.String("handler", "license")),
	}
}

// RevokeRequest is the optional body of a revocation
type RevokeRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

// Routes returns a chi router for license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Request)
	r.Route("/{trackID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/validate", h.Validate)
		r.Post("/revoke", h.Revoke)
	})
	return r
}

// Request handles POST /api/licenses. Denials are rendered with status 200
// and success false; only malformed requests are errors.
func (h *LicenseHandler) Request(w http.ResponseWriter, r *http.Request) {
	var req license.Request
	if err := h.validator.Decode(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	resp, err := h.service.RequestLicense(r.Context(), req)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	if resp.Success {
		render.Status(r, http.StatusCreated)
	}
	render.JSON(w, r, resp)
}

// Get handles GET /api/licenses/{trackID}
func (h *LicenseHandler) Get(w http.ResponseWriter, r *http.Request) {
	trackID := chi.URLParam(r, "trackID")
	l, ok := h.service.GetLicense(trackID)
	if !ok {
		h.errorHandler.HandleError(w, r, apierrors.ErrLicenseNotFound)
		return
	}
	render.JSON(w, r, l)
}

// Validate handles POST /api/licenses/{trackID}/validate
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	trackID := chi.URLParam(r, "trackID")

	var req ContextRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	pctx := req.PlaybackContext(trackID)

	result, err := h.service.ValidateLicense(r.Context(), trackID, pctx)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

// Revoke handles POST /api/licenses/{trackID}/revoke. Revoking an unknown
// track succeeds with 204.
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	trackID := chi.URLParam(r, "trackID")

	var req RevokeRequest
	if r.ContentLength != 0 {
		if err := h.validator.Decode(r, &req); err != nil {
			h.errorHandler.HandleError(w, r, err)
			return
		}
	}

	if err := h.service.RevokeLicense(r.Context(), trackID, req.Reason); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "license revoked via API",
		slog.String("track_id", trackID),
		slog.String("request_id", middleware.GetRequestID(r.Context())))

	l, ok := h.service.GetLicense(trackID)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	render.JSON(w, r, l)
}
