package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "playguard/internal/errors"
	"playguard/internal/exporter"
	"playguard/internal/license"
)

// ViolationService exposes the violation log
type ViolationService interface {
	Violations() []license.ComplianceViolation
	ClearOldViolations(ctx context.Context, olderThan time.Duration) (int, error)
}

var _ ViolationService = (*license.Manager)(nil)

// ViolationListResponse is the body of GET /api/violations
type ViolationListResponse struct {
	Violations []license.ComplianceViolation `json:"violations"`
	Count      int                           `json:"count"`
	Total      int                           `json:"total"`
}

// ClearViolationsResponse is the body of DELETE /api/violations
type ClearViolationsResponse struct {
	Removed   int    `json:"removed"`
	OlderThan string `json:"olderThan"`
}

// ViolationHandler lists, prunes and exports compliance violations
type ViolationHandler struct {
	service      ViolationService
	errorHandler *apierrors.ErrorHandler
	logger       *slog.Logger
	now          func() time.Time
}

// NewViolationHandler creates a new violation handler
func NewViolationHandler(service ViolationService, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *ViolationHandler {
	return &ViolationHandler{
		service:      service,
		errorHandler: errorHandler,
		logger:       logger.With(slog.String("handler", "violations")),
		now:          time.Now,
	}
}

// Routes returns a chi router for violation endpoints
func (h *ViolationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Delete("/", h.Clear)
	r.Get("/export", h.Export)
	return r
}

// List handles GET /api/violations. Optional filters: track_id, type,
// severity and limit (most recent entries win).
func (h *ViolationHandler) List(w http.ResponseWriter, r *http.Request) {
	all := h.service.Violations()

	filtered, err := filterViolations(r, all)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	render.JSON(w, r, ViolationListResponse{
		Violations: filtered,
		Count:      len(filtered),
		Total:      len(all),
	})
}

// Clear handles DELETE /api/violations?older_than=168h. Without older_than
// the default retention applies.
func (h *ViolationHandler) Clear(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Duration
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			if err == nil {
				err = fmt.Errorf("must be positive")
			}
			h.errorHandler.HandleError(w, r, apierrors.InvalidParameterError("older_than", err))
			return
		}
		olderThan = d
	}

	removed, err := h.service.ClearOldViolations(r.Context(), olderThan)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if olderThan <= 0 {
		olderThan = license.DefaultViolationRetention
	}

	render.JSON(w, r, ClearViolationsResponse{Removed: removed, OlderThan: olderThan.String()})
}

// Export handles GET /api/violations/export?format=csv|xlsx
func (h *ViolationHandler) Export(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}

	violations, err := filterViolations(r, h.service.Violations())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	stamp := h.now().UTC().Format("20060102-150405")
	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="violations-%s.csv"`, stamp))
		err = exporter.WriteViolationsCSV(w, violations)
	case "xlsx":
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="violations-%s.xlsx"`, stamp))
		err = exporter.WriteViolationsXLSX(w, violations)
	default:
		h.errorHandler.HandleError(w, r, apierrors.InvalidParameterError("format", fmt.Errorf("unsupported format %q", format)))
		return
	}

	// Headers are already sent; all that is left is to log
	if err != nil {
		h.logger.ErrorContext(r.Context(), "violation export failed",
			slog.String("format", format),
			slog.String("error", err.Error()))
		return
	}
	h.logger.InfoContext(r.Context(), "violations exported",
		slog.String("format", format),
		slog.Int("record_count", len(violations)))
}

func filterViolations(r *http.Request, all []license.ComplianceViolation) ([]license.ComplianceViolation, error) {
	q := r.URL.Query()
	trackID := q.Get("track_id")
	vType := license.ViolationType(q.Get("type"))
	severity := license.Severity(q.Get("severity"))

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			if err == nil {
				err = fmt.Errorf("must not be negative")
			}
			return nil, apierrors.InvalidParameterError("limit", err)
		}
		limit = n
	}

	out := make([]license.ComplianceViolation, 0, len(all))
	for _, v := range all {
		if trackID != "" && v.TrackID != trackID {
			continue
		}
		if vType != "" && v.Type != vType {
			continue
		}
		if severity != "" && v.Severity != severity {
			continue
		}
		out = append(out, v)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
