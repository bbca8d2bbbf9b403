package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"playguard/internal/drm"
	apierrors "playguard/internal/errors"
	"playguard/internal/license"
	"playguard/internal/middleware"
	"playguard/internal/shared/testutil"
)

type apiHarness struct {
	router     http.Handler
	manager    *license.Manager
	store      *license.Store
	violations *license.ViolationLog
	gatekeeper *drm.Gatekeeper
	logs       *testutil.BufferedSlogHandler
}

func newAPIHarness(t *testing.T, authority *testutil.StubAuthority) *apiHarness {
	t.Helper()

	logger, logs := testutil.NewTestLogger(t)
	if authority == nil {
		authority = testutil.GrantingAuthority(nil)
	}

	store := license.NewStore(nil, logger)
	violations := license.NewViolationLog(nil, 0)
	manager := license.NewManager(store, violations, authority,
		license.WithLogger(logger),
		license.WithEntitlements(license.NewStaticEntitlements(license.TierStandard, nil)))
	gatekeeper := drm.NewGatekeeper(manager, nil, drm.WithLogger(logger))
	require.NoError(t, gatekeeper.Initialize(context.Background()))

	errHandler := apierrors.NewErrorHandler(logger, false)
	validator := middleware.NewValidator(logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Route("/api", func(r chi.Router) {
		r.Mount("/licenses", NewLicenseHandler(manager, validator, errHandler, logger).Routes())
		r.Mount("/playback", NewPlaybackHandler(gatekeeper, validator, errHandler, logger).Routes())
		r.Mount("/violations", NewViolationHandler(manager, errHandler, logger).Routes())
	})
	r.Get("/healthz", NewHealthHandler(manager, nil, "test", logger).Health)

	return &apiHarness{
		router:     r,
		manager:    manager,
		store:      store,
		violations: violations,
		gatekeeper: gatekeeper,
		logs:       logs,
	}
}

func (h *apiHarness) seed(t *testing.T, l *license.License) {
	t.Helper()
	_, err := h.store.Put(context.Background(), l)
	require.NoError(t, err)
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func playbackBody(trackID string) map[string]interface{} {
	return map[string]interface{}{
		"trackId":  trackID,
		"userId":   "user-1",
		"deviceId": "device-1",
		"region":   "US",
		"quality":  "high",
	}
}

func TestRequestLicenseEndpoint(t *testing.T) {
	t.Run("granted", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		rec := h.do(t, http.MethodPost, "/api/licenses", testutil.LicenseRequest("track-1"))

		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		resp := decode[license.Response](t, rec)
		assert.True(t, resp.Success)
		require.NotNil(t, resp.License)
		assert.Equal(t, "track-1", resp.License.TrackID)
		assert.Equal(t, license.StatusValid, resp.License.Status)
	})

	t.Run("denied renders 200", func(t *testing.T) {
		h := newAPIHarness(t, testutil.DenyingAuthority(license.Response{Error: "card declined", RequiresPayment: true}))
		rec := h.do(t, http.MethodPost, "/api/licenses", testutil.LicenseRequest("track-1"))

		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[license.Response](t, rec)
		assert.False(t, resp.Success)
		assert.True(t, resp.RequiresPayment)
		assert.Equal(t, "card declined", resp.Error)
	})

	t.Run("missing fields", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		rec := h.do(t, http.MethodPost, "/api/licenses", map[string]string{"trackId": "track-1"})

		require.Equal(t, http.StatusBadRequest, rec.Code)
		problem := decode[map[string]interface{}](t, rec)
		assert.Equal(t, apierrors.TypeValidation, problem["type"])
		assert.Equal(t, "VALIDATION_FAILED", problem["error_code"])
	})

	t.Run("invalid json", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		rec := h.do(t, http.MethodPost, "/api/licenses", `{"trackId":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetLicenseEndpoint(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.seed(t, testutil.ValidLicense("track-1"))

	rec := h.do(t, http.MethodGet, "/api/licenses/track-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lic-track-1", decode[license.License](t, rec).ID)

	rec = h.do(t, http.MethodGet, "/api/licenses/unknown", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	problem := decode[map[string]interface{}](t, rec)
	assert.Equal(t, apierrors.TypeLicenseNotFound, problem["type"])
	assert.NotEmpty(t, problem["trace_id"])
}

func TestValidateLicenseEndpoint(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.seed(t, testutil.ValidLicense("track-ok"))
	h.seed(t, testutil.ExpiredLicense("track-old"))

	ctxBody := map[string]string{"userId": "user-1", "deviceId": "device-1", "region": "US"}

	rec := h.do(t, http.MethodPost, "/api/licenses/track-ok/validate", ctxBody)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[license.ValidationResult](t, rec).Valid)

	rec = h.do(t, http.MethodPost, "/api/licenses/track-old/validate", ctxBody)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[license.ValidationResult](t, rec)
	assert.False(t, result.Valid)
	require.NotNil(t, result.Violation)
	assert.Equal(t, license.ViolationLicenseExpired, result.Violation.Type)
	assert.Equal(t, "track-old", result.Violation.TrackID)

	rec = h.do(t, http.MethodPost, "/api/licenses/track-ok/validate", map[string]string{"userId": "u", "deviceId": "d", "region": "usa"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRevokeLicenseEndpoint(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.seed(t, testutil.ValidLicense("track-1"))

	rec := h.do(t, http.MethodPost, "/api/licenses/track-1/revoke", map[string]string{"reason": "chargeback"})
	require.Equal(t, http.StatusOK, rec.Code)
	l := decode[license.License](t, rec)
	assert.Equal(t, license.StatusRevoked, l.Status)
	assert.Equal(t, "chargeback", l.Metadata[license.MetaRevocationReason])

	rec = h.do(t, http.MethodPost, "/api/licenses/unknown/revoke", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/playback/permission", playbackBody("track-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[drm.PlaybackResult](t, rec)
	assert.False(t, result.CanPlay)
	assert.NotEmpty(t, result.Error)
}

func TestPlaybackPermissionEndpoint(t *testing.T) {
	t.Run("grants a new license", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		rec := h.do(t, http.MethodPost, "/api/playback/permission", playbackBody("track-1"))

		require.Equal(t, http.StatusOK, rec.Code)
		result := decode[drm.PlaybackResult](t, rec)
		assert.True(t, result.Success)
		assert.True(t, result.CanPlay)
		require.NotNil(t, result.License)
		assert.Equal(t, "track-1", result.License.TrackID)
	})

	t.Run("blocks a restricted region", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		h.seed(t, testutil.RestrictedLicense("track-1"))

		body := playbackBody("track-1")
		body["region"] = "FR"
		rec := h.do(t, http.MethodPost, "/api/playback/permission", body)

		require.Equal(t, http.StatusOK, rec.Code)
		result := decode[drm.PlaybackResult](t, rec)
		assert.False(t, result.CanPlay)
		require.NotNil(t, result.Violation)
		assert.Equal(t, 1, h.violations.Len())
	})

	t.Run("rejects bad track id", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		rec := h.do(t, http.MethodPost, "/api/playback/permission", playbackBody("a/b"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDownloadEndpoint(t *testing.T) {
	downloadBody := func() map[string]interface{} {
		body := playbackBody("track-1")
		body["title"] = "Song"
		body["durationMs"] = 180000
		return body
	}

	t.Run("grants an offline license", func(t *testing.T) {
		authority := testutil.GrantingAuthority(&license.License{IsOfflineAllowed: true})
		h := newAPIHarness(t, authority)

		rec := h.do(t, http.MethodPost, "/api/playback/download", downloadBody())
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decode[drm.PlaybackResult](t, rec).CanPlay)

		requests := authority.Requests()
		require.Len(t, requests, 1)
		assert.Equal(t, license.TypeOffline, requests[0].LicenseType)
		assert.True(t, requests[0].OfflineRequested)

		_, ok := h.manager.GetLicense("track-1")
		assert.True(t, ok)
	})

	t.Run("blocks a license without offline rights", func(t *testing.T) {
		h := newAPIHarness(t, testutil.GrantingAuthority(nil))

		rec := h.do(t, http.MethodPost, "/api/playback/download", downloadBody())
		require.Equal(t, http.StatusOK, rec.Code)
		result := decode[drm.PlaybackResult](t, rec)
		assert.False(t, result.CanPlay)
		require.NotNil(t, result.Violation)
		assert.Equal(t, license.ViolationOfflineNotAllowed, result.Violation.Type)
		assert.Equal(t, 1, h.violations.Len())
	})
}

func TestOfflineCheckEndpoint(t *testing.T) {
	h := newAPIHarness(t, nil)

	offline := testutil.ValidLicense("track-offline")
	offline.IsOfflineAllowed = true
	h.seed(t, offline)
	h.seed(t, testutil.ValidLicense("track-online"))

	tests := []struct {
		trackID string
		want    bool
	}{
		{trackID: "track-offline", want: true},
		{trackID: "track-online", want: false},
		{trackID: "track-missing", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.trackID, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/api/playback/offline-check", playbackBody(tt.trackID))
			require.Equal(t, http.StatusOK, rec.Code)
			resp := decode[OfflineCheckResponse](t, rec)
			assert.Equal(t, tt.trackID, resp.TrackID)
			assert.Equal(t, tt.want, resp.CanPlayOffline)
		})
	}

	assert.Equal(t, 0, h.violations.Len())
}

func seedAPIViolations(t *testing.T, h *apiHarness) {
	t.Helper()
	h.seed(t, testutil.ExpiredLicense("track-a"))
	h.seed(t, testutil.RestrictedLicense("track-b"))

	ctx := context.Background()
	pctx := testutil.PlaybackContext("track-a")
	for i := 0; i < 2; i++ {
		_, err := h.manager.ValidateLicense(ctx, "track-a", pctx)
		require.NoError(t, err)
	}
	pctx = testutil.PlaybackContext("track-b")
	pctx.Region = "FR"
	_, err := h.manager.ValidateLicense(ctx, "track-b", pctx)
	require.NoError(t, err)
	require.Equal(t, 3, h.violations.Len())
}

func TestListViolationsEndpoint(t *testing.T) {
	h := newAPIHarness(t, nil)
	seedAPIViolations(t, h)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{name: "all", query: "", want: 3},
		{name: "by track", query: "?track_id=track-a", want: 2},
		{name: "by type", query: "?type=" + string(license.ViolationRegionBlocked), want: 1},
		{name: "limit", query: "?limit=1", want: 1},
		{name: "no match", query: "?track_id=none", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodGet, "/api/violations"+tt.query, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			resp := decode[ViolationListResponse](t, rec)
			assert.Equal(t, tt.want, resp.Count)
			assert.Len(t, resp.Violations, tt.want)
			assert.Equal(t, 3, resp.Total)
		})
	}

	rec := h.do(t, http.MethodGet, "/api/violations?limit=1", nil)
	resp := decode[ViolationListResponse](t, rec)
	assert.Equal(t, "track-b", resp.Violations[0].TrackID)

	rec = h.do(t, http.MethodGet, "/api/violations?limit=-2", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClearViolationsEndpoint(t *testing.T) {
	h := newAPIHarness(t, nil)
	seedAPIViolations(t, h)

	rec := h.do(t, http.MethodDelete, "/api/violations?older_than=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/violations?older_than=-1h", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/violations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ClearViolationsResponse](t, rec)
	assert.Equal(t, 0, resp.Removed)
	assert.Equal(t, license.DefaultViolationRetention.String(), resp.OlderThan)

	time.Sleep(5 * time.Millisecond)
	rec = h.do(t, http.MethodDelete, "/api/violations?older_than=1ms", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[ClearViolationsResponse](t, rec).Removed)
	assert.Equal(t, 0, h.violations.Len())
}

func TestExportViolationsEndpoint(t *testing.T) {
	h := newAPIHarness(t, nil)
	seedAPIViolations(t, h)

	t.Run("csv", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/api/violations/export?format=csv", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), ".csv")

		lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
		assert.Len(t, lines, 4)
		assert.True(t, strings.HasPrefix(lines[0], "\ufeffid,timestamp"))
	})

	t.Run("xlsx filtered", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/api/violations/export?format=xlsx&track_id=track-b", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Disposition"), ".xlsx")

		f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
		require.NoError(t, err)
		defer f.Close()
		rows, err := f.GetRows("Violations")
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})

	t.Run("unknown format", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/api/violations/export?format=pdf", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHealthEndpoint(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.seed(t, testutil.ValidLicense("track-1"))

	rec := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.License.Licenses)
	assert.Equal(t, "test", resp.Version)

	logger, _ := testutil.NewTestLogger(t)
	idle := license.NewManager(nil, nil, testutil.GrantingAuthority(nil))
	rec = httptest.NewRecorder()
	NewHealthHandler(idle, nil, "test", logger).Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", decode[HealthResponse](t, rec).Status)
}

func TestUninitializedManagerMapsTo503(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	idle := license.NewManager(nil, nil, testutil.GrantingAuthority(nil))
	handler := NewLicenseHandler(idle, middleware.NewValidator(logger), apierrors.NewErrorHandler(logger, false), logger)

	data, err := json.Marshal(testutil.LicenseRequest("track-1"))
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(data)))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
