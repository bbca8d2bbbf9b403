package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewAuthorityError("authority request failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "[AUTHORITY] authority request failed: connection refused", err.Error())

	wrapped := fmt.Errorf("request license: %w", err)
	assert.Equal(t, ErrTypeAuthority, TypeOf(wrapped))
	assert.True(t, IsType(wrapped, ErrTypeAuthority))
	assert.False(t, IsType(wrapped, ErrTypeStorage))
	assert.Equal(t, ErrorType(""), TypeOf(cause))
}

func TestAppErrorWithContext(t *testing.T) {
	err := (&AppError{Type: ErrTypePlayback, Message: "controller stalled"}).
		WithContext("track_id", "t1").
		WithContext("user_id", "u1")

	assert.Equal(t, "t1", err.Context["track_id"])
	assert.Equal(t, "u1", err.Context["user_id"])
	assert.Equal(t, "[PLAYBACK] controller stalled", err.Error())
}

func TestConstructorsSetType(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want ErrorType
	}{
		{"config", NewConfigError("x", nil), ErrTypeConfig},
		{"authority", NewAuthorityError("x", nil), ErrTypeAuthority},
		{"validation", NewValidationError("x", nil), ErrTypeValidation},
		{"not found", NewNotFoundError("license", nil), ErrTypeNotFound},
		{"storage", NewStorageError("x", nil), ErrTypeStorage},
		{"playback", NewPlaybackError("x", nil), ErrTypePlayback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Type)
		})
	}
}

func TestErrorToProblem(t *testing.T) {
	h := NewErrorHandler(slog.New(slog.NewJSONHandler(io.Discard, nil)), false)
	req := httptest.NewRequest(http.MethodGet, "/api/licenses/t1", nil)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, TypeTimeout},
		{"api validation", ErrValidationFailed, http.StatusBadRequest, TypeValidation},
		{"api license not found", ErrLicenseNotFound, http.StatusNotFound, TypeLicenseNotFound},
		{"app validation", NewValidationError("trackId required", nil), http.StatusBadRequest, TypeValidation},
		{"app not found", fmt.Errorf("wrap: %w", NewNotFoundError("license", nil)), http.StatusNotFound, TypeLicenseNotFound},
		{"app config", NewConfigError("not initialized", nil), http.StatusServiceUnavailable, TypeConfig},
		{"app storage", NewStorageError("bolt write", nil), http.StatusInternalServerError, TypeStorage},
		{"plain", errors.New("boom"), http.StatusInternalServerError, TypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := h.ErrorToProblem(tt.err, req)
			assert.Equal(t, tt.wantStatus, p.Status)
			assert.Equal(t, tt.wantType, p.Type)
			assert.Equal(t, "/api/licenses/t1", p.Instance)
		})
	}
}

func TestHandleErrorRendersProblem(t *testing.T) {
	h := NewErrorHandler(slog.New(slog.NewJSONHandler(io.Discard, nil)), false)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/licenses", nil)

	h.HandleError(rec, req, NewValidationError("userId is required", nil).WithContext("field", "userId"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, TypeValidation, body["type"])
	assert.Equal(t, "userId is required", body["detail"])
	assert.Equal(t, "userId", body["field"])
	assert.Equal(t, "VALIDATION", body["error_type"])
}

func TestRecoveryMiddleware(t *testing.T) {
	h := NewErrorHandler(slog.New(slog.NewJSONHandler(io.Discard, nil)), true)
	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})

	rec := httptest.NewRecorder()
	RecoveryMiddleware(h)(panicky).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "kaboom", body["panic"])
	assert.NotEmpty(t, body["stack"])
}

func TestProblemDetailsMarshalKeepsStandardFields(t *testing.T) {
	p := NewProblemDetails(http.StatusBadRequest, TypeValidation, "Bad Request", "bad", "/x").
		WithExtension("status", 999)

	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, float64(http.StatusBadRequest), body["status"])
}
