package authority

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"playguard/internal/config"
	apperrors "playguard/internal/errors"
	"playguard/internal/license"
)

func testRequest() license.Request {
	return license.Request{
		TrackID:     "track-1",
		LicenseType: license.TypeStreaming,
		DeviceID:    "device-1",
		UserID:      "user-1",
		Region:      "US",
		Quality:     license.QualityHigh,
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc, secret string, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(config.AuthorityConfig{
		BaseURL:      srv.URL + "/",
		Timeout:      time.Second,
		SharedSecret: secret,
	}, opts...)
	require.NoError(t, err)
	return c
}

func TestClientGrant(t *testing.T) {
	signer := NewSigner("s3cret")

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/licenses", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.True(t, signer.Verify(body, r.Header.Get(NonceHeader), r.Header.Get(SignatureHeader)))

		var req license.Request
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "track-1", req.TrackID)
		assert.Equal(t, "user-1", req.UserID)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"license":{"id":"lic-9","trackId":"track-1","type":"streaming","status":"valid","maxPlays":10,"currentPlays":0}}`))
	}, "s3cret")

	resp, err := c.Request(context.Background(), testRequest())
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.NotNil(t, resp.License)
	assert.Equal(t, "lic-9", resp.License.ID)
	require.NotNil(t, resp.License.MaxPlays)
	assert.Equal(t, 10, *resp.License.MaxPlays)
}

func TestClientUnsignedWithoutSecret(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(SignatureHeader))
		assert.Empty(t, r.Header.Get(NonceHeader))
		_, _ = w.Write([]byte(`{"success":false,"error":"track not licensed"}`))
	}, "")

	resp, err := c.Request(context.Background(), testRequest())
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "track not licensed", resp.Error)
}

func TestClientStatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		header  string
		body    string
		wantErr bool
		check   func(t *testing.T, resp *license.Response)
	}{
		{
			name:   "payment required",
			status: http.StatusPaymentRequired,
			body:   `{"error":"subscription lapsed"}`,
			check: func(t *testing.T, resp *license.Response) {
				assert.True(t, resp.RequiresPayment)
				assert.Equal(t, "subscription lapsed", resp.Error)
			},
		},
		{
			name:   "upgrade required",
			status: http.StatusUpgradeRequired,
			check: func(t *testing.T, resp *license.Response) {
				assert.True(t, resp.RequiresUpgrade)
				assert.Equal(t, "upgrade required", resp.Error)
			},
		},
		{
			name:   "too many requests",
			status: http.StatusTooManyRequests,
			header: "30",
			check: func(t *testing.T, resp *license.Response) {
				assert.Equal(t, 30, resp.RetryAfter)
				assert.Equal(t, "Too Many Requests", resp.Error)
			},
		},
		{
			name:   "service unavailable",
			status: http.StatusServiceUnavailable,
			header: "5",
			body:   "maintenance",
			check: func(t *testing.T, resp *license.Response) {
				assert.Equal(t, 5, resp.RetryAfter)
				assert.Equal(t, "maintenance", resp.Error)
			},
		},
		{
			name:    "server error",
			status:  http.StatusInternalServerError,
			wantErr: true,
		},
		{
			name:    "forbidden",
			status:  http.StatusForbidden,
			body:    `{"error":"bad signature"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, "")

			resp, err := c.Request(context.Background(), testRequest())
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsType(err, apperrors.ErrTypeAuthority))
				return
			}
			require.NoError(t, err)
			assert.False(t, resp.Success)
			tt.check(t, resp)
		})
	}
}

func TestClientMalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":`))
	}, "")

	_, err := c.Request(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeAuthority))
}

func TestClientContextDeadline(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, "")
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Request(ctx, testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientRateLimitWaitHonoursContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true}`))
	}, "", WithLimiter(rate.NewLimiter(rate.Every(time.Hour), 1)))

	_, err := c.Request(context.Background(), testRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Request(ctx, testRequest())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeAuthority))
}

func TestWithLimiterNilDisablesLimiting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(config.AuthorityConfig{BaseURL: srv.URL, RPS: 0.001, Burst: 1})
	require.NoError(t, err)
	assert.NotNil(t, c.limiter)

	c, err = NewClient(config.AuthorityConfig{BaseURL: srv.URL, RPS: 0.001, Burst: 1}, WithLimiter(nil))
	require.NoError(t, err)
	assert.Nil(t, c.limiter)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := c.Request(ctx, testRequest())
		cancel()
		require.NoError(t, err)
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "not a url", "/relative"} {
		_, err := NewClient(config.AuthorityConfig{BaseURL: raw})
		assert.Error(t, err, raw)
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig), raw)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		header string
		want   int
	}{
		{"", 0},
		{"120", 120},
		{"-4", 0},
		{"soon", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, retryAfterSeconds(tt.header, now), tt.header)
	}
}
