package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"playguard/internal/config"
	apperrors "playguard/internal/errors"
	"playguard/internal/license"
)

const (
	licensesPath    = "/v1/licenses"
	userAgent       = "Playguard-Authority-Client/1.0"
	maxResponseSize = 1 << 20
)

var _ license.Authority = (*Client)(nil)

// Client talks to the license authority over HTTP. Outbound calls are rate
// limited and, when a shared secret is configured, signed.
type Client struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	signer     *Signer
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLimiter replaces the outbound rate limiter. A nil limiter disables limiting.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithLogger sets the client's logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates an authority client from configuration
func NewClient(cfg config.AuthorityConfig, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apperrors.NewConfigError(fmt.Sprintf("invalid authority base URL %q", cfg.BaseURL), err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = license.DefaultAuthorityTimeout
	}

	c := &Client{
		endpoint:   base.String() + licensesPath,
		httpClient: &http.Client{Timeout: timeout},
		signer:     NewSigner(cfg.SharedSecret),
		logger:     slog.Default(),
		now:        time.Now,
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "authority_client")

	return c, nil
}

// Request asks the authority for a license. Denials the authority expresses
// through its status code come back as a Response with Success false.
// Transport failures and unexpected statuses are returned as errors.
func (c *Client) Request(ctx context.Context, req license.Request) (*license.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, apperrors.NewAuthorityError("authority rate limit wait aborted", err)
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal license request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)

	if c.signer.Enabled() {
		nonce, sig, err := c.signer.Sign(body)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set(NonceHeader, nonce)
		httpReq.Header.Set(SignatureHeader, sig)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.WarnContext(ctx, "authority request failed",
			slog.String("track_id", req.TrackID),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, apperrors.NewAuthorityError("authority request aborted", ctxErr)
		}
		return nil, apperrors.NewAuthorityError("authority request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, apperrors.NewAuthorityError("failed to read authority response", err)
	}

	c.logger.DebugContext(ctx, "authority responded",
		slog.String("track_id", req.TrackID),
		slog.Int("status_code", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	return c.decode(resp, payload)
}

func (c *Client) decode(resp *http.Response, payload []byte) (*license.Response, error) {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var out license.Response
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, apperrors.NewAuthorityError("invalid authority response", err).
				WithContext("status_code", resp.StatusCode)
		}
		return &out, nil

	case http.StatusPaymentRequired:
		return &license.Response{
			Error:           denialMessage(payload, "payment required"),
			RequiresPayment: true,
		}, nil

	case http.StatusUpgradeRequired:
		return &license.Response{
			Error:           denialMessage(payload, "upgrade required"),
			RequiresUpgrade: true,
		}, nil

	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return &license.Response{
			Error:      denialMessage(payload, http.StatusText(resp.StatusCode)),
			RetryAfter: retryAfterSeconds(resp.Header.Get("Retry-After"), c.now()),
		}, nil
	}

	return nil, apperrors.NewAuthorityError(
		fmt.Sprintf("authority returned status %d: %s", resp.StatusCode, denialMessage(payload, http.StatusText(resp.StatusCode))),
		nil,
	).WithContext("status_code", resp.StatusCode)
}

// denialMessage extracts the "error" field of a JSON body, falling back to
// the raw text and then to fallback
func denialMessage(payload []byte, fallback string) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
		return fallback
	}
	if text := strings.TrimSpace(string(payload)); text != "" && len(text) <= 200 {
		return text
	}
	return fallback
}

// retryAfterSeconds parses a Retry-After header given either as seconds or
// as an HTTP date. Unparseable or past values yield 0.
func retryAfterSeconds(header string, now time.Time) int {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return secs
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return int(math.Ceil(d.Seconds()))
		}
	}
	return 0
}
