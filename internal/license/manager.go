package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	apperrors "playguard/internal/errors"
	"playguard/internal/infrastructure"
)

// DefaultAuthorityTimeout bounds a single authority round trip
const DefaultAuthorityTimeout = 10 * time.Second

// Authority is the request/response contract with the remote license server.
// An error means the exchange itself failed. A denial is a Response with
// Success false.
type Authority interface {
	Request(ctx context.Context, req Request) (*Response, error)
}

// CapabilityChecker reports whether the playback protection capability exists
type CapabilityChecker interface {
	Available(ctx context.Context) bool
}

// CapabilityFunc adapts a function to CapabilityChecker
type CapabilityFunc func(ctx context.Context) bool

// Available implements CapabilityChecker
func (f CapabilityFunc) Available(ctx context.Context) bool { return f(ctx) }

// Option configures a Manager
type Option func(*Manager)

// WithEntitlements sets the entitlement provider used by the request pre-check
func WithEntitlements(e Entitlements) Option {
	return func(m *Manager) { m.entitlements = e }
}

// WithCapability sets the protection capability check run by Initialize
func WithCapability(c CapabilityChecker) Option {
	return func(m *Manager) { m.capability = c }
}

// WithProvider sets the protection provider. ProviderNone skips the capability check.
func WithProvider(p Provider) Option {
	return func(m *Manager) { m.provider = p }
}

// WithDeviceEnforcement enables the device restriction check
func WithDeviceEnforcement(enabled bool) Option {
	return func(m *Manager) { m.enforceDevices = enabled }
}

// WithAuthorityTimeout bounds each authority round trip
func WithAuthorityTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.authorityTimeout = d
		}
	}
}

// WithMetrics enables OpenTelemetry metrics
func WithMetrics(metrics *LicenseMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the license store and violation log and enforces the license
// rules. All license operations fail with ErrNotInitialized until Initialize
// succeeds.
type Manager struct {
	store        *Store
	violations   *ViolationLog
	authority    Authority
	entitlements Entitlements
	capability   CapabilityChecker

	provider         Provider
	enforceDevices   bool
	authorityTimeout time.Duration

	validate *validator.Validate
	flights  singleflight.Group
	inFlight atomic.Int64

	initMu      sync.Mutex
	initialized atomic.Bool

	metrics *LicenseMetrics
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// NewManager creates a manager. Nil store or violations get memory-only defaults.
func NewManager(store *Store, violations *ViolationLog, authority Authority, opts ...Option) *Manager {
	m := &Manager{
		store:            store,
		violations:       violations,
		authority:        authority,
		entitlements:     NewStaticEntitlements(TierStandard, nil),
		provider:         ProviderNone,
		authorityTimeout: DefaultAuthorityTimeout,
		validate:         newValidator(),
		logger:           slog.Default(),
		now:              time.Now,
		newID:            uuid.NewString,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.logger = infrastructure.WithComponent(m.logger, "license_manager")
	if m.store == nil {
		m.store = NewStore(nil, m.logger)
	}
	if m.violations == nil {
		m.violations = NewViolationLog(nil, 0)
	}

	return m
}

// Initialize verifies the protection capability and loads persisted state.
// It is safe to call more than once.
func (m *Manager) Initialize(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	if m.initialized.Load() {
		return nil
	}

	if m.provider != ProviderNone && (m.capability == nil || !m.capability.Available(ctx)) {
		m.logError(ctx, "initialize", "protection capability unavailable",
			slog.String("provider", string(m.provider)))
		return apperrors.NewConfigError(
			fmt.Sprintf("provider %s cannot run on this device", m.provider),
			ErrCapabilityUnavailable,
		)
	}

	if m.authority == nil {
		return apperrors.NewConfigError("no license authority configured", nil)
	}

	n, err := m.store.Load(ctx)
	if err != nil {
		m.logError(ctx, "initialize", "failed to load licenses", slog.String("error", err.Error()))
		return err
	}
	if err := m.violations.Load(ctx); err != nil {
		m.logError(ctx, "initialize", "failed to load violations", slog.String("error", err.Error()))
		return err
	}

	m.initialized.Store(true)
	m.logInfo(ctx, "initialize", "license manager initialized",
		slog.Int("licenses", n),
		slog.Int("violations", m.violations.Len()),
		slog.String("provider", string(m.provider)),
		slog.Bool("enforce_devices", m.enforceDevices))
	return nil
}

// Initialized reports whether Initialize has succeeded
func (m *Manager) Initialized() bool {
	return m.initialized.Load()
}

func (m *Manager) requireInitialized() error {
	if !m.initialized.Load() {
		return apperrors.NewConfigError("license manager used before Initialize", ErrNotInitialized)
	}
	return nil
}

// RequestLicense obtains a license for the request's track. An existing
// license that still passes every check for the request is returned as is.
// Otherwise the authority is contacted once per track no matter how many
// callers are waiting. Authority failures come back as a Response with
// Success false. Precondition failures are returned as errors wrapping
// ErrInvalidRequest.
//
// If ctx is cancelled while the authority call is pending, RequestLicense
// returns ctx.Err() and the call still completes and commits in the background.
func (m *Manager) RequestLicense(ctx context.Context, req Request) (*Response, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := m.startSpan(ctx, "license.request", req.TrackID,
		attribute.String("license.type", string(req.LicenseType)),
		attribute.String("license.quality", string(req.Quality)))

	resp, shared, err := m.requestLicense(ctx, req)

	ok := err == nil && resp.Success
	m.recordRequestMetrics(ctx, time.Since(start), ok, shared)
	endSpan(span, start, err, ok, failureReason(resp))
	return resp, err
}

func (m *Manager) requestLicense(ctx context.Context, req Request) (*Response, bool, error) {
	if err := m.validate.StructCtx(ctx, req); err != nil {
		msg := describeValidation(err)
		m.logWarn(ctx, "request_license", "invalid license request",
			withAttrs(requestAttrs(req), slog.String("error", msg))...)
		return nil, false, apperrors.NewValidationError(msg, ErrInvalidRequest)
	}

	if denial := m.checkEntitlement(ctx, req); denial != nil {
		return denial, false, nil
	}

	if existing, ok := m.reusable(ctx, req); ok {
		return &Response{Success: true, License: existing}, false, nil
	}

	ch := m.flights.DoChan(req.TrackID, func() (interface{}, error) {
		return m.fetchAndCommit(context.WithoutCancel(ctx), req)
	})

	select {
	case <-ctx.Done():
		m.logInfo(ctx, "request_license", "caller abandoned license request",
			withAttrs(requestAttrs(req), slog.String("error", ctx.Err().Error()))...)
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Response).clone(), res.Shared, nil
	}
}

// reusable returns the stored license for req's track when it still passes
// every check for req.
func (m *Manager) reusable(ctx context.Context, req Request) (*License, bool) {
	existing, ok := m.store.Get(req.TrackID)
	if !ok || evaluate(existing, req.playbackContext(), m.now(), m.enforceDevices) != nil {
		return nil, false
	}
	m.logDebug(ctx, "request_license", "existing license still valid",
		withAttrs(requestAttrs(req), slog.String("license_id", existing.ID))...)
	return existing, true
}

// checkEntitlement returns a denial when the user may not request this
// license, or nil to proceed.
func (m *Manager) checkEntitlement(ctx context.Context, req Request) *Response {
	if m.entitlements == nil {
		return nil
	}

	ent, err := m.entitlements.Entitlement(ctx, req.UserID)
	if err != nil {
		m.logError(ctx, "request_license", "entitlement lookup failed",
			withAttrs(requestAttrs(req), slog.String("error", err.Error()))...)
		return &Response{Success: false, Error: fmt.Sprintf("entitlement lookup failed: %v", err)}
	}

	if !ent.Active {
		m.logWarn(ctx, "request_license", "no active entitlement", requestAttrs(req)...)
		return &Response{
			Success:         false,
			Error:           "no active subscription for user",
			RequiresPayment: true,
		}
	}

	if required := RequiredTier(req.Quality, req.LicenseType); ent.Tier < required {
		m.logWarn(ctx, "request_license", "entitlement tier too low",
			withAttrs(requestAttrs(req),
				slog.String("tier", ent.Tier.String()),
				slog.String("required_tier", required.String()),
				slog.String("quality", string(req.Quality)))...)
		return &Response{
			Success:         false,
			Error:           fmt.Sprintf("%s tier required, user has %s", required, ent.Tier),
			RequiresUpgrade: true,
		}
	}

	return nil
}

// fetchAndCommit performs the authority round trip for one flight. It holds
// no store lock while waiting on the authority.
func (m *Manager) fetchAndCommit(ctx context.Context, req Request) (*Response, error) {
	// a flight that ended after the caller's store check may have committed
	// a license that already serves req
	if existing, ok := m.reusable(ctx, req); ok {
		return &Response{Success: true, License: existing}, nil
	}

	m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	if m.metrics != nil {
		m.metrics.InFlightRequests.Add(ctx, 1)
		defer m.metrics.InFlightRequests.Add(ctx, -1)
	}

	baseline := m.store.Revision(req.TrackID)

	callCtx, cancel := context.WithTimeout(ctx, m.authorityTimeout)
	defer cancel()

	m.count(ctx, func(lm *LicenseMetrics) metric.Int64Counter { return lm.AuthorityCalls }, 1)
	m.logDebug(ctx, "request_license", "contacting license authority", requestAttrs(req)...)

	resp, err := m.authority.Request(callCtx, req)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "license authority timed out"
		}
		m.logError(ctx, "request_license", "license authority request failed",
			withAttrs(requestAttrs(req), slog.String("error", err.Error()))...)
		return &Response{Success: false, Error: msg}, nil
	}

	if resp == nil || !resp.Success || resp.License == nil {
		denial := denialFrom(resp)
		m.logWarn(ctx, "request_license", "license request denied",
			withAttrs(requestAttrs(req),
				slog.String("error", denial.Error),
				slog.Bool("requires_payment", denial.RequiresPayment),
				slog.Bool("requires_upgrade", denial.RequiresUpgrade),
				slog.Int("retry_after", denial.RetryAfter))...)
		return denial, nil
	}

	granted := m.prepareGranted(resp.License, req)
	replaced, err := m.store.Put(ctx, granted)
	if err != nil {
		m.logError(ctx, "request_license", "failed to commit license",
			withAttrs(requestAttrs(req), slog.String("error", err.Error()))...)
		return nil, err
	}

	if replaced != baseline {
		m.logWarn(ctx, "request_license", "license changed during authority call, last writer wins",
			withAttrs(requestAttrs(req),
				slog.Uint64("baseline_revision", baseline),
				slog.Uint64("replaced_revision", replaced))...)
	}

	m.logInfo(ctx, "request_license", "license granted",
		withAttrs(requestAttrs(req),
			slog.String("license_id", granted.ID),
			slog.String("license_type", string(granted.Type)))...)

	return &Response{Success: true, License: granted}, nil
}

// prepareGranted normalizes an authority-issued license for storage
func (m *Manager) prepareGranted(l *License, req Request) *License {
	g := l.Clone()
	if g.ID == "" {
		g.ID = m.newID()
	}
	g.TrackID = req.TrackID
	g.Status = StatusValid
	if g.Type == "" {
		g.Type = req.LicenseType
	}
	if g.Type == "" {
		g.Type = TypeStreaming
	}
	if g.Provider == "" {
		g.Provider = m.provider
	}
	if g.IssuedAt.IsZero() {
		g.IssuedAt = m.now()
	}
	if g.CurrentPlays < 0 {
		g.CurrentPlays = 0
	}
	return g
}

func denialFrom(resp *Response) *Response {
	if resp == nil {
		return &Response{Success: false, Error: "empty response from license authority"}
	}
	d := *resp
	d.License = nil
	if d.Success {
		d.Success = false
		d.Error = "license authority granted without a license"
	}
	if d.Error == "" {
		d.Error = "license request denied"
	}
	return &d
}

func failureReason(resp *Response) string {
	if resp == nil {
		return "no response"
	}
	return resp.Error
}

// ValidateLicense evaluates the track's license against pctx. A failing
// check is recorded in the violation log and returned in the result.
func (m *Manager) ValidateLicense(ctx context.Context, trackID string, pctx PlaybackContext) (ValidationResult, error) {
	if err := m.requireInitialized(); err != nil {
		return ValidationResult{}, err
	}
	if pctx.TrackID == "" {
		pctx.TrackID = trackID
	}

	start := time.Now()
	ctx, span := m.startSpan(ctx, "license.validate", trackID,
		attribute.String("license.region", pctx.Region),
		attribute.Bool("license.offline", pctx.IsOffline))

	lic, _ := m.store.Get(trackID)
	now := m.now()
	f := evaluate(lic, pctx, now, m.enforceDevices)
	m.recordValidationMetrics(ctx, time.Since(start), f)

	if f == nil {
		endSpan(span, start, nil, true, "")
		m.logDebug(ctx, "validate_license", "license valid", contextAttrs(pctx)...)
		return ValidationResult{Valid: true}, nil
	}

	if lic != nil && lic.Status == StatusValid && lic.IsExpiredAt(now) {
		m.markExpired(ctx, trackID, now)
	}

	v := m.recordViolation(ctx, lic, pctx, f, now)
	endSpan(span, start, nil, false, string(f.Type))
	return ValidationResult{Valid: false, Violation: &v}, nil
}

// CheckLicense evaluates the track's license against pctx without logging a
// violation or changing the stored record. The returned violation has no ID.
func (m *Manager) CheckLicense(trackID string, pctx PlaybackContext) (ValidationResult, error) {
	if err := m.requireInitialized(); err != nil {
		return ValidationResult{}, err
	}
	if pctx.TrackID == "" {
		pctx.TrackID = trackID
	}

	lic, _ := m.store.Get(trackID)
	now := m.now()
	f := evaluate(lic, pctx, now, m.enforceDevices)
	if f == nil {
		return ValidationResult{Valid: true}, nil
	}

	return ValidationResult{Valid: false, Violation: &ComplianceViolation{
		Type:        f.Type,
		Severity:    f.Severity,
		TrackID:     pctx.TrackID,
		UserID:      pctx.UserID,
		DeviceID:    pctx.DeviceID,
		Timestamp:   now,
		Description: f.Description,
	}}, nil
}

// markExpired refreshes the stored status of a time-expired license
func (m *Manager) markExpired(ctx context.Context, trackID string, now time.Time) {
	_, err := m.store.Update(ctx, trackID, func(l *License) error {
		if l.Status != StatusValid || !l.IsExpiredAt(now) {
			return errUnchanged
		}
		l.Status = StatusExpired
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) && !errors.Is(err, ErrLicenseNotFound) {
		m.logWarn(ctx, "validate_license", "failed to mark license expired",
			slog.String("track_id", trackID),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) recordViolation(ctx context.Context, lic *License, pctx PlaybackContext, f *finding, now time.Time) ComplianceViolation {
	v := ComplianceViolation{
		ID:          m.newID(),
		Type:        f.Type,
		Severity:    f.Severity,
		TrackID:     pctx.TrackID,
		UserID:      pctx.UserID,
		DeviceID:    pctx.DeviceID,
		Timestamp:   now,
		Description: f.Description,
		Metadata: map[string]interface{}{
			"context": pctx,
		},
	}
	if lic != nil {
		v.Metadata["license"] = lic
	}

	m.logWarn(ctx, "validate_license", "compliance violation detected",
		withAttrs(contextAttrs(pctx),
			slog.String("violation_id", v.ID),
			slog.String("violation_type", string(v.Type)),
			slog.String("severity", string(v.Severity)),
			slog.String("description", v.Description))...)

	if err := m.violations.Append(ctx, v); err != nil {
		m.logError(ctx, "validate_license", "failed to persist violation",
			withAttrs(contextAttrs(pctx), slog.String("error", err.Error()))...)
	}
	return v
}

// RecordPlay increments the track's play count. The increment is atomic per
// track. NearLimit is set on the result once 90% of maxPlays is used.
func (m *Manager) RecordPlay(ctx context.Context, trackID string, ev PlayEvent) (PlayRecord, error) {
	if err := m.requireInitialized(); err != nil {
		return PlayRecord{}, err
	}

	updated, err := m.store.Update(ctx, trackID, func(l *License) error {
		l.CurrentPlays++
		return nil
	})
	if err != nil {
		m.logError(ctx, "record_play", "failed to record play",
			slog.String("track_id", trackID),
			slog.String("user_id", ev.UserID),
			slog.String("device_id", ev.DeviceID),
			slog.String("error", err.Error()))
		if errors.Is(err, ErrLicenseNotFound) {
			return PlayRecord{}, apperrors.NewNotFoundError("license", err).WithContext("track_id", trackID)
		}
		return PlayRecord{}, err
	}

	m.count(ctx, func(lm *LicenseMetrics) metric.Int64Counter { return lm.PlaysRecorded }, 1)

	rec := PlayRecord{License: updated, NearLimit: nearLimit(updated)}
	attrs := []slog.Attr{
		slog.String("track_id", trackID),
		slog.String("user_id", ev.UserID),
		slog.String("device_id", ev.DeviceID),
		slog.Int("current_plays", updated.CurrentPlays),
		slog.Duration("duration", ev.Duration),
	}
	if rec.NearLimit {
		m.logWarn(ctx, "record_play", "license approaching play limit",
			withAttrs(attrs, slog.Int("max_plays", *updated.MaxPlays))...)
	} else {
		m.logDebug(ctx, "record_play", "play recorded", attrs...)
	}

	return rec, nil
}

func nearLimit(l *License) bool {
	return l.MaxPlays != nil && *l.MaxPlays > 0 && l.CurrentPlays*10 >= *l.MaxPlays*9
}

// RevokeLicense permanently revokes the track's license. Revoking a missing
// or already revoked license succeeds without changes.
func (m *Manager) RevokeLicense(ctx context.Context, trackID, reason string) error {
	if err := m.requireInitialized(); err != nil {
		return err
	}

	_, err := m.store.Update(ctx, trackID, func(l *License) error {
		if l.Status == StatusRevoked {
			return errUnchanged
		}
		l.Status = StatusRevoked
		if l.Metadata == nil {
			l.Metadata = make(map[string]string, 2)
		}
		l.Metadata[MetaRevocationReason] = reason
		l.Metadata[MetaRevokedAt] = m.now().UTC().Format(time.RFC3339Nano)
		return nil
	})

	switch {
	case err == nil:
		m.count(ctx, func(lm *LicenseMetrics) metric.Int64Counter { return lm.Revocations }, 1)
		m.logInfo(ctx, "revoke_license", "license revoked",
			slog.String("track_id", trackID),
			slog.String("reason", reason))
		return nil
	case errors.Is(err, ErrLicenseNotFound), errors.Is(err, errUnchanged):
		m.logDebug(ctx, "revoke_license", "nothing to revoke", slog.String("track_id", trackID))
		return nil
	default:
		m.logError(ctx, "revoke_license", "failed to revoke license",
			slog.String("track_id", trackID),
			slog.String("error", err.Error()))
		return err
	}
}

// GetLicense returns a copy of the track's current license
func (m *Manager) GetLicense(trackID string) (*License, bool) {
	return m.store.Get(trackID)
}

// Violations returns every logged violation, oldest first
func (m *Manager) Violations() []ComplianceViolation {
	return m.violations.All()
}

// ClearOldViolations prunes violations older than olderThan and returns how
// many were removed. A non-positive olderThan means DefaultViolationRetention.
func (m *Manager) ClearOldViolations(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := m.requireInitialized(); err != nil {
		return 0, err
	}
	if olderThan <= 0 {
		olderThan = DefaultViolationRetention
	}
	return m.pruneViolations(ctx, m.now().Add(-olderThan))
}

func (m *Manager) pruneViolations(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := m.violations.Prune(ctx, cutoff)
	if err != nil {
		m.logError(ctx, "clear_violations", "failed to prune violations", slog.String("error", err.Error()))
		return n, err
	}
	if n > 0 {
		m.count(ctx, func(lm *LicenseMetrics) metric.Int64Counter { return lm.ViolationsPruned }, int64(n))
		m.logInfo(ctx, "clear_violations", "old violations pruned",
			slog.Int("removed", n),
			slog.Time("cutoff", cutoff))
	}
	return n, nil
}

// Stats summarizes the manager's state. Time-expired licenses still marked
// valid are counted as expired.
func (m *Manager) Stats() Stats {
	now := m.now()
	s := Stats{
		Initialized: m.initialized.Load(),
		ByStatus:    make(map[Status]int),
		Violations:  m.violations.Len(),
		InFlight:    m.inFlight.Load(),
	}
	for _, l := range m.store.All() {
		status := l.Status
		if status == StatusValid && l.IsExpiredAt(now) {
			status = StatusExpired
		}
		s.ByStatus[status]++
		s.Licenses++
	}
	return s
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// describeValidation turns validator errors into a short message
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is required")
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
