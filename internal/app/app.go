package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"

	"playguard/internal/authority"
	"playguard/internal/config"
	"playguard/internal/drm"
	apierrors "playguard/internal/errors"
	"playguard/internal/exporter"
	"playguard/internal/infrastructure"
	"playguard/internal/license"
	customMiddleware "playguard/internal/middleware"
	"playguard/internal/persistence"
	handlers "playguard/internal/transport/http"
	ws "playguard/internal/websocket"
)

const (
	AppName = "playguard"
	VERSION = infrastructure.ServiceVersion
)

// Application holds every long-lived component of the playguard server
type Application struct {
	Config     *config.Config
	Logger     *slog.Logger
	OTel       *infrastructure.OTelProviders
	Backend    persistence.Backend
	Manager    *license.Manager
	Gatekeeper *drm.Gatekeeper
	Hub        *ws.Hub
	Sweeper    *license.RetentionSweeper
	Router     *chi.Mux
	Server     *http.Server

	errorHandler *apierrors.ErrorHandler
	listener     net.Listener
	hubListener  drm.ListenerID
	stopOnce     sync.Once
}

// Option customizes NewApplication
type Option func(*Application)

// WithLogger replaces the logger built from the logging configuration
func WithLogger(logger *slog.Logger) Option {
	return func(a *Application) { a.Logger = logger }
}

// NewApplication wires configuration, storage, the license manager, the
// gatekeeper, the event hub and the HTTP router. Components that hold
// resources are released again if a later step fails.
func NewApplication(ctx context.Context, cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		return nil, apierrors.NewConfigError("configuration is required", nil)
	}

	a := &Application{Config: cfg}
	for _, opt := range opts {
		opt(a)
	}

	if a.Logger == nil {
		logger, err := infrastructure.InitializeLogger(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		a.Logger = logger
	}

	a.Logger.InfoContext(ctx, "Application starting",
		slog.String("name", AppName),
		slog.String("version", VERSION),
		slog.String("storage", cfg.Storage.Backend),
		slog.String("provider", cfg.DRM.Provider))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFromTelemetry(cfg.Telemetry), a.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	a.OTel = otelProviders

	if err := a.initializeServices(ctx); err != nil {
		a.release(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := a.setupRouter(); err != nil {
		a.release(ctx)
		return nil, fmt.Errorf("failed to set up router: %w", err)
	}
	a.createServer()

	return a, nil
}

// initializeServices builds the domain components in dependency order
func (a *Application) initializeServices(ctx context.Context) error {
	cfg := a.Config

	backend, err := persistence.Open(ctx, cfg.Storage)
	if err != nil {
		return apierrors.NewStorageError("failed to open storage backend", err).
			WithContext("backend", cfg.Storage.Backend)
	}
	a.Backend = backend

	client, err := authority.NewClient(cfg.Authority, authority.WithLogger(a.Logger))
	if err != nil {
		return err
	}

	entitlements, err := license.ParseStaticEntitlements(cfg.Entitlements.DefaultTier, cfg.Entitlements.Users)
	if err != nil {
		return apierrors.NewConfigError("invalid entitlements configuration", err)
	}

	provider, err := parseProvider(cfg.DRM.Provider)
	if err != nil {
		return err
	}

	metrics, err := license.InitializeLicenseMetrics(a.OTel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create license metrics: %w", err)
	}

	archiver, err := a.newArchiver(ctx)
	if err != nil {
		return err
	}
	var logOpts []license.ViolationLogOption
	if archiver != nil {
		logOpts = append(logOpts, license.WithOverflowArchiver(archiver))
	}

	capabilityAvailable := cfg.DRM.CapabilityAvailable
	a.Manager = license.NewManager(
		license.NewStore(backend, a.Logger),
		license.NewViolationLog(backend, cfg.Retention.MaxViolations, logOpts...),
		client,
		license.WithLogger(a.Logger),
		license.WithEntitlements(entitlements),
		license.WithProvider(provider),
		license.WithCapability(license.CapabilityFunc(func(context.Context) bool { return capabilityAvailable })),
		license.WithDeviceEnforcement(cfg.DRM.EnforceDeviceRestrictions),
		license.WithAuthorityTimeout(cfg.Authority.Timeout),
		license.WithMetrics(metrics),
	)

	bus := drm.NewEventBus(a.Logger)
	a.Gatekeeper = drm.NewGatekeeper(a.Manager, nil,
		drm.WithEventBus(bus),
		drm.WithLogger(a.Logger))
	if err := a.Gatekeeper.Initialize(ctx); err != nil {
		return err
	}

	a.Hub = ws.NewHub(a.Logger, ws.WithMeter(a.OTel.Meter))
	a.Hub.Start()
	a.hubListener = a.Hub.Attach(bus)

	a.Sweeper = license.NewRetentionSweeper(a.Manager, cfg.Retention.ViolationTTL, cfg.Retention.SweepInterval, archiver, a.Logger)

	return nil
}

// newArchiver picks Sheets when enabled, then a CSV directory, else none
func (a *Application) newArchiver(ctx context.Context) (license.Archiver, error) {
	switch {
	case a.Config.Retention.ArchiveToSheets:
		archiver, err := exporter.NewSheetsArchiver(ctx, a.Config.Audit, a.Logger)
		if err != nil {
			return nil, err
		}
		a.Logger.InfoContext(ctx, "violation archive enabled", slog.String("destination", archiver.String()))
		return archiver, nil
	case a.Config.Audit.ArchiveDir != "":
		a.Logger.InfoContext(ctx, "violation archive enabled", slog.String("destination", a.Config.Audit.ArchiveDir))
		return exporter.NewCSVArchiver(a.Config.Audit.ArchiveDir, a.Logger), nil
	default:
		return nil, nil
	}
}

func parseProvider(raw string) (license.Provider, error) {
	p := license.Provider(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case "":
		return license.ProviderNone, nil
	case license.ProviderNone, license.ProviderWidevine, license.ProviderFairPlay, license.ProviderPlayReady:
		return p, nil
	default:
		return "", apierrors.NewConfigError(fmt.Sprintf("unknown drm provider %q", raw), nil)
	}
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() error {
	r := chi.NewRouter()
	a.errorHandler = apierrors.NewErrorHandler(a.Logger, false)

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTel)
	if err != nil {
		return err
	}
	r.Use(otelMiddleware.Handler)
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.errorHandler))
	r.Use(customMiddleware.SecurityHeaders)

	r.NotFound(a.errorHandler.NotFound)
	r.MethodNotAllowed(a.errorHandler.MethodNotAllowed)

	health := handlers.NewHealthHandler(a.Manager, a.Hub, VERSION, a.Logger)
	r.Get("/healthz", health.Health)
	r.Get("/livez", health.Live)

	if a.OTel.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTel.PrometheusHTTP)
	}

	r.Get("/ws/events", ws.Handler(a.Hub, websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     sameOrigin,
	}, a.Logger))

	a.setupAPIRoutes(r)
	a.Router = r
	return nil
}

func (a *Application) setupAPIRoutes(r chi.Router) {
	validator := customMiddleware.NewValidator(a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(customMiddleware.ContentTypeValidator("application/json"))

		if rl := a.Config.Server.RateLimit; rl.Enabled {
			r.Use(customMiddleware.NewRateLimiter(rl.RPS, rl.Burst, a.Logger).Handler)
		}

		r.Mount("/licenses", handlers.NewLicenseHandler(a.Manager, validator, a.errorHandler, a.Logger).Routes())
		r.Mount("/playback", handlers.NewPlaybackHandler(a.Gatekeeper, validator, a.errorHandler, a.Logger).Routes())
		r.Mount("/violations", handlers.NewViolationHandler(a.Manager, a.errorHandler, a.Logger).Routes())
	})
}

// sameOrigin accepts requests without an Origin header or whose origin host
// matches the request host
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Start binds the listener and serves in the background. A serve failure
// calls cancel so Run can shut down.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	a.listener = ln

	a.Sweeper.Start(ctx)

	go func() {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	a.Logger.InfoContext(ctx, "Application started",
		slog.String("address", ln.Addr().String()),
		slog.Int("licenses", a.Manager.Stats().Licenses))
	return nil
}

// Addr returns the bound listen address once Start has run
func (a *Application) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var serverErr error
	if a.listener != nil {
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			serverErr = fmt.Errorf("server shutdown error: %w", err)
		}
	}

	a.release(shutdownCtx)

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return serverErr
}

// release stops background work and closes resources. It runs at most once.
func (a *Application) release(ctx context.Context) {
	a.stopOnce.Do(func() {
		if a.Sweeper != nil {
			a.Sweeper.Stop()
		}
		if a.Hub != nil {
			if a.Gatekeeper != nil {
				a.Gatekeeper.Off(a.hubListener)
			}
			a.Hub.Stop()
		}
		if a.Backend != nil {
			if err := a.Backend.Close(); err != nil {
				a.Logger.ErrorContext(ctx, "Error closing storage backend", slog.String("error", err.Error()))
			}
		}
		if a.OTel != nil {
			if err := a.OTel.Shutdown(ctx); err != nil {
				a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
			}
		}
	})
}

// Run runs the application until interrupted or ctx ends
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.Start(runCtx, cancel); err != nil {
		a.release(context.Background())
		return err
	}

	<-runCtx.Done()
	a.Logger.InfoContext(context.Background(), "Shutdown requested")

	return a.Stop(context.Background())
}
