// Package app wires the playguard server together and owns its lifecycle.
//
// NewApplication builds every component from a config.Config in dependency
// order: storage backend, authority client, license manager, DRM
// gatekeeper with its event bus, WebSocket hub, retention sweeper and the
// chi router. If any step fails, the resources acquired so far are
// released before the error is returned.
//
// # Routes
//
//	GET  /healthz                        health and license statistics
//	GET  /livez                          liveness probe
//	GET  /metrics                        Prometheus exposition
//	GET  /ws/events                      gatekeeper event stream
//	     /api/licenses                   license administration
//	     /api/playback                   playback and offline decisions
//	     /api/violations                 violation log, pruning and export
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	application, err := app.NewApplication(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	return application.Run(ctx)
//
// Run blocks until SIGINT, SIGTERM or ctx cancellation, then shuts the HTTP
// server down within Server.ShutdownTimeout and stops background work.
package app
