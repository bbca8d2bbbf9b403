// Package http implements the playguard admin API handlers. Handlers stay thin:
// they decode and validate requests, call the license manager or gatekeeper,
// and render JSON. Every failure goes through errors.ErrorHandler so clients
// always receive RFC 7807 problem documents.
//
// Routes are mounted by the application:
//
//	r.Route("/api", func(r chi.Router) {
//		r.Mount("/licenses", licenseHandler.Routes())
//		r.Mount("/playback", playbackHandler.Routes())
//		r.Mount("/violations", violationHandler.Routes())
//	})
//	r.Get("/healthz", healthHandler.Health)
package http
