// Package middleware holds the HTTP middleware chain for the playguard admin API:
// request ids, structured request logging, panic recovery, rate limiting,
// security headers, tracing and request body validation.
//
// The expected order is
//
//	r.Use(middleware.RequestID)
//	r.Use(middleware.RealIP)
//	r.Use(otelMiddleware.Handler)
//	r.Use(middleware.StructuredLogger(logger))
//	r.Use(middleware.Recoverer(errorHandler))
//	r.Use(rateLimiter.Handler)
package middleware
