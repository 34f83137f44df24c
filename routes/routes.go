package routes

import (
	"net/http"

	"github.com/pkg/errors"

	"template-server/handlers"
	"template-server/logging"
)

// Options configures the handler chain.
type Options struct {
	// Static configures the static asset handler.
	Static handlers.StaticOptions
	// HealthPath is the exact path answered by the health handler. Empty
	// disables the health handler.
	HealthPath string
	// RateLimiter limits requests per client. Nil disables rate limiting.
	RateLimiter *handlers.RateLimiter
	// TrustForwarded keys rate limiting on X-Forwarded-For. Only set it
	// behind a proxy that overwrites the header.
	TrustForwarded bool
	// Logger receives request logs.
	Logger *logging.Logger
}

// InitializeRoutes builds the server's handler. Every request reaches the
// static handler unless it names the health path. Request paths must arrive
// uncleaned, so http.ServeMux (which redirects to cleaned paths) is not used.
func InitializeRoutes(options Options) (http.Handler, error) {
	static, err := handlers.NewStatic(options.Static)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create static handler")
	}

	var handler http.Handler = static
	if options.HealthPath != "" {
		handler = withHealth(options.HealthPath, handler)
	}

	handler = handlers.RateLimitMiddleware(options.RateLimiter, options.TrustForwarded, handler)
	handler = handlers.RecoveryMiddleware(options.Logger, handler)
	handler = handlers.LoggingMiddleware(options.Logger, handler)

	return handler, nil
}

// withHealth answers the health path and passes everything else on.
func withHealth(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == path {
			handlers.HealthHandler(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
