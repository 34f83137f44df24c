package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/net/netutil"

	"template-server/handlers"
	"template-server/logging"
	"template-server/routes"
)

const (
	// rateLimitCleanupInterval is how often idle rate limit buckets are
	// collected.
	rateLimitCleanupInterval = time.Minute
	// rateLimitIdleAge is how long a full bucket may sit unused.
	rateLimitIdleAge = 10 * time.Minute
)

// BindError indicates that the listening socket could not be created.
type BindError struct {
	// Address is the address that could not be bound.
	Address string
	// Err is the underlying error.
	Err error
}

// Error implements error.
func (e *BindError) Error() string {
	return fmt.Sprintf("unable to bind %s: %v", e.Address, e.Err)
}

// Unwrap returns the underlying error.
func (e *BindError) Unwrap() error {
	return e.Err
}

// Server is the static asset server. It is created once by the entry point
// and driven through Start and Stop.
type Server struct {
	config     *Config
	logger     *logging.Logger
	output     io.Writer
	cache      *handlers.AssetCache
	limiter    *handlers.RateLimiter
	httpServer *http.Server
	listener   net.Listener
	// serveErrors receives the result of serving once it stops.
	serveErrors chan error
	// cancel stops background housekeeping.
	cancel context.CancelFunc
}

// NewServer creates a server for a validated configuration. The startup line
// is written to output once the socket is bound.
func NewServer(config *Config, logger *logging.Logger, output io.Writer) (*Server, error) {
	server := &Server{
		config:      config,
		logger:      logger,
		output:      output,
		serveErrors: make(chan error, 1),
	}

	if config.CacheEnabled {
		server.cache = handlers.NewAssetCache(
			config.CacheSize,
			config.CacheTTLDuration(),
			int64(config.CacheMaxFileSize),
		)
	}
	if config.RateLimitEnabled {
		server.limiter = handlers.NewRateLimiter(config.RateLimitRPM, config.RateLimitBurst)
	}

	handler, err := routes.InitializeRoutes(routes.Options{
		Static: handlers.StaticOptions{
			Root:         config.Root,
			Index:        config.Index,
			DenyPatterns: config.DenyPatterns,
			Cache:        server.cache,
			Logger:       logger.Sublogger("static"),
		},
		HealthPath:     config.HealthPath,
		RateLimiter:    server.limiter,
		TrustForwarded: config.TrustForwarded,
		Logger:         logger.Sublogger("http"),
	})
	if err != nil {
		return nil, err
	}

	server.httpServer = &http.Server{Handler: handler}
	return server, nil
}

// Start binds the listening socket, writes the startup line and begins
// serving in the background. A bind failure is returned as a *BindError.
func (s *Server) Start() error {
	address := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return &BindError{Address: address, Err: err}
	}
	if s.config.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, s.config.MaxConnections)
	}
	s.listener = listener

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.limiter != nil {
		go s.limiter.Run(ctx, rateLimitCleanupInterval, rateLimitIdleAge)
	}

	s.logSettings()
	fmt.Fprintf(s.output, "Template server running on port %d\n", s.Port())

	go func() {
		err := s.httpServer.Serve(listener)
		if err == http.ErrServerClosed {
			err = nil
		}
		s.serveErrors <- err
	}()

	return nil
}

// logSettings logs the effective settings at startup.
func (s *Server) logSettings() {
	s.logger.Infof("Serving %s on %s", s.config.Root, s.listener.Addr())
	if s.cache != nil {
		s.logger.Infof("Asset cache enabled: %d entries of up to %s",
			s.config.CacheSize, humanize.IBytes(uint64(s.config.CacheMaxFileSize)))
	}
	if s.limiter != nil {
		s.logger.Infof("Rate limiting enabled: %d requests per minute, burst %d",
			s.config.RateLimitRPM, s.config.RateLimitBurst)
		if s.config.TrustForwarded {
			s.logger.Infof("Rate limiting clients by X-Forwarded-For")
		}
	}
	if s.config.MaxConnections > 0 {
		s.logger.Infof("Connection limit: %d", s.config.MaxConnections)
	}
}

// Addr returns the bound address. It is nil before Start succeeds.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port returns the bound port, or the configured port before Start.
func (s *Server) Port() int {
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return s.config.Port
}

// Errors returns a channel that receives the serving result once serving
// ends. A nil value indicates a clean stop.
func (s *Server) Errors() <-chan error {
	return s.serveErrors
}

// Stop gracefully shuts the server down, waiting for in-flight requests
// until the context is done. Connections still open at that point are
// closed forcibly.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.logger.Warn(errors.Wrap(err, "graceful shutdown incomplete, closing connections"))
		s.httpServer.Close()
	}

	s.logStats()
	if s.cache != nil {
		s.cache.Clear()
	}

	if err != nil {
		return errors.Wrap(err, "unable to shut down gracefully")
	}
	s.logger.Info("Server stopped")
	return nil
}

// logStats logs cache and rate limiter usage.
func (s *Server) logStats() {
	if s.cache != nil {
		stats := s.cache.Stats()
		s.logger.Infof("Asset cache: %d of %d entries, %d hits, %d misses",
			stats.Entries, stats.Capacity, stats.Hits, stats.Misses)
	}
	if s.limiter != nil {
		buckets, tokens := s.limiter.Stats()
		s.logger.Infof("Rate limiter: %d clients tracked, %.0f tokens available", buckets, tokens)
	}
}
