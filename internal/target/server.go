// Package target implements the order/user HTTP service that the built-in
// workload exercises.
package target

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// DefaultPort is the port the service listens on by default.
	DefaultPort = 8080

	shutdownTimeout = 2 * time.Second
)

// Options configures the router.
type Options struct {
	// Store holds users; a MemoryStore when nil
	Store Store

	// Logger for access and error logs; slog.Default() when nil
	Logger *slog.Logger

	// Registry receives the service metrics and backs /metrics; a fresh
	// registry with Go and process collectors when nil
	Registry *prometheus.Registry

	// Now is the clock for order messages; time.Now when nil
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Store == nil {
		o.Store = NewMemoryStore()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Registry == nil {
		o.Registry = prometheus.NewRegistry()
		o.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// NewRouter builds the service routes and middleware.
func NewRouter(opts Options) http.Handler {
	opts = opts.withDefaults()

	metrics := NewMetrics(opts.Registry)
	users := NewUserHandler(opts.Store, opts.Logger)

	r := chi.NewRouter()

	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(opts.Logger.Handler(), slog.LevelDebug),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(middleware.Heartbeat("/ping"))

	r.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{Registry: opts.Registry}))

	r.Get("/", welcomeHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/order", orderHandler(opts.Now))
		r.Post("/user", users.CreateUser)
		r.Get("/user/{id}", users.GetUser)
		r.Get("/users", users.ListUsers)
	})

	return r
}

// NewHTTPServer wraps handler in a server listening on port.
func NewHTTPServer(handler http.Handler, port int) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down.
func Serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
