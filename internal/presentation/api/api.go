package api

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hilthontt/eventgate/internal/infrastructure/configs"
	"github.com/hilthontt/eventgate/internal/infrastructure/logging"
	"github.com/hilthontt/eventgate/internal/infrastructure/metrics"
	"github.com/hilthontt/eventgate/internal/infrastructure/ratelimiter"
	healthHandler "github.com/hilthontt/eventgate/internal/presentation/handler/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ShutdownHook runs before the HTTP server stops accepting requests.
type ShutdownHook func(ctx context.Context) error

type Application struct {
	config        configs.Config
	gateway       http.Handler
	healthHandler *healthHandler.Handler
	logger        logging.Logger
	ratelimiter   ratelimiter.Limiter
	metrics       *metrics.Collector
	gatherer      prometheus.Gatherer
	hooks         []ShutdownHook
}

func NewApplication(
	config configs.Config,
	gateway http.Handler,
	healthHandler *healthHandler.Handler,
	logger logging.Logger,
	ratelimiter ratelimiter.Limiter,
	metrics *metrics.Collector,
	gatherer prometheus.Gatherer,
) *Application {
	return &Application{
		config:        config,
		gateway:       gateway,
		healthHandler: healthHandler,
		logger:        logger,
		ratelimiter:   ratelimiter,
		metrics:       metrics,
		gatherer:      gatherer,
	}
}

// OnShutdown registers hooks run in order when a stop signal arrives.
func (app *Application) OnShutdown(hook ShutdownHook) {
	app.hooks = append(app.hooks, hook)
}

func (app *Application) Mount() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(app.loggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(app.prometheusMiddleware)
	r.Use(app.enableCors)

	// Upgrades are long lived: no timeout, but the handshake is rate limited.
	r.With(app.rateLimiterMiddleware).Get("/ws", app.gateway.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/health", app.healthHandler.GetHealth)
		r.Get("/healthz", app.healthHandler.GetHealth)
		r.Get("/ready", app.healthHandler.GetHealth)
		r.Get("/live", app.healthHandler.GetLive)

		r.Handle("/metrics", promhttp.HandlerFor(app.gatherer, promhttp.HandlerOpts{}))
		r.Handle("/debug/vars", expvar.Handler())
	})

	return otelhttp.NewHandler(r, "eventgate.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (app *Application) Addr() string {
	return net.JoinHostPort(app.config.HTTP.Host, strconv.Itoa(int(app.config.HTTP.Port)))
}

func (app *Application) shutdown(ctx context.Context) error {
	app.healthHandler.MarkUnhealthy()

	var errs []error
	for _, hook := range app.hooks {
		if err := hook(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (app *Application) Run(mux http.Handler) error {
	srv := &http.Server{
		Addr:         app.Addr(),
		Handler:      mux,
		WriteTimeout: app.config.HTTP.WriteTimeout,
		ReadTimeout:  app.config.HTTP.ReadTimeout,
		IdleTimeout:  time.Minute,
	}

	shutdown := make(chan error)

	go func() {
		quit := make(chan os.Signal, 1)

		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		s := <-quit

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		app.logger.Info(logging.General, logging.Shutdown, "signal caught", map[logging.ExtraKey]any{
			"signal": s.String(),
		})

		hookErr := app.shutdown(ctx)
		shutdown <- errors.Join(hookErr, srv.Shutdown(ctx))
	}()

	app.logger.Info(logging.General, logging.Startup, "server has started", map[logging.ExtraKey]any{
		"addr": srv.Addr,
	})

	err := srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}

	err = <-shutdown
	if err != nil {
		return err
	}

	app.logger.Info(logging.General, logging.Shutdown, "server has stopped", map[logging.ExtraKey]any{
		"addr": srv.Addr,
	})

	return nil
}
