package main

import (
	"context"
	"expvar"
	"log"
	"runtime"

	"github.com/hilthontt/eventgate/internal/infrastructure/configs"
	"github.com/hilthontt/eventgate/internal/infrastructure/logging"
	"github.com/hilthontt/eventgate/internal/infrastructure/metrics"
	"github.com/hilthontt/eventgate/internal/infrastructure/ratelimiter"
	"github.com/hilthontt/eventgate/internal/infrastructure/registry"
	"github.com/hilthontt/eventgate/internal/infrastructure/security"
	"github.com/hilthontt/eventgate/internal/infrastructure/tracing"
	"github.com/hilthontt/eventgate/internal/infrastructure/ws"
	"github.com/hilthontt/eventgate/internal/presentation/api"
	"github.com/hilthontt/eventgate/internal/presentation/handler/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := configs.DetermineConfigPath()
	cfg, err := configs.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger := logging.NewLogger(&logging.LoggerConfig{
		FilePath: cfg.Logger.FilePath,
		Encoding: cfg.Logger.Encoding,
		Level:    cfg.Logger.Level,
		Logger:   cfg.Logger.Logger,
	})

	sh, err := tracing.InitTracer(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Tracing.Environment,
		Endpoint:    cfg.Tracing.Endpoint,
	})
	if err != nil {
		logger.Fatal(logging.General, logging.Startup, "failed to initialize the tracer", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer sh(context.Background())

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(promRegistry)

	bus := newEventBus(cfg, logger, collector)
	if err := bus.Connect(ctx); err != nil {
		logger.Fatal(logging.RabbitMQ, logging.Connect, "broker unavailable", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}

	verifier, err := security.NewJWTVerifier(security.VerifierConfig{
		Secret:   []byte(cfg.Auth.Secret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
	})
	if err != nil {
		logger.Fatal(logging.Auth, logging.Startup, "invalid auth config", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}

	tracker := newPresenceTracker(ctx, cfg, logger)
	defer tracker.Close()

	connections := registry.New()
	collector.RegisterStats(promRegistry, connections)

	gateway := ws.NewGateway(ws.Config{
		HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
		Encryption:       cfg.Gateway.Encryption,
		WriteWait:        cfg.Gateway.WriteWait,
		PongWait:         cfg.Gateway.PongWait,
		MaxMessageSize:   cfg.Gateway.MaxMessageSize,
		SendBuffer:       cfg.Gateway.SendBuffer,
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
	}, connections, verifier,
		ws.WithLogger(logger),
		ws.WithMetrics(collector),
		ws.WithPresence(tracker),
	)

	dispatcher, err := newDispatcher(cfg, gateway, bus, logger, collector)
	if err != nil {
		logger.Fatal(logging.Dispatcher, logging.Startup, "invalid dispatcher config", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}
	gateway.SetInboundHandler(dispatcher)

	if err := dispatcher.Bind(ctx, bus, cfg.Broker.Queue); err != nil {
		logger.Fatal(logging.RabbitMQ, logging.Consume, "failed to bind broker routes", map[logging.ExtraKey]any{
			logging.Queue:        cfg.Broker.Queue,
			logging.ErrorMessage: err.Error(),
		})
	}

	go gateway.RunSweeper(ctx, cfg.Gateway.SweepInterval, cfg.Gateway.MaxIdle)
	go gateway.RunPresenceHeartbeat(ctx, heartbeatInterval(cfg.Presence.TTL))

	rl := ratelimiter.New(ratelimiter.Options{
		MaxRatePerSecond: cfg.RateLimiter.MaxRatePerSecond,
		MaxBurst:         cfg.RateLimiter.MaxBurst,
		CacheTTL:         cfg.RateLimiter.CacheTTL,
		SourceHeaderKey:  cfg.RateLimiter.SourceHeaderKey,
	})
	defer rl.Close()

	healthHandler := health.NewHandler(gateway, bus)
	app := api.NewApplication(*cfg, gateway, healthHandler, logger, rl, collector, promRegistry)
	app.OnShutdown(gateway.Shutdown)
	app.OnShutdown(func(context.Context) error { return bus.Close() })

	expvar.Publish("goroutines", expvar.Func(func() any {
		return runtime.NumGoroutine()
	}))
	expvar.Publish("connections", expvar.Func(func() any {
		return connections.Stats()
	}))

	mux := app.Mount()
	if err := app.Run(mux); err != nil {
		logger.Fatal(logging.General, logging.Shutdown, "server stopped with error", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}
}
