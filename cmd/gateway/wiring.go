package main

import (
	"context"
	"time"

	"github.com/hilthontt/eventgate/internal/infrastructure/configs"
	"github.com/hilthontt/eventgate/internal/infrastructure/events"
	"github.com/hilthontt/eventgate/internal/infrastructure/logging"
	"github.com/hilthontt/eventgate/internal/infrastructure/messaging"
	"github.com/hilthontt/eventgate/internal/infrastructure/metrics"
	"github.com/hilthontt/eventgate/internal/infrastructure/presence"
)

func newEventBus(cfg *configs.Config, logger logging.Logger, collector *metrics.Collector) *messaging.EventBus {
	opts := []messaging.Option{
		messaging.WithLogger(logger),
		messaging.WithMetrics(collector),
	}

	// The memory driver keeps everything in process, for local runs.
	if cfg.Broker.Driver == "memory" {
		opts = append(opts, messaging.WithDialer(messaging.NewMemoryBroker().Dial))
	}

	return messaging.NewEventBus(messaging.Config{
		URI:                cfg.Broker.URI,
		Exchange:           cfg.Broker.Exchange,
		DeadLetterExchange: cfg.Broker.DeadLetterExchange,
		ConnectAttempts:    cfg.Broker.ConnectAttempts,
		InitialBackoff:     cfg.Broker.InitialBackoff,
		MaxBackoff:         cfg.Broker.MaxBackoff,
		Prefetch:           cfg.Broker.Prefetch,
	}, opts...)
}

func newPresenceTracker(ctx context.Context, cfg *configs.Config, logger logging.Logger) presence.Tracker {
	switch cfg.Presence.Driver {
	case "redis":
		tracker, err := presence.NewRedisTracker(ctx, presence.RedisConfig{
			Addr:     cfg.Presence.Redis.Addr,
			Password: cfg.Presence.Redis.Password,
			DB:       cfg.Presence.Redis.DB,
			TTL:      cfg.Presence.TTL,
		}, logger)
		if err != nil {
			logger.Fatal(logging.Redis, logging.Startup, "presence store unavailable", map[logging.ExtraKey]any{
				logging.ErrorMessage: err.Error(),
			})
		}
		return tracker
	case "memory":
		return presence.NewMemoryTracker(cfg.Presence.TTL, nil)
	default:
		return presence.Noop{}
	}
}

func routesFrom(cfg []configs.RouteConfig) []events.Route {
	routes := make([]events.Route, 0, len(cfg))
	for _, rc := range cfg {
		routes = append(routes, events.Route{
			Pattern:   rc.Pattern,
			Target:    events.Target(rc.Target),
			Field:     rc.Field,
			EventType: rc.EventType,
		})
	}
	return routes
}

func newDispatcher(
	cfg *configs.Config,
	gateway events.Gateway,
	pub events.Publisher,
	logger logging.Logger,
	collector *metrics.Collector,
) (*events.Dispatcher, error) {
	d, err := events.NewDispatcher(gateway,
		events.WithLogger(logger),
		events.WithMetrics(collector),
		events.WithRoutes(routesFrom(cfg.Dispatcher.Routes)...),
		events.WithFloodProtection(events.FloodConfig{
			MaxMalformed: cfg.Dispatcher.Flood.MaxMalformed,
			Window:       cfg.Dispatcher.Flood.Window,
		}),
	)
	if err != nil {
		return nil, err
	}

	d.RegisterBuiltins()
	for _, f := range cfg.Dispatcher.Forwards {
		d.RegisterHandler(f.EventType, events.Forward(f.RoutingKey, pub))
	}

	return d, nil
}

// heartbeatInterval refreshes presence twice per TTL, never faster than once a
// second.
func heartbeatInterval(ttl time.Duration) time.Duration {
	return max(ttl/2, time.Second)
}
