package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"fleettrack/internal/cache"
	"fleettrack/internal/config"
	"fleettrack/internal/domain"
	"fleettrack/internal/handler"
	"fleettrack/internal/hub"
	"fleettrack/internal/middleware"
	"fleettrack/internal/telemetry"
	"fleettrack/internal/telemetry/amqpchannel"
	"fleettrack/internal/telemetry/natschannel"
	"fleettrack/internal/telemetry/wschannel"
	"fleettrack/internal/tracker"
	"fleettrack/pkg/fleetapi"
	"fleettrack/pkg/gtfsrt"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting fleettrack server",
		"log_level", cfg.LogLevel.String(),
		"http_addr", cfg.HTTPAddr,
		"telemetry_mode", cfg.TelemetryMode,
		"redis_enabled", cfg.RedisEnabled,
	)

	api := fleetapi.New(cfg.FleetAPIURL, cfg.Session(), cfg.FleetAPITimeout)

	source, channel, err := buildSource(cfg, api, logger)
	if err != nil {
		logger.Error("failed to build telemetry source", "error", err)
		os.Exit(1)
	}

	track := tracker.New(source, tracker.Options{
		TrailCapacity: cfg.TrailCapacity,
		Center:        cfg.MapCenter,
		Zoom:          cfg.MapZoom,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var persister *cache.Persister
	if cfg.RedisEnabled {
		redisCache, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		if err != nil {
			logger.Warn("redis unavailable, running without state persistence", "error", err)
		} else {
			defer redisCache.Close()
			persister = cache.NewPersister(redisCache, track, cfg.InstanceName, cfg.StateTTL, logger)
			persister.OnSave(func(err error) {
				if err != nil {
					handler.ServerStats.IncStateSaveErrors()
					return
				}
				handler.ServerStats.IncStateSaves()
			})
			if found, err := persister.Restore(ctx); err != nil {
				logger.Warn("failed to restore tracker state", "error", err)
			} else if found {
				handler.ServerStats.MarkStateRestored()
			}
		}
	}

	wsHub := hub.NewHub(cfg.TileZoomLevel, logger)
	track.Subscribe(wsHub.Broadcast)

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerWindow, cfg.RateLimitWindow, cfg.RateLimitWhitelist, logger,
		middleware.WithOnBlocked(func(string) { handler.ServerStats.IncRateLimitBlocked() }))

	httpHandler := handler.NewHTTPHandler(track, handler.WithVehicleLookup(api))
	wsHandler := handler.NewWSHandler(wsHub, track, logger)
	healthHandler := handler.NewHealthHandler(track)
	statsHandler := handler.NewStatsHandler(track)

	v1 := http.NewServeMux()
	v1.HandleFunc("GET /v1/vehicles", httpHandler.ListVehicles)
	v1.HandleFunc("GET /v1/vehicles/{id}", httpHandler.GetVehicle)
	v1.HandleFunc("GET /v1/selection", httpHandler.GetSelection)
	v1.HandleFunc("POST /v1/selection", httpHandler.PostSelection)
	v1.HandleFunc("GET /v1/trail", httpHandler.GetTrail)
	v1.HandleFunc("GET /v1/trail/{id}", httpHandler.GetTrailFor)
	v1.HandleFunc("GET /v1/viewport", httpHandler.GetViewport)
	v1.HandleFunc("POST /v1/viewport", httpHandler.PostViewport)
	v1.HandleFunc("GET /v1/status", httpHandler.GetStatus)
	v1.HandleFunc("GET /v1/stats", statsHandler.GetStats)

	mux := http.NewServeMux()
	mux.Handle("/v1/", handler.GzipMiddleware(v1))
	// websocket upgrades must bypass gzip
	mux.HandleFunc("GET /v1/ws", wsHandler.ServeWS)
	mux.HandleFunc("GET /healthz", healthHandler.Healthz)
	mux.HandleFunc("GET /readyz", healthHandler.Readyz)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.CORSMiddleware(handler.CountRequests(limiter.Middleware(mux))),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go wsHub.Run(ctx)
	go limiter.Run(ctx)

	persistDone := make(chan struct{})
	if persister != nil {
		go func() {
			defer close(persistDone)
			persister.Run(ctx, cfg.StateSaveInterval)
		}()
	} else {
		close(persistDone)
	}

	if err := track.Start(ctx); err != nil {
		logger.Error("failed to start tracker", "error", err)
		os.Exit(1)
	}
	defer track.Stop()

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	if err := track.Stop(); err != nil {
		logger.Warn("tracker stop error", "error", err)
	}
	if channel != nil {
		if err := channel.Close(); err != nil {
			logger.Warn("telemetry channel close error", "error", err)
		}
	}

	cancel()
	<-persistDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}

// buildSource picks the telemetry strategy. The returned channel is nil
// unless the source is push based.
func buildSource(cfg *config.Config, api *fleetapi.Client, logger *slog.Logger) (telemetry.Source, telemetry.Channel, error) {
	switch cfg.TelemetryMode {
	case config.ModePoll:
		var fetcher telemetry.Fetcher = api
		if cfg.GTFSRTURL != "" {
			fetcher = gtfsrt.NewFeed(cfg.GTFSRTURL, cfg.PollTimeout)
		}
		return telemetry.NewPollSource(fetcher, cfg.PollInterval, cfg.PollTimeout, logger), nil, nil

	case config.ModeSimulate:
		var bookings telemetry.BookingProvider
		if cfg.SimBookingID != "" {
			bookings = telemetry.BookingFunc(func(ctx context.Context) (*domain.Booking, error) {
				return api.GetBooking(ctx, cfg.SimBookingID)
			})
		} else {
			b, err := config.LoadBooking(cfg.SimBookingFile)
			if err != nil {
				return nil, nil, err
			}
			bookings = telemetry.StaticBooking(*b)
		}
		return telemetry.NewSimulatedSource(bookings, cfg.SimInterval, logger), nil, nil

	default:
		var channel telemetry.Channel
		switch cfg.PushTransport {
		case config.TransportNATS:
			var opts []natschannel.Option
			if user, password, ok := cfg.NatsCredentials(); ok {
				opts = append(opts, natschannel.WithUserInfo(user, password))
			} else if cfg.FleetAPIToken != "" {
				opts = append(opts, natschannel.WithToken(cfg.FleetAPIToken))
			}
			channel = natschannel.New(cfg.PushURL, cfg.PushReconnectDelay, logger, opts...)
		case config.TransportAMQP:
			channel = amqpchannel.New(cfg.PushURL, cfg.AMQPExchange, cfg.PushReconnectDelay, logger)
		default:
			channel = wschannel.New(cfg.PushURL, cfg.FleetAPIToken, cfg.PushReconnectDelay, logger)
		}
		return telemetry.NewPushSource(channel, cfg.PushTopic, fleetapi.DecodeVehicles, logger), channel, nil
	}
}
