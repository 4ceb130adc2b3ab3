package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/atalii/ac-mon/internal/config"
	"github.com/atalii/ac-mon/internal/domain"
	"github.com/atalii/ac-mon/internal/handler"
	"github.com/atalii/ac-mon/internal/notify"
	"github.com/atalii/ac-mon/internal/protocol"
	"github.com/atalii/ac-mon/internal/resolver"
	"github.com/atalii/ac-mon/internal/session"
	"github.com/atalii/ac-mon/internal/store"
	"github.com/atalii/ac-mon/internal/supervisor"
	"github.com/atalii/ac-mon/internal/transport"
	pkglog "github.com/atalii/ac-mon/pkg/log"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("AC_MON_CONFIG"), "path to the config file")
	pflag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, ServiceName: "ac-mon"})
	logger := pkglog.L()

	logger.Info().Int("rooms", len(cfg.Rooms)).Str("dialect", cfg.Protocol.Dialect).Msg("starting ac-mon")

	// Resolver
	specs := make([]resolver.MarkerSpec, 0, len(cfg.Resolver.Markers))
	for _, m := range cfg.Resolver.Markers {
		specs = append(specs, resolver.MarkerSpec{Name: m.Name, Param: m.Param, Pattern: m.Pattern, Required: m.Required})
	}
	markers, err := resolver.CompileMarkers(specs)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid resolver markers")
	}
	ticketResolver := resolver.New(resolver.Config{
		MaxHops:      cfg.Resolver.MaxHops,
		Timeout:      cfg.Resolver.Timeout,
		UserAgent:    cfg.Resolver.UserAgent,
		MaxBodyBytes: cfg.Resolver.MaxBodyBytes,
		TicketTTL:    cfg.Resolver.TicketTTL,
		Markers:      markers,
	})

	// Wire codec
	codec, err := protocol.New(cfg.Protocol.Dialect, protocol.Options{
		RTMPURL: cfg.Protocol.RTMPURL,
		SWFURL:  cfg.Protocol.SWFURL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid protocol dialect")
	}

	dialer := transport.NewWSDialer(transport.WSConfig{
		HandshakeTimeout: cfg.Session.HandshakeTimeout,
		MaxMessageSize:   cfg.Session.MaxMessageSize,
	})

	// Change notifier
	publisher, err := notify.NewPublisher(notify.Config{
		Driver:    cfg.Notify.Driver,
		QueueSize: cfg.Notify.QueueSize,
		Redis: notify.RedisConfig{
			Address:   cfg.Notify.Redis.Address,
			Password:  cfg.Notify.Redis.Password,
			DB:        cfg.Notify.Redis.DB,
			Channel:   cfg.Notify.Redis.Channel,
			KeyPrefix: cfg.Notify.Redis.KeyPrefix,
		},
		Kafka: notify.KafkaConfig{
			Brokers:    cfg.Notify.Kafka.Brokers,
			Topic:      cfg.Notify.Kafka.Topic,
			Partitions: cfg.Notify.Kafka.Partitions,
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Notify.Driver).Msg("failed to create notify publisher")
	}
	defer publisher.Close()

	dispatcher := notify.NewDispatcher(publisher, cfg.Notify.QueueSize)

	// Status store
	statusStore := store.New(cfg.Rooms, store.WithChangeHook(dispatcher.Notify))

	sessionCfg := session.Config{
		Endpoint:          cfg.Session.Endpoint,
		Origin:            cfg.Session.Origin,
		UserAgent:         cfg.Resolver.UserAgent,
		JoinTimeout:       cfg.Session.JoinTimeout,
		HeartbeatTimeout:  cfg.Session.HeartbeatTimeout,
		WriteTimeout:      cfg.Session.WriteTimeout,
		BackoffBase:       cfg.Session.BackoffBase,
		BackoffMax:        cfg.Session.BackoffMax,
		MaxProtocolErrors: cfg.Session.MaxProtocolErrors,
		TicketMaxFailures: cfg.Session.TicketMaxFailures,
		WarnAfterFailures: cfg.Session.WarnAfterFailures,
	}

	sup := supervisor.New(supervisor.Config{
		MaxConcurrentConnects: cfg.Supervisor.MaxConcurrentConnects,
		RestartInterval:       cfg.Supervisor.RestartInterval,
		RestartBurst:          cfg.Supervisor.RestartBurst,
		ShutdownGrace:         cfg.Supervisor.ShutdownGrace,
	}, cfg.Rooms, func(room domain.RoomConfig, gate *supervisor.Gate) supervisor.Runner {
		return session.New(room, sessionCfg, session.Deps{
			Resolver: ticketResolver,
			Dialer:   dialer,
			Codec:    codec,
			Store:    statusStore,
			Gate:     gate,
		})
	})

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))

	httpHandler := handler.NewHandler(statusStore, cfg.Rooms)
	httpHandler.RegisterRoutes(r)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sup.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("ac-mon listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info().Msg("shutting down ac-mon")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("ac-mon exited with error")
	}

	dispatcher.Stop()
	select {
	case <-dispatcher.Done():
	case <-time.After(5 * time.Second):
		logger.Warn().Int64("dropped", dispatcher.Dropped()).Msg("notify dispatcher did not drain in time")
	}

	logger.Info().Int64("session_restarts", sup.Restarts()).Int64("notify_dropped", dispatcher.Dropped()).Msg("ac-mon stopped")
}
