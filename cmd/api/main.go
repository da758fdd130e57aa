package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/davidleathers/auction-monitor-backend/internal/api/rest"
	"github.com/davidleathers/auction-monitor-backend/internal/api/websocket"
	"github.com/davidleathers/auction-monitor-backend/internal/domain/auction"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/auth"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/config"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/store"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/upstream"
	"github.com/davidleathers/auction-monitor-backend/internal/metrics"
	"github.com/davidleathers/auction-monitor-backend/internal/service/monitor"
	"github.com/davidleathers/auction-monitor-backend/internal/service/pipeline"
	"github.com/davidleathers/auction-monitor-backend/internal/service/strategy"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("auction-monitor: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := telemetry.SetupLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.InitMetrics(&telemetry.Config{
		ServiceName:    "auction-monitor",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn("metric pipeline shutdown failed", zap.Error(err))
		}
	}()

	reg, err := metrics.NewRegistry()
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	st, err := store.New(&cfg.Store, reg, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	signer := auth.NewSigner(cfg.Auth.SigningSecret)
	cipher, err := auth.NewCookieCipher(cfg.Auth.EncryptionSecret)
	if err != nil {
		return fmt.Errorf("initializing cookie cipher: %w", err)
	}

	client := upstream.NewClient(&cfg.Upstream, signer, reg, logger)

	var fetcher upstream.Fetcher = client
	var breaker *upstream.Breaker
	if cfg.Breaker.Enabled {
		breaker = upstream.NewBreaker(client, &cfg.Breaker, logger, func(c upstream.StateChange) {
			if c.To == upstream.BreakerOpen {
				reg.BreakerOpens.Add(context.Background(), 1)
			}
		})
		fetcher = breaker
	}

	hub := websocket.NewHub(&cfg.Hub, cfg.Auth.Token, reg, logger)
	engine := strategy.NewEngine(fetcher, reg, logger)
	coord := monitor.New(cfg, st, engine, hub, cipher, client, reg, logger)

	router := pipeline.NewRouter(ctx, &cfg.Upstream, &cfg.Pipeline, cfg.Breaker.Cooldown,
		fetcher, client.Cookies, coord.Sink, logger)
	router.OnSwitch(func(auctionID string, to auction.Source) {
		reg.PipelineSwitches.Add(context.Background(), 1, metrics.WithAuction(auctionID))
	})
	coord.SetRouter(router)
	hub.SetHandler(coord)

	if err := coord.Recover(ctx); err != nil {
		logger.Warn("state recovery incomplete", zap.Error(err))
	}

	go router.Run()
	go hub.Run(ctx)

	// The coordinator flushes auction state on shutdown; main waits for it.
	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		coord.Run(ctx)
	}()

	server := rest.NewServer(cfg, hub, coord, st, breaker, signer, provider.Registry, logger)

	logger.Info("auction monitor starting",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Server.Port),
	)

	if err := server.Run(ctx); err != nil {
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}

	stop()
	<-coordDone

	logger.Info("auction monitor stopped")
	return nil
}
