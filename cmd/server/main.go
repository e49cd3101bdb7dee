package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ametov/metergate/internal/admin"
	"github.com/ametov/metergate/internal/auth"
	"github.com/ametov/metergate/internal/authcache"
	"github.com/ametov/metergate/internal/bus"
	"github.com/ametov/metergate/internal/config"
	"github.com/ametov/metergate/internal/ledger"
	"github.com/ametov/metergate/internal/logger"
	"github.com/ametov/metergate/internal/pipeline"
	"github.com/ametov/metergate/internal/pricing"
	"github.com/ametov/metergate/internal/providers"
	"github.com/ametov/metergate/internal/router"
	"github.com/ametov/metergate/internal/store"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	st, err := store.NewPostgres(&store.PostgresConfig{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	// Without Redis the gateway still runs on a process-local bus; cache
	// invalidations then only reach this instance.
	var sink bus.Sink
	var source bus.Source
	var pinger router.Pinger
	if cfg.Redis.URL != "" {
		redisBus, err := bus.NewRedis(cfg.Redis.URL, cfg.Redis.Channel, log)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer func() { _ = redisBus.Close() }()
		sink, source, pinger = redisBus, redisBus, redisBus
	} else {
		log.Warn("REDIS_URL not set, cache invalidations stay process-local")
		memBus := bus.NewMemory()
		sink, source, pinger = memBus, memBus, memBus
	}

	cache := authcache.New(authcache.Config{
		TTL:        cfg.Cache.TTL,
		MaxEntries: cfg.Cache.MaxEntries,
		Logger:     log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() { _ = cache.Run(ctx, source) }()

	resolver := auth.NewResolver(cache, st, log)
	pricer := pricing.New(cache, st, log)
	ldg := ledger.New(st, pricer, cache, log)

	adapters := map[providers.Dialect]providers.Adapter{}
	if cfg.Providers.OpenAI.APIKey != "" {
		openaiCfg := providers.Config{
			APIKey:  cfg.Providers.OpenAI.APIKey,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
			Timeout: cfg.Providers.OpenAI.Timeout,
		}
		for _, dialect := range []providers.Dialect{providers.DialectOpenAIChat, providers.DialectOpenAIResponses} {
			adapter, err := providers.NewOpenAI(dialect, openaiCfg, log)
			if err != nil {
				log.Fatal("Failed to build OpenAI adapter", zap.Error(err))
			}
			adapters[dialect] = adapter
		}
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		adapters[providers.DialectAnthropicMessages] = providers.NewAnthropic(providers.Config{
			APIKey:  cfg.Providers.Anthropic.APIKey,
			BaseURL: cfg.Providers.Anthropic.BaseURL,
			Timeout: cfg.Providers.Anthropic.Timeout,
		}, log)
	}
	if len(adapters) == 0 {
		log.Warn("No provider API keys configured, all completion requests will fail")
	}

	pipe := pipeline.New(resolver, ldg, adapters, log)
	adminHandler := admin.NewHandler(st, sink, cfg.Admin.APIKey, log)

	mainRouter := router.New(&router.Config{
		Config:   cfg,
		Logger:   log,
		Pipeline: pipe,
		Admin:    adminHandler,
		Store:    st,
		Bus:      pinger,
	})

	mainServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mainRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: router.NewMetrics(),
	}

	go func() {
		log.Info("Metrics server listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		log.Info("Gateway listening", zap.Int("port", cfg.Server.Port))
		if err := mainServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Gateway server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	if err := mainServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Gateway shutdown failed", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Metrics shutdown failed", zap.Error(err))
	}

	// Let in-flight settlements finish so accepted usage is not dropped.
	pipe.Wait()
	log.Info("Shutdown complete")
}
