package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/tokligence/tokligence-chatstream/internal/admission"
	"github.com/tokligence/tokligence-chatstream/internal/config"
	"github.com/tokligence/tokligence-chatstream/internal/coordinator"
	"github.com/tokligence/tokligence-chatstream/internal/health"
	"github.com/tokligence/tokligence-chatstream/internal/httpserver"
	"github.com/tokligence/tokligence-chatstream/internal/logging"
	"github.com/tokligence/tokligence-chatstream/internal/metrics"
	"github.com/tokligence/tokligence-chatstream/internal/moderation"
	"github.com/tokligence/tokligence-chatstream/internal/persistence"
	"github.com/tokligence/tokligence-chatstream/internal/persistence/postgres"
	"github.com/tokligence/tokligence-chatstream/internal/persistence/sqlite"
	"github.com/tokligence/tokligence-chatstream/internal/provider/loopback"
	"github.com/tokligence/tokligence-chatstream/internal/provider/openai"
	"github.com/tokligence/tokligence-chatstream/internal/provider/router"
	"github.com/tokligence/tokligence-chatstream/internal/ratelimit"
	"github.com/tokligence/tokligence-chatstream/internal/sessionstore"
	"github.com/tokligence/tokligence-chatstream/internal/sessionstore/memory"
	"github.com/tokligence/tokligence-chatstream/internal/sessionstore/redisstore"
	"github.com/tokligence/tokligence-chatstream/internal/tokens"
	"github.com/tokligence/tokligence-chatstream/internal/tracing"
	"github.com/tokligence/tokligence-chatstream/internal/version"
	"github.com/tokligence/tokligence-chatstream/internal/worker"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	mode := "development"
	if cfg.Production() {
		mode = "production"
	}
	logger, err := logging.New(logging.Options{
		Mode:         mode,
		Level:        cfg.LogLevel,
		File:         cfg.LogFile,
		FileMaxBytes: cfg.LogFileMaxBytes,
	})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("chatstreamd exited with error", "error", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}

// closer collects teardown steps run in reverse order.
type closer []func()

func (c *closer) add(fn func()) { *c = append(*c, fn) }

func (c closer) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	var cleanup closer
	defer cleanup.run()

	logger.Info("chatstreamd starting", "version", version.FullInfo(), "environment", cfg.Environment, "address", cfg.HTTPAddress)

	shutdownTracing, err := tracing.Init(ctx, logger, tracing.Config{
		Enabled:     cfg.OTelEnabled,
		ServiceName: "chatstreamd",
		Environment: cfg.Environment,
		Version:     version.Version,
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
		Headers:     cfg.OTelHeaders,
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	cleanup.add(func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	})

	m := metrics.New()

	var redisClient *redis.Client
	if cfg.SessionStore == "redis" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			return fmt.Errorf("ping redis: %w", err)
		}
		cleanup.add(func() { _ = redisClient.Close() })
	}
	store, storeProbe := openSessionStore(cfg, redisClient)
	logger.Info("session store ready", "driver", cfg.SessionStore)

	persist, err := openPersistence(cfg)
	if err != nil {
		return err
	}
	cleanup.add(func() { _ = persist.Close() })
	logger.Info("persistence ready", "driver", cfg.PersistenceDriver)

	routes, err := buildRouter(cfg, logger)
	if err != nil {
		return err
	}

	mod, err := moderation.New(moderation.Config{Mode: cfg.ModerationMode, RulesFile: cfg.ModerationRulesFile}, logger)
	if err != nil {
		return fmt.Errorf("init moderation: %w", err)
	}

	var policy admission.Policy = admission.FIFO{}
	if cfg.AdmissionPolicy == "weighted" {
		policy = admission.NewWeightedTenants(cfg.TenantWeights)
	}

	coord, err := coordinator.New(coordinator.Config{
		MaxBufferedChunks: cfg.MaxBufferedChunks,
		IdempotencyTTL:    cfg.IdempotencyTTL,
		RecoveryGrace:     cfg.RecoveryGrace,
		ShutdownGrace:     cfg.ShutdownGrace,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ChunkRetention:    cfg.ChunkRetention,
		SessionLinger:     cfg.SessionLinger,
		HistoryTurns:      cfg.HistoryTurns,
		DefaultModel:      cfg.DefaultModel,
		Worker:            workerConfig(cfg),
	}, coordinator.Deps{
		Store:       store,
		Persistence: persist,
		Strategy:    routes,
		Classes:     routes,
		Moderator:   mod,
		Tokens:      tokens.New(cfg.TokenEncoding, logger),
		Metrics:     m,
		Logger:      logger,
		Admission: admission.Config{
			Classes:        cfg.AdmissionClasses,
			DefaultClass:   cfg.DefaultClass,
			TenantCeiling:  cfg.TenantCeiling,
			TenantCeilings: cfg.TenantCeilings,
		},
		Policy: policy,
	})
	if err != nil {
		return fmt.Errorf("init coordinator: %w", err)
	}
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	var limitStore ratelimit.Store
	if redisClient != nil {
		limitStore = ratelimit.NewRedisStore(redisClient, cfg.RedisPrefix)
	}
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Store:   limitStore,
		Default: ratelimit.Rate{RequestsPerSecond: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst},
	}, logger)
	cleanup.add(func() { _ = limiter.Close() })

	checker := health.New(health.Config{Probes: []health.Probe{
		{Name: "session_store", Type: cfg.SessionStore, Critical: true, Target: storeProbe},
		{Name: "persistence", Type: cfg.PersistenceDriver, Critical: false, Target: persist},
	}})

	api, err := httpserver.New(httpserver.Options{
		Coordinator:           coord,
		Health:                checker,
		Metrics:               m,
		Logger:                logger,
		Limiter:               limiter,
		RateLimitEnabled:      cfg.RateLimitEnabled,
		WebSocketWriteTimeout: cfg.WebSocketWriteTimeout,
	})
	if err != nil {
		return fmt.Errorf("init http server: %w", err)
	}

	// Streams outlive any write timeout, so only reads and idle connections
	// are bounded.
	srv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("chatstream server listening", "address", cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("chatstreamd shutting down", "active_sessions", coord.ActiveSessions())

		// The coordinator drains first so that open streams receive their
		// terminal events before the listener goes away.
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
		defer cancel()
		if err := coord.Shutdown(sctx); err != nil {
			logger.Warn("coordinator shutdown incomplete", "error", err)
		}
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("graceful http shutdown failed", "error", err)
			_ = srv.Close()
		}
		return nil
	})
	return g.Wait()
}

func workerConfig(cfg config.Config) worker.Config {
	return worker.Config{
		MaxAttempts:    cfg.WorkerMaxAttempts,
		AttemptTimeout: cfg.WorkerAttemptTimeout,
		RetryDelay:     cfg.WorkerRetryDelay,
	}
}

func openSessionStore(cfg config.Config, client *redis.Client) (sessionstore.Store, health.Pinger) {
	if client != nil {
		s := redisstore.New(client, redisstore.Options{KeyPrefix: cfg.RedisPrefix, MessageTTL: cfg.IdempotencyTTL})
		return s, s
	}
	s := memory.New(memory.Options{MessageTTL: cfg.IdempotencyTTL})
	return s, s
}

func openPersistence(cfg config.Config) (persistence.Store, error) {
	switch cfg.PersistenceDriver {
	case "none":
		return persistence.Nop{}, nil
	case "postgres":
		s, err := postgres.New(cfg.PersistenceDSN, cfg.PostgresMaxOpen, cfg.PostgresMaxIdle, cfg.PostgresConnLifetime, cfg.PostgresConnIdle)
		if err != nil {
			return nil, fmt.Errorf("open postgres persistence: %w", err)
		}
		return s, nil
	default:
		s, err := sqlite.New(cfg.PersistenceDSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite persistence %s: %w", cfg.PersistenceDSN, err)
		}
		return s, nil
	}
}

// buildRouter registers loopback always and OpenAI when a key is configured,
// then applies model routes and class routes.
func buildRouter(cfg config.Config, logger *logging.Logger) (*router.Router, error) {
	r := router.New()
	if err := r.RegisterProvider(loopback.New(cfg.LoopbackDelay)); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		oa, err := openai.New(openai.Config{
			APIKey:       cfg.OpenAIAPIKey,
			BaseURL:      cfg.OpenAIBaseURL,
			Organization: cfg.OpenAIOrg,
			IdleTimeout:  cfg.OpenAIIdle,
		})
		if err != nil {
			return nil, fmt.Errorf("init openai provider: %w", err)
		}
		if err := r.RegisterProvider(oa); err != nil {
			return nil, err
		}
	} else if cfg.Provider == "openai" {
		logger.Warn("openai provider selected without an api key, falling back to loopback")
	}

	fallback := cfg.Provider
	if fallback == "" || (fallback == "openai" && strings.TrimSpace(cfg.OpenAIAPIKey) == "") {
		fallback = "loopback"
	}
	if err := r.SetFallback(fallback); err != nil {
		return nil, err
	}

	for _, rule := range cfg.Routes {
		chain := splitChain(rule.Target)
		if err := r.RegisterRoute(rule.Pattern, chain...); err != nil {
			logger.Warn("route rule rejected", "pattern", rule.Pattern, "target", rule.Target, "error", err)
		}
	}
	for _, rule := range cfg.ClassRoutes {
		if err := r.RegisterClass(rule.Pattern, rule.Target); err != nil {
			logger.Warn("class route rejected", "pattern", rule.Pattern, "class", rule.Target, "error", err)
		}
	}
	r.SetDefaultClass(cfg.DefaultClass)
	logger.Info("provider routing configured", "fallback", fallback, "routes", len(cfg.Routes), "class_routes", len(cfg.ClassRoutes))
	return r, nil
}

func splitChain(target string) []string {
	var out []string
	for _, name := range strings.Split(target, "|") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}
