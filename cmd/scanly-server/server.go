package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/scanly/scanly/pkg/scanly/apikeys"
	"github.com/scanly/scanly/pkg/scanly/auth"
	"github.com/scanly/scanly/pkg/scanly/config"
	"github.com/scanly/scanly/pkg/scanly/database"
	"github.com/scanly/scanly/pkg/scanly/dnsverify"
	"github.com/scanly/scanly/pkg/scanly/domains"
	"github.com/scanly/scanly/pkg/scanly/events"
	"github.com/scanly/scanly/pkg/scanly/links"
	"github.com/scanly/scanly/pkg/scanly/metrics"
	"github.com/scanly/scanly/pkg/scanly/ratelimit"
	"github.com/scanly/scanly/pkg/scanly/recorder"
	"github.com/scanly/scanly/pkg/scanly/redirect"
	"github.com/scanly/scanly/pkg/scanly/unlock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 15 * time.Second

// deps are the long-lived components the router is built from.
type deps struct {
	cfg      *config.Config
	db       *gorm.DB
	log      *zap.Logger
	metrics  *metrics.Metrics
	limiter  ratelimit.Limiter
	recorder recorder.Recorder
	resolver dnsverify.Resolver
}

func runServe(ctx context.Context) error {
	cfg, log, db, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	m := metrics.New()

	rdb, err := connectRedis(cfg, log)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}
	limiter := ratelimit.New(ratelimit.Config{Limit: cfg.RateLimit.Limit, Window: cfg.RateLimit.Window}, rdb, log)

	publisher, err := newPublisher(cfg, log)
	if err != nil {
		return err
	}
	defer publisher.Close()

	rec := newRecorder(cfg, db, publisher, log, m)
	rec.Start()
	// Stopped after the HTTP server so in-flight scans are flushed.
	defer rec.Stop()

	router := newRouter(deps{
		cfg:      cfg,
		db:       db,
		log:      log,
		metrics:  m,
		limiter:  limiter,
		recorder: rec,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting Scanly server", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	log.Info("HTTP server stopped gracefully")
	return nil
}

func newRecorder(cfg *config.Config, db *gorm.DB, publisher events.Publisher, log *zap.Logger, m *metrics.Metrics) *recorder.BufferedRecorder {
	return recorder.NewBuffered(db, publisher, log, m, recorder.Options{
		BufferSize:     cfg.Recorder.BufferSize,
		FlushInterval:  cfg.Recorder.FlushInterval,
		FlushThreshold: cfg.Recorder.FlushThreshold,
	})
}

func connectRedis(cfg *config.Config, log *zap.Logger) (*redis.Client, error) {
	if cfg.Redis.Address == "" {
		return nil, nil
	}
	rdb, err := database.ConnectRedis(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	log.Info("Connected to Redis", zap.String("address", cfg.Redis.Address))
	return rdb, nil
}

func newPublisher(cfg *config.Config, log *zap.Logger) (events.Publisher, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		log.Info("Kafka not configured, scan events are not published")
		return events.NopPublisher{}, nil
	}
	p, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		return nil, fmt.Errorf("create kafka publisher: %w", err)
	}
	log.Info("Publishing scan events", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	return p, nil
}

// newRouter wires every handler. The redirect catch-all goes last.
func newRouter(d deps) *gin.Engine {
	cfg := d.cfg
	tokens := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(d.metrics.Handler()))
	if cfg.Server.HomePath == "/" {
		r.GET("/", func(c *gin.Context) {
			c.String(http.StatusOK, "Scanly")
		})
	}
	r.GET(cfg.Server.ExpiredPath, func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.String(http.StatusGone, "This link is no longer available.")
	})

	api := r.Group("/api")
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "ok",
				"service": "scanly",
			})
		})

		// Combined auth middleware (accepts JWT or API key)
		combinedAuth := apikeys.CombinedAuthMiddleware(d.db, tokens)

		authHandler := auth.NewHandler(d.db, tokens)
		authHandler.RegisterRoutes(api.Group("/auth"), combinedAuth)

		// API keys routes (JWT only - need to be logged in to manage keys)
		apiKeysHandler := apikeys.NewHandler(d.db)
		apiKeysHandler.RegisterRoutes(api.Group("", auth.AuthMiddleware(tokens)))

		linksHandler := links.NewHandler(d.db)
		linksHandler.RegisterRoutes(api.Group("", combinedAuth))

		checker := dnsverify.NewChecker(d.resolver, cfg.Server.PlatformHost, cfg.DNS.Timeout)
		domainsHandler := domains.NewHandler(d.db, checker, d.log, d.metrics)
		domainsHandler.RegisterRoutes(api.Group("", combinedAuth))
	}

	unlockHandler := unlock.NewHandler(d.db, d.recorder,
		unlock.NewThrottle(cfg.Unlock.Attempts, cfg.Unlock.Window),
		d.log, d.metrics, unlock.Options{
			FormPath:       cfg.Server.PasswordPath,
			HomePath:       cfg.Server.HomePath,
			ExpiredPath:    cfg.Server.ExpiredPath,
			CountryHeaders: cfg.Recorder.CountryHeaders,
		})
	unlockHandler.RegisterRoutes(r)

	// Redirect routes (public, must be registered LAST to avoid conflicts)
	redirectHandler := redirect.NewHandler(d.db, d.recorder, d.limiter, d.log, d.metrics, redirect.Options{
		PlatformHost:   cfg.Server.PlatformHost,
		HomePath:       cfg.Server.HomePath,
		ExpiredPath:    cfg.Server.ExpiredPath,
		PasswordPath:   cfg.Server.PasswordPath,
		CountryHeaders: cfg.Recorder.CountryHeaders,
		SkipBots:       cfg.Recorder.SkipBots,
	})
	redirectHandler.RegisterRoutes(r)

	return r
}
