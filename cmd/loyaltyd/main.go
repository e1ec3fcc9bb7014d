package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/perkstack/loyalty-core/internal/cache"
	"github.com/perkstack/loyalty-core/internal/config"
	"github.com/perkstack/loyalty-core/internal/handlers"
	"github.com/perkstack/loyalty-core/internal/qr"
	"github.com/perkstack/loyalty-core/internal/qrcrypto"
	"github.com/perkstack/loyalty-core/internal/rate"
	"github.com/perkstack/loyalty-core/internal/security"
	"github.com/perkstack/loyalty-core/internal/storage"
	"github.com/perkstack/loyalty-core/libs/health"
	"github.com/perkstack/loyalty-core/libs/httpmiddleware"
	"github.com/perkstack/loyalty-core/libs/kafka"
	"github.com/perkstack/loyalty-core/libs/logging"
	"github.com/perkstack/loyalty-core/libs/metrics"
	"github.com/perkstack/loyalty-core/libs/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	ready := health.NewManager(true)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	ready.AddCheck("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})

	store := storage.New(pool)

	redisClient, nonces := buildRedis(cfg, logger, ready)
	if redisClient != nil {
		defer func() {
			_ = redisClient.Close()
		}()
	}

	alerts := buildAlerts(cfg, logger, registry)
	if alerts != nil {
		defer func() {
			_ = alerts.Close()
		}()
	}

	secOpts := security.Options{
		Persister:   store,
		AlertsTopic: cfg.Kafka.AlertsTopic,
	}
	if alerts != nil {
		secOpts.Alerts = alerts
	}
	secLogger := security.NewLogger(secOpts, logger)
	defer secLogger.Close()

	limiter := rate.New(rate.Config{
		Scan: rate.Limits{
			MaxAttempts: cfg.RateLimit.ScanMaxAttempts,
			Window:      cfg.RateLimit.ScanWindow,
			BlockFor:    cfg.RateLimit.ScanBlock,
			DailyMax:    cfg.RateLimit.ScanDailyMax,
		},
		GlobalIP: rate.Limits{
			MaxAttempts: cfg.RateLimit.GlobalIPMax,
			Window:      cfg.RateLimit.GlobalIPWindow,
			DailyMax:    cfg.RateLimit.GlobalIPDaily,
		},
		SuspicionBlock: cfg.RateLimit.SuspicionBlock,
		MaxRecords:     cfg.RateLimit.MaxRecords,
		CleanupEvery:   cfg.RateLimit.CleanupEvery,
	}, buildRateStore(cfg, redisClient, store), logger)
	defer limiter.Close()

	generator, err := qr.NewGenerator(devFallback(cfg, cfg.QR.SecretKey, "qr signing"), cfg.QR.MaxTTL)
	if err != nil {
		logger.Error("qr generator init failed", "error", err)
		os.Exit(1)
	}
	cryptoSvc, err := qrcrypto.NewService(devFallback(cfg, cfg.QR.EncryptionKey, "qr encryption"), logger)
	if err != nil {
		logger.Error("qr crypto init failed", "error", err)
		os.Exit(1)
	}

	qrHandler := handlers.NewQRHandler(generator, cryptoSvc, limiter, secLogger, store, nonces, cfg.QR.NonceTTL, logger)
	adminHandler := handlers.NewAdminHandler(secLogger, limiter)

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	jwtSecret := []byte(devFallback(cfg, cfg.JWTSecret, "jwt"))
	qrHandler.RegisterRoutes(router, jwtSecret)
	adminHandler.RegisterRoutes(router, jwtSecret)

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("loyalty-core starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	waitForShutdown(server, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildRedis(cfg *config.Config, logger *slog.Logger, ready *health.Manager) (*redis.Client, handlers.NonceRegistry) {
	if cfg.Redis.Addr == "" {
		if cfg.App.IsDevLike() {
			logger.Warn("redis not configured, replay protection and cache disabled")
			return nil, nil
		}
		logger.Error("redis required outside dev")
		os.Exit(1)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if cfg.App.IsDevLike() {
			logger.Warn("redis unavailable, replay protection and cache disabled", "error", err)
			return nil, nil
		}
		logger.Error("redis connection failed", "error", err)
		os.Exit(1)
	}

	ready.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	return client, cache.New(client, cfg.Redis.Prefix)
}

// buildRateStore prefers redis for limiter persistence and falls back to the
// postgres rate_limit_records table when redis is absent.
func buildRateStore(cfg *config.Config, redisClient *redis.Client, store *storage.Store) rate.Store {
	if redisClient != nil {
		return rate.NewRedisStore(redisClient, cfg.Redis.Prefix+"rl:")
	}
	return store
}

func buildAlerts(cfg *config.Config, logger *slog.Logger, registry *prometheus.Registry) *kafka.SyncProducer {
	if len(cfg.Kafka.Brokers) == 0 {
		logger.Warn("kafka not configured, security alerts disabled")
		return nil
	}

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafka.NewProducerMetrics(registry))
	if err != nil {
		if cfg.App.IsDevLike() {
			logger.Warn("kafka unavailable, security alerts disabled", "error", err)
			return nil
		}
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	return producer
}

// devFallback supplies a throwaway secret in dev/test so the service starts
// without configuration. Production secrets are enforced by config.Load.
func devFallback(cfg *config.Config, secret, name string) string {
	if secret != "" {
		return secret
	}
	return "insecure-dev-" + name + "-secret-0000000000"
}

func waitForShutdown(server *http.Server, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutdown started")
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		return
	}
	logger.Info("shutdown complete")
}
