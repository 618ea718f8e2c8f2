package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"log/slog"

	"github.com/careops/medstock-auth/internal/apikeys"
	"github.com/careops/medstock-auth/internal/config"
	"github.com/careops/medstock-auth/internal/handlers"
	"github.com/careops/medstock-auth/internal/mfa"
	"github.com/careops/medstock-auth/internal/notify"
	"github.com/careops/medstock-auth/internal/oauth"
	"github.com/careops/medstock-auth/internal/rate"
	"github.com/careops/medstock-auth/internal/security"
	"github.com/careops/medstock-auth/internal/session"
	"github.com/careops/medstock-auth/internal/storage"
	"github.com/careops/medstock-auth/libs/health"
	"github.com/careops/medstock-auth/libs/httpmiddleware"
	"github.com/careops/medstock-auth/libs/kafka"
	"github.com/careops/medstock-auth/libs/logging"
	"github.com/careops/medstock-auth/libs/metrics"
	"github.com/careops/medstock-auth/libs/trace"
)

func main() {
	cfg, err := config.Load(os.Getenv("MEDSTOCK_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.ServiceName, cfg.Env)
	shutdownTracer, err := trace.InitTracer(cfg.ServiceName, cfg.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.Env == "dev" {
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

	loginLimiter, otpLimiter, limiterClose, err := buildLimiters(cfg, logger)
	if err != nil {
		logger.Error("rate limiter init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = limiterClose()
	}()

	events, eventsClose := buildEvents(cfg, logger, registry)
	defer func() {
		_ = eventsClose()
	}()

	store := storage.New(pool)

	dispatcher := notify.NewSMTPDispatcher(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		User:     cfg.SMTP.User,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		AppName:  cfg.SMTP.AppName,
	})

	verifier := mfa.NewVerifier(store, dispatcher, otpLimiter, cfg.JWT.Issuer, logger)

	oauthClient := oauth.NewClient(buildOAuthConfig(cfg))

	issuer := session.NewIssuer(store, verifier, oauthClient, events, logger, []byte(cfg.JWT.Secret), cfg.JWT.Issuer)
	issuer.AccessTTL = cfg.JWT.AccessTTL
	issuer.RefreshTTL = cfg.JWT.RefreshTTL
	issuer.PendingTTL = cfg.JWT.PendingTTL
	issuer.Argon2 = security.Argon2Params{
		Memory:      cfg.Argon2.Memory,
		Iterations:  cfg.Argon2.Iterations,
		Parallelism: cfg.Argon2.Parallelism,
		SaltLength:  cfg.Argon2.SaltLength,
		KeyLength:   cfg.Argon2.KeyLength,
	}
	issuer.OAuthBypassSecondFactor = cfg.OAuth.BypassSecondFactor

	keys := apikeys.NewManager(store, events, logger, cfg.Env)

	handler := handlers.NewHandler(issuer, verifier, keys, logger, loginLimiter, []byte(cfg.JWT.Secret))

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler.RegisterRoutes(router)

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("auth service starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	waitForShutdown(server, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.MinConns = cfg.Database.MinConns
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildLimiters(cfg *config.Config, logger *slog.Logger) (login rate.Limiter, otp rate.Limiter, closeFn func() error, err error) {
	noop := func() error { return nil }

	if !cfg.RateLimit.Enabled {
		return nil, rate.NewMemory(1, cfg.RateLimit.OTPCooldown), noop, nil
	}

	if cfg.RateLimit.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.RedisAddr,
			Password: cfg.RateLimit.RedisPassword,
			DB:       cfg.RateLimit.RedisDB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if pingErr := client.Ping(ctx).Err(); pingErr != nil {
			_ = client.Close()
			if cfg.Env == "dev" || cfg.Env == "test" {
				logger.Warn("redis rate limiter unavailable, falling back to memory", "error", pingErr)
				return rate.NewMemory(cfg.RateLimit.LoginLimit, cfg.RateLimit.LoginWindow),
					rate.NewMemory(1, cfg.RateLimit.OTPCooldown), noop, nil
			}
			return nil, nil, nil, pingErr
		}

		return rate.NewRedisLimiter(client, cfg.RateLimit.LoginLimit, cfg.RateLimit.LoginWindow, "login"),
			rate.NewRedisLimiter(client, 1, cfg.RateLimit.OTPCooldown, "otp"), client.Close, nil
	}

	if cfg.Env == "dev" || cfg.Env == "test" {
		return rate.NewMemory(cfg.RateLimit.LoginLimit, cfg.RateLimit.LoginWindow),
			rate.NewMemory(1, cfg.RateLimit.OTPCooldown), noop, nil
	}

	return nil, nil, nil, fmt.Errorf("rate limiter redis not configured")
}

func buildEvents(cfg *config.Config, logger *slog.Logger, registry *prometheus.Registry) (*notify.EventPublisher, func() error) {
	if !cfg.Kafka.Enabled {
		return notify.NewEventPublisher(nil, logger), func() error { return nil }
	}

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafka.NewProducerMetrics(registry))
	if err != nil {
		logger.Warn("kafka producer unavailable, events disabled", "error", err)
		return notify.NewEventPublisher(nil, logger), func() error { return nil }
	}
	return notify.NewEventPublisher(producer, logger), producer.Close
}

func buildOAuthConfig(cfg *config.Config) oauth.Config {
	out := make(oauth.Config, len(cfg.OAuth.Providers))
	for name, p := range cfg.OAuth.Providers {
		out[oauth.Provider(name)] = oauth.ProviderConfig{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  p.RedirectURL,
			Scopes:       p.Scopes,
		}
	}
	return out
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
