package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"quota-shortener/auth"
	"quota-shortener/config"
	"quota-shortener/db"
	"quota-shortener/handlers"
	"quota-shortener/middleware"
	"quota-shortener/pkg/limiter"
	"quota-shortener/pkg/logger"
	"quota-shortener/ratelimit"
	"quota-shortener/registry"
	"quota-shortener/service"
)

// @title URL Shortener API
// @version 1.0
// @description API for shortening URLs with per-user daily creation quotas and per-link access quotas
// @host localhost:8080
// @BasePath /
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New("development")
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}

	log := logger.New(cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, users, ping, closeStore := openStore(cfg, log)
	defer closeStore()

	revoked := openRevocationList(ctx, cfg, log)

	provider, err := auth.NewProvider(users, revoked, auth.Config{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		TokenTTL: cfg.Auth.TokenTTL,
	}, log.With().Str("component", "auth").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize identity provider")
	}

	quotas := ratelimit.New(ratelimit.Config{
		MaxCreationsPerWindow: cfg.RateLimit.MaxCreationsPerWindow,
		MaxAccessesPerWindow:  cfg.RateLimit.MaxAccessesPerWindow,
		AccessWindow:          cfg.RateLimit.AccessWindow,
	})
	links := service.New(store, quotas, registry.New(), log.With().Str("component", "shortener").Logger())

	db.NewRetention(store, cfg.RateLimit.AccessWindow, cfg.RateLimit.RetentionInterval,
		log.With().Str("component", "retention").Logger()).Start(ctx)

	var ipGuard *middleware.RateLimiter
	if cfg.RateLimit.IPRequestsPerMinute > 0 {
		ipLimiter := limiter.NewRateLimiter(cfg.RateLimit.IPRequestsPerMinute, cfg.RateLimit.IPBurst)
		go ipLimiter.Run(ctx)
		ipGuard = middleware.NewRateLimitMiddleware(ipLimiter, log)
	}

	router := handlers.NewRouter(handlers.New(links, provider, ping), ipGuard, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("server is running")
		log.Info().Msgf("swagger documentation available at http://localhost:%s/swagger/index.html", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// openStore connects the configured backend. The memory backend keeps
// nothing across restarts.
func openStore(cfg *config.Config, log zerolog.Logger) (db.Store, db.UserStore, func(context.Context) error, func()) {
	if cfg.Database.Driver == "memory" {
		log.Warn().Msg("using in-memory store; data is lost on restart")
		mem := db.NewMemoryStore()
		return mem, mem, nil, func() {}
	}

	database, err := db.InitDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	log.Info().Str("host", cfg.Database.Host).Msg("successfully connected to PostgreSQL database")

	return database.Store, database.Store, database.Ping, func() {
		if err := database.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close database")
		}
	}
}

// openRevocationList uses Redis when REDIS_ADDR is set so logouts are shared
// between instances.
func openRevocationList(ctx context.Context, cfg *config.Config, log zerolog.Logger) auth.RevocationList {
	if cfg.Redis.Addr == "" {
		return auth.NewMemoryRevocationList()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect to redis")
	}
	return auth.NewRedisRevocationList(client)
}
