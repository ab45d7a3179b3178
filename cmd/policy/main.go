// ==============================================================================
// MONETARY POLICY SERVICE MAIN - cmd/policy/main.go
// ==============================================================================
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"moneypolicy/internal/cards"
	"moneypolicy/internal/exchange"
	"moneypolicy/internal/fees"
	"moneypolicy/internal/handler"
	"moneypolicy/internal/ledger"
	"moneypolicy/internal/limits"
	"moneypolicy/internal/middleware"
	"moneypolicy/internal/policy"
	"moneypolicy/internal/rates"
	"moneypolicy/internal/repository/memory"
	"moneypolicy/internal/repository/postgres"
	"moneypolicy/internal/scheduler"
	"moneypolicy/pkg/cache"
	"moneypolicy/pkg/config"
	"moneypolicy/pkg/logger"
	"moneypolicy/pkg/metrics"
	"moneypolicy/pkg/validator"
)

// store is everything the engine persists.
type store interface {
	rates.Repository
	fees.Repository
	limits.Repository
	cards.Repository
	ledger.Store
	exchange.Repository
	policy.AuthorizationRepository
}

func main() {
	cfg := config.Load()
	log := logger.NewWithLevel("policy-service", cfg.LogLevel, os.Stdout)

	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}
	location, _ := time.LoadLocation(cfg.Policy.DefaultTimezone)

	log.Info("Starting Monetary Policy Service", map[string]interface{}{
		"port":    cfg.Server.Port,
		"storage": cfg.Policy.StorageDriver,
	})

	checks := make(map[string]handler.Check)

	var repo store
	switch cfg.Policy.StorageDriver {
	case config.StorageMemory:
		repo = memory.NewStore()
		log.Warn("Using in-memory storage; state is lost on restart", nil)
	default:
		db, err := sqlx.Connect("postgres", cfg.Database.URL)
		if err != nil {
			log.Fatal("Failed to connect to database", map[string]interface{}{
				"error": err.Error(),
			})
		}
		defer db.Close()

		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

		repo = postgres.NewStore(db)
		checks["database"] = db.PingContext
	}

	redisClient, err := cache.Connect(context.Background(), cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, 5*time.Second)
	if err != nil {
		log.Fatal("Failed to connect to Redis", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer redisClient.Close()
	checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }

	collector := metrics.NewCollector()

	// Initialize services
	rateSvc := rates.NewService(repo, log)
	feeSvc := fees.NewService(repo, cfg.Policy.MoneyScale, cfg.Policy.FeeMissingPolicy, log)
	limitSvc := limits.NewService(repo, location, collector, log)
	ledgerSvc := ledger.NewService(repo, log)
	cardSvc := cards.NewService(repo, ledgerSvc, log)
	processor := exchange.NewProcessor(repo, rateSvc, limitSvc, feeSvc, ledgerSvc, cfg.Policy.MoneyScale, location, collector, log)
	policySvc := policy.NewService(policy.Dependencies{
		Rates:          rateSvc,
		Fees:           feeSvc,
		Limits:         limitSvc,
		Cards:          cardSvc,
		Exchange:       processor,
		Ledger:         ledgerSvc,
		Transactions:   repo,
		Authorizations: repo,
		Metrics:        collector,
		Logger:         log,
		MoneyScale:     cfg.Policy.MoneyScale,
		Location:       location,
	})

	sweeper := scheduler.NewSweeper(limitSvc, cfg.Policy.ReservationMaxAge, cfg.Policy.SweepInterval, log)
	sweeper.Start()

	// Initialize handlers
	val := validator.New()
	routes := handler.Routes{
		Policy: handler.NewPolicyHandler(policySvc, ledgerSvc, val, log),
		Admin: handler.NewAdminHandler(handler.AdminServices{
			Rates:    rateSvc,
			Fees:     feeSvc,
			Limits:   limitSvc,
			Exchange: processor,
			Cards:    cardSvc,
			Ledger:   ledgerSvc,
		}, val, log),
		Stream: handler.NewRateStreamHandler(rateSvc, cfg.Policy.RateStreamInterval, cfg.Server.AllowedOrigins, val, log),
		System: handler.NewSystemHandler(checks, log),

		Auth:        middleware.NewAuthMiddleware(cfg.JWT.Secret, middleware.NewRedisTokenBlacklist(redisClient), log),
		RateLimiter: middleware.NewRateLimiter(redisClient, cfg.Policy.RateLimitPerMinute, time.Minute, log),
		Idempotency: middleware.NewIdempotencyMiddleware(redisClient, cfg.Policy.IdempotencyTTL, log),

		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Logger:         log,
	}
	if cfg.Metrics.Enabled {
		routes.Metrics = collector.Handler()
		routes.MetricsPath = cfg.Metrics.Path
	}
	r := handler.NewRouter(routes)

	// Start server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Monetary policy service started", map[string]interface{}{
			"address": srv.Addr,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down monetary policy service...", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Monetary policy service forced to shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	}
	sweeper.Stop()

	log.Info("Monetary policy service stopped gracefully", nil)
}
