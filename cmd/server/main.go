package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"

	"github.com/cynergists/be-partner-commissions/internal/client"
	"github.com/cynergists/be-partner-commissions/internal/config"
	"github.com/cynergists/be-partner-commissions/internal/database"
	"github.com/cynergists/be-partner-commissions/internal/handler"
	"github.com/cynergists/be-partner-commissions/internal/logger"
	"github.com/cynergists/be-partner-commissions/internal/middleware"
	"github.com/cynergists/be-partner-commissions/internal/repository"
	"github.com/cynergists/be-partner-commissions/internal/service"
	"github.com/cynergists/be-partner-commissions/internal/sweep"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Partner Commissions Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize Redis for the referral rate limiter
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis connection established")

	// Initialize NATS notification publisher. Notifications are best-effort;
	// a failed connection downgrades to a disabled publisher.
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.ReconnectWait(2*time.Second),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable, notifications disabled")
			natsConn = nil
		} else {
			defer natsConn.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}
	notifier := client.NewNotificationPublisher(natsConn, log.Logger)

	// Initialize repositories
	partnerRepo := repository.NewPartnerRepository(db)
	referralRepo := repository.NewReferralRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	commissionRepo := repository.NewCommissionRepository(db)
	payoutRepo := repository.NewPayoutRepository(db)
	webhookRepo := repository.NewWebhookRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	disputeRepo := repository.NewDisputeRepository(db)

	// Initialize services
	schedule, err := service.NewPayoutSchedule(cfg.Engine.PayoutTimezone, cfg.Engine.PayoutCutoffDay)
	if err != nil {
		log.Fatal().Err(err).Str("timezone", cfg.Engine.PayoutTimezone).Msg("Failed to load payout timezone")
	}

	limiter := service.NewRedisRateLimiter(rdb, cfg.Engine.RateLimitPerIP, cfg.Engine.RateLimitPerSlug, cfg.Engine.RateLimitBlock, log)
	commissionService := service.NewCommissionService(commissionRepo, partnerRepo, auditRepo, notifier, schedule,
		cfg.Engine.DefaultCommissionRate, cfg.Engine.ClawbackWindowDays, log)
	clawbackService := service.NewClawbackService(commissionRepo, auditRepo, notifier, log)
	payoutService := service.NewPayoutService(payoutRepo, commissionRepo, partnerRepo, auditRepo, notifier, schedule, log)
	riskService := service.NewRiskService(partnerRepo, notifier, cfg.Engine.RiskMediumThreshold, cfg.Engine.RiskHighThreshold, log)
	attributionService := service.NewAttributionService(referralRepo, partnerRepo, limiter, log)
	intakeService := service.NewIntakeService(webhookRepo, paymentRepo, commissionService, clawbackService, notifier, log)
	disputeService := service.NewDisputeService(disputeRepo, commissionRepo, auditRepo, notifier, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(intakeService, attributionService, riskService, payoutService,
		disputeService, partnerRepo, payoutRepo, auditRepo, notificationRepo, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	mux.HandleFunc("/api/v1/webhooks/payments", httpHandler.PaymentWebhook)
	mux.HandleFunc("/api/v1/webhooks/retry", httpHandler.RetryFailedWebhooks)
	mux.HandleFunc("/api/v1/referrals", httpHandler.SubmitReferral)
	mux.HandleFunc("/api/v1/partners/risk", httpHandler.UpdateRisk)
	mux.HandleFunc("/api/v1/partners/dashboard", httpHandler.GetDashboard)
	mux.HandleFunc("/api/v1/payouts", httpHandler.ListPayouts)
	mux.HandleFunc("/api/v1/payouts/batch", httpHandler.CreatePayoutBatch)
	mux.HandleFunc("/api/v1/payouts/reconcile", httpHandler.ReconcilePayout)
	mux.HandleFunc("/api/v1/payouts/mark-paid", httpHandler.MarkPayoutPaid)
	mux.HandleFunc("/api/v1/payouts/cancel", httpHandler.CancelPayout)
	mux.HandleFunc("/api/v1/audit", httpHandler.ListAudit)
	mux.HandleFunc("/api/v1/disputes/open", httpHandler.OpenDispute)
	mux.HandleFunc("/api/v1/disputes/resolve", httpHandler.ResolveDispute)
	mux.HandleFunc("/api/v1/notifications/summary", httpHandler.NotificationSummary)
	mux.HandleFunc("/api/v1/notifications/resolve", httpHandler.ResolveNotification)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start the lifecycle sweeper
	sweeper := sweep.New(commissionService, payoutService, cfg.Engine.SweepInterval, log)
	go sweeper.Run(ctx)
	log.Info().Dur("interval", cfg.Engine.SweepInterval).Msg("Lifecycle sweeper started")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
