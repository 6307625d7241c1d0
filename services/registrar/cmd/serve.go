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
	"github.com/spf13/cobra"

	"github.com/grigta/registrar/pkg/cache"
	"github.com/grigta/registrar/pkg/crypto"
	"github.com/grigta/registrar/pkg/database"
	"github.com/grigta/registrar/pkg/logger"
	"github.com/grigta/registrar/pkg/messaging"
	"github.com/grigta/registrar/pkg/middleware"
	"github.com/grigta/registrar/services/registrar/internal/browser"
	"github.com/grigta/registrar/services/registrar/internal/callback"
	"github.com/grigta/registrar/services/registrar/internal/classifier"
	"github.com/grigta/registrar/services/registrar/internal/handlers"
	"github.com/grigta/registrar/services/registrar/internal/notify"
	"github.com/grigta/registrar/services/registrar/internal/repository"
	"github.com/grigta/registrar/services/registrar/internal/service"
)

const (
	shutdownTimeout   = 30 * time.Second
	limiterSweepEvery = 5 * time.Minute
	jwtTokenTTL       = 12 * time.Hour
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the registrar API, queue workers and browser pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	log.Info("Starting registrar service", logger.F("env", infraCfg.App.Env))

	mongoDB, err := database.NewMongoDB(infraCfg.MongoDB.URI, infraCfg.MongoDB.Database, infraCfg.MongoDB.Timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	defer mongoDB.Close()

	redisCache, err := cache.NewRedisCache(infraCfg.Redis.Host, infraCfg.Redis.Port, infraCfg.Redis.Password, infraCfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer redisCache.Close()

	// Every queue worker needs an unacked delivery of its own.
	prefetch := max(infraCfg.RabbitMQ.Prefetch, regCfg.Workers.Concurrency)
	broker, err := messaging.NewClient(infraCfg.RabbitMQ.URL, prefetch)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer broker.Close()

	if err := broker.SetupTopology(messaging.RegistrarTopology()); err != nil {
		return fmt.Errorf("failed to setup RabbitMQ topology: %w", err)
	}

	if infraCfg.Encryption.Passphrase == "" {
		return errors.New("ENCRYPTION_KEY is required to store account credentials")
	}
	encryptor, err := crypto.NewEncryptorFromPassphrase(infraCfg.Encryption.Passphrase, infraCfg.Encryption.Salt)
	if err != nil {
		return fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	accountRepo := repository.NewAccountRepository(mongoDB, encryptor, log.WithField("component", "account_repository"))
	statusRepo := repository.NewStatusRepository(redisCache, regCfg.Workers.StatusTTL, log.WithField("component", "status_repository"))
	if err := accountRepo.CreateIndexes(ctx); err != nil {
		log.Error("Failed to create indexes", logger.Err(err))
	}

	metrics := service.NewMetricsCollector(nil)

	manager := browser.NewManager(regCfg.ToManagerConfig(), metrics, log.WithField("component", "browser_manager"))
	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize browser manager: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			log.Error("Failed to shutdown browser manager", logger.Err(err))
		}
	}()

	listeners := []callback.Listeners{callback.LogListeners(log.WithField("component", "registration"))}
	var asyncListeners []callback.Listeners
	if regCfg.Telegram.BotToken != "" {
		tgBot, err := notify.NewTelegramBot(regCfg.Telegram.BotToken)
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		notifier := notify.NewTelegramNotifier(tgBot, regCfg.Telegram.ChatIDs, log.WithField("component", "telegram"))
		asyncListeners = append(asyncListeners, notifier.Listeners())
	}

	registrar := service.NewRegistrarService(service.Options{
		Sessions:    manager,
		Detector:    classifier.New(regCfg.ToIndicators()),
		Config:      regCfg.ToOrchestratorConfig(),
		Concurrency: regCfg.Workers.Concurrency,
		Accounts:    accountRepo,
		Statuses:    statusRepo,
		Publisher:   broker,
		Metrics:     metrics,
		Passwords:   crypto.NewPasswordGenerator(),
		Listeners:      listeners,
		AsyncListeners: asyncListeners,
	}, log.WithField("component", "registrar"))

	// Runs left active by a previous process can never finish.
	staleAfter := 2 * regCfg.Challenge.Timeout
	if n, err := registrar.ReconcileStale(ctx, staleAfter); err != nil {
		log.Warn("Failed to reconcile stale runs", logger.Err(err))
	} else if n > 0 {
		log.Info("Reconciled stale runs", logger.F("count", n))
	}

	if regCfg.Workers.Queue {
		if err := registrar.StartWorkers(ctx, broker); err != nil {
			return fmt.Errorf("failed to start workers: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", infraCfg.App.HTTPPort),
		Handler:           newRouter(ctx, registrar, manager),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", logger.F("port", infraCfg.App.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	log.Info("Shutting down registrar service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := registrar.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("registrar: %w", err))
	}

	log.Info("Registrar service stopped")
	return errors.Join(errs...)
}

func newRouter(ctx context.Context, registrar service.RegistrarService, pool handlers.PoolReporter) *gin.Engine {
	if infraCfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.CORS(middleware.DefaultCORSConfig()))

	var auth *middleware.JWTAuth
	if infraCfg.JWT.Secret != "" {
		auth = middleware.NewJWTAuth(infraCfg.JWT.Secret, jwtTokenTTL)
	} else {
		log.Warn("JWT_SECRET is not set, API is unauthenticated")
	}

	var limiter *middleware.RateLimiter
	if infraCfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(infraCfg.RateLimit.Rate, infraCfg.RateLimit.Burst)
		go sweepLimiter(ctx, limiter)
	}

	handlers.NewHTTPHandler(registrar, auth, limiter, log.WithField("component", "http")).
		WithPool(pool).
		RegisterRoutes(router)
	return router
}

func sweepLimiter(ctx context.Context, limiter *middleware.RateLimiter) {
	ticker := time.NewTicker(limiterSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Cleanup(); n > 0 {
				log.Debug("Dropped idle rate limiter entries", logger.F("count", n))
			}
		}
	}
}
