// Command reconciliation-server runs the authoritative server side of
// the offline payment core: bearer-authed batch sync, session/key
// issuance, and Postgres/Redis-backed persistence of wallets and
// synced transactions.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/festivals-labs/offline-core/internal/config"
	"github.com/festivals-labs/offline-core/internal/infrastructure/database"
	"github.com/festivals-labs/offline-core/internal/infrastructure/logging"
	"github.com/festivals-labs/offline-core/internal/infrastructure/metrics"
	"github.com/festivals-labs/offline-core/internal/infrastructure/queue"
	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"
	"github.com/festivals-labs/offline-core/internal/reconciliation"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Logger = logging.Init(logging.Config{Environment: cfg.Environment, ServiceName: "reconciliation-server"})

	m := metrics.Init("offline_reconciliation")

	sentryReporter, err := apperrors.NewSentryReporter(apperrors.SentryConfig{
		DSN:         os.Getenv("SENTRY_DSN"),
		Environment: cfg.Environment,
		ServerName:  "reconciliation-server",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init sentry")
	}
	defer sentryReporter.Close(2 * time.Second)

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse redis url")
	}
	redisClient := redis.NewClient(opt)

	repo := reconciliation.NewRepository(db, redisClient)
	auth := reconciliation.NewAuthenticator(repo, []byte(cfg.JWTSecret), 12*time.Hour)
	service := reconciliation.NewService(repo, cfg.AsyncBatchThreshold, log.Logger)
	service.SetMetrics(m)
	service.SetSentry(sentryReporter)
	service.SetMaxTxAge(cfg.MaxOfflineTxAge)

	queueClient, err := queue.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect asynq client")
	}
	service.SetAsyncEnqueuer(reconciliation.EnqueueBatch(queueClient))

	asynqServer, err := queue.NewServer(queue.ServerConfig{RedisURL: cfg.RedisURL, Concurrency: 10})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start asynq server")
	}
	reconciliation.NewSyncWorker(service).RegisterHandlers(asynqServer)
	go func() {
		if err := asynqServer.Run(); err != nil {
			log.Fatal().Err(err).Msg("asynq server stopped")
		}
	}()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(sentryReporter.GinMiddleware())
	router.Use(m.GinMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	router.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	reconciliation.NewHandler(service, auth).RegisterRoutes(router.Group("/"))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("reconciliation-server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down reconciliation-server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	asynqServer.Shutdown()
	sqlDB, _ := db.DB()
	if sqlDB != nil {
		_ = sqlDB.Close()
	}
	_ = redisClient.Close()

	log.Info().Msg("reconciliation-server exited properly")
}
