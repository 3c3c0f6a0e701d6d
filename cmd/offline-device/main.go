// Command offline-device runs the POS-terminal side of the offline
// payment core: it keeps the local ledger, wallet cache, and QR cache
// warm and runs the dedicated sync task against the reconciliation
// server whenever connectivity is available.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/festivals-labs/offline-core/internal/config"
	"github.com/festivals-labs/offline-core/internal/device"
	"github.com/festivals-labs/offline-core/internal/domain/duplicate"
	"github.com/festivals-labs/offline-core/internal/domain/keystore"
	"github.com/festivals-labs/offline-core/internal/domain/ledger"
	"github.com/festivals-labs/offline-core/internal/domain/payment"
	"github.com/festivals-labs/offline-core/internal/domain/qrcache"
	"github.com/festivals-labs/offline-core/internal/domain/qrvalidator"
	"github.com/festivals-labs/offline-core/internal/domain/receipt"
	"github.com/festivals-labs/offline-core/internal/domain/signer"
	"github.com/festivals-labs/offline-core/internal/domain/syncprotocol"
	"github.com/festivals-labs/offline-core/internal/domain/walletcache"
	"github.com/festivals-labs/offline-core/internal/infrastructure/logging"
	"github.com/festivals-labs/offline-core/internal/infrastructure/metrics"
	"github.com/festivals-labs/offline-core/internal/infrastructure/storage"
	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"
	redisv9 "github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Logger = logging.Init(logging.Config{Environment: cfg.Environment, ServiceName: "offline-device"})

	m := metrics.Init("offline_core")

	sentryReporter, err := apperrors.NewSentryReporter(apperrors.SentryConfig{
		DSN:         os.Getenv("SENTRY_DSN"),
		Environment: cfg.Environment,
		ServerName:  "offline-device",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init sentry")
	}
	defer sentryReporter.Close(2 * time.Second)

	store := resolveStore(cfg.RedisURL, cfg.DataDir)

	ctx := context.Background()

	keys := keystore.New(store)
	dupGuard, err := duplicate.New(ctx, store, 7*24*time.Hour)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load duplicate guard")
	}
	dupGuard.SetMetrics(m)

	cache, err := walletcache.New(ctx, store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load wallet cache")
	}

	qrc, err := qrcache.New(ctx, store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load qr cache")
	}

	offlineLedger, err := ledger.New(ctx, store, dupGuard, cache)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load offline ledger")
	}
	offlineLedger.SetRetryCeiling(cfg.SyncRetryCeiling)

	sign := signer.New(keys)
	validator := payment.New(cache, offlineLedger)
	qrValidator := qrvalidator.New(keys, cache, dupGuard)

	deviceSecret, err := keys.GetOrCreateDeviceSecret(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to provision device secret")
	}
	receipts := receipt.New(deviceSecret)
	engine := device.NewEngine(validator, qrValidator, sign, offlineLedger, cache, qrc, receipts, keys, dupGuard)

	transport := syncprotocol.NewHTTPTransport(cfg.SyncEndpoint, cfg.BearerToken, cfg.SyncRequestTimeout)
	syncCfg := syncprotocol.Config{
		RetryCycleTimeout: cfg.SyncRetryCycleLimit,
		BackoffBase:       cfg.SyncBackoffBase,
		BackoffCap:        cfg.SyncBackoffCap,
	}
	protocol := syncprotocol.New(transport, offlineLedger, cache, keys, syncprotocol.NoopAlerter{}, syncCfg, log.Logger)
	protocol.SetMetrics(m)

	sessionTransport := syncprotocol.NewHTTPSessionTransport(cfg.AuthEndpoint, cfg.SyncRequestTimeout)
	provisioner := syncprotocol.NewProvisioner(sessionTransport, keys, cfg.FestivalID, log.Logger)
	provisioner.SetClockSkewWarnThreshold(cfg.ClockSkewWarnThreshold)
	protocol.SetProvisioner(provisioner)

	// Best-effort provisioning at startup: if the reconciliation server
	// is unreachable right now, SyncOnce retries EnsureSession on every
	// cycle, so a device that boots offline still provisions as soon as
	// connectivity returns.
	if token, _, err := provisioner.EnsureSession(ctx); err != nil {
		log.Warn().Err(err).Msg("initial session provisioning failed, will retry during sync cycles")
	} else if token != "" {
		transport.SetBearerToken(token)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	go protocol.RunLoop(runCtx, 15*time.Second)

	// Housekeeping: compact synced records, expire duplicate-guard
	// entries, purge stale display QRs.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				engine.Maintain(runCtx)
			}
		}
	}()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(sentryReporter.GinMiddleware())
	handler := device.NewHandler(engine, cfg.AllowDeviceSecretFallback)
	handler.SetMetrics(m)
	handler.RegisterRoutes(router.Group("/"))

	port := os.Getenv("DEVICE_PORT")
	if port == "" {
		port = "9090"
	}
	srv := &http.Server{Addr: ":" + port, Handler: router, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}

	go func() {
		log.Info().Str("port", port).Str("sync_endpoint", cfg.SyncEndpoint).Msg("offline-device started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start device server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down offline-device")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

// resolveStore binds the offline core's durable-state capability to
// Redis when a URL is configured, matching the production assumption
// that an embedded redis-server on the POS terminal survives process
// restarts; otherwise it falls back to an in-memory store suitable for
// development only.
func resolveStore(redisURL, prefix string) storage.Store {
	if redisURL == "" {
		log.Warn().Msg("REDIS_URL not set: using in-memory store, state will not survive a restart")
		return storage.NewMemStore()
	}
	opt, err := redisv9.ParseURL(redisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse REDIS_URL")
	}
	client := redisv9.NewClient(opt)
	return storage.NewRedisStore(client, prefix)
}
