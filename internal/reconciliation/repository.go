package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"
)

// defaultQueryTimeout bounds a single repository call.
const defaultQueryTimeout = 10 * time.Second

// idempotencyCacheTTL is how long a processed idempotency key is
// remembered in Redis before falling back to the Postgres unique
// index for the authoritative check.
const idempotencyCacheTTL = 24 * time.Hour

// Repository is the reconciliation server's persistence boundary:
// Postgres for authoritative state, Redis as a fast idempotency-key
// cache in front of it.
type Repository interface {
	GetOrCreateDevice(ctx context.Context, deviceID string, festivalID string) (*Device, error)
	SetDeviceKeys(ctx context.Context, deviceID, signingKeyHex, qrVerificationHex string) error
	GetDevice(ctx context.Context, deviceID string) (*Device, error)

	GetWallet(ctx context.Context, walletID string) (*AuthoritativeWallet, bool, error)

	// AlreadyProcessed reports whether idempotencyKey has already been
	// applied, consulting the Redis cache first and Postgres on a miss.
	AlreadyProcessed(ctx context.Context, idempotencyKey string) (*SyncedTransaction, bool, error)

	GetSyncedTransaction(ctx context.Context, serverTransactionID string) (*SyncedTransaction, bool, error)

	// ApplyTransaction atomically debits/credits the wallet and records
	// the SyncedTransaction, inside a single DB transaction so a crash
	// mid-apply can never leave the wallet balance and the synced
	// record disagreeing.
	ApplyTransaction(ctx context.Context, wallet AuthoritativeWallet, tx SyncedTransaction) error
}

type repository struct {
	db    *gorm.DB
	redis *redis.Client
}

func NewRepository(db *gorm.DB, redisClient *redis.Client) Repository {
	return &repository{db: db, redis: redisClient}
}

func (r *repository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultQueryTimeout)
}

func (r *repository) GetOrCreateDevice(ctx context.Context, deviceID string, festivalID string) (*Device, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var d Device
	err := r.db.WithContext(ctx).First(&d, "id = ?", deviceID).Error
	if err == nil {
		return &d, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("get device: %w", err)
	}

	d = Device{ID: deviceID, FestivalID: festivalID, CreatedAt: time.Now(), LastSeenAt: time.Now()}
	if err := r.db.WithContext(ctx).Create(&d).Error; err != nil {
		return nil, fmt.Errorf("create device: %w", err)
	}
	return &d, nil
}

func (r *repository) SetDeviceKeys(ctx context.Context, deviceID, signingKeyHex, qrVerificationHex string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	return r.db.WithContext(ctx).Model(&Device{}).Where("id = ?", deviceID).Updates(map[string]interface{}{
		"signing_key_hex":      signingKeyHex,
		"qr_verification_hex": qrVerificationHex,
		"last_seen_at":         time.Now(),
	}).Error
}

func (r *repository) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var d Device
	if err := r.db.WithContext(ctx).First(&d, "id = ?", deviceID).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *repository) GetWallet(ctx context.Context, walletID string) (*AuthoritativeWallet, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var w AuthoritativeWallet
	err := r.db.WithContext(ctx).First(&w, "wallet_id = ?", walletID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get wallet: %w", err)
	}
	return &w, true, nil
}

func (r *repository) AlreadyProcessed(ctx context.Context, idempotencyKey string) (*SyncedTransaction, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if r.redis != nil {
		cached, err := r.redis.Get(ctx, idempotencyCacheKey(idempotencyKey)).Result()
		if err == nil {
			// Cache hit tells us it's processed; fetch the full record
			// from Postgres for the server transaction id to return.
			var t SyncedTransaction
			if dbErr := r.db.WithContext(ctx).First(&t, "idempotency_key = ?", idempotencyKey).Error; dbErr == nil {
				return &t, true, nil
			}
			_ = cached
		}
	}

	var t SyncedTransaction
	err := r.db.WithContext(ctx).First(&t, "idempotency_key = ?", idempotencyKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("check idempotency: %w", err)
	}
	return &t, true, nil
}

func (r *repository) GetSyncedTransaction(ctx context.Context, serverTransactionID string) (*SyncedTransaction, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var t SyncedTransaction
	err := r.db.WithContext(ctx).First(&t, "server_transaction_id = ?", serverTransactionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get synced transaction: %w", err)
	}
	return &t, true, nil
}

func (r *repository) ApplyTransaction(ctx context.Context, wallet AuthoritativeWallet, tx SyncedTransaction) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	err := r.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		res := dbtx.Model(&AuthoritativeWallet{}).Where("wallet_id = ?", wallet.WalletID).Updates(map[string]interface{}{
			"balance":    wallet.Balance,
			"updated_at": time.Now(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			wallet.UpdatedAt = time.Now()
			if err := dbtx.Create(&wallet).Error; err != nil {
				return err
			}
		}
		if err := dbtx.Create(&tx).Error; err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrServerRejected, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if r.redis != nil {
		_ = r.redis.Set(ctx, idempotencyCacheKey(tx.IdempotencyKey), tx.ServerTransactionID, idempotencyCacheTTL).Err()
	}
	return nil
}

func idempotencyCacheKey(key string) string {
	return "reconciliation:idempotency:" + key
}
