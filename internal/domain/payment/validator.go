// Package payment computes the effective balance for a wallet and
// authorizes payment intents offline.
package payment

import (
	"context"
	"time"

	"github.com/festivals-labs/offline-core/internal/domain/ledger"
	"github.com/festivals-labs/offline-core/internal/domain/model"
	"github.com/festivals-labs/offline-core/internal/domain/walletcache"
	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"
)

// staleCacheThreshold is the age of lastSyncedAt beyond which a
// non-fatal StaleCache warning is attached.
const staleCacheThreshold = time.Hour

// Result is the outcome of a successful authorization.
type Result struct {
	Valid            bool
	Wallet           model.CachedWallet
	EffectiveBalance int64
	Warning          string // "" or "StaleCache"
	StaleHours       int64
}

// Validator computes effective balance and authorizes payment intents
// against the local cache and ledger.
type Validator struct {
	cache  *walletcache.Cache
	ledger *ledger.Ledger
}

func New(cache *walletcache.Cache, l *ledger.Ledger) *Validator {
	return &Validator{cache: cache, ledger: l}
}

// Authorize checks walletID can cover amount right now: cached balance
// minus the pending offline debits already committed against it.
func (v *Validator) Authorize(ctx context.Context, walletID string, amount int64) (Result, error) {
	if walletID == "" {
		return Result{}, apperrors.New(apperrors.KindValidation, apperrors.ErrInvalidWalletID, nil)
	}
	if amount <= 0 {
		return Result{}, apperrors.New(apperrors.KindValidation, apperrors.ErrInvalidAmount, nil)
	}

	wallet, ok := v.cache.Get(ctx, walletID)
	if !ok {
		return Result{}, apperrors.New(apperrors.KindAuthorization, apperrors.ErrNotCached, nil)
	}

	pending, err := v.ledger.PendingTotalForWallet(walletID)
	if err != nil {
		return Result{}, err
	}

	effective := wallet.Balance - pending
	if amount > effective {
		return Result{}, apperrors.New(apperrors.KindAuthorization, apperrors.ErrInsufficientBalance, map[string]interface{}{
			"available": effective,
		})
	}

	result := Result{
		Valid:            true,
		Wallet:           wallet,
		EffectiveBalance: effective,
	}

	staleFor := time.Now().UnixMilli() - wallet.LastSyncedAt
	if staleFor > staleCacheThreshold.Milliseconds() {
		result.Warning = "StaleCache"
		result.StaleHours = staleFor / int64(time.Hour/time.Millisecond)
	}
	return result, nil
}
