// Package device composes the offline-core components into the single
// request flow a POS terminal actually drives: authorize, sign,
// record, receipt.
package device

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/festivals-labs/offline-core/internal/domain/duplicate"
	"github.com/festivals-labs/offline-core/internal/domain/keystore"
	"github.com/festivals-labs/offline-core/internal/domain/ledger"
	"github.com/festivals-labs/offline-core/internal/domain/model"
	"github.com/festivals-labs/offline-core/internal/domain/offlinecrypto"
	"github.com/festivals-labs/offline-core/internal/domain/payment"
	"github.com/festivals-labs/offline-core/internal/domain/qrcache"
	"github.com/festivals-labs/offline-core/internal/domain/qrvalidator"
	"github.com/festivals-labs/offline-core/internal/domain/receipt"
	"github.com/festivals-labs/offline-core/internal/domain/signer"
	"github.com/festivals-labs/offline-core/internal/domain/walletcache"
	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"
)

// qrTTL is how long a device-generated display QR remains valid.
const qrTTL = 2 * time.Minute

// PurchaseRequest is an operator-entered sale against a wallet already
// resolved via QR scan or manual lookup.
type PurchaseRequest struct {
	WalletID                  string
	UserID                    string
	CustomerName              string
	Amount                    int64
	Items                     []model.LineItem
	StandID                   string
	StandName                 string
	StaffID                   string
	AllowDeviceSecretFallback bool
}

// Engine is the device-side orchestrator: it has no state of its own
// beyond the components it wires, so it is safe to construct fresh
// per-request or keep long-lived.
type Engine struct {
	validator   *payment.Validator
	qrValidator *qrvalidator.Validator
	signer      *signer.Signer
	ledger      *ledger.Ledger
	cache       *walletcache.Cache
	qrCache     *qrcache.Cache
	receipts    *receipt.Generator
	keys        *keystore.KeyStore
	dup         *duplicate.Guard
}

func NewEngine(validator *payment.Validator, qrValidator *qrvalidator.Validator, sign *signer.Signer, l *ledger.Ledger, cache *walletcache.Cache, qrCache *qrcache.Cache, receipts *receipt.Generator, keys *keystore.KeyStore, dup *duplicate.Guard) *Engine {
	return &Engine{validator: validator, qrValidator: qrValidator, signer: sign, ledger: l, cache: cache, qrCache: qrCache, receipts: receipts, keys: keys, dup: dup}
}

// ProcessPurchase authorizes req against the cached wallet balance,
// signs the resulting offline transaction, and records it Pending in
// the ledger. It is the device-local counterpart of the reconciliation
// server's applyOne, run entirely without network access.
func (e *Engine) ProcessPurchase(ctx context.Context, req PurchaseRequest) (model.OfflineTransaction, error) {
	if len(req.Items) > 0 {
		var itemTotal int64
		for _, item := range req.Items {
			itemTotal += item.TotalPrice
		}
		if itemTotal != req.Amount {
			return model.OfflineTransaction{}, apperrors.New(apperrors.KindValidation, apperrors.ErrInvalidAmount, map[string]interface{}{
				"amount":    req.Amount,
				"itemTotal": itemTotal,
			})
		}
	}

	result, err := e.validator.Authorize(ctx, req.WalletID, req.Amount)
	if err != nil {
		return model.OfflineTransaction{}, err
	}

	receiptID, err := e.receipts.GenerateReceiptId()
	if err != nil {
		return model.OfflineTransaction{}, err
	}

	deviceID, err := e.keys.DeviceIdentifier(ctx)
	if err != nil {
		return model.OfflineTransaction{}, err
	}

	now := time.Now()
	txType := model.TransactionPurchase
	if len(req.Items) == 0 {
		txType = model.TransactionPayment
	}

	shortRandom, err := offlinecrypto.RandomBytes(4)
	if err != nil {
		return model.OfflineTransaction{}, err
	}

	t := model.OfflineTransaction{
		ID:             offlinecrypto.UUIDv4(),
		ReceiptID:      receiptID,
		Type:           txType,
		WalletID:       req.WalletID,
		UserID:         req.UserID,
		CustomerName:   req.CustomerName,
		Amount:         req.Amount,
		BalanceAfter:   result.Wallet.Balance - req.Amount,
		Items:          req.Items,
		StandID:        req.StandID,
		StandName:      req.StandName,
		StaffID:        req.StaffID,
		IdempotencyKey: model.IdempotencyKey(now.UnixMilli(), hex.EncodeToString(shortRandom)),
		DeviceID:       deviceID,
		CreatedAt:      now.Format(time.RFC3339),
		Timestamp:      now.UnixMilli(),
	}

	signature, err := e.signer.SignTransaction(ctx, t, req.AllowDeviceSecretFallback)
	if err != nil {
		return model.OfflineTransaction{}, err
	}
	t.Signature = signature

	if err := e.ledger.Create(ctx, t); err != nil {
		return model.OfflineTransaction{}, err
	}

	return t, nil
}

// ScanQR validates a presented QR payload (and, when transactionID is
// set, checks/records it against the duplicate-scan guard).
func (e *Engine) ScanQR(ctx context.Context, raw []byte, transactionID string) (qrvalidator.Result, error) {
	return e.qrValidator.Validate(ctx, raw, transactionID)
}

// DisplayQR returns a still-valid cached QR for walletId, regenerating
// and caching a freshly signed one when absent or expired.
func (e *Engine) DisplayQR(ctx context.Context, walletID string) (model.CachedQRCode, error) {
	if cached, ok := e.qrCache.Get(ctx, walletID); ok {
		return cached, nil
	}

	wallet, ok := e.cache.Get(ctx, walletID)
	if !ok {
		return model.CachedQRCode{}, apperrors.New(apperrors.KindAuthorization, apperrors.ErrNotCached, nil)
	}

	now := time.Now().UnixMilli()
	expiresAt := now + qrTTL.Milliseconds()
	signature, err := e.signer.SignQR(ctx, walletID, wallet.UserID, wallet.Balance, expiresAt)
	if err != nil {
		return model.CachedQRCode{}, err
	}

	code := model.CachedQRCode{
		WalletID:     walletID,
		UserID:       wallet.UserID,
		CustomerName: wallet.CustomerName,
		Balance:      wallet.Balance,
		ExpiresAt:    expiresAt,
		Signature:    signature,
		CachedAt:     now,
	}
	if err := e.qrCache.Put(ctx, code); err != nil {
		return model.CachedQRCode{}, err
	}
	return code, nil
}

// QuarantinedTransactions lists the records the server rejected for
// non-retryable reasons, for the operator surface.
func (e *Engine) QuarantinedTransactions() []model.OfflineTransaction {
	return e.ledger.QuarantinedSnapshot()
}

// Maintain runs the housekeeping a long-lived terminal needs:
// compacting synced ledger records, dropping expired duplicate-guard
// entries, and purging expired display QRs. The device process calls
// it on a timer; any step failing is logged and the rest still run.
func (e *Engine) Maintain(ctx context.Context) {
	if err := e.ledger.ClearSyncedTransactions(ctx); err != nil {
		log.Warn().Err(err).Msg("ledger compaction failed")
	}
	if err := e.dup.Cleanup(ctx); err != nil {
		log.Warn().Err(err).Msg("duplicate guard cleanup failed")
	}
	if err := e.qrCache.PurgeExpired(ctx); err != nil {
		log.Warn().Err(err).Msg("qr cache purge failed")
	}
}

// WalletBalance reports the cached balance and effective (cache minus
// pending offline debits) balance for a wallet, or ErrNotCached.
func (e *Engine) WalletBalance(ctx context.Context, walletID string) (model.CachedWallet, int64, error) {
	wallet, ok := e.cache.Get(ctx, walletID)
	if !ok {
		return model.CachedWallet{}, 0, apperrors.New(apperrors.KindAuthorization, apperrors.ErrNotCached, nil)
	}
	pending, err := e.ledger.PendingTotalForWallet(walletID)
	if err != nil {
		return model.CachedWallet{}, 0, err
	}
	return wallet, wallet.Balance - pending, nil
}
