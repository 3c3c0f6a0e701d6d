package reconciliation

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/festivals-labs/offline-core/internal/domain/model"
	"github.com/festivals-labs/offline-core/internal/domain/offlinecrypto"
	"github.com/festivals-labs/offline-core/internal/infrastructure/logging"
	"github.com/festivals-labs/offline-core/internal/infrastructure/metrics"
	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"
)

// transactionSigningSalt mirrors signer.Salt; duplicated here (rather
// than imported) because the server verifies client-produced
// signatures and must never depend on the client's active key state.
const transactionSigningSalt = "festivals_offline_v1"

// defaultMaxOfflineTxAge rejects transactions whose client Timestamp
// is implausibly old, per the StaleTimestamp rejection reason.
const defaultMaxOfflineTxAge = 24 * time.Hour

// Service applies uploaded offline-transaction batches against
// authoritative server state. The device secret never leaves the
// device, so this server has no way to learn it and cannot verify a
// device-secret-signed transaction. A transaction's signature is
// therefore accepted only against the device's provisioned SigningKey,
// obtained once through Authenticator's /auth/session key exchange; a
// client that has never provisioned a SigningKey cannot create offline
// transactions in the first place (Signer.SignTransaction returns
// ErrNoSigningKey when AllowDeviceSecretFallback is left at its
// default of false).
type Service struct {
	repo    Repository
	metrics *metrics.Metrics
	sentry  *apperrors.SentryReporter
	log     zerolog.Logger

	asyncBatchThreshold int
	maxTxAge            time.Duration
	enqueue             func(ctx context.Context, deviceID string, txs []model.WireForm) error
}

func NewService(repo Repository, asyncBatchThreshold int, log zerolog.Logger) *Service {
	if asyncBatchThreshold <= 0 {
		asyncBatchThreshold = 25
	}
	return &Service{repo: repo, asyncBatchThreshold: asyncBatchThreshold, maxTxAge: defaultMaxOfflineTxAge, log: log}
}

// SetMaxTxAge overrides the StaleTimestamp cutoff (config
// MAX_OFFLINE_TX_AGE).
func (s *Service) SetMaxTxAge(d time.Duration) {
	if d > 0 {
		s.maxTxAge = d
	}
}

// SetMetrics attaches Prometheus collectors.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetSentry attaches the error reporter used for unexpected repository
// failures (a degraded database or cache, not a rejected transaction).
func (s *Service) SetSentry(r *apperrors.SentryReporter) {
	s.sentry = r
}

func (s *Service) reportError(err error, op string) {
	if s.sentry == nil {
		return
	}
	s.sentry.CaptureAppError(apperrors.Wrapf(apperrors.KindInternal, err, "%s: %v", op, err))
}

// SetAsyncEnqueuer wires the asynq-backed enqueue function used when a
// batch exceeds asyncBatchThreshold; the HTTP handler processes small
// batches synchronously and defers large ones to the worker.
func (s *Service) SetAsyncEnqueuer(fn func(ctx context.Context, deviceID string, txs []model.WireForm) error) {
	s.enqueue = fn
}

// ProcessBatch applies a batch and reports a per-entry outcome. When
// the batch is larger than the async threshold and an enqueuer is wired,
// it defers processing to the worker and returns an empty result set:
// the device's SyncProtocol already treats an id missing from the
// response as transient and retries it next cycle, so there is no need
// for a dedicated "pending" outcome on the wire.
func (s *Service) ProcessBatch(ctx context.Context, req BatchUploadRequest) (BatchUploadResponse, error) {
	if len(req.Transactions) > s.asyncBatchThreshold && s.enqueue != nil {
		if err := s.enqueue(ctx, req.DeviceID, req.Transactions); err != nil {
			return BatchUploadResponse{}, err
		}
		return BatchUploadResponse{Results: nil}, nil
	}
	return s.processSync(ctx, req)
}

func (s *Service) processSync(ctx context.Context, req BatchUploadRequest) (BatchUploadResponse, error) {
	device, err := s.repo.GetDevice(ctx, req.DeviceID)
	if err != nil {
		device = nil
	}

	results := make([]model.SyncResultEntry, 0, len(req.Transactions))
	for _, t := range req.Transactions {
		result, ok := s.applyOne(ctx, device, t)
		if !ok {
			// Internal failure (degraded database, not a bad
			// transaction): omit the entry entirely so the device
			// retries it next cycle instead of quarantining it.
			continue
		}
		results = append(results, result)
		s.recordOutcome(result.Outcome)
	}
	return BatchUploadResponse{Results: results}, nil
}

// GetSyncedTransaction exposes a single server-side record for the
// operator lookup endpoint.
func (s *Service) GetSyncedTransaction(ctx context.Context, serverTransactionID string) (*SyncedTransaction, bool, error) {
	return s.repo.GetSyncedTransaction(ctx, serverTransactionID)
}

func (s *Service) recordOutcome(outcome model.SyncOutcome) {
	if s.metrics != nil {
		s.metrics.SyncTransactionsTotal.WithLabelValues(string(outcome)).Inc()
	}
}

func (s *Service) applyOne(ctx context.Context, device *Device, t model.WireForm) (model.SyncResultEntry, bool) {
	if existing, ok, err := s.repo.AlreadyProcessed(ctx, t.IdempotencyKey); err == nil && ok {
		balance := existing.BalanceAfter
		return model.SyncResultEntry{
			ID:                   t.ID,
			Outcome:              model.OutcomeDuplicate,
			ServerTransactionID:  existing.ServerTransactionID,
			AuthoritativeBalance: &balance,
		}, true
	}

	if time.Since(epochMs(t.Timestamp)) > s.maxTxAge {
		return model.SyncResultEntry{ID: t.ID, Outcome: model.OutcomeRejected, RejectReason: model.RejectStaleTimestamp}, true
	}

	if !s.signatureValid(device, t) {
		return model.SyncResultEntry{ID: t.ID, Outcome: model.OutcomeRejected, RejectReason: model.RejectSignatureInvalid}, true
	}

	wallet, ok, err := s.repo.GetWallet(ctx, t.WalletID)
	if err != nil {
		walletLog := logging.WithWallet(s.log, t.WalletID)
		walletLog.Error().Err(err).Msg("failed to load authoritative wallet")
		s.reportError(err, "get_wallet")
		return model.SyncResultEntry{}, false
	}
	if !ok {
		wallet = &AuthoritativeWallet{WalletID: t.WalletID, UserID: t.UserID, Balance: t.Amount + t.BalanceAfter}
	}
	if wallet.Frozen {
		return model.SyncResultEntry{ID: t.ID, Outcome: model.OutcomeRejected, RejectReason: model.RejectWalletFrozen}, true
	}

	newBalance := wallet.Balance - t.Amount
	if newBalance < 0 {
		newBalance = 0
	}

	serverTxID := uuid.NewString()
	synced := SyncedTransaction{
		ServerTransactionID: serverTxID,
		IdempotencyKey:      t.IdempotencyKey,
		ClientTransactionID: t.ID,
		DeviceID:            t.DeviceID,
		WalletID:            t.WalletID,
		Amount:              t.Amount,
		BalanceAfter:        newBalance,
		Type:                t.Type,
		CreatedAt:           time.Now(),
	}
	updatedWallet := AuthoritativeWallet{WalletID: t.WalletID, UserID: t.UserID, Balance: newBalance}

	if err := s.repo.ApplyTransaction(ctx, updatedWallet, synced); err != nil {
		s.log.Error().Err(err).Str("transaction_id", t.ID).Msg("failed to apply transaction")
		s.reportError(err, "apply_transaction")
		return model.SyncResultEntry{}, false
	}

	return model.SyncResultEntry{
		ID:                   t.ID,
		Outcome:              model.OutcomeAccepted,
		ServerTransactionID:  serverTxID,
		AuthoritativeBalance: &newBalance,
	}, true
}

// signatureValid recomputes the canonical transaction string and
// checks it against the device's provisioned SigningKey. A nil
// device (no session ever issued) or an empty SigningKeyHex (session
// issued but the client hasn't fetched it yet) both fail closed.
func (s *Service) signatureValid(device *Device, t model.WireForm) bool {
	if device == nil || device.SigningKeyHex == "" {
		return false
	}
	key, err := hex.DecodeString(device.SigningKeyHex)
	if err != nil {
		return false
	}
	ok, err := offlinecrypto.VerifyHmacSha256([]byte(canonicalTransactionString(t)), key, t.Signature)
	return err == nil && ok
}

func canonicalTransactionString(t model.WireForm) string {
	fields := []string{
		t.ID,
		string(t.Type),
		toFixedTwo(t.Amount),
		t.WalletID,
		t.UserID,
		t.StandID,
		t.IdempotencyKey,
		strconv.FormatInt(t.Timestamp, 10),
		transactionSigningSalt,
	}
	return strings.Join(fields, "|")
}

func toFixedTwo(amountMinorUnits int64) string {
	neg := amountMinorUnits < 0
	v := amountMinorUnits
	if neg {
		v = -v
	}
	s := fmt.Sprintf("%d.%02d", v/100, v%100)
	if neg {
		s = "-" + s
	}
	return s
}

func epochMs(ms int64) time.Time {
	return time.UnixMilli(ms)
}
