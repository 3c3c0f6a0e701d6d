package reconciliation

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/festivals-labs/offline-core/internal/domain/model"
	"github.com/festivals-labs/offline-core/internal/domain/offlinecrypto"
)

// fakeRepository is an in-memory Repository double: no database, no
// network, exercises only Service's logic.
type fakeRepository struct {
	devices  map[string]*Device
	wallets  map[string]*AuthoritativeWallet
	synced   map[string]*SyncedTransaction // by idempotency key
	applyErr error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		devices: make(map[string]*Device),
		wallets: make(map[string]*AuthoritativeWallet),
		synced:  make(map[string]*SyncedTransaction),
	}
}

func (f *fakeRepository) GetOrCreateDevice(ctx context.Context, deviceID, festivalID string) (*Device, error) {
	if d, ok := f.devices[deviceID]; ok {
		return d, nil
	}
	d := &Device{ID: deviceID, FestivalID: festivalID}
	f.devices[deviceID] = d
	return d, nil
}

func (f *fakeRepository) SetDeviceKeys(ctx context.Context, deviceID, signingKeyHex, qrVerificationHex string) error {
	d, ok := f.devices[deviceID]
	if !ok {
		return assertErr("device not found")
	}
	d.SigningKeyHex = signingKeyHex
	d.QRVerificationHex = qrVerificationHex
	return nil
}

func (f *fakeRepository) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	d, ok := f.devices[deviceID]
	if !ok {
		return nil, assertErr("device not found")
	}
	return d, nil
}

func (f *fakeRepository) GetWallet(ctx context.Context, walletID string) (*AuthoritativeWallet, bool, error) {
	w, ok := f.wallets[walletID]
	return w, ok, nil
}

func (f *fakeRepository) AlreadyProcessed(ctx context.Context, idempotencyKey string) (*SyncedTransaction, bool, error) {
	t, ok := f.synced[idempotencyKey]
	return t, ok, nil
}

func (f *fakeRepository) GetSyncedTransaction(ctx context.Context, serverTransactionID string) (*SyncedTransaction, bool, error) {
	for _, t := range f.synced {
		if t.ServerTransactionID == serverTransactionID {
			return t, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakeRepository) ApplyTransaction(ctx context.Context, wallet AuthoritativeWallet, tx SyncedTransaction) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	w := wallet
	f.wallets[wallet.WalletID] = &w
	t := tx
	f.synced[tx.IdempotencyKey] = &t
	return nil
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
func assertErr(s string) error    { return simpleErr(s) }

func signedWireForm(t *testing.T, key []byte, amount int64, idempotencyKey string) model.WireForm {
	t.Helper()
	wf := model.WireForm{
		ID:             "client-tx-1",
		Type:           model.TransactionPayment,
		WalletID:       "wallet-1",
		UserID:         "user-1",
		Amount:         amount,
		BalanceAfter:   5000 - amount,
		IdempotencyKey: idempotencyKey,
		DeviceID:       "device-1",
		Timestamp:      time.Now().UnixMilli(),
	}
	sig, err := offlinecrypto.HmacSha256([]byte(canonicalTransactionString(wf)), key)
	require.NoError(t, err)
	wf.Signature = sig
	return wf
}

func TestProcessBatchAcceptsValidSignedTransaction(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()
	signingKey, err := offlinecrypto.RandomBytes(32)
	require.NoError(t, err)

	_, err = repo.GetOrCreateDevice(ctx, "device-1", "festival-1")
	require.NoError(t, err)
	require.NoError(t, repo.SetDeviceKeys(ctx, "device-1", hex.EncodeToString(signingKey), ""))
	repo.wallets["wallet-1"] = &AuthoritativeWallet{WalletID: "wallet-1", UserID: "user-1", Balance: 5000}

	svc := NewService(repo, 25, zerolog.Nop())
	wf := signedWireForm(t, signingKey, 1500, "idem-1")

	resp, err := svc.ProcessBatch(ctx, BatchUploadRequest{DeviceID: "device-1", Transactions: []model.WireForm{wf}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, model.OutcomeAccepted, resp.Results[0].Outcome)
	require.NotNil(t, resp.Results[0].AuthoritativeBalance)
	assert.Equal(t, int64(3500), *resp.Results[0].AuthoritativeBalance)
}

func TestProcessBatchRejectsInvalidSignature(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()
	signingKey, _ := offlinecrypto.RandomBytes(32)
	wrongKey, _ := offlinecrypto.RandomBytes(32)

	_, _ = repo.GetOrCreateDevice(ctx, "device-1", "festival-1")
	_ = repo.SetDeviceKeys(ctx, "device-1", hex.EncodeToString(signingKey), "")
	repo.wallets["wallet-1"] = &AuthoritativeWallet{WalletID: "wallet-1", Balance: 5000}

	svc := NewService(repo, 25, zerolog.Nop())
	wf := signedWireForm(t, wrongKey, 1500, "idem-2")

	resp, err := svc.ProcessBatch(ctx, BatchUploadRequest{DeviceID: "device-1", Transactions: []model.WireForm{wf}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, model.OutcomeRejected, resp.Results[0].Outcome)
	assert.Equal(t, model.RejectSignatureInvalid, resp.Results[0].RejectReason)
}

// A device that has never completed the /auth/session key exchange has
// no SigningKeyHex on file, so a transaction signed with its local-only
// device secret (which never leaves the device) is rejected rather
// than accepted against a server-side fallback key.
func TestProcessBatchRejectsUnprovisionedDeviceSecret(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()
	deviceSecret, _ := offlinecrypto.RandomBytes(32)

	_, _ = repo.GetOrCreateDevice(ctx, "device-1", "festival-1")
	repo.wallets["wallet-1"] = &AuthoritativeWallet{WalletID: "wallet-1", Balance: 5000}

	svc := NewService(repo, 25, zerolog.Nop())
	wf := signedWireForm(t, deviceSecret, 1000, "idem-3")

	resp, err := svc.ProcessBatch(ctx, BatchUploadRequest{DeviceID: "device-1", Transactions: []model.WireForm{wf}})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRejected, resp.Results[0].Outcome)
	assert.Equal(t, model.RejectSignatureInvalid, resp.Results[0].RejectReason)
}

func TestProcessBatchDetectsDuplicateByIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()
	signingKey, _ := offlinecrypto.RandomBytes(32)

	_, _ = repo.GetOrCreateDevice(ctx, "device-1", "festival-1")
	_ = repo.SetDeviceKeys(ctx, "device-1", hex.EncodeToString(signingKey), "")
	repo.wallets["wallet-1"] = &AuthoritativeWallet{WalletID: "wallet-1", Balance: 5000}

	svc := NewService(repo, 25, zerolog.Nop())
	wf := signedWireForm(t, signingKey, 1000, "idem-4")

	first, err := svc.ProcessBatch(ctx, BatchUploadRequest{DeviceID: "device-1", Transactions: []model.WireForm{wf}})
	require.NoError(t, err)
	require.Equal(t, model.OutcomeAccepted, first.Results[0].Outcome)

	// Replay the exact same upload (the client never saw the accepted
	// response and retries it next cycle): the second pass must be a
	// no-op dedup keyed by idempotencyKey, not a second debit.
	second, err := svc.ProcessBatch(ctx, BatchUploadRequest{DeviceID: "device-1", Transactions: []model.WireForm{wf}})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDuplicate, second.Results[0].Outcome)
	assert.Equal(t, first.Results[0].ServerTransactionID, second.Results[0].ServerTransactionID)
}

func TestProcessBatchRejectsFrozenWallet(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()
	signingKey, _ := offlinecrypto.RandomBytes(32)

	_, _ = repo.GetOrCreateDevice(ctx, "device-1", "festival-1")
	_ = repo.SetDeviceKeys(ctx, "device-1", hex.EncodeToString(signingKey), "")
	repo.wallets["wallet-1"] = &AuthoritativeWallet{WalletID: "wallet-1", Balance: 5000, Frozen: true}

	svc := NewService(repo, 25, zerolog.Nop())
	wf := signedWireForm(t, signingKey, 500, "idem-5")

	resp, err := svc.ProcessBatch(ctx, BatchUploadRequest{DeviceID: "device-1", Transactions: []model.WireForm{wf}})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRejected, resp.Results[0].Outcome)
	assert.Equal(t, model.RejectWalletFrozen, resp.Results[0].RejectReason)
}

func TestProcessBatchRejectsStaleTimestamp(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()
	signingKey, _ := offlinecrypto.RandomBytes(32)

	_, _ = repo.GetOrCreateDevice(ctx, "device-1", "festival-1")
	_ = repo.SetDeviceKeys(ctx, "device-1", hex.EncodeToString(signingKey), "")
	repo.wallets["wallet-1"] = &AuthoritativeWallet{WalletID: "wallet-1", Balance: 5000}

	svc := NewService(repo, 25, zerolog.Nop())
	wf := model.WireForm{
		ID: "client-tx-old", Type: model.TransactionPayment, WalletID: "wallet-1", UserID: "user-1",
		Amount: 500, BalanceAfter: 4500, IdempotencyKey: "idem-6", DeviceID: "device-1",
		Timestamp: time.Now().Add(-48 * time.Hour).UnixMilli(),
	}
	sig, err := offlinecrypto.HmacSha256([]byte(canonicalTransactionString(wf)), signingKey)
	require.NoError(t, err)
	wf.Signature = sig

	resp, err := svc.ProcessBatch(ctx, BatchUploadRequest{DeviceID: "device-1", Transactions: []model.WireForm{wf}})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRejected, resp.Results[0].Outcome)
	assert.Equal(t, model.RejectStaleTimestamp, resp.Results[0].RejectReason)
}

func TestProcessBatchDefersLargeBatchToEnqueuer(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()
	svc := NewService(repo, 2, zerolog.Nop())

	var enqueued []model.WireForm
	svc.SetAsyncEnqueuer(func(ctx context.Context, deviceID string, txs []model.WireForm) error {
		enqueued = txs
		return nil
	})

	txs := []model.WireForm{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	resp, err := svc.ProcessBatch(ctx, BatchUploadRequest{DeviceID: "device-1", Transactions: txs})
	require.NoError(t, err)
	assert.Nil(t, resp.Results)
	assert.Len(t, enqueued, 3)
}
