// Package ledger implements the append-only local log of offline
// transactions and its Pending -> Syncing -> Synced sync state
// machine, including the quarantine sub-state for non-retryable server
// rejections and the retry-count ceiling.
package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/festivals-labs/offline-core/internal/domain/duplicate"
	"github.com/festivals-labs/offline-core/internal/domain/model"
	"github.com/festivals-labs/offline-core/internal/domain/walletcache"
	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"
	"github.com/festivals-labs/offline-core/internal/infrastructure/storage"
)

// RetryCeiling is the global retry-count ceiling; exceeding it moves a
// record to the quarantined sub-state instead of retrying again.
const RetryCeiling = 8

// Ledger is the single-writer, mutex-guarded local transaction log.
// The mutex also guards the DuplicateGuard's critical section, because
// Create touches both atomically.
type Ledger struct {
	mu    sync.Mutex
	store storage.Store
	dup   *duplicate.Guard
	cache *walletcache.Cache

	byID map[string]*model.OfflineTransaction
	// inFlight tracks ids reserved by MarkSyncing until MarkSynced or
	// RecordError releases them.
	inFlight map[string]bool

	retryCeiling uint32
}

func New(ctx context.Context, store storage.Store, dup *duplicate.Guard, cache *walletcache.Cache) (*Ledger, error) {
	l := &Ledger{
		store:        store,
		dup:          dup,
		cache:        cache,
		byID:         make(map[string]*model.OfflineTransaction),
		inFlight:     make(map[string]bool),
		retryCeiling: RetryCeiling,
	}
	if err := l.load(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// SetRetryCeiling overrides the default ceiling (config
// SYNC_RETRY_CEILING).
func (l *Ledger) SetRetryCeiling(n int) {
	if n > 0 {
		l.mu.Lock()
		l.retryCeiling = uint32(n)
		l.mu.Unlock()
	}
}

func (l *Ledger) load(ctx context.Context) error {
	raw, ok, err := l.store.Get(ctx, storage.KeyOfflineTransactions)
	if err != nil {
		return apperrors.Wrapf(apperrors.KindLedger, apperrors.ErrLedgerCorrupt, "load ledger: %v", err)
	}
	if !ok {
		return nil
	}
	var txs []model.OfflineTransaction
	if err := json.Unmarshal(raw, &txs); err != nil {
		return apperrors.Wrapf(apperrors.KindLedger, apperrors.ErrLedgerCorrupt, "decode ledger: %v", err)
	}
	for i := range txs {
		t := txs[i]
		l.byID[t.ID] = &t
	}
	return nil
}

// flush must be called with mu held.
func (l *Ledger) flush(ctx context.Context) error {
	txs := make([]model.OfflineTransaction, 0, len(l.byID))
	for _, t := range l.byID {
		txs = append(txs, *t)
	}
	raw, err := json.Marshal(txs)
	if err != nil {
		return apperrors.Wrapf(apperrors.KindLedger, apperrors.ErrLedgerCorrupt, "encode ledger: %v", err)
	}
	return l.store.Put(ctx, storage.KeyOfflineTransactions, raw)
}

// Create inserts a new Pending record. It is atomic with
// DuplicateGuard.Add and WalletCache.UpdateBalance: if the id is
// already a known duplicate or the wallet is not cached, the whole
// operation fails before any state is mutated.
func (l *Ledger) Create(ctx context.Context, t model.OfflineTransaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.byID[t.ID]; exists {
		return apperrors.New(apperrors.KindLedger, apperrors.ErrDuplicateTransaction, nil)
	}
	if l.dup.Contains(t.ID) {
		return apperrors.New(apperrors.KindLedger, apperrors.ErrDuplicateTransaction, nil)
	}

	// Creating a Pending record touches WalletCache only to refresh
	// lastUsedAt; the cached balance itself stays authoritative-server
	// owned until a real sync response updates it.
	wallet, ok := l.cache.Get(ctx, t.WalletID)
	if !ok {
		return apperrors.New(apperrors.KindAuthorization, apperrors.ErrNotCached, nil)
	}

	t.Synced = false
	t.State = model.StatePending
	l.byID[t.ID] = &t

	if err := l.dup.Add(ctx, t.ID); err != nil {
		delete(l.byID, t.ID)
		return err
	}
	if err := l.cache.UpdateBalance(ctx, t.WalletID, wallet.Balance); err != nil {
		delete(l.byID, t.ID)
		return err
	}
	return l.flush(ctx)
}

// PendingSnapshot returns all Pending transactions in FIFO order by
// timestamp, ties broken by id lexicographically. It does not reserve
// them; callers that intend to sync must call MarkSyncing.
func (l *Ledger) PendingSnapshot() []model.OfflineTransaction {
	l.mu.Lock()
	defer l.mu.Unlock()

	var pending []model.OfflineTransaction
	for _, t := range l.byID {
		if t.State == model.StatePending && !l.inFlight[t.ID] {
			pending = append(pending, *t)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Timestamp != pending[j].Timestamp {
			return pending[i].Timestamp < pending[j].Timestamp
		}
		return pending[i].ID < pending[j].ID
	})
	return pending
}

// MarkSyncing reserves the given ids in an in-flight set so a
// concurrently-created Pending transaction is not picked up by the
// batch already in flight.
func (l *Ledger) MarkSyncing(ctx context.Context, ids []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range ids {
		t, ok := l.byID[id]
		if !ok {
			continue
		}
		t.State = model.StateSyncing
		l.inFlight[id] = true
	}
	return l.flush(ctx)
}

// MarkSynced transitions id to Synced, records syncedAt, and releases
// its in-flight reservation.
func (l *Ledger) MarkSynced(ctx context.Context, id string, serverTransactionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.byID[id]
	if !ok {
		return apperrors.New(apperrors.KindLedger, apperrors.ErrLedgerCorrupt, nil)
	}
	now := time.Now().UnixMilli()
	t.Synced = true
	t.SyncedAt = &now
	t.State = model.StateSynced
	t.ServerTransactionID = serverTransactionID
	delete(l.inFlight, id)
	return l.flush(ctx)
}

// RecordError sets syncError, increments retryCount, and returns the
// record to Pending, unless the retry-count ceiling is exceeded, in
// which case it moves to the quarantined sub-state instead.
func (l *Ledger) RecordError(ctx context.Context, id string, syncErr error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.byID[id]
	if !ok {
		return apperrors.New(apperrors.KindLedger, apperrors.ErrLedgerCorrupt, nil)
	}
	t.SyncError = syncErr.Error()
	t.RetryCount++
	t.LastErrorAt = time.Now().UnixMilli()
	delete(l.inFlight, id)

	if t.RetryCount > l.retryCeiling {
		t.State = model.StateQuarantined
	} else {
		t.State = model.StatePending
	}
	return l.flush(ctx)
}

// Quarantine moves id directly to the quarantined sub-state, used when
// the server returns a non-retryable rejection reason.
func (l *Ledger) Quarantine(ctx context.Context, id string, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.byID[id]
	if !ok {
		return apperrors.New(apperrors.KindLedger, apperrors.ErrLedgerCorrupt, nil)
	}
	t.SyncError = reason
	t.State = model.StateQuarantined
	delete(l.inFlight, id)
	return l.flush(ctx)
}

// Get returns a copy of the transaction with the given id.
func (l *Ledger) Get(id string) (model.OfflineTransaction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.byID[id]
	if !ok {
		return model.OfflineTransaction{}, false
	}
	return *t, true
}

// PendingTotalForWallet sums amount over non-synced transactions for
// walletId, used by PaymentValidator's effective-balance computation.
// Returns LedgerCorrupt on integer overflow.
func (l *Ledger) PendingTotalForWallet(walletID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total int64
	for _, t := range l.byID {
		if t.WalletID != walletID || t.Synced {
			continue
		}
		next := total + t.Amount
		if next < total {
			return 0, apperrors.New(apperrors.KindLedger, apperrors.ErrLedgerCorrupt, nil)
		}
		total = next
	}
	return total, nil
}

// ClearSyncedTransactions is the compactor: terminal deletion of
// Synced records only.
func (l *Ledger) ClearSyncedTransactions(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, t := range l.byID {
		if t.State == model.StateSynced {
			delete(l.byID, id)
		}
	}
	return l.flush(ctx)
}

// QuarantinedSnapshot returns all transactions currently in the
// quarantined sub-state, for operator review.
func (l *Ledger) QuarantinedSnapshot() []model.OfflineTransaction {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []model.OfflineTransaction
	for _, t := range l.byID {
		if t.State == model.StateQuarantined {
			out = append(out, *t)
		}
	}
	return out
}
