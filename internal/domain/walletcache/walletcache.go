// Package walletcache is a local snapshot of wallet balances with
// freshness metadata, bounded to the most recently used 100 entries.
package walletcache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/festivals-labs/offline-core/internal/domain/model"
	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"
	"github.com/festivals-labs/offline-core/internal/infrastructure/storage"
)

const maxEntries = 100

// Cache is a pure in-memory LRU state container; every mutation is
// flushed to the durable Store so a restart rebuilds from the last
// snapshot.
type Cache struct {
	mu    sync.Mutex
	store storage.Store

	order *list.List               // front = most recently used
	elems map[string]*list.Element // walletId -> element holding model.CachedWallet
}

func New(ctx context.Context, store storage.Store) (*Cache, error) {
	c := &Cache{
		store: store,
		order: list.New(),
		elems: make(map[string]*list.Element),
	}
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) load(ctx context.Context) error {
	raw, ok, err := c.store.Get(ctx, storage.KeyCachedWallets)
	if err != nil {
		return apperrors.Wrapf(apperrors.KindLedger, apperrors.ErrLedgerCorrupt, "load cached wallets: %v", err)
	}
	if !ok {
		return nil
	}
	var wallets []model.CachedWallet
	if err := json.Unmarshal(raw, &wallets); err != nil {
		return apperrors.Wrapf(apperrors.KindLedger, apperrors.ErrLedgerCorrupt, "decode cached wallets: %v", err)
	}
	// wallets is stored most-recently-used first.
	for _, w := range wallets {
		w := w
		c.elems[w.WalletID] = c.order.PushBack(&w)
	}
	return nil
}

// flush must be called with mu held.
func (c *Cache) flush(ctx context.Context) error {
	wallets := make([]model.CachedWallet, 0, c.order.Len())
	for e := c.order.Front(); e != nil; e = e.Next() {
		wallets = append(wallets, *e.Value.(*model.CachedWallet))
	}
	raw, err := json.Marshal(wallets)
	if err != nil {
		return apperrors.Wrapf(apperrors.KindLedger, apperrors.ErrLedgerCorrupt, "encode cached wallets: %v", err)
	}
	if err := c.store.Put(ctx, storage.KeyCachedWallets, raw); err != nil {
		return apperrors.Wrapf(apperrors.KindLedger, apperrors.ErrLedgerCorrupt, "persist cached wallets: %v", err)
	}
	return nil
}

// Put inserts or updates a wallet, enforcing the 100-entry LRU cap.
func (c *Cache) Put(ctx context.Context, wallet model.CachedWallet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.elems[wallet.WalletID]; ok {
		c.order.Remove(e)
	}
	c.elems[wallet.WalletID] = c.order.PushFront(&wallet)

	for c.order.Len() > maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		w := oldest.Value.(*model.CachedWallet)
		delete(c.elems, w.WalletID)
		c.order.Remove(oldest)
	}
	return c.flush(ctx)
}

// Get returns a copy of the cached wallet, or ok=false if absent.
func (c *Cache) Get(ctx context.Context, walletID string) (model.CachedWallet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.elems[walletID]
	if !ok {
		return model.CachedWallet{}, false
	}
	c.order.MoveToFront(e)
	wallet := *e.Value.(*model.CachedWallet)
	_ = c.flush(ctx)
	return wallet, true
}

// UpdateBalance sets the wallet's balance and touches lastUsedAt.
func (c *Cache) UpdateBalance(ctx context.Context, walletID string, newBalance int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.elems[walletID]
	if !ok {
		return apperrors.New(apperrors.KindAuthorization, apperrors.ErrNotCached, nil)
	}
	w := e.Value.(*model.CachedWallet)
	w.Balance = newBalance
	w.LastUsedAt = time.Now().UnixMilli()
	c.order.MoveToFront(e)
	return c.flush(ctx)
}

// Clear empties the cache; called on logout.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.elems = make(map[string]*list.Element)
	return c.flush(ctx)
}
