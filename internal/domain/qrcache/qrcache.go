// Package qrcache holds short-lived signed QR payloads keyed by
// wallet, capped at 50 entries with expired-entry purging on writes.
package qrcache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/festivals-labs/offline-core/internal/domain/model"
	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"
	"github.com/festivals-labs/offline-core/internal/infrastructure/storage"
)

const maxEntries = 50

// Cache holds CachedQRCode entries keyed by walletId. Cap eviction is
// by CachedAt: the oldest entry goes first.
type Cache struct {
	mu      sync.Mutex
	store   storage.Store
	entries map[string]model.CachedQRCode
}

func New(ctx context.Context, store storage.Store) (*Cache, error) {
	c := &Cache{store: store, entries: make(map[string]model.CachedQRCode)}
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) load(ctx context.Context) error {
	raw, ok, err := c.store.Get(ctx, storage.KeyCachedQRCodes)
	if err != nil {
		return apperrors.Wrapf(apperrors.KindLedger, apperrors.ErrLedgerCorrupt, "load cached qr codes: %v", err)
	}
	if !ok {
		return nil
	}
	var codes []model.CachedQRCode
	if err := json.Unmarshal(raw, &codes); err != nil {
		return apperrors.Wrapf(apperrors.KindLedger, apperrors.ErrLedgerCorrupt, "decode cached qr codes: %v", err)
	}
	for _, code := range codes {
		c.entries[code.WalletID] = code
	}
	return nil
}

// flush must be called with mu held.
func (c *Cache) flush(ctx context.Context) error {
	codes := make([]model.CachedQRCode, 0, len(c.entries))
	for _, code := range c.entries {
		codes = append(codes, code)
	}
	raw, err := json.Marshal(codes)
	if err != nil {
		return apperrors.Wrapf(apperrors.KindLedger, apperrors.ErrLedgerCorrupt, "encode cached qr codes: %v", err)
	}
	return c.store.Put(ctx, storage.KeyCachedQRCodes, raw)
}

// purgeExpired removes expired entries. Must be called with mu held.
func (c *Cache) purgeExpired(nowMs int64) {
	for walletID, code := range c.entries {
		if code.ExpiresAt <= nowMs {
			delete(c.entries, walletID)
		}
	}
}

// PurgeExpired is the idempotent, externally callable form, invoked
// opportunistically before reads.
func (c *Cache) PurgeExpired(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeExpired(time.Now().UnixMilli())
	return c.flush(ctx)
}

// Put purges expired entries, then upserts by walletId, enforcing the
// 50-entry cap by evicting the oldest entry.
func (c *Cache) Put(ctx context.Context, code model.CachedQRCode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpired(time.Now().UnixMilli())
	c.entries[code.WalletID] = code

	for len(c.entries) > maxEntries {
		var oldestWallet string
		var oldestAt int64 = -1
		for walletID, entry := range c.entries {
			if oldestAt == -1 || entry.CachedAt < oldestAt {
				oldestAt = entry.CachedAt
				oldestWallet = walletID
			}
		}
		delete(c.entries, oldestWallet)
	}
	return c.flush(ctx)
}

// Get returns a non-expired entry, or ok=false if absent/expired.
func (c *Cache) Get(ctx context.Context, walletID string) (model.CachedQRCode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	code, ok := c.entries[walletID]
	if !ok {
		return model.CachedQRCode{}, false
	}
	if code.ExpiresAt <= time.Now().UnixMilli() {
		delete(c.entries, walletID)
		_ = c.flush(ctx)
		return model.CachedQRCode{}, false
	}
	return code, true
}
