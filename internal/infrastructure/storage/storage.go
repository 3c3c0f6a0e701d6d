// Package storage defines the durable-state capability every offline
// component is handed rather than reaching for a global. Production
// binds it to Redis (an embedded redis-server on the POS terminal is
// assumed durable enough to survive process restarts); tests bind an
// in-memory fake.
package storage

import "context"

// Store is the minimal key-value capability the offline core's
// components need: whole-value get/put under a namespaced key, and an
// atomic compare-and-swap used by components that must serialize
// concurrent writers without a distributed lock manager.
type Store interface {
	// Get returns the raw bytes stored under key, or (nil, false) if
	// absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put writes value under key, replacing any prior value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// CAS atomically replaces the value under key with newValue only
	// if the current value equals oldValue (oldValue == nil means "key
	// must be absent"). Returns ok=false without error on mismatch.
	CAS(ctx context.Context, key string, oldValue, newValue []byte) (ok bool, err error)
}

// Persistent storage keys (abstract namespace).
const (
	KeyOfflineTransactions      = "offline_transactions_v2"
	KeyProcessedTransactionIDs  = "processed_transaction_ids_v2"
	KeyCachedWallets            = "cached_wallets"
	KeyCachedQRCodes            = "cached_qr_codes"
	KeyDeviceSecret             = "device_secret_key"
	KeyOfflineSigningKey        = "offline_signing_key"
	KeyQRVerificationKey        = "qr_verification_key"
)
