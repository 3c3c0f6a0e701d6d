// Package keystore implements scoped custody of the device secret, the
// session signing key, and the QR verification key, backed by the
// storage.Store capability (production: OS secure-enclave-equivalent;
// tests: an in-memory fake).
package keystore

import (
	"context"
	"sync"

	"github.com/festivals-labs/offline-core/internal/domain/offlinecrypto"
	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"
	"github.com/festivals-labs/offline-core/internal/infrastructure/storage"
)

const deviceSecretLength = 32

// KeyStore is scoped custody of the three device-bound secrets.
type KeyStore struct {
	store storage.Store

	// mu serializes getOrCreateDeviceSecret so concurrent first-callers
	// observe the same generated value instead of racing two writers.
	mu sync.Mutex
}

func New(store storage.Store) *KeyStore {
	return &KeyStore{store: store}
}

// GetOrCreateDeviceSecret is idempotent: the first call generates 32
// random bytes and persists them under KeyDeviceSecret; every call
// after that, including concurrent ones, observes the same value. The
// in-process mutex serializes callers in this process; the
// compare-and-swap guards against another process racing the first
// write against the same store.
func (k *KeyStore) GetOrCreateDeviceSecret(ctx context.Context) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	existing, ok, err := k.store.Get(ctx, storage.KeyDeviceSecret)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.KindCrypto, apperrors.ErrKeyStoreError, "read device secret: %v", err)
	}
	if ok {
		return existing, nil
	}

	secret, err := offlinecrypto.RandomBytes(deviceSecretLength)
	if err != nil {
		return nil, err
	}
	swapped, err := k.store.CAS(ctx, storage.KeyDeviceSecret, nil, secret)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.KindCrypto, apperrors.ErrKeyStoreError, "persist device secret: %v", err)
	}
	if !swapped {
		// Another writer won the race; adopt its value.
		existing, ok, err = k.store.Get(ctx, storage.KeyDeviceSecret)
		if err != nil || !ok {
			return nil, apperrors.Wrapf(apperrors.KindCrypto, apperrors.ErrKeyStoreError, "reread device secret: %v", err)
		}
		return existing, nil
	}
	return secret, nil
}

// DeviceIdentifier returns hex(sha256(deviceSecret))[0:16], stable
// across sessions.
func (k *KeyStore) DeviceIdentifier(ctx context.Context) (string, error) {
	secret, err := k.GetOrCreateDeviceSecret(ctx)
	if err != nil {
		return "", err
	}
	return offlinecrypto.Sha256Hex(secret)[:16], nil
}

func (k *KeyStore) SetSigningKey(ctx context.Context, key []byte) error {
	if err := k.store.Put(ctx, storage.KeyOfflineSigningKey, key); err != nil {
		return apperrors.Wrapf(apperrors.KindCrypto, apperrors.ErrKeyStoreError, "set signing key: %v", err)
	}
	return nil
}

func (k *KeyStore) GetSigningKey(ctx context.Context) ([]byte, bool, error) {
	v, ok, err := k.store.Get(ctx, storage.KeyOfflineSigningKey)
	if err != nil {
		return nil, false, apperrors.Wrapf(apperrors.KindCrypto, apperrors.ErrKeyStoreError, "get signing key: %v", err)
	}
	return v, ok, nil
}

func (k *KeyStore) ClearSigningKey(ctx context.Context) error {
	if err := k.store.Delete(ctx, storage.KeyOfflineSigningKey); err != nil {
		return apperrors.Wrapf(apperrors.KindCrypto, apperrors.ErrKeyStoreError, "clear signing key: %v", err)
	}
	return nil
}

func (k *KeyStore) SetQRVerificationKey(ctx context.Context, key []byte) error {
	if err := k.store.Put(ctx, storage.KeyQRVerificationKey, key); err != nil {
		return apperrors.Wrapf(apperrors.KindCrypto, apperrors.ErrKeyStoreError, "set qr verification key: %v", err)
	}
	return nil
}

func (k *KeyStore) GetQRVerificationKey(ctx context.Context) ([]byte, bool, error) {
	v, ok, err := k.store.Get(ctx, storage.KeyQRVerificationKey)
	if err != nil {
		return nil, false, apperrors.Wrapf(apperrors.KindCrypto, apperrors.ErrKeyStoreError, "get qr verification key: %v", err)
	}
	return v, ok, nil
}

func (k *KeyStore) ClearQRVerificationKey(ctx context.Context) error {
	if err := k.store.Delete(ctx, storage.KeyQRVerificationKey); err != nil {
		return apperrors.Wrapf(apperrors.KindCrypto, apperrors.ErrKeyStoreError, "clear qr verification key: %v", err)
	}
	return nil
}

// ClearSessionKeys erases the signing and QR verification keys but
// never the device secret.
func (k *KeyStore) ClearSessionKeys(ctx context.Context) error {
	if err := k.ClearSigningKey(ctx); err != nil {
		return err
	}
	return k.ClearQRVerificationKey(ctx)
}
