// Package offlinecrypto provides the HMAC-SHA256 signing primitive,
// hashing, random byte generation, and UUID generation that every other
// offline-core component is built on.
package offlinecrypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/google/uuid"

	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"
)

// HmacSha256 computes the RFC-2104 HMAC of message under key and
// returns it hex-encoded. Go's crypto/hmac already implements the
// block-compression/padding rules this primitive requires (keys longer
// than the block size are SHA-256-compressed, shorter keys are
// zero-padded), so there is no custom padding logic here.
func HmacSha256(message, key []byte) (string, error) {
	if len(key) == 0 {
		return "", apperrors.New(apperrors.KindCrypto, apperrors.ErrCryptoUnavailable, nil)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyHmacSha256 recomputes the HMAC and compares it to digestHex in
// constant time.
func VerifyHmacSha256(message, key []byte, digestHex string) (bool, error) {
	want, err := HmacSha256(message, key)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(digestHex)) == 1, nil
}

// Sha256Hex hashes bytes and returns the hex digest.
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, apperrors.New(apperrors.KindCrypto, apperrors.ErrCryptoUnavailable, nil)
	}
	return b, nil
}

// UUIDv4 returns a random (version 4) UUID string.
func UUIDv4() string {
	return uuid.NewString()
}
