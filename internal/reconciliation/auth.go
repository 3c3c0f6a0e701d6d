package reconciliation

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/festivals-labs/offline-core/internal/domain/offlinecrypto"
	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"
)

// sessionClaims is the HS256 bearer token issued by /auth/session and
// required on every subsequent reconciliation call. It carries only
// identity (deviceId/festivalId), never the key material itself;
// signingKey/qrVerificationKey are returned once in the session body.
type sessionClaims struct {
	jwt.RegisteredClaims
	DeviceID   string `json:"deviceId"`
	FestivalID string `json:"festivalId"`
}

// Authenticator issues and verifies the bearer tokens used between a
// POS device and the reconciliation server, and provisions the
// per-device signing/QR-verification keys on first session request.
type Authenticator struct {
	repo       Repository
	signingKey []byte
	tokenTTL   time.Duration
}

func NewAuthenticator(repo Repository, signingKey []byte, tokenTTL time.Duration) *Authenticator {
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	return &Authenticator{repo: repo, signingKey: signingKey, tokenTTL: tokenTTL}
}

// IssueSession provisions (or reuses) a device's signing/QR-verification
// keys and returns both the wire-facing session payload and the bearer
// token the device must present on subsequent requests. The device
// calls this once (and again whenever its stored SigningKey goes
// missing) and persists the returned SigningKey locally, which is what
// makes every subsequent SignTransaction call reach a key the server
// can also verify against.
func (a *Authenticator) IssueSession(ctx context.Context, deviceID, festivalID string) (SessionResponse, string, error) {
	device, err := a.repo.GetOrCreateDevice(ctx, deviceID, festivalID)
	if err != nil {
		return SessionResponse{}, "", err
	}

	if device.SigningKeyHex == "" || device.QRVerificationHex == "" {
		signingKey, err := offlinecrypto.RandomBytes(32)
		if err != nil {
			return SessionResponse{}, "", err
		}
		qrKey, err := offlinecrypto.RandomBytes(32)
		if err != nil {
			return SessionResponse{}, "", err
		}
		signingHex := hex.EncodeToString(signingKey)
		qrHex := hex.EncodeToString(qrKey)
		if err := a.repo.SetDeviceKeys(ctx, deviceID, signingHex, qrHex); err != nil {
			return SessionResponse{}, "", err
		}
		device.SigningKeyHex = signingHex
		device.QRVerificationHex = qrHex
	}

	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
		},
		DeviceID:   deviceID,
		FestivalID: festivalID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.signingKey)
	if err != nil {
		return SessionResponse{}, "", fmt.Errorf("sign session token: %w", err)
	}

	return SessionResponse{
		SigningKey:        device.SigningKeyHex,
		QRVerificationKey: device.QRVerificationHex,
		ServerTime:        now.UnixMilli(),
	}, token, nil
}

// VerifyToken parses and validates a bearer token, returning the
// deviceId it was issued for.
func (a *Authenticator) VerifyToken(tokenString string) (string, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.New(apperrors.KindAuthorization, apperrors.ErrInvalidToken, nil)
		}
		return a.signingKey, nil
	})
	if err != nil || !token.Valid {
		return "", apperrors.New(apperrors.KindAuthorization, apperrors.ErrInvalidToken, nil)
	}
	return claims.DeviceID, nil
}
