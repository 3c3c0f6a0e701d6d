package syncprotocol

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/festivals-labs/offline-core/internal/domain/keystore"
	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"
)

// sessionPayload mirrors reconciliation.SessionResponse; duplicated here
// (rather than imported) so the device binary never depends on the
// reconciliation server's package, the same boundary BatchRequest/
// BatchResponse already keep for the sync endpoint.
type sessionPayload struct {
	SigningKey        string `json:"signingKey"`
	QRVerificationKey string `json:"qrVerificationKey"`
	ServerTime        int64  `json:"serverTime"`
}

// Session is what one /auth/session exchange yields: the key pair the
// device persists, the bearer token it attaches to sync uploads, and
// the server's clock for skew detection.
type Session struct {
	SigningKeyHex        string
	QRVerificationKeyHex string
	BearerToken          string
	ServerTimeMs         int64
}

// SessionTransport fetches a signing/QR-verification key pair and a
// bearer token for deviceID from GET /auth/session. It never sends the
// device secret: that secret stays on-device for its whole lifetime, so
// the session exchange hands the device a server-issued SigningKey
// instead of trying to smuggle the device secret to the server.
type SessionTransport interface {
	FetchSession(ctx context.Context, deviceID, festivalID string) (Session, error)
}

// HTTPSessionTransport is the production SessionTransport, calling the
// reconciliation server's GET /auth/session the same way HTTPTransport
// calls POST /sync/offline-transactions.
type HTTPSessionTransport struct {
	endpoint string
	client   *http.Client
}

func NewHTTPSessionTransport(endpoint string, requestTimeout time.Duration) *HTTPSessionTransport {
	return &HTTPSessionTransport{endpoint: endpoint, client: &http.Client{Timeout: requestTimeout}}
}

func (h *HTTPSessionTransport) FetchSession(ctx context.Context, deviceID, festivalID string) (Session, error) {
	u, err := url.Parse(h.endpoint)
	if err != nil {
		return Session{}, apperrors.Wrapf(apperrors.KindSync, apperrors.ErrNetworkTransient, "parse auth endpoint: %v", err)
	}
	q := u.Query()
	q.Set("deviceId", deviceID)
	q.Set("festivalId", festivalID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Session{}, apperrors.Wrapf(apperrors.KindSync, apperrors.ErrNetworkTransient, "build session request: %v", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Session{}, apperrors.Wrapf(apperrors.KindSync, apperrors.ErrNetworkTransient, "fetch session: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Session{}, apperrors.Wrapf(apperrors.KindSync, apperrors.ErrNetworkTransient, "read session response: %v", err)
	}
	if resp.StatusCode >= 400 {
		return Session{}, apperrors.Wrapf(apperrors.KindSync, apperrors.ErrNetworkTransient, "session request rejected: status %d: %s", resp.StatusCode, string(raw))
	}

	var body sessionPayload
	if err := json.Unmarshal(raw, &body); err != nil {
		return Session{}, apperrors.Wrapf(apperrors.KindSync, apperrors.ErrNetworkTransient, "decode session response: %v", err)
	}

	token := resp.Header.Get("X-Session-Token")
	if token == "" {
		return Session{}, apperrors.New(apperrors.KindSync, apperrors.ErrNetworkTransient, map[string]interface{}{
			"reason": "session response missing X-Session-Token header",
		})
	}
	return Session{
		SigningKeyHex:        body.SigningKey,
		QRVerificationKeyHex: body.QRVerificationKey,
		BearerToken:          token,
		ServerTimeMs:         body.ServerTime,
	}, nil
}

// defaultClockSkewWarnThreshold is how far the device clock may drift
// from the server's reported time before a warning is logged. The
// serverTime is used only for this check, never to adjust local
// timestamps.
const defaultClockSkewWarnThreshold = 5 * time.Minute

// Provisioner owns the device's one-time (or repeated-on-loss) key
// exchange with the reconciliation server: it fetches a SigningKey when
// the local KeyStore doesn't already have one, persists it, and reports
// the bearer token the caller should attach to subsequent sync uploads.
// Without this, SignTransaction has nothing to sign against that the
// server can verify (see Service.signatureValid), and every created
// transaction is permanently rejected once it reaches the server.
type Provisioner struct {
	transport     SessionTransport
	keys          *keystore.KeyStore
	festivalID    string
	skewThreshold time.Duration
	log           zerolog.Logger

	mu          sync.Mutex
	bearerToken string
}

func NewProvisioner(transport SessionTransport, keys *keystore.KeyStore, festivalID string, log zerolog.Logger) *Provisioner {
	return &Provisioner{transport: transport, keys: keys, festivalID: festivalID, skewThreshold: defaultClockSkewWarnThreshold, log: log}
}

// SetClockSkewWarnThreshold overrides the drift threshold (config
// CLOCK_SKEW_WARN_THRESHOLD).
func (p *Provisioner) SetClockSkewWarnThreshold(d time.Duration) {
	if d > 0 {
		p.skewThreshold = d
	}
}

// EnsureSession is idempotent and safe to call before every sync cycle:
// it only talks to the server when the KeyStore has no SigningKey yet
// (first run, or after an operator-driven ClearSessionKeys) or when no
// bearer token is held in memory (process restart with persisted keys;
// the server re-issues a token for the same key pair). refreshed
// reports whether a new bearer token was obtained this call, so the
// caller knows to push it onto the transport.
func (p *Provisioner) EnsureSession(ctx context.Context) (bearerToken string, refreshed bool, err error) {
	p.mu.Lock()
	token := p.bearerToken
	p.mu.Unlock()

	if _, ok, err := p.keys.GetSigningKey(ctx); err == nil && ok && token != "" {
		return token, false, nil
	}

	deviceID, err := p.keys.DeviceIdentifier(ctx)
	if err != nil {
		return "", false, err
	}

	session, err := p.transport.FetchSession(ctx, deviceID, p.festivalID)
	if err != nil {
		p.log.Warn().Err(err).Str("device_id", deviceID).Msg("session provisioning failed, will retry next cycle")
		return "", false, err
	}

	if session.ServerTimeMs != 0 {
		skew := time.Now().UnixMilli() - session.ServerTimeMs
		if skew < 0 {
			skew = -skew
		}
		if skew > p.skewThreshold.Milliseconds() {
			p.log.Warn().
				Str("device_id", deviceID).
				Int64("skew_ms", skew).
				Msg("device clock skew exceeds threshold, offline timestamps may be rejected as stale")
		}
	}

	signingKey, err := hex.DecodeString(session.SigningKeyHex)
	if err != nil {
		return "", false, apperrors.Wrapf(apperrors.KindCrypto, apperrors.ErrKeyStoreError, "decode signing key: %v", err)
	}
	if err := p.keys.SetSigningKey(ctx, signingKey); err != nil {
		return "", false, err
	}

	if session.QRVerificationKeyHex != "" {
		qrKey, err := hex.DecodeString(session.QRVerificationKeyHex)
		if err != nil {
			return "", false, apperrors.Wrapf(apperrors.KindCrypto, apperrors.ErrKeyStoreError, "decode qr verification key: %v", err)
		}
		if err := p.keys.SetQRVerificationKey(ctx, qrKey); err != nil {
			return "", false, err
		}
	}

	p.mu.Lock()
	p.bearerToken = session.BearerToken
	p.mu.Unlock()

	p.log.Info().Str("device_id", deviceID).Msg("device session provisioned")
	return session.BearerToken, true, nil
}
