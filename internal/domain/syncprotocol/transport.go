// Package syncprotocol uploads pending offline-transaction batches to
// the reconciliation endpoint and processes the per-entry results.
package syncprotocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/festivals-labs/offline-core/internal/domain/model"
	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"
)

// BatchRequest is the wire-level request body for
// POST /sync/offline-transactions.
type BatchRequest struct {
	DeviceID     string           `json:"deviceId"`
	Transactions []model.WireForm `json:"transactions"`
}

// BatchResponse is the wire-level response body.
type BatchResponse struct {
	Results []model.SyncResultEntry `json:"results"`
}

// Transport is the request/response capability SyncProtocol depends
// on. Production binds it to HTTPTransport; tests bind a fake that
// returns canned results without touching the network.
type Transport interface {
	UploadBatch(ctx context.Context, req BatchRequest) (BatchResponse, error)
}

// HTTPTransport is the bearer-authenticated HTTP client used against
// the reconciliation server's POST /sync/offline-transactions
// endpoint. One in-flight batch per device, enforced by the caller
// (Protocol), not by the transport itself.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker

	tokenMu     sync.RWMutex
	bearerToken string
}

// newTransportBreaker trips after 5 consecutive failures and stays
// open for 30s before probing again with a single request, the same
// shape as the pack's circuitbreaker.Manager per-service defaults,
// scoped here to the one external call an offline device makes.
func newTransportBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reconciliation-sync",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

func NewHTTPTransport(endpoint, bearerToken string, requestTimeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		endpoint:    endpoint,
		bearerToken: bearerToken,
		client:      &http.Client{Timeout: requestTimeout},
		breaker:     newTransportBreaker(),
	}
}

// SetBearerToken updates the token attached to subsequent UploadBatch
// calls. Safe to call concurrently with an in-flight request: Provisioner
// calls this after a successful /auth/session exchange, which can race an
// already-scheduled sync tick.
func (t *HTTPTransport) SetBearerToken(token string) {
	t.tokenMu.Lock()
	t.bearerToken = token
	t.tokenMu.Unlock()
}

func (t *HTTPTransport) currentBearerToken() string {
	t.tokenMu.RLock()
	defer t.tokenMu.RUnlock()
	return t.bearerToken
}

func (t *HTTPTransport) UploadBatch(ctx context.Context, req BatchRequest) (BatchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return BatchResponse{}, apperrors.Wrapf(apperrors.KindSync, apperrors.ErrNetworkTransient, "encode batch: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return BatchResponse{}, apperrors.Wrapf(apperrors.KindSync, apperrors.ErrNetworkTransient, "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token := t.currentBearerToken(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	type rawResponse struct {
		status int
		body   []byte
	}

	respIface, err := t.breaker.Execute(func() (interface{}, error) {
		resp, err := t.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("server error: status %d", resp.StatusCode)
		}
		return rawResponse{status: resp.StatusCode, body: raw}, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return BatchResponse{}, apperrors.Wrapf(apperrors.KindSync, apperrors.ErrNetworkTransient, "circuit open: %v", err)
		}
		return BatchResponse{}, apperrors.Wrapf(apperrors.KindSync, apperrors.ErrNetworkTransient, "upload batch: %v", err)
	}
	rr := respIface.(rawResponse)

	if rr.status >= 400 {
		return BatchResponse{}, apperrors.Wrapf(apperrors.KindSync, apperrors.ErrServerRejected, "rejected: status %d: %s", rr.status, string(rr.body))
	}

	var out BatchResponse
	if err := json.Unmarshal(rr.body, &out); err != nil {
		return BatchResponse{}, apperrors.Wrapf(apperrors.KindSync, apperrors.ErrNetworkTransient, "decode response: %v", err)
	}
	return out, nil
}
