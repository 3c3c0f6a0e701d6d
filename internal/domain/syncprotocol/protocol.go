package syncprotocol

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/festivals-labs/offline-core/internal/domain/keystore"
	"github.com/festivals-labs/offline-core/internal/domain/ledger"
	"github.com/festivals-labs/offline-core/internal/domain/model"
	"github.com/festivals-labs/offline-core/internal/domain/offlinecrypto"
	"github.com/festivals-labs/offline-core/internal/domain/walletcache"
	"github.com/festivals-labs/offline-core/internal/infrastructure/logging"
	"github.com/festivals-labs/offline-core/internal/infrastructure/metrics"
	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"
)

// Alerter is notified when a transaction is quarantined, so an
// operator surface (push notification, in-app banner) can react. The
// default NoopAlerter just drops the event; production wires a real
// implementation.
type Alerter interface {
	TransactionQuarantined(t model.OfflineTransaction, reason string)
}

type NoopAlerter struct{}

func (NoopAlerter) TransactionQuarantined(model.OfflineTransaction, string) {}

// Config carries the sync timing knobs: total retry-cycle timeout and
// the backoff curve used to decide whether a Pending transaction with
// a prior error is due for retry.
type Config struct {
	RetryCycleTimeout time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
}

func DefaultConfig() Config {
	return Config{
		RetryCycleTimeout: 2 * time.Minute,
		BackoffBase:       2 * time.Second,
		BackoffCap:        60 * time.Second,
	}
}

// Protocol is the dedicated sync task: it uploads the ledger's Pending
// snapshot to the reconciliation server and applies the results.
// Exactly one batch may be in flight per device at a time, enforced by
// inFlight.
type Protocol struct {
	transport Transport
	ledger    *ledger.Ledger
	cache     *walletcache.Cache
	keys      *keystore.KeyStore
	alerter   Alerter
	cfg       Config
	log       zerolog.Logger
	metrics   *metrics.Metrics

	provisioner *Provisioner

	inFlight atomic.Bool
}

func New(transport Transport, l *ledger.Ledger, cache *walletcache.Cache, keys *keystore.KeyStore, alerter Alerter, cfg Config, log zerolog.Logger) *Protocol {
	if alerter == nil {
		alerter = NoopAlerter{}
	}
	return &Protocol{
		transport: transport,
		ledger:    l,
		cache:     cache,
		keys:      keys,
		alerter:   alerter,
		cfg:       cfg,
		log:       log,
	}
}

// SetMetrics attaches the Prometheus collectors SyncOnce reports batch
// and per-transaction outcomes to. Optional.
func (p *Protocol) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// bearerSetter is implemented by HTTPTransport; kept as a local optional
// interface so Transport (and the fakes protocol_test.go builds against
// it) doesn't need a SetBearerToken method.
type bearerSetter interface {
	SetBearerToken(token string)
}

// SetProvisioner wires the session key-exchange used before each sync
// cycle. Without one, SyncOnce proceeds straight to upload: that's the
// right behavior for tests that pre-seed a SigningKey directly and for
// an AllowDeviceSecretFallback deployment, but a production device must
// call this once at startup so a SigningKey actually reaches the server
// it's verified against.
func (p *Protocol) SetProvisioner(pr *Provisioner) {
	p.provisioner = pr
}

// Summary reports what a single SyncOnce call did, for logging and
// operator dashboards.
type Summary struct {
	Attempted int
	Accepted  int
	Duplicate int
	Rejected  int
	Transient int
}

// backoffDue reports whether a Pending transaction with the given
// retryCount is eligible for another attempt, given the time of its
// last recorded error. retryCount==0 (never attempted) is always due.
func (p *Protocol) backoffDue(retryCount uint32, lastErrorAt int64, now int64) bool {
	if retryCount == 0 || lastErrorAt == 0 {
		return true
	}
	delay := p.cfg.BackoffBase << retryCount
	if delay > p.cfg.BackoffCap || delay <= 0 {
		delay = p.cfg.BackoffCap
	}
	return now-lastErrorAt >= delay.Milliseconds()
}

// SyncOnce uploads whatever is currently Pending and due for retry, in
// FIFO timestamp order, then applies the server's per-entry outcomes.
// The upload request runs under ctx. The result loop does not check
// ctx: once the upload returns, every entry's outcome (sync, retry or
// quarantine bookkeeping) is applied, even if ctx was cancelled in
// the meantime.
func (p *Protocol) SyncOnce(ctx context.Context) (Summary, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		// A batch is already in flight; the next SyncOnce call (not
		// this one) will pick up anything created meanwhile.
		return Summary{}, nil
	}
	defer p.inFlight.Store(false)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.RetryCycleTimeout)
	defer cancel()

	if p.provisioner != nil {
		if token, refreshed, err := p.provisioner.EnsureSession(ctx); err != nil {
			p.log.Warn().Err(err).Msg("session provisioning failed, deferring sync to next cycle")
			return Summary{}, nil
		} else if refreshed {
			if setter, ok := p.transport.(bearerSetter); ok {
				setter.SetBearerToken(token)
			}
		}
	}

	deviceID, err := p.keys.DeviceIdentifier(ctx)
	if err != nil {
		return Summary{}, err
	}

	batchID := offlinecrypto.UUIDv4()
	batchLog := logging.WithBatch(logging.WithDevice(p.log, deviceID), batchID)

	now := time.Now().UnixMilli()
	var due []model.OfflineTransaction
	for _, t := range p.ledger.PendingSnapshot() {
		if p.backoffDue(t.RetryCount, t.LastErrorAt, now) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return Summary{}, nil
	}

	ids := make([]string, len(due))
	wire := make([]model.WireForm, len(due))
	for i, t := range due {
		ids[i] = t.ID
		wire[i] = t.ToWireForm()
	}

	if err := p.ledger.MarkSyncing(ctx, ids); err != nil {
		return Summary{}, err
	}

	uploadStart := time.Now()
	resp, err := p.transport.UploadBatch(ctx, BatchRequest{DeviceID: deviceID, Transactions: wire})
	if p.metrics != nil {
		p.metrics.SyncBatchDuration.Observe(time.Since(uploadStart).Seconds())
	}
	if err != nil {
		// Transient failure for the whole batch: every reserved id
		// returns to Pending with its retry count bumped.
		for _, id := range ids {
			if recErr := p.ledger.RecordError(ctx, id, err); recErr != nil {
				batchLog.Error().Err(recErr).Str("transaction_id", id).Msg("failed to record sync error")
			}
		}
		if p.metrics != nil {
			p.metrics.SyncBatchesTotal.WithLabelValues("transient_error").Inc()
		}
		return Summary{Attempted: len(due), Transient: len(due)}, nil
	}

	summary := Summary{Attempted: len(due)}
	resultByID := make(map[string]model.SyncResultEntry, len(resp.Results))
	for _, r := range resp.Results {
		resultByID[r.ID] = r
	}

	for _, t := range due {
		result, ok := resultByID[t.ID]
		if !ok {
			// Server silently dropped this entry: treat as transient,
			// retry next cycle.
			summary.Transient++
			p.recordOutcome("transient")
			if err := p.ledger.RecordError(ctx, t.ID, apperrors.New(apperrors.KindSync, apperrors.ErrNetworkTransient, nil)); err != nil {
				batchLog.Error().Err(err).Str("transaction_id", t.ID).Msg("failed to record missing-result error")
			}
			continue
		}

		switch result.Outcome {
		case model.OutcomeAccepted, model.OutcomeDuplicate:
			if result.Outcome == model.OutcomeAccepted {
				summary.Accepted++
				p.recordOutcome("accepted")
			} else {
				summary.Duplicate++
				p.recordOutcome("duplicate")
			}
			if err := p.ledger.MarkSynced(ctx, t.ID, result.ServerTransactionID); err != nil {
				batchLog.Error().Err(err).Str("transaction_id", t.ID).Msg("failed to mark synced")
				continue
			}
			if result.AuthoritativeBalance != nil {
				if err := p.cache.UpdateBalance(ctx, t.WalletID, *result.AuthoritativeBalance); err != nil {
					walletLog := logging.WithWallet(batchLog, t.WalletID)
					walletLog.Warn().Err(err).Msg("failed to refresh wallet cache from sync response")
				}
			}
		case model.OutcomeRejected:
			summary.Rejected++
			p.recordOutcome("rejected")
			if err := p.ledger.Quarantine(ctx, t.ID, string(result.RejectReason)); err != nil {
				batchLog.Error().Err(err).Str("transaction_id", t.ID).Msg("failed to quarantine transaction")
				continue
			}
			if p.metrics != nil {
				p.metrics.QuarantinedTotal.Inc()
			}
			p.alerter.TransactionQuarantined(t, string(result.RejectReason))
		default:
			summary.Transient++
			p.recordOutcome("transient")
			if err := p.ledger.RecordError(ctx, t.ID, apperrors.New(apperrors.KindSync, apperrors.ErrNetworkTransient, nil)); err != nil {
				batchLog.Error().Err(err).Str("transaction_id", t.ID).Msg("failed to record unknown-outcome error")
			}
		}
	}

	if p.metrics != nil {
		p.metrics.SyncBatchesTotal.WithLabelValues("ok").Inc()
	}

	batchLog.Info().
		Int("attempted", summary.Attempted).
		Int("accepted", summary.Accepted).
		Int("duplicate", summary.Duplicate).
		Int("rejected", summary.Rejected).
		Int("transient", summary.Transient).
		Msg("sync batch processed")

	return summary, nil
}

func (p *Protocol) recordOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.SyncTransactionsTotal.WithLabelValues(outcome).Inc()
	}
}

// RunLoop runs SyncOnce on the given interval until ctx is cancelled.
// The caller's request path keeps creating Pending transactions
// concurrently; anything created after a cycle starts is picked up by
// the next tick, never by the in-flight one, because PendingSnapshot
// is read once per SyncOnce call and MarkSyncing reserves only that
// snapshot's ids.
func (p *Protocol) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.SyncOnce(ctx); err != nil {
				p.log.Error().Err(err).Msg("sync cycle failed")
			}
		}
	}
}
