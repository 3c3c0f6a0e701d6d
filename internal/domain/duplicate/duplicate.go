// Package duplicate implements the time-bounded, capacity-bounded
// duplicate-scan/transaction-id guard.
package duplicate

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/festivals-labs/offline-core/internal/domain/model"
	"github.com/festivals-labs/offline-core/internal/infrastructure/metrics"
	"github.com/festivals-labs/offline-core/internal/infrastructure/storage"
	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"
)

const (
	defaultTTL = 7 * 24 * time.Hour
	capacity   = 1000
)

// Guard is a TTL-bounded, LRU-capped set of processed transaction ids.
// Per the concurrency model, OfflineLedger.create touches both the
// ledger and this guard under the same mutex; Guard does not assume
// that lock is held and serializes its own state independently so it
// remains safely usable on its own (e.g. from QRValidator's
// scan-linked flow).
type Guard struct {
	mu      sync.Mutex
	store   storage.Store
	ttl     time.Duration
	metrics *metrics.Metrics

	order *list.List               // front = most recently touched
	elems map[string]*list.Element // id -> element holding model.ProcessedTransactionEntry
}

// SetMetrics attaches the Prometheus collectors Contains reports
// hit/miss counts to. Optional: a Guard with no metrics attached just
// skips recording.
func (g *Guard) SetMetrics(m *metrics.Metrics) {
	g.metrics = m
}

func New(ctx context.Context, store storage.Store, ttl time.Duration) (*Guard, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	g := &Guard{
		store: store,
		ttl:   ttl,
		order: list.New(),
		elems: make(map[string]*list.Element),
	}
	if err := g.load(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Guard) load(ctx context.Context) error {
	raw, ok, err := g.store.Get(ctx, storage.KeyProcessedTransactionIDs)
	if err != nil {
		return apperrors.Wrapf(apperrors.KindLedger, apperrors.ErrLedgerCorrupt, "load duplicate guard: %v", err)
	}
	if !ok {
		return nil
	}
	var entries []model.ProcessedTransactionEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return apperrors.Wrapf(apperrors.KindLedger, apperrors.ErrLedgerCorrupt, "decode duplicate guard: %v", err)
	}
	for _, e := range entries {
		e := e
		g.elems[e.ID] = g.order.PushBack(&e)
	}
	return nil
}

// flush must be called with mu held.
func (g *Guard) flush(ctx context.Context) error {
	entries := make([]model.ProcessedTransactionEntry, 0, g.order.Len())
	for e := g.order.Front(); e != nil; e = e.Next() {
		entries = append(entries, *e.Value.(*model.ProcessedTransactionEntry))
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return apperrors.Wrapf(apperrors.KindLedger, apperrors.ErrLedgerCorrupt, "encode duplicate guard: %v", err)
	}
	return g.store.Put(ctx, storage.KeyProcessedTransactionIDs, raw)
}

// Add records id as processed, refreshing its timestamp if already
// present, and enforces the 1000-entry LRU cap.
func (g *Guard) Add(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if e, ok := g.elems[id]; ok {
		g.order.Remove(e)
	}
	entry := model.ProcessedTransactionEntry{ID: id, LastTouched: now}
	g.elems[id] = g.order.PushFront(&entry)

	for g.order.Len() > capacity {
		oldest := g.order.Back()
		if oldest == nil {
			break
		}
		e := oldest.Value.(*model.ProcessedTransactionEntry)
		delete(g.elems, e.ID)
		g.order.Remove(oldest)
	}
	return g.flush(ctx)
}

// Contains returns true iff an unexpired entry for id exists.
func (g *Guard) Contains(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.elems[id]
	found := false
	if ok {
		entry := e.Value.(*model.ProcessedTransactionEntry)
		age := time.Now().UnixMilli() - entry.LastTouched
		found = age <= g.ttl.Milliseconds()
	}

	if g.metrics != nil {
		if found {
			g.metrics.DuplicateGuardHitsTotal.Inc()
		} else {
			g.metrics.DuplicateGuardMissesTotal.Inc()
		}
	}
	return found
}

// Cleanup drops entries older than the TTL.
func (g *Guard) Cleanup(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	var next *list.Element
	for e := g.order.Front(); e != nil; e = next {
		next = e.Next()
		entry := e.Value.(*model.ProcessedTransactionEntry)
		if now-entry.LastTouched > g.ttl.Milliseconds() {
			delete(g.elems, entry.ID)
			g.order.Remove(e)
		}
	}
	return g.flush(ctx)
}
