// Package store provides the only sanctioned path to read or mutate the
// ledger document. The backing key/value store offers no compare-and-swap,
// so true atomicity across concurrent writer instances cannot be guaranteed
// here; the engine enforces the load-immediately-before-mutate discipline
// that eliminates stale-read writes within one instance, and callers must
// express additive updates as relative deltas. Deployments that need strict
// exactly-once accounting should put a CAS-capable backend or a serializing
// queue in front of this engine.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PotLedger/internal/ledger"
	"PotLedger/internal/observability"
)

var (
	// ErrNotFound is returned when the ledger document does not exist yet.
	ErrNotFound = errors.New("store: document not found")
	// ErrBackendUnavailable is returned once retries against the backend
	// are exhausted. No partial write is ever considered committed.
	ErrBackendUnavailable = errors.New("store: backend unavailable")
	// ErrGuardRejected is returned when a mutation result looks destructive
	// enough to be a bug or an in-progress race.
	ErrGuardRejected = errors.New("store: guard rejected")
)

// DefaultDocumentKey is the backend key the aggregate lives under.
const DefaultDocumentKey = "game-data"

// Mutation is a named read-modify-write against the document. Apply runs on
// a deep copy of the freshest load; a returned error abandons the write.
// MaxDebit declares how much the mutation is allowed to reduce the total
// balance sum; anything beyond it trips the guard.
type Mutation struct {
	Name     string
	MaxDebit decimal.Decimal
	Apply    func(doc *ledger.Document) error
}

// Snapshot is a load result. FromFallback distinguishes a degraded answer
// served from the short-TTL local cache from a true authoritative read.
type Snapshot struct {
	Doc          *ledger.Document
	FromFallback bool
}

// Config tunes the engine.
type Config struct {
	Key         string
	Retries     int           // retries per backend round trip, beyond the first attempt
	RetryDelay  time.Duration // first backoff step, doubled per retry
	FallbackTTL time.Duration // 0 disables the fallback cache
}

// Engine wraps a Backend with load, mutate, and initialize primitives.
type Engine struct {
	backend Backend
	cfg     Config
	log     zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	// Serializes this instance's mutations. Cross-instance races remain;
	// see the package comment.
	mu sync.Mutex

	fallbackMu sync.Mutex
	fallback   *ledger.Document
	fallbackAt time.Time
}

// NewEngine builds an engine. metrics may be nil.
func NewEngine(backend Backend, cfg Config, log zerolog.Logger, metrics *observability.Metrics) *Engine {
	if cfg.Key == "" {
		cfg.Key = DefaultDocumentKey
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	return &Engine{
		backend: backend,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		now:     time.Now,
	}
}

// Load fetches the current document. The fallback cache answers only when
// the remote fetch itself fails and the cached copy is still within TTL, and
// such answers are flagged so callers needing correctness can refuse them.
func (e *Engine) Load(ctx context.Context) (Snapshot, error) {
	doc, err := e.loadFresh(ctx)
	if err == nil {
		if e.metrics != nil {
			e.metrics.StoreLoads.WithLabelValues("backend").Inc()
		}
		return Snapshot{Doc: doc}, nil
	}
	if errors.Is(err, ErrNotFound) {
		if e.metrics != nil {
			e.metrics.StoreLoadErrors.WithLabelValues("not_found").Inc()
		}
		return Snapshot{}, err
	}

	// Degraded-availability mode: the remote fetch failed, not the key.
	if cached := e.fallbackCopy(); cached != nil {
		e.log.Warn().Err(err).Msg("serving ledger document from fallback cache")
		if e.metrics != nil {
			e.metrics.StoreLoads.WithLabelValues("fallback").Inc()
		}
		return Snapshot{Doc: cached, FromFallback: true}, nil
	}

	if e.metrics != nil {
		e.metrics.StoreLoadErrors.WithLabelValues("unavailable").Inc()
	}
	return Snapshot{}, err
}

// Mutate loads the freshest document, applies m to a deep copy, runs the
// destructive-write guard, and persists the result. The load and the save
// happen inside the same call so no caller can build a new value off a
// separately-fetched stale read.
func (e *Engine) Mutate(ctx context.Context, m Mutation) (*ledger.Document, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	before, err := e.loadFresh(ctx)
	if err != nil {
		e.countMutationError(m.Name, "load")
		return nil, err
	}

	after := before.Clone()
	if err := m.Apply(after); err != nil {
		e.countMutationError(m.Name, "apply")
		return nil, err
	}

	if err := e.guard(before, after, m); err != nil {
		e.countMutationError(m.Name, "guard")
		return nil, err
	}

	if err := e.save(ctx, after); err != nil {
		e.countMutationError(m.Name, "save")
		return nil, err
	}

	e.storeFallback(after)
	if e.metrics != nil {
		e.metrics.StoreMutations.WithLabelValues(m.Name).Inc()
	}
	return after, nil
}

// InitializeIfAbsent creates the document only if none exists. A concurrent
// initializer that loses the race detects the now-existing document and
// skips; it never overwrites.
func (e *Engine) InitializeIfAbsent(ctx context.Context, seed *ledger.Document) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.loadFresh(ctx)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}

	if seed == nil {
		seed = ledger.NewDocument()
	}
	if err := e.save(ctx, seed); err != nil {
		return false, err
	}

	e.storeFallback(seed)
	e.log.Info().Str("key", e.cfg.Key).Msg("ledger document initialized")
	return true, nil
}

// guard refuses results that wipe a non-empty leaderboard or drain the
// balance sum past the declared debit. Both indicate a bug or an in-progress
// race, so the rejection is logged with full context.
func (e *Engine) guard(before, after *ledger.Document, m Mutation) error {
	if before.Leaderboard.Len() > 0 && after.Leaderboard.Len() == 0 {
		e.log.Error().
			Str("operation", m.Name).
			Int("entries_before", before.Leaderboard.Len()).
			Msg("guard: mutation would wipe all leaderboard entries")
		if e.metrics != nil {
			e.metrics.StoreGuardRejected.WithLabelValues("entry_wipe").Inc()
		}
		return fmt.Errorf("%w: leaderboard would go from %d entries to 0",
			ErrGuardRejected, before.Leaderboard.Len())
	}

	beforeTotal := before.TotalBalance()
	afterTotal := after.TotalBalance()
	drop := beforeTotal.Sub(afterTotal)
	if drop.GreaterThan(m.MaxDebit) {
		e.log.Error().
			Str("operation", m.Name).
			Str("balance_before", beforeTotal.String()).
			Str("balance_after", afterTotal.String()).
			Str("max_debit", m.MaxDebit.String()).
			Msg("guard: mutation would drain balances past the declared debit")
		if e.metrics != nil {
			e.metrics.StoreGuardRejected.WithLabelValues("balance_drain").Inc()
		}
		return fmt.Errorf("%w: total balance would drop by %s, allowed %s",
			ErrGuardRejected, drop, m.MaxDebit)
	}
	return nil
}

func (e *Engine) loadFresh(ctx context.Context) (*ledger.Document, error) {
	raw, ok, err := e.getWithRetry(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	doc := &ledger.Document{}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("decode ledger document: %w", err)
	}
	doc.Normalize()
	e.storeFallback(doc)
	return doc, nil
}

func (e *Engine) save(ctx context.Context, doc *ledger.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode ledger document: %w", err)
	}
	if err := e.upsertWithRetry(ctx, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (e *Engine) getWithRetry(ctx context.Context) ([]byte, bool, error) {
	var lastErr error
	delay := e.cfg.RetryDelay
	for attempt := 0; attempt <= e.cfg.Retries; attempt++ {
		if attempt > 0 {
			if e.metrics != nil {
				e.metrics.StoreRetries.Inc()
			}
			select {
			case <-ctx.Done():
				return nil, false, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		start := e.now()
		value, ok, err := e.backend.Get(ctx, e.cfg.Key)
		e.observeRoundTrip("get", start)
		if err == nil {
			return value, ok, nil
		}
		lastErr = err
	}
	return nil, false, lastErr
}

func (e *Engine) upsertWithRetry(ctx context.Context, value []byte) error {
	var lastErr error
	delay := e.cfg.RetryDelay
	for attempt := 0; attempt <= e.cfg.Retries; attempt++ {
		if attempt > 0 {
			if e.metrics != nil {
				e.metrics.StoreRetries.Inc()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		start := e.now()
		err := e.backend.Upsert(ctx, e.cfg.Key, value)
		e.observeRoundTrip("upsert", start)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (e *Engine) storeFallback(doc *ledger.Document) {
	if e.cfg.FallbackTTL <= 0 {
		return
	}
	e.fallbackMu.Lock()
	e.fallback = doc.Clone()
	e.fallbackAt = e.now()
	e.fallbackMu.Unlock()
}

func (e *Engine) fallbackCopy() *ledger.Document {
	if e.cfg.FallbackTTL <= 0 {
		return nil
	}
	e.fallbackMu.Lock()
	defer e.fallbackMu.Unlock()
	if e.fallback == nil || e.now().Sub(e.fallbackAt) > e.cfg.FallbackTTL {
		return nil
	}
	return e.fallback.Clone()
}

func (e *Engine) observeRoundTrip(op string, start time.Time) {
	if e.metrics != nil {
		e.metrics.StoreRoundTrip.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (e *Engine) countMutationError(operation, reason string) {
	if e.metrics != nil {
		e.metrics.StoreMutationErrors.WithLabelValues(operation, reason).Inc()
	}
}
