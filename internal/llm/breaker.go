package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// KVStore is the minimal interface needed for breaker state persistence.
type KVStore interface {
	SetKV(ctx context.Context, key, value string) error
	GetKV(ctx context.Context, key string) (string, bool, error)
}

type breakerState struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Tripped     bool      `json:"tripped"`
}

// BreakerStatus is a read-only snapshot of one provider's breaker.
type BreakerStatus struct {
	Provider    string    `json:"provider"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	Tripped     bool      `json:"tripped"`
}

// BreakerSet tracks per-provider circuit breakers. A breaker trips after
// threshold consecutive failures and resets after cooldown elapses or an
// operator resumes it. The state is advisory: dispatch and invocation loops
// read it to pause intake, it is never a hard lock.
type BreakerSet struct {
	mu        sync.Mutex
	states    map[string]*breakerState
	threshold int
	cooldown  time.Duration
	kv        KVStore
	logger    *slog.Logger
}

// NewBreakerSet builds a breaker set. Zero threshold defaults to 5, zero
// cooldown to 5 minutes. kv may be nil to disable persistence.
func NewBreakerSet(threshold int, cooldown time.Duration, kv KVStore, logger *slog.Logger) *BreakerSet {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerSet{
		states:    make(map[string]*breakerState),
		threshold: threshold,
		cooldown:  cooldown,
		kv:        kv,
		logger:    logger,
	}
}

// IsTripped reports whether the named provider's breaker is open. An open
// breaker whose cooldown has elapsed resets and reports closed.
func (b *BreakerSet) IsTripped(name string) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[name]
	if !ok || !st.Tripped {
		return false
	}
	if time.Since(st.LastFailure) >= b.cooldown {
		st.Tripped = false
		st.Failures = 0
		b.persistLocked(name, st)
		b.logger.Info("circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

// RecordFailure counts one failure and returns true when this failure
// tripped the breaker.
func (b *BreakerSet) RecordFailure(name string) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[name]
	if !ok {
		st = &breakerState{}
		b.states[name] = st
	}
	st.Failures++
	st.LastFailure = time.Now().UTC()
	trippedNow := false
	if !st.Tripped && st.Failures >= b.threshold {
		st.Tripped = true
		trippedNow = true
		b.logger.Warn("circuit breaker tripped", "provider", name, "failures", st.Failures)
	}
	b.persistLocked(name, st)
	return trippedNow
}

// RecordSuccess resets the failure count for the named provider.
func (b *BreakerSet) RecordSuccess(name string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[name]
	if !ok {
		return
	}
	st.Failures = 0
	st.Tripped = false
	b.persistLocked(name, st)
}

// Resume is the operator action that closes an open breaker immediately.
// Returns false when the breaker was not open.
func (b *BreakerSet) Resume(name string) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[name]
	if !ok || !st.Tripped {
		return false
	}
	st.Tripped = false
	st.Failures = 0
	b.persistLocked(name, st)
	b.logger.Info("circuit breaker resumed by operator", "provider", name)
	return true
}

// Snapshot returns the current breaker state for every known provider.
func (b *BreakerSet) Snapshot() []BreakerStatus {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]BreakerStatus, 0, len(b.states))
	for name, st := range b.states {
		out = append(out, BreakerStatus{
			Provider:    name,
			Failures:    st.Failures,
			LastFailure: st.LastFailure,
			Tripped:     st.Tripped,
		})
	}
	return out
}

// Load restores persisted breaker state for the given provider names.
func (b *BreakerSet) Load(ctx context.Context, names []string) {
	if b == nil || b.kv == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, name := range names {
		val, ok, err := b.kv.GetKV(ctx, "cb:"+name)
		if err != nil || !ok || val == "" {
			continue
		}
		var st breakerState
		if err := json.Unmarshal([]byte(val), &st); err != nil {
			continue
		}
		b.states[name] = &st
	}
}

// persistLocked saves one breaker's state. Must be called with b.mu held.
func (b *BreakerSet) persistLocked(name string, st *breakerState) {
	if b.kv == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	_ = b.kv.SetKV(context.Background(), "cb:"+name, string(data))
}
