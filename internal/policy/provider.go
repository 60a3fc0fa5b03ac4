package policy

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perchboard/perch-agents/internal/events"
	"github.com/perchboard/perch-agents/internal/store"
)

const defaultCacheTTL = 30 * time.Second

// ReleaseSource fetches the latest active policy release.
type ReleaseSource interface {
	FetchLatestActiveRelease(ctx context.Context) (*store.PolicyRelease, error)
}

type cachedRelease struct {
	doc       Document
	version   string
	fetchedAt time.Time
}

// Provider serves resolved policies from a TTL cache. On refresh failure it
// keeps serving the last known good release; the failure is recorded but
// invisible to callers. The cached release is swapped atomically so
// concurrent workers never observe a torn read.
type Provider struct {
	source   ReleaseSource
	ttl      time.Duration
	logger   *slog.Logger
	recorder *events.Recorder

	cached   atomic.Pointer[cachedRelease]
	override atomic.Pointer[Patch]

	refreshMu sync.Mutex
}

// NewProvider builds a provider. A ttl of zero uses the 30s default.
func NewProvider(source ReleaseSource, ttl time.Duration, logger *slog.Logger, recorder *events.Recorder) *Provider {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{source: source, ttl: ttl, logger: logger, recorder: recorder}
}

// GetReplyPolicy returns the resolved policy for scope plus the version
// string of the release it came from.
func (p *Provider) GetReplyPolicy(ctx context.Context, scope Scope) (ReplyPolicy, string) {
	cached := p.current(ctx)
	if cached == nil {
		resolved := Default()
		p.applyOverride(&resolved)
		return resolved, DefaultVersion
	}
	resolved := Resolve(cached.doc, scope)
	p.applyOverride(&resolved)
	return resolved, cached.version
}

// Version returns the currently served policy version without resolving.
func (p *Provider) Version(ctx context.Context) string {
	if cached := p.current(ctx); cached != nil {
		return cached.version
	}
	return DefaultVersion
}

// Invalidate drops the cache so the next read refetches immediately.
func (p *Provider) Invalidate() {
	if cached := p.cached.Load(); cached != nil {
		stale := *cached
		stale.fetchedAt = time.Time{}
		p.cached.Store(&stale)
	}
}

func (p *Provider) current(ctx context.Context) *cachedRelease {
	cached := p.cached.Load()
	if cached != nil && time.Since(cached.fetchedAt) < p.ttl {
		return cached
	}

	// One refresher at a time; losers re-read whatever the winner stored.
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()
	cached = p.cached.Load()
	if cached != nil && time.Since(cached.fetchedAt) < p.ttl {
		return cached
	}

	release, err := p.source.FetchLatestActiveRelease(ctx)
	if err != nil {
		p.logger.Warn("policy refresh failed, serving last known good", "error", err)
		p.recorder.Record(ctx, store.RuntimeEvent{
			Layer:      "policy",
			Operation:  "refresh",
			ReasonCode: "POLICY_FETCH_FAILED",
		})
		if cached != nil {
			// Stamp the failure time so we do not hammer a broken source.
			kept := *cached
			kept.fetchedAt = time.Now().UTC()
			p.cached.Store(&kept)
			return &kept
		}
		return nil
	}
	if release == nil {
		// No active release yet: defaults apply until one lands.
		return nil
	}

	doc, err := ParseDocument([]byte(release.Document))
	if err != nil {
		p.logger.Warn("policy document unparseable, serving last known good",
			"version", release.Version, "error", err)
		p.recorder.Record(ctx, store.RuntimeEvent{
			Layer:      "policy",
			Operation:  "refresh",
			ReasonCode: "POLICY_PARSE_FAILED",
			EntityID:   VersionFor(release.Version, release.Document),
		})
		if cached != nil {
			kept := *cached
			kept.fetchedAt = time.Now().UTC()
			p.cached.Store(&kept)
			return &kept
		}
		return nil
	}

	fresh := &cachedRelease{
		doc:       doc,
		version:   VersionFor(release.Version, release.Document),
		fetchedAt: time.Now().UTC(),
	}
	p.cached.Store(fresh)
	return fresh
}

// SetOverride installs a local operator patch applied after every scope
// layer. A nil patch clears the override.
func (p *Provider) SetOverride(patch *Patch) {
	p.override.Store(patch)
}

func (p *Provider) applyOverride(dst *ReplyPolicy) {
	if patch := p.override.Load(); patch != nil {
		patch.apply(dst)
	}
}
