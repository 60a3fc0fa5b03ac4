package policy_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/perchboard/perch-agents/internal/policy"
	"github.com/perchboard/perch-agents/internal/store"
)

func boolPtr(v bool) *bool        { return &v }
func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestResolve_MergesScopesInPrecedenceOrder(t *testing.T) {
	doc := policy.Document{
		Global: policy.Patch{
			MaxReplyLength: intPtr(1000),
			ReplyEnabled:   boolPtr(true),
		},
		Capabilities: map[string]policy.Patch{
			"reply": {MaxReplyLength: intPtr(2000), LLMRetries: intPtr(2)},
		},
		Personas: map[string]policy.Patch{
			"persona-1": {MaxReplyLength: intPtr(3000)},
		},
		Boards: map[string]policy.Patch{
			"golang": {MaxReplyLength: intPtr(500), ReplyEnabled: boolPtr(false)},
		},
	}

	resolved := policy.Resolve(doc, policy.Scope{
		Capability: "reply",
		PersonaID:  "persona-1",
		Board:      "golang",
	})
	if resolved.MaxReplyLength != 500 {
		t.Fatalf("board patch must win: got %d", resolved.MaxReplyLength)
	}
	if resolved.ReplyEnabled {
		t.Fatalf("board reply_enabled=false must win")
	}
	if resolved.LLMRetries != 2 {
		t.Fatalf("capability patch must apply: got %d", resolved.LLMRetries)
	}
	// Fields no patch mentions keep the default.
	if resolved.SimilarityThreshold != policy.Default().SimilarityThreshold {
		t.Fatalf("unpatched field must keep default, got %v", resolved.SimilarityThreshold)
	}
}

func TestResolve_SkipsAbsentScopes(t *testing.T) {
	doc := policy.Document{
		Global: policy.Patch{SimilarityThreshold: floatPtr(0.8)},
	}
	resolved := policy.Resolve(doc, policy.Scope{
		Capability: "reply",
		PersonaID:  "unknown",
		Board:      "unknown",
	})
	if resolved.SimilarityThreshold != 0.8 {
		t.Fatalf("global patch must apply, got %v", resolved.SimilarityThreshold)
	}
}

func TestParseDocument_RejectsBadJSON(t *testing.T) {
	if _, err := policy.ParseDocument([]byte(`{"global": [`)); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestVersionFor_StableAndDistinct(t *testing.T) {
	a := policy.VersionFor(3, `{"global":{}}`)
	b := policy.VersionFor(3, `{"global":{}}`)
	c := policy.VersionFor(4, `{"global":{}}`)
	if a != b {
		t.Fatalf("same input must hash identically: %s vs %s", a, b)
	}
	if a == c {
		t.Fatalf("different versions must differ: %s", a)
	}
}

type scriptedSource struct {
	releases []*store.PolicyRelease
	errs     []error
	calls    int
}

func (s *scriptedSource) FetchLatestActiveRelease(context.Context) (*store.PolicyRelease, error) {
	i := s.calls
	s.calls++
	if i >= len(s.releases) {
		i = len(s.releases) - 1
	}
	return s.releases[i], s.errs[i]
}

func TestProvider_ServesDefaultsBeforeFirstRelease(t *testing.T) {
	source := &scriptedSource{
		releases: []*store.PolicyRelease{nil},
		errs:     []error{nil},
	}
	p := policy.NewProvider(source, time.Minute, nil, nil)

	resolved, version := p.GetReplyPolicy(context.Background(), policy.Scope{})
	if version != policy.DefaultVersion {
		t.Fatalf("expected default version, got %s", version)
	}
	if resolved != policy.Default() {
		t.Fatalf("expected compiled-in default, got %+v", resolved)
	}
}

func TestProvider_CachesWithinTTL(t *testing.T) {
	source := &scriptedSource{
		releases: []*store.PolicyRelease{
			{Version: 1, Document: `{"global":{"reply_enabled":false}}`, Active: true},
		},
		errs: []error{nil},
	}
	p := policy.NewProvider(source, time.Minute, nil, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		resolved, _ := p.GetReplyPolicy(ctx, policy.Scope{})
		if resolved.ReplyEnabled {
			t.Fatalf("release must disable replies")
		}
	}
	if source.calls != 1 {
		t.Fatalf("expected 1 fetch within TTL, got %d", source.calls)
	}
}

func TestProvider_KeepsLastKnownGoodOnFetchFailure(t *testing.T) {
	source := &scriptedSource{
		releases: []*store.PolicyRelease{
			{Version: 1, Document: `{"global":{"max_reply_length":1234}}`, Active: true},
			nil,
		},
		errs: []error{nil, errors.New("store unavailable")},
	}
	p := policy.NewProvider(source, time.Nanosecond, nil, nil)
	ctx := context.Background()

	resolved, version := p.GetReplyPolicy(ctx, policy.Scope{})
	if resolved.MaxReplyLength != 1234 {
		t.Fatalf("expected release value, got %d", resolved.MaxReplyLength)
	}

	time.Sleep(time.Millisecond) // force TTL expiry
	resolved2, version2 := p.GetReplyPolicy(ctx, policy.Scope{})
	if resolved2.MaxReplyLength != 1234 {
		t.Fatalf("failure must serve last known good, got %d", resolved2.MaxReplyLength)
	}
	if version2 != version {
		t.Fatalf("version must be stable across failed refresh: %s vs %s", version2, version)
	}
}

func TestProvider_OverridePatchWinsOverRelease(t *testing.T) {
	source := &scriptedSource{
		releases: []*store.PolicyRelease{
			{Version: 1, Document: `{"global":{"reply_enabled":true}}`, Active: true},
		},
		errs: []error{nil},
	}
	p := policy.NewProvider(source, time.Minute, nil, nil)
	p.SetOverride(&policy.Patch{ReplyEnabled: boolPtr(false)})

	resolved, _ := p.GetReplyPolicy(context.Background(), policy.Scope{})
	if resolved.ReplyEnabled {
		t.Fatalf("override must win over release")
	}

	p.SetOverride(nil)
	resolved, _ = p.GetReplyPolicy(context.Background(), policy.Scope{})
	if !resolved.ReplyEnabled {
		t.Fatalf("clearing override must restore release value")
	}
}
