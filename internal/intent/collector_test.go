package intent_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/perchboard/perch-agents/internal/intent"
	"github.com/perchboard/perch-agents/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "perch.db")
	s, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

type fakeSource struct {
	name      string
	events    []intent.Event
	fetchErr  error
	gotSince  []time.Time
	fetchSize int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchEventsSince(ctx context.Context, since time.Time, limit int) ([]intent.Event, error) {
	f.gotSince = append(f.gotSince, since)
	f.fetchSize = limit
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []intent.Event
	for _, ev := range f.events {
		if ev.CreatedAt.After(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func postEvent(id, board string, createdAt time.Time) intent.Event {
	return intent.Event{ID: id, Kind: intent.EventKindPost, Board: board, AuthorID: "u1", Body: "some text", CreatedAt: createdAt}
}

func TestCollect_ConvertsPostsAndComments(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "forum", events: []intent.Event{
		postEvent("post-1", "general", base),
		{ID: "comment-1", Kind: intent.EventKindComment, Board: "general", ParentPostID: "post-2", CreatedAt: base.Add(time.Minute)},
	}}
	c := intent.NewCollector(s, []intent.Source{src}, nil, 60, nil, nil)

	stats := c.Collect(context.Background())
	if len(stats) != 1 {
		t.Fatalf("expected one stat entry, got %d", len(stats))
	}
	if stats[0].Scanned != 2 || stats[0].Created != 2 || stats[0].Skipped != 0 {
		t.Fatalf("unexpected counters: %+v", stats[0])
	}

	intents, err := s.ListNewIntents(context.Background(), 10)
	if err != nil {
		t.Fatalf("list intents: %v", err)
	}
	if len(intents) != 2 {
		t.Fatalf("expected 2 intents, got %d", len(intents))
	}
	for _, in := range intents {
		if in.Type != intent.IntentTypeReply {
			t.Fatalf("expected reply intent, got %q", in.Type)
		}
	}
}

func TestCollect_CheckpointAdvancesToMaxCreatedAtEvenWithSkips(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "forum", events: []intent.Event{
		postEvent("post-1", "general", base),
		{ID: "weird-1", Kind: "vote", CreatedAt: base.Add(2 * time.Hour)}, // unknown kind, skipped
	}}
	c := intent.NewCollector(s, []intent.Source{src}, nil, 60, nil, nil)

	stats := c.Collect(context.Background())
	if stats[0].Created != 1 || stats[0].Skipped != 1 {
		t.Fatalf("unexpected counters: %+v", stats[0])
	}

	cp, err := s.GetCheckpoint(context.Background(), "forum")
	if err != nil || cp == nil {
		t.Fatalf("expected checkpoint, got %+v err=%v", cp, err)
	}
	if !cp.LastCapturedAt.Equal(base.Add(2 * time.Hour)) {
		t.Fatalf("checkpoint must equal max createdAt including skipped events, got %s", cp.LastCapturedAt)
	}
}

func TestCollect_RerunOverOverlapWindowIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "forum", events: []intent.Event{postEvent("post-1", "general", base)}}
	c := intent.NewCollector(s, []intent.Source{src}, nil, 3600, nil, nil)

	first := c.Collect(context.Background())
	if first[0].Created != 1 {
		t.Fatalf("first run must create, got %+v", first[0])
	}

	// The overlap window re-reads the same event; the upsert makes it a skip.
	second := c.Collect(context.Background())
	if second[0].Created != 0 || second[0].Skipped != 1 {
		t.Fatalf("second run must not duplicate, got %+v", second[0])
	}

	intents, _ := s.ListNewIntents(context.Background(), 10)
	if len(intents) != 1 {
		t.Fatalf("expected 1 stored intent, got %d", len(intents))
	}
}

func TestCollect_FetchesFromOverlapWindow(t *testing.T) {
	s := openTestStore(t)
	mark := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := s.AdvanceCheckpoint(context.Background(), "forum", mark, 120); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	src := &fakeSource{name: "forum"}
	c := intent.NewCollector(s, []intent.Source{src}, nil, 60, nil, nil)

	c.Collect(context.Background())
	if len(src.gotSince) != 1 {
		t.Fatalf("expected one fetch, got %d", len(src.gotSince))
	}
	// The stored overlap of 120s wins over the collector default.
	want := mark.Add(-120 * time.Second)
	if !src.gotSince[0].Equal(want) {
		t.Fatalf("expected fetch since %s, got %s", want, src.gotSince[0])
	}
}

func TestCollect_EligibilityMemoizedPerTarget(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	// Two comments on the same parent post probe eligibility once.
	src := &fakeSource{name: "forum", events: []intent.Event{
		{ID: "c1", Kind: intent.EventKindComment, ParentPostID: "post-1", CreatedAt: base},
		{ID: "c2", Kind: intent.EventKindComment, ParentPostID: "post-1", CreatedAt: base.Add(time.Second)},
	}}
	probes := 0
	eligible := func(ctx context.Context, targetPostID, board string) (bool, string, error) {
		probes++
		return false, "TARGET_POST_NOT_INTERACTABLE", nil
	}
	c := intent.NewCollector(s, []intent.Source{src}, eligible, 60, nil, nil)

	stats := c.Collect(context.Background())
	if probes != 1 {
		t.Fatalf("eligibility must be memoized per target, got %d probes", probes)
	}
	if stats[0].Created != 0 || stats[0].Skipped != 2 {
		t.Fatalf("ineligible targets must be skipped, got %+v", stats[0])
	}
}

func TestCollect_EligibilityErrorBlocksTarget(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "forum", events: []intent.Event{postEvent("post-1", "general", base)}}
	eligible := func(ctx context.Context, targetPostID, board string) (bool, string, error) {
		return true, "", errors.New("lookup timed out")
	}
	c := intent.NewCollector(s, []intent.Source{src}, eligible, 60, nil, nil)

	stats := c.Collect(context.Background())
	if stats[0].Created != 0 || stats[0].Skipped != 1 {
		t.Fatalf("probe error must block as skipped, got %+v", stats[0])
	}
}

func TestCollect_SourceFailureDoesNotStopOtherSources(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	broken := &fakeSource{name: "broken", fetchErr: errors.New("connection refused")}
	healthy := &fakeSource{name: "healthy", events: []intent.Event{postEvent("post-9", "general", base)}}
	c := intent.NewCollector(s, []intent.Source{broken, healthy}, nil, 60, nil, nil)

	stats := c.Collect(context.Background())
	if len(stats) != 2 {
		t.Fatalf("expected stats for both sources, got %d", len(stats))
	}
	if stats[0].Err == "" {
		t.Fatalf("broken source must report its error")
	}
	if stats[1].Created != 1 {
		t.Fatalf("healthy source must still collect, got %+v", stats[1])
	}
}
