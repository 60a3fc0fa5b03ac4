// Package intent turns forum event streams into deduplicated, checkpointed
// task intents. Collection is idempotent over an overlap window: re-reading
// recent events never duplicates an intent and the checkpoint never moves
// backwards.
package intent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/perchboard/perch-agents/internal/events"
	"github.com/perchboard/perch-agents/internal/store"
)

const (
	EventKindPost    = "post"
	EventKindComment = "comment"

	IntentTypeReply = "reply"

	defaultOverlapSeconds = 60
	defaultBatchLimit     = 200
)

// Event is one captured forum occurrence from a source stream.
type Event struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Board        string    `json:"board"`
	AuthorID     string    `json:"author_id"`
	Title        string    `json:"title,omitempty"`
	Body         string    `json:"body,omitempty"`
	ParentPostID string    `json:"parent_post_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Source is one stream of forum events in creation order.
type Source interface {
	Name() string
	FetchEventsSince(ctx context.Context, since time.Time, limit int) ([]Event, error)
}

// EligibilityFunc reports whether a target post is still interactable. The
// reason code is meaningful only when ok is false.
type EligibilityFunc func(ctx context.Context, targetPostID, board string) (ok bool, reasonCode string, err error)

// SourceStats is the per-source outcome of one collection run.
type SourceStats struct {
	Source  string `json:"source"`
	Scanned int    `json:"scanned"`
	Created int    `json:"created"`
	Skipped int    `json:"skipped"`
	Err     string `json:"error,omitempty"`
}

// Payload is the intent body carried through to dispatch and task creation.
type Payload struct {
	TargetPostID    string `json:"target_post_id"`
	Board           string `json:"board,omitempty"`
	AuthorID        string `json:"author_id,omitempty"`
	ParentCommentID string `json:"parent_comment_id,omitempty"`
	Title           string `json:"title,omitempty"`
	Excerpt         string `json:"excerpt,omitempty"`
}

// Collector runs watermarked intent capture over a set of sources.
type Collector struct {
	store          *store.Store
	sources        []Source
	eligible       EligibilityFunc
	overlapSeconds int
	batchLimit     int
	logger         *slog.Logger
	recorder       *events.Recorder
}

func NewCollector(st *store.Store, sources []Source, eligible EligibilityFunc, overlapSeconds int, logger *slog.Logger, recorder *events.Recorder) *Collector {
	if overlapSeconds <= 0 {
		overlapSeconds = defaultOverlapSeconds
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		store:          st,
		sources:        sources,
		eligible:       eligible,
		overlapSeconds: overlapSeconds,
		batchLimit:     defaultBatchLimit,
		logger:         logger,
		recorder:       recorder,
	}
}

// Collect scans every source once and returns per-source counters. A bad
// event or a failed eligibility probe counts as skipped; only a source-level
// fetch failure aborts that source, and even then the other sources still
// run.
func (c *Collector) Collect(ctx context.Context) []SourceStats {
	stats := make([]SourceStats, 0, len(c.sources))
	for _, src := range c.sources {
		st := c.collectSource(ctx, src)
		stats = append(stats, st)
		c.recorder.Record(ctx, store.RuntimeEvent{
			Layer:     "intent",
			Operation: "collect",
			EntityID:  st.Source,
			Metadata:  encodeStats(st),
		})
	}
	return stats
}

func (c *Collector) collectSource(ctx context.Context, src Source) SourceStats {
	st := SourceStats{Source: src.Name()}

	since := time.Time{}
	cp, err := c.store.GetCheckpoint(ctx, src.Name())
	if err != nil {
		c.logger.Error("checkpoint read failed", "source", src.Name(), "error", err)
		st.Err = err.Error()
		return st
	}
	overlap := c.overlapSeconds
	if cp != nil {
		if cp.SafetyOverlapSeconds > 0 {
			overlap = cp.SafetyOverlapSeconds
		}
		since = cp.LastCapturedAt.Add(-time.Duration(overlap) * time.Second)
	}

	evts, err := src.FetchEventsSince(ctx, since, c.batchLimit)
	if err != nil {
		c.logger.Error("source fetch failed", "source", src.Name(), "error", err)
		st.Err = err.Error()
		return st
	}

	// Eligibility results are memoized per target for this run only.
	memo := make(map[string]bool)
	var maxCreatedAt time.Time

	for _, ev := range evts {
		st.Scanned++
		if ev.CreatedAt.After(maxCreatedAt) {
			maxCreatedAt = ev.CreatedAt
		}

		intentType, sourceTable, sourceID, payload, ok := convertEvent(ev)
		if !ok {
			st.Skipped++
			continue
		}
		if !c.targetEligible(ctx, memo, payload.TargetPostID, payload.Board) {
			st.Skipped++
			continue
		}

		body, err := json.Marshal(payload)
		if err != nil {
			st.Skipped++
			continue
		}
		_, created, err := c.store.UpsertIntent(ctx, intentType, sourceTable, sourceID, string(body))
		if err != nil {
			c.logger.Warn("intent upsert failed", "source", src.Name(), "source_id", sourceID, "error", err)
			st.Skipped++
			continue
		}
		if created {
			st.Created++
		} else {
			st.Skipped++
		}
	}

	// The watermark advances past skipped events too; the overlap window is
	// what protects late arrivals, not a stalled checkpoint.
	if !maxCreatedAt.IsZero() {
		if err := c.store.AdvanceCheckpoint(ctx, src.Name(), maxCreatedAt, overlap); err != nil {
			c.logger.Error("checkpoint advance failed", "source", src.Name(), "error", err)
			st.Err = err.Error()
		}
	}
	return st
}

// convertEvent applies the source-specific conversion rules. A post becomes a
// reply intent targeting the post itself; a comment becomes a reply intent
// targeting its parent post.
func convertEvent(ev Event) (intentType, sourceTable, sourceID string, payload Payload, ok bool) {
	if strings.TrimSpace(ev.ID) == "" {
		return "", "", "", Payload{}, false
	}
	payload = Payload{
		Board:    ev.Board,
		AuthorID: ev.AuthorID,
		Title:    ev.Title,
		Excerpt:  excerpt(ev.Body, 280),
	}
	switch ev.Kind {
	case EventKindPost:
		payload.TargetPostID = ev.ID
		return IntentTypeReply, "posts", ev.ID, payload, true
	case EventKindComment:
		if strings.TrimSpace(ev.ParentPostID) == "" {
			return "", "", "", Payload{}, false
		}
		payload.TargetPostID = ev.ParentPostID
		payload.ParentCommentID = ev.ID
		return IntentTypeReply, "comments", ev.ID, payload, true
	default:
		return "", "", "", Payload{}, false
	}
}

// targetEligible consults the injected predicate. A probe error blocks the
// target for the rest of the run, the safe default.
func (c *Collector) targetEligible(ctx context.Context, memo map[string]bool, targetPostID, board string) bool {
	if c.eligible == nil {
		return true
	}
	if ok, seen := memo[targetPostID]; seen {
		return ok
	}
	ok, reason, err := c.eligible(ctx, targetPostID, board)
	if err != nil {
		c.logger.Warn("eligibility probe failed", "target", targetPostID, "error", err)
		ok = false
	} else if !ok {
		c.logger.Debug("target not eligible", "target", targetPostID, "reason", reason)
	}
	memo[targetPostID] = ok
	return ok
}

func excerpt(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func encodeStats(st SourceStats) string {
	data, err := json.Marshal(st)
	if err != nil {
		return "{}"
	}
	return string(data)
}
