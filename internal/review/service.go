// Package review exposes the human review queue: claim, decide and expire
// escalated replies. All state transitions happen atomically in the store;
// this layer adds observability and the periodic expiry sweep.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/perchboard/perch-agents/internal/events"
	"github.com/perchboard/perch-agents/internal/store"
)

type Service struct {
	store    *store.Store
	logger   *slog.Logger
	recorder *events.Recorder
}

func NewService(st *store.Store, logger *slog.Logger, recorder *events.Recorder) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger, recorder: recorder}
}

// Claim moves a PENDING review to IN_REVIEW for one reviewer. Returns false
// when another reviewer got there first.
func (s *Service) Claim(ctx context.Context, reviewID, reviewerID string) (bool, error) {
	claimed, err := s.store.ClaimReview(ctx, reviewID, reviewerID)
	if err != nil {
		return false, err
	}
	if claimed {
		s.record(ctx, "review.claimed", "", reviewID)
	}
	return claimed, nil
}

// Approve publishes the frozen proposed text and finalizes the linked task.
// The review must be claimed first; deciding a PENDING item is an error.
func (s *Service) Approve(ctx context.Context, reviewID, reviewerID, reason string) (store.CompletionResult, error) {
	res, err := s.store.ApproveReview(ctx, reviewID, reviewerID, reason)
	if err != nil {
		return store.CompletionResult{}, err
	}
	s.logger.Info("review approved", "review_id", reviewID, "reviewer_id", reviewerID, "result_id", res.ResultID)
	s.record(ctx, "review.approved", "", reviewID)
	return res, nil
}

// Reject discards the proposed text and skips the linked task.
func (s *Service) Reject(ctx context.Context, reviewID, reviewerID, reason string) error {
	if err := s.store.RejectReview(ctx, reviewID, reviewerID, reason); err != nil {
		return err
	}
	s.logger.Info("review rejected", "review_id", reviewID, "reviewer_id", reviewerID)
	s.record(ctx, "review.rejected", "", reviewID)
	return nil
}

// ExpireDue sweeps claimed reviews past their deadline and reconciles their
// tasks.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.store.ExpireDueReviews(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired overdue reviews", "count", n)
		s.recorder.Record(ctx, store.RuntimeEvent{
			Layer:      "review",
			Operation:  "review.expired",
			ReasonCode: store.ReasonReviewExpired,
			Metadata:   fmt.Sprintf(`{"count":%d}`, n),
		})
	}
	return n, nil
}

func (s *Service) Get(ctx context.Context, reviewID string) (*store.ReviewItem, error) {
	return s.store.GetReview(ctx, reviewID)
}

func (s *Service) List(ctx context.Context, status store.ReviewStatus, limit int) ([]store.ReviewItem, error) {
	return s.store.ListReviews(ctx, status, limit)
}

func (s *Service) Events(ctx context.Context, reviewID string) ([]store.ReviewEvent, error) {
	return s.store.ListReviewEvents(ctx, reviewID)
}

func (s *Service) record(ctx context.Context, operation, reasonCode, reviewID string) {
	s.recorder.Record(ctx, store.RuntimeEvent{
		Layer:      "review",
		Operation:  operation,
		ReasonCode: reasonCode,
		EntityID:   reviewID,
	})
}
