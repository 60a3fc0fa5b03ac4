package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/perchboard/perch-agents/internal/bus"
)

type ReviewStatus string

const (
	ReviewStatusPending  ReviewStatus = "PENDING"
	ReviewStatusInReview ReviewStatus = "IN_REVIEW"
	ReviewStatusApproved ReviewStatus = "APPROVED"
	ReviewStatusRejected ReviewStatus = "REJECTED"
	ReviewStatusExpired  ReviewStatus = "EXPIRED"
)

const ReasonReviewExpired = "REVIEW_EXPIRED"

// ReviewItem is an escalated task awaiting a human decision. The proposed
// reply text is frozen at escalation time so reviewers judge exactly what
// would have been published.
type ReviewItem struct {
	ID              string       `json:"id"`
	TaskID          string       `json:"task_id"`
	PersonaID       string       `json:"persona_id"`
	RiskLevel       string       `json:"risk_level"`
	Status          ReviewStatus `json:"status"`
	EnqueueReason   string       `json:"enqueue_reason"`
	ProposedText    string       `json:"proposed_text"`
	ParentCommentID string       `json:"parent_comment_id,omitempty"`
	Decision        string       `json:"decision,omitempty"`
	DecisionReason  string       `json:"decision_reason,omitempty"`
	ReviewerID      string       `json:"reviewer_id,omitempty"`
	ExpiresAt       *time.Time   `json:"expires_at,omitempty"`
	ClaimedAt       *time.Time   `json:"claimed_at,omitempty"`
	DecidedAt       *time.Time   `json:"decided_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// ReviewEvent is one append-only audit entry for a review item.
type ReviewEvent struct {
	EventID    int64     `json:"event_id"`
	ReviewID   string    `json:"review_id"`
	Action     string    `json:"action"`
	ReviewerID string    `json:"reviewer_id,omitempty"`
	Payload    string    `json:"payload_json"`
	CreatedAt  time.Time `json:"created_at"`
}

const reviewColumns = `id, task_id, persona_id, risk_level, status, enqueue_reason,
	proposed_text, COALESCE(parent_comment_id, ''), COALESCE(decision, ''),
	COALESCE(decision_reason, ''), COALESCE(reviewer_id, ''),
	expires_at, claimed_at, decided_at, created_at, updated_at`

func scanReview(scanFn func(dest ...any) error, item *ReviewItem) error {
	var expiresAt, claimedAt, decidedAt sql.NullTime
	if err := scanFn(
		&item.ID,
		&item.TaskID,
		&item.PersonaID,
		&item.RiskLevel,
		&item.Status,
		&item.EnqueueReason,
		&item.ProposedText,
		&item.ParentCommentID,
		&item.Decision,
		&item.DecisionReason,
		&item.ReviewerID,
		&expiresAt,
		&claimedAt,
		&decidedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		item.ExpiresAt = &t
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		item.ClaimedAt = &t
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		item.DecidedAt = &t
	}
	return nil
}

func appendReviewEventTx(ctx context.Context, tx *sql.Tx, reviewID, action, reviewerID, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO review_events (review_id, action, reviewer_id, payload_json, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, CURRENT_TIMESTAMP);
	`, reviewID, action, reviewerID, payload)
	if err != nil {
		return fmt.Errorf("insert review_event: %w", err)
	}
	return nil
}

// EscalateTask moves a RUNNING task to IN_REVIEW under the caller's lease and
// creates the review row carrying the frozen proposed text, all in one
// transaction. Returns the review id.
func (s *Store) EscalateTask(
	ctx context.Context,
	taskID, leaseOwner, personaID string,
	enqueueReason, riskLevel, proposedText, parentCommentID string,
	expiresAt time.Time,
) (string, error) {
	if riskLevel == "" {
		riskLevel = "medium"
	}
	reviewID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin escalate tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE queue_tasks
			SET status = ?, lease_owner = NULL, lease_until = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND lease_owner = ?;
		`, TaskStatusInReview, taskID, TaskStatusRunning, leaseOwner)
		if err != nil {
			return fmt.Errorf("escalate task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("escalate rows affected: %w", err)
		}
		if affected != 1 {
			return ErrLeaseLost
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, TaskStatusRunning, TaskStatusInReview, "task.escalated",
			fmt.Sprintf(`{"reason_code":%q,"review_id":%q}`, enqueueReason, reviewID)); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO review_queue (
				id, task_id, persona_id, risk_level, status, enqueue_reason,
				proposed_text, parent_comment_id, expires_at, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, reviewID, taskID, personaID, riskLevel, ReviewStatusPending, enqueueReason,
			proposedText, parentCommentID, expiresAt.UTC()); err != nil {
			return fmt.Errorf("insert review item: %w", err)
		}
		if err := appendReviewEventTx(ctx, tx, reviewID, "enqueued", "",
			fmt.Sprintf(`{"reason":%q,"risk_level":%q}`, enqueueReason, riskLevel)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskEscalated, map[string]string{
			"task_id":    taskID,
			"review_id":  reviewID,
			"persona_id": personaID,
			"reason":     enqueueReason,
		})
	}
	return reviewID, nil
}

// ClaimReview moves a PENDING review item to IN_REVIEW for a reviewer. The
// conditional UPDATE prevents two reviewers holding the same item.
func (s *Store) ClaimReview(ctx context.Context, reviewID, reviewerID string) (bool, error) {
	var claimed bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim review tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE review_queue
			SET status = ?, reviewer_id = ?, claimed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, ReviewStatusInReview, reviewerID, reviewID, ReviewStatusPending)
		if err != nil {
			return fmt.Errorf("claim review: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim review rows affected: %w", err)
		}
		if affected != 1 {
			claimed = false
			return tx.Commit()
		}
		if err := appendReviewEventTx(ctx, tx, reviewID, "claimed", reviewerID, ""); err != nil {
			return err
		}
		claimed = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if claimed && s.bus != nil {
		s.bus.Publish(bus.TopicReviewChanged, map[string]string{"review_id": reviewID, "status": string(ReviewStatusInReview)})
	}
	return claimed, nil
}

// ApproveReview publishes the frozen proposed text: in one transaction the
// review moves to APPROVED, the reply artifact and idempotency record are
// written, and the task transitions IN_REVIEW to DONE. The idempotency key is
// derived from the task so a re-approval after a crash reuses the artifact.
func (s *Store) ApproveReview(ctx context.Context, reviewID, reviewerID, reason string) (CompletionResult, error) {
	var out CompletionResult
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin approve tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var item ReviewItem
		row := tx.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_queue WHERE id = ?;`, reviewID)
		if err := scanReview(row.Scan, &item); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("approve review %s: not found", reviewID)
			}
			return fmt.Errorf("read review for approval: %w", err)
		}
		// Only a claimed item can be decided. A PENDING item has no reviewer
		// on record, so the claim step is never skippable.
		if item.Status != ReviewStatusInReview {
			return fmt.Errorf("approve review %s: status %s is not IN_REVIEW", reviewID, item.Status)
		}

		var taskType string
		if err := tx.QueryRowContext(ctx, `SELECT task_type FROM queue_tasks WHERE id = ?;`, item.TaskID).Scan(&taskType); err != nil {
			return fmt.Errorf("read task for approval: %w", err)
		}
		idempotencyKey := "review:" + item.TaskID

		resultID := ""
		reused := false
		var existingID string
		switch err := tx.QueryRowContext(ctx, `
			SELECT result_id FROM idempotency_records WHERE task_type = ? AND idempotency_key = ?;
		`, taskType, idempotencyKey).Scan(&existingID); {
		case err == nil:
			resultID = existingID
			reused = true
		case errors.Is(err, sql.ErrNoRows):
			resultID = uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO reply_artifacts (id, task_id, persona_id, body, parent_comment_id, created_at)
				VALUES (?, ?, ?, ?, NULLIF(?, ''), CURRENT_TIMESTAMP);
			`, resultID, item.TaskID, item.PersonaID, item.ProposedText, item.ParentCommentID); err != nil {
				return fmt.Errorf("insert approved artifact: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO idempotency_records (task_type, idempotency_key, result_id, result_type, task_id, created_at)
				VALUES (?, ?, ?, 'reply', ?, CURRENT_TIMESTAMP)
				ON CONFLICT(task_type, idempotency_key) DO NOTHING;
			`, taskType, idempotencyKey, resultID, item.TaskID); err != nil {
				return fmt.Errorf("insert approval idempotency record: %w", err)
			}
		default:
			return fmt.Errorf("read approval idempotency record: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE review_queue
			SET status = ?, decision = 'approve', decision_reason = ?, reviewer_id = ?,
				decided_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, ReviewStatusApproved, reason, reviewerID, reviewID); err != nil {
			return fmt.Errorf("approve review update: %w", err)
		}
		if err := appendReviewEventTx(ctx, tx, reviewID, "approved", reviewerID,
			fmt.Sprintf(`{"reason":%q,"result_id":%q}`, reason, resultID)); err != nil {
			return err
		}

		ok, err := s.transitionTaskTx(ctx, tx, item.TaskID,
			[]TaskStatus{TaskStatusInReview}, TaskStatusDone,
			"task.done", fmt.Sprintf(`{"result_id":%q,"via":"review_approval"}`, resultID), nil)
		if err != nil {
			return fmt.Errorf("complete task after approval: %w", err)
		}
		if ok {
			if _, err := tx.ExecContext(ctx, `
				UPDATE queue_tasks
				SET result_id = ?, result_type = 'reply', updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, resultID, item.TaskID, TaskStatusDone); err != nil {
				return fmt.Errorf("record approved result on task: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit approve tx: %w", err)
		}
		out = CompletionResult{ResultID: resultID, ResultType: "reply", Reused: reused}
		return nil
	})
	if err != nil {
		return CompletionResult{}, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicReviewChanged, map[string]string{"review_id": reviewID, "status": string(ReviewStatusApproved)})
	}
	return out, nil
}

// RejectReview marks the item REJECTED and skips the underlying task. Nothing
// is ever published for a rejected item.
func (s *Store) RejectReview(ctx context.Context, reviewID, reviewerID, reason string) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reject tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var taskID string
		var status ReviewStatus
		if err := tx.QueryRowContext(ctx, `SELECT task_id, status FROM review_queue WHERE id = ?;`, reviewID).Scan(&taskID, &status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("reject review %s: not found", reviewID)
			}
			return fmt.Errorf("read review for rejection: %w", err)
		}
		if status != ReviewStatusInReview {
			return fmt.Errorf("reject review %s: status %s is not IN_REVIEW", reviewID, status)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE review_queue
			SET status = ?, decision = 'reject', decision_reason = ?, reviewer_id = ?,
				decided_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, ReviewStatusRejected, reason, reviewerID, reviewID); err != nil {
			return fmt.Errorf("reject review update: %w", err)
		}
		if err := appendReviewEventTx(ctx, tx, reviewID, "rejected", reviewerID,
			fmt.Sprintf(`{"reason":%q}`, reason)); err != nil {
			return err
		}
		if _, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusInReview}, TaskStatusSkipped,
			"task.skipped", fmt.Sprintf(`{"reason_code":"REVIEW_REJECTED","review_id":%q}`, reviewID), nil); err != nil {
			return fmt.Errorf("skip task after rejection: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicReviewChanged, map[string]string{"review_id": reviewID, "status": string(ReviewStatusRejected)})
	}
	return nil
}

// ExpireDueReviews expires IN_REVIEW items whose deadline passed, skipping
// their tasks. Unclaimed PENDING items are left alone so they stay claimable.
// Returns the number expired.
func (s *Store) ExpireDueReviews(ctx context.Context, now time.Time) (int64, error) {
	var expired int64
	err := retryOnBusy(ctx, 5, func() error {
		expired = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin expire reviews tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, task_id
			FROM review_queue
			WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?;
		`, ReviewStatusInReview, now.UTC())
		if err != nil {
			return fmt.Errorf("query due reviews: %w", err)
		}
		defer rows.Close()

		type pair struct{ reviewID, taskID string }
		var due []pair
		for rows.Next() {
			var p pair
			if err := rows.Scan(&p.reviewID, &p.taskID); err != nil {
				return fmt.Errorf("scan due review: %w", err)
			}
			due = append(due, p)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate due reviews: %w", err)
		}

		for _, p := range due {
			if _, err := tx.ExecContext(ctx, `
				UPDATE review_queue
				SET status = ?, decision = 'expire', decision_reason = ?, decided_at = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, ReviewStatusExpired, ReasonReviewExpired, now.UTC(), p.reviewID); err != nil {
				return fmt.Errorf("expire review update: %w", err)
			}
			if err := appendReviewEventTx(ctx, tx, p.reviewID, "expired", "",
				fmt.Sprintf(`{"reason_code":%q}`, ReasonReviewExpired)); err != nil {
				return err
			}
			if _, err := s.transitionTaskTx(ctx, tx, p.taskID,
				[]TaskStatus{TaskStatusInReview}, TaskStatusSkipped,
				"task.skipped", fmt.Sprintf(`{"reason_code":%q,"review_id":%q}`, ReasonReviewExpired, p.reviewID), nil); err != nil {
				return fmt.Errorf("skip task after expiry: %w", err)
			}
			expired++
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 && s.bus != nil {
		s.bus.Publish(bus.TopicReviewChanged, map[string]string{"status": string(ReviewStatusExpired)})
	}
	return expired, nil
}

// GetReview fetches one review item by id, or nil when absent.
func (s *Store) GetReview(ctx context.Context, reviewID string) (*ReviewItem, error) {
	var item ReviewItem
	row := s.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_queue WHERE id = ?;`, reviewID)
	if err := scanReview(row.Scan, &item); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get review: %w", err)
	}
	return &item, nil
}

// ListReviews returns review items, newest first. An empty status lists all.
func (s *Store) ListReviews(ctx context.Context, status ReviewStatus, limit int) ([]ReviewItem, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + reviewColumns + ` FROM review_queue `
	args := []any{}
	if status != "" {
		query += `WHERE status = ? `
		args = append(args, status)
	}
	query += `ORDER BY created_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var items []ReviewItem
	for rows.Next() {
		var item ReviewItem
		if err := scanReview(rows.Scan, &item); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return items, nil
}

// ListReviewEvents returns the audit trail for one review item, oldest first.
func (s *Store) ListReviewEvents(ctx context.Context, reviewID string) ([]ReviewEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, review_id, action, COALESCE(reviewer_id, ''), payload_json, created_at
		FROM review_events
		WHERE review_id = ?
		ORDER BY event_id ASC;
	`, reviewID)
	if err != nil {
		return nil, fmt.Errorf("list review events: %w", err)
	}
	defer rows.Close()

	var events []ReviewEvent
	for rows.Next() {
		var ev ReviewEvent
		if err := rows.Scan(&ev.EventID, &ev.ReviewID, &ev.Action, &ev.ReviewerID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan review event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review events: %w", err)
	}
	return events, nil
}
