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

type IntentStatus string

const (
	IntentStatusNew        IntentStatus = "NEW"
	IntentStatusDispatched IntentStatus = "DISPATCHED"
	IntentStatusSkipped    IntentStatus = "SKIPPED"
)

// TaskIntent is a captured unit of potential work, watermarked by its source
// row. (type, source_table, source_id) is unique so re-collection over an
// overlap window never duplicates an intent.
type TaskIntent struct {
	ID                string       `json:"id"`
	Type              string       `json:"type"`
	SourceTable       string       `json:"source_table"`
	SourceID          string       `json:"source_id"`
	Status            IntentStatus `json:"status"`
	Payload           string       `json:"payload"`
	SelectedPersonaID string       `json:"selected_persona_id,omitempty"`
	DecisionReasons   string       `json:"decision_reasons"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Checkpoint tracks the high-water mark for one intent source.
type Checkpoint struct {
	SourceName           string    `json:"source_name"`
	LastCapturedAt       time.Time `json:"last_captured_at"`
	SafetyOverlapSeconds int       `json:"safety_overlap_seconds"`
}

const intentColumns = `id, type, source_table, source_id, status, payload,
	COALESCE(selected_persona_id, ''), decision_reasons, created_at, updated_at`

func scanIntent(scanFn func(dest ...any) error, intent *TaskIntent) error {
	return scanFn(
		&intent.ID,
		&intent.Type,
		&intent.SourceTable,
		&intent.SourceID,
		&intent.Status,
		&intent.Payload,
		&intent.SelectedPersonaID,
		&intent.DecisionReasons,
		&intent.CreatedAt,
		&intent.UpdatedAt,
	)
}

// UpsertIntent inserts a NEW intent, or leaves the existing row untouched when
// the (type, source_table, source_id) key was already captured. Returns the
// intent id and whether a new row was created.
func (s *Store) UpsertIntent(ctx context.Context, intentType, sourceTable, sourceID, payload string) (string, bool, error) {
	if payload == "" {
		payload = "{}"
	}
	id := uuid.NewString()
	var created bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO task_intents (id, type, source_table, source_id, status, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(type, source_table, source_id) DO NOTHING;
		`, id, intentType, sourceTable, sourceID, IntentStatusNew, payload)
		if err != nil {
			return fmt.Errorf("upsert intent: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("upsert intent rows affected: %w", err)
		}
		created = affected == 1
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if !created {
		// Collision: fetch the existing id so callers can correlate.
		if err := s.db.QueryRowContext(ctx, `
			SELECT id FROM task_intents WHERE type = ? AND source_table = ? AND source_id = ?;
		`, intentType, sourceTable, sourceID).Scan(&id); err != nil {
			return "", false, fmt.Errorf("lookup existing intent: %w", err)
		}
		return id, false, nil
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicIntentCollected, map[string]string{
			"intent_id":    id,
			"type":         intentType,
			"source_table": sourceTable,
			"source_id":    sourceID,
		})
	}
	return id, true, nil
}

// ListNewIntents returns NEW intents oldest first, up to limit.
func (s *Store) ListNewIntents(ctx context.Context, limit int) ([]TaskIntent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+intentColumns+`
		FROM task_intents
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, IntentStatusNew, limit)
	if err != nil {
		return nil, fmt.Errorf("list new intents: %w", err)
	}
	defer rows.Close()

	var intents []TaskIntent
	for rows.Next() {
		var intent TaskIntent
		if err := scanIntent(rows.Scan, &intent); err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate intents: %w", err)
	}
	return intents, nil
}

// MarkIntentDispatched records the dispatch decision and the selected persona.
// The conditional status check makes dispatch idempotent across restarts.
func (s *Store) MarkIntentDispatched(ctx context.Context, intentID, personaID, decisionReasons string) (bool, error) {
	if decisionReasons == "" {
		decisionReasons = "[]"
	}
	var dispatched bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE task_intents
			SET status = ?, selected_persona_id = ?, decision_reasons = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, IntentStatusDispatched, personaID, decisionReasons, intentID, IntentStatusNew)
		if err != nil {
			return fmt.Errorf("mark intent dispatched: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("dispatch intent rows affected: %w", err)
		}
		dispatched = affected == 1
		return nil
	})
	return dispatched, err
}

// MarkIntentSkipped records a skip decision with the reasons that produced it.
func (s *Store) MarkIntentSkipped(ctx context.Context, intentID, decisionReasons string) (bool, error) {
	if decisionReasons == "" {
		decisionReasons = "[]"
	}
	var skipped bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE task_intents
			SET status = ?, decision_reasons = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, IntentStatusSkipped, decisionReasons, intentID, IntentStatusNew)
		if err != nil {
			return fmt.Errorf("mark intent skipped: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("skip intent rows affected: %w", err)
		}
		skipped = affected == 1
		return nil
	})
	return skipped, err
}

// GetIntent fetches one intent by id, or nil when absent.
func (s *Store) GetIntent(ctx context.Context, intentID string) (*TaskIntent, error) {
	var intent TaskIntent
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM task_intents WHERE id = ?;`, intentID)
	if err := scanIntent(row.Scan, &intent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get intent: %w", err)
	}
	return &intent, nil
}

// GetCheckpoint returns the checkpoint for a source, or nil when none exists
// yet (first collection run).
func (s *Store) GetCheckpoint(ctx context.Context, sourceName string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT source_name, last_captured_at, safety_overlap_seconds
		FROM source_checkpoints
		WHERE source_name = ?;
	`, sourceName).Scan(&cp.SourceName, &cp.LastCapturedAt, &cp.SafetyOverlapSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &cp, nil
}

// AdvanceCheckpoint moves a source's high-water mark forward. The mark never
// regresses: an older capturedAt leaves the stored value in place.
func (s *Store) AdvanceCheckpoint(ctx context.Context, sourceName string, capturedAt time.Time, overlapSeconds int) error {
	if overlapSeconds <= 0 {
		overlapSeconds = 60
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO source_checkpoints (source_name, last_captured_at, safety_overlap_seconds, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(source_name) DO UPDATE SET
				last_captured_at = MAX(last_captured_at, excluded.last_captured_at),
				safety_overlap_seconds = excluded.safety_overlap_seconds,
				updated_at = CURRENT_TIMESTAMP;
		`, sourceName, capturedAt.UTC(), overlapSeconds)
		if err != nil {
			return fmt.Errorf("advance checkpoint: %w", err)
		}
		return nil
	})
}
