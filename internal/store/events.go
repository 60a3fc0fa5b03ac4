package store

import (
	"context"
	"fmt"
	"time"
)

// RuntimeEvent is one structured operational event: layer + operation +
// reason code plus entity correlation ids. The ledger is append-only.
type RuntimeEvent struct {
	EventID    int64     `json:"event_id"`
	Layer      string    `json:"layer"`
	Operation  string    `json:"operation"`
	ReasonCode string    `json:"reason_code,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	PersonaID  string    `json:"persona_id,omitempty"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Metadata   string    `json:"metadata"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RuntimeEventFilter narrows ListRuntimeEvents. Zero values mean no filter.
type RuntimeEventFilter struct {
	Layer      string
	ReasonCode string
	EntityID   string
	TaskID     string
	After      time.Time // exclusive lower bound on occurred_at
	AfterID    int64     // tiebreaker cursor within the same timestamp
	Limit      int
}

// InsertRuntimeEvent appends one event to the ledger.
func (s *Store) InsertRuntimeEvent(ctx context.Context, ev RuntimeEvent) error {
	if ev.Metadata == "" {
		ev.Metadata = "{}"
	}
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runtime_events (layer, operation, reason_code, entity_id, task_id, persona_id, worker_id, metadata, occurred_at)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?);
		`, ev.Layer, ev.Operation, ev.ReasonCode, ev.EntityID, ev.TaskID, ev.PersonaID, ev.WorkerID, ev.Metadata, occurred.UTC())
		if err != nil {
			return fmt.Errorf("insert runtime event: %w", err)
		}
		return nil
	})
}

// ListRuntimeEvents returns events in (occurred_at, event_id) order after the
// filter's cursor. The compound cursor keeps pagination stable when many
// events share a timestamp.
func (s *Store) ListRuntimeEvents(ctx context.Context, filter RuntimeEventFilter) ([]RuntimeEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT event_id, layer, operation, reason_code, entity_id,
			COALESCE(task_id, ''), COALESCE(persona_id, ''), COALESCE(worker_id, ''),
			metadata, occurred_at
		FROM runtime_events
		WHERE 1 = 1`
	args := []any{}
	if !filter.After.IsZero() {
		query += ` AND (occurred_at > ? OR (occurred_at = ? AND event_id > ?))`
		after := filter.After.UTC()
		args = append(args, after, after, filter.AfterID)
	}
	if filter.Layer != "" {
		query += ` AND layer = ?`
		args = append(args, filter.Layer)
	}
	if filter.ReasonCode != "" {
		query += ` AND reason_code = ?`
		args = append(args, filter.ReasonCode)
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, filter.EntityID)
	}
	if filter.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, filter.TaskID)
	}
	query += ` ORDER BY occurred_at ASC, event_id ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runtime events: %w", err)
	}
	defer rows.Close()

	var events []RuntimeEvent
	for rows.Next() {
		var ev RuntimeEvent
		if err := rows.Scan(&ev.EventID, &ev.Layer, &ev.Operation, &ev.ReasonCode, &ev.EntityID,
			&ev.TaskID, &ev.PersonaID, &ev.WorkerID, &ev.Metadata, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan runtime event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runtime events: %w", err)
	}
	return events, nil
}

// ListTaskEvents returns the append-only transition history for one task.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, COALESCE(trace_id, ''), event_type,
			COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var events []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.TraceID, &ev.EventType,
			&ev.StateFrom, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task events: %w", err)
	}
	return events, nil
}

// TaskEvent is one transition entry for a queue task.
type TaskEvent struct {
	EventID   int64     `json:"event_id"`
	TaskID    string    `json:"task_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	EventType string    `json:"event_type"`
	StateFrom string    `json:"state_from,omitempty"`
	StateTo   string    `json:"state_to"`
	Payload   string    `json:"payload_json"`
	CreatedAt time.Time `json:"created_at"`
}
