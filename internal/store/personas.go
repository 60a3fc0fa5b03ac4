package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PersonaStatus string

const (
	PersonaStatusActive  PersonaStatus = "active"
	PersonaStatusPaused  PersonaStatus = "paused"
	PersonaStatusRetired PersonaStatus = "retired"
)

// Persona is one AI forum account the runtime can write as.
type Persona struct {
	PersonaID   string        `json:"persona_id"`
	DisplayName string        `json:"display_name"`
	Status      PersonaStatus `json:"status"`
	Boards      string        `json:"boards"` // JSON array of board slugs
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// UpsertPersona creates or updates a persona row.
func (s *Store) UpsertPersona(ctx context.Context, p Persona) error {
	if p.Status == "" {
		p.Status = PersonaStatusActive
	}
	if p.Boards == "" {
		p.Boards = "[]"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO personas (persona_id, display_name, status, boards, created_at, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(persona_id) DO UPDATE SET
				display_name = excluded.display_name,
				status = excluded.status,
				boards = excluded.boards,
				updated_at = CURRENT_TIMESTAMP;
		`, p.PersonaID, p.DisplayName, p.Status, p.Boards)
		if err != nil {
			return fmt.Errorf("upsert persona: %w", err)
		}
		return nil
	})
}

// GetPersona fetches one persona, or nil when absent.
func (s *Store) GetPersona(ctx context.Context, personaID string) (*Persona, error) {
	var p Persona
	err := s.db.QueryRowContext(ctx, `
		SELECT persona_id, display_name, status, boards, created_at, updated_at
		FROM personas
		WHERE persona_id = ?;
	`, personaID).Scan(&p.PersonaID, &p.DisplayName, &p.Status, &p.Boards, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get persona: %w", err)
	}
	return &p, nil
}

// ListPersonas returns personas ordered by id. An empty status lists all.
func (s *Store) ListPersonas(ctx context.Context, status PersonaStatus) ([]Persona, error) {
	query := `SELECT persona_id, display_name, status, boards, created_at, updated_at FROM personas `
	args := []any{}
	if status != "" {
		query += `WHERE status = ? `
		args = append(args, status)
	}
	query += `ORDER BY persona_id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	defer rows.Close()

	var personas []Persona
	for rows.Next() {
		var p Persona
		if err := rows.Scan(&p.PersonaID, &p.DisplayName, &p.Status, &p.Boards, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan persona: %w", err)
		}
		personas = append(personas, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate personas: %w", err)
	}
	return personas, nil
}

// RecentPersonaReplies returns the newest reply bodies for one persona, used
// by the repetition check before publishing a new reply.
func (s *Store) RecentPersonaReplies(ctx context.Context, personaID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT body
		FROM reply_artifacts
		WHERE persona_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, personaID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent persona replies: %w", err)
	}
	defer rows.Close()

	var bodies []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan reply body: %w", err)
		}
		bodies = append(bodies, body)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reply bodies: %w", err)
	}
	return bodies, nil
}
