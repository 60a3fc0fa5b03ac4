package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PolicyRelease is one immutable, versioned policy document. Only the active
// release with the highest version governs runtime behavior.
type PolicyRelease struct {
	Version   int64     `json:"version"`
	Document  string    `json:"document"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertPolicyRelease appends a new release. Versions are monotonically
// increasing; activating deactivates nothing because the reader always takes
// the highest active version.
func (s *Store) InsertPolicyRelease(ctx context.Context, document string, activate bool) (int64, error) {
	var version int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin policy release tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM policy_releases;`).Scan(&version); err != nil {
			return fmt.Errorf("next policy version: %w", err)
		}
		active := 0
		if activate {
			active = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO policy_releases (version, document, active, created_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP);
		`, version, document, active); err != nil {
			return fmt.Errorf("insert policy release: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

// FetchLatestActiveRelease returns the highest-version active release, or nil
// when no release has ever been activated.
func (s *Store) FetchLatestActiveRelease(ctx context.Context) (*PolicyRelease, error) {
	var rel PolicyRelease
	var active int
	err := s.db.QueryRowContext(ctx, `
		SELECT version, document, active, created_at
		FROM policy_releases
		WHERE active = 1
		ORDER BY version DESC
		LIMIT 1;
	`).Scan(&rel.Version, &rel.Document, &active, &rel.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch active policy release: %w", err)
	}
	rel.Active = active == 1
	return &rel, nil
}

// SetReleaseActive flips the active flag on one release version.
func (s *Store) SetReleaseActive(ctx context.Context, version int64, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE policy_releases SET active = ? WHERE version = ?;`, flag, version)
	if err != nil {
		return fmt.Errorf("set policy release active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set release active rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("policy release version %d not found", version)
	}
	return nil
}

// ListPolicyReleases returns releases newest first.
func (s *Store) ListPolicyReleases(ctx context.Context, limit int) ([]PolicyRelease, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, document, active, created_at
		FROM policy_releases
		ORDER BY version DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list policy releases: %w", err)
	}
	defer rows.Close()

	var releases []PolicyRelease
	for rows.Next() {
		var rel PolicyRelease
		var active int
		if err := rows.Scan(&rel.Version, &rel.Document, &active, &rel.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan policy release: %w", err)
		}
		rel.Active = active == 1
		releases = append(releases, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policy releases: %w", err)
	}
	return releases, nil
}
