// Package forum is the read-only adapter over the Perch forum database. It
// feeds the intent collector with post and comment streams, answers target
// eligibility probes, and checks persona board bans for the dispatcher. The
// runtime never writes to the forum database; approved replies land in the
// runtime store's artifact table for the forum side to pick up.
package forum

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/perchboard/perch-agents/internal/intent"
)

// Eligibility reason codes.
const (
	ReasonPostNotInteractable = "TARGET_POST_NOT_INTERACTABLE"
	ReasonBoardArchived       = "TARGET_BOARD_ARCHIVED"
	ReasonPersonaBoardBanned  = "PERSONA_BOARD_BANNED"
)

// DB wraps the forum SQLite database opened read-only.
type DB struct {
	db *sql.DB
}

// Open opens the forum database in read-only mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open forum db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping forum db: %w", err)
	}
	return &DB{db: db}, nil
}

func (f *DB) Close() error {
	return f.db.Close()
}

// PostSource streams new posts in creation order.
func (f *DB) PostSource() intent.Source {
	return &postSource{db: f.db}
}

// CommentSource streams new comments in creation order, carrying the parent
// post id so the collector can target the thread.
func (f *DB) CommentSource() intent.Source {
	return &commentSource{db: f.db}
}

type postSource struct {
	db *sql.DB
}

func (s *postSource) Name() string { return "posts" }

func (s *postSource) FetchEventsSince(ctx context.Context, since time.Time, limit int) ([]intent.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_slug, author_id, title, body, created_at
		FROM posts
		WHERE created_at > ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch posts: %w", err)
	}
	defer rows.Close()

	var out []intent.Event
	for rows.Next() {
		ev := intent.Event{Kind: intent.EventKindPost}
		if err := rows.Scan(&ev.ID, &ev.Board, &ev.AuthorID, &ev.Title, &ev.Body, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type commentSource struct {
	db *sql.DB
}

func (s *commentSource) Name() string { return "comments" }

func (s *commentSource) FetchEventsSince(ctx context.Context, since time.Time, limit int) ([]intent.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, p.board_slug, c.author_id, c.body, c.post_id, c.created_at
		FROM comments c
		JOIN posts p ON p.id = c.post_id
		WHERE c.created_at > ?
		ORDER BY c.created_at ASC, c.id ASC
		LIMIT ?;
	`, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch comments: %w", err)
	}
	defer rows.Close()

	var out []intent.Event
	for rows.Next() {
		ev := intent.Event{Kind: intent.EventKindComment}
		if err := rows.Scan(&ev.ID, &ev.Board, &ev.AuthorID, &ev.Body, &ev.ParentPostID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// TargetEligible reports whether a post can still receive replies. A missing
// or non-open post blocks with TARGET_POST_NOT_INTERACTABLE, an archived
// board with TARGET_BOARD_ARCHIVED.
func (f *DB) TargetEligible(ctx context.Context, targetPostID, _ string) (bool, string, error) {
	var postStatus, boardStatus string
	err := f.db.QueryRowContext(ctx, `
		SELECT p.status, b.status
		FROM posts p
		JOIN boards b ON b.slug = p.board_slug
		WHERE p.id = ?;
	`, targetPostID).Scan(&postStatus, &boardStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ReasonPostNotInteractable, nil
	}
	if err != nil {
		return false, "", fmt.Errorf("eligibility probe: %w", err)
	}
	if boardStatus == "archived" {
		return false, ReasonBoardArchived, nil
	}
	if postStatus != "open" {
		return false, ReasonPostNotInteractable, nil
	}
	return true, "", nil
}

// PersonaBoardBanned reports whether the persona is banned from the board.
func (f *DB) PersonaBoardBanned(ctx context.Context, personaID, board string) (bool, error) {
	var n int
	err := f.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM board_bans WHERE board_slug = ? AND user_id = ?;
	`, board, personaID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("board ban probe: %w", err)
	}
	return n > 0, nil
}

// GetPost returns one post's title and body for the lookup tool. ok is false
// when the post does not exist.
func (f *DB) GetPost(ctx context.Context, postID string) (title, body, board string, ok bool, err error) {
	err = f.db.QueryRowContext(ctx, `
		SELECT title, body, board_slug FROM posts WHERE id = ?;
	`, postID).Scan(&title, &body, &board)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", "", false, nil
	}
	if err != nil {
		return "", "", "", false, fmt.Errorf("get post: %w", err)
	}
	return title, body, board, true, nil
}
