package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/kira-kanban/dispatch-core/internal/apierr"
	"github.com/kira-kanban/dispatch-core/internal/pkg/cuid2"
)

// CreateComment inserts a comment, returning its id.
func (s *Store) CreateComment(ctx context.Context, cardID, userID, content string, isAgentOutput bool) (*Comment, error) {
	id := cuid2.GeneratePrefixedId("cmt", cuid2.PrefixedIdOptions{})
	var c Comment
	err := s.pool.QueryRow(ctx, `
		INSERT INTO comments (id, card_id, user_id, content, is_agent_output)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, card_id, user_id, content, is_agent_output, created_at
	`, id, cardID, userID, content, isAgentOutput).Scan(
		&c.ID, &c.CardID, &c.UserID, &c.Content, &c.IsAgentOutput, &c.CreatedAt,
	)
	if err != nil {
		return nil, apierr.StorageError("create comment", err)
	}
	return &c, nil
}

// LastAgentOutput returns the most recent is_agent_output=true comment's
// content for cardID, or "" if none exists, for prompt rendering.
func (s *Store) LastAgentOutput(ctx context.Context, cardID string) (string, error) {
	var content string
	err := s.pool.QueryRow(ctx, `
		SELECT content FROM comments
		WHERE card_id = $1 AND is_agent_output = true
		ORDER BY created_at DESC LIMIT 1
	`, cardID).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", apierr.StorageError("last agent output", err)
	}
	return content, nil
}

// AllComments returns every comment on cardID, oldest first, for the
// {card_comments} prompt variable.
func (s *Store) AllComments(ctx context.Context, cardID string) ([]*Comment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, card_id, user_id, content, is_agent_output, created_at
		FROM comments WHERE card_id = $1 ORDER BY created_at ASC
	`, cardID)
	if err != nil {
		return nil, apierr.StorageError("list comments", err)
	}
	defer rows.Close()

	var comments []*Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.CardID, &c.UserID, &c.Content, &c.IsAgentOutput, &c.CreatedAt); err != nil {
			return nil, apierr.StorageError("scan comment", err)
		}
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}
