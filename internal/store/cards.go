package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/kira-kanban/dispatch-core/internal/apierr"
)

const cardColumns = `
	id, column_id, board_id, title, description, labels, priority, assignee_id, agent_status, version
`

func cardScanTargets(c *Card) []any {
	return []any{
		&c.ID, &c.ColumnID, &c.BoardID, &c.Title, &c.Description, &c.Labels,
		&c.Priority, &c.AssigneeID, &c.AgentStatus, &c.Version,
	}
}

// GetCard fetches a card by id, re-read fresh on every automation iteration
// so out-of-band moves are always observed.
func (s *Store) GetCard(ctx context.Context, cardID string) (*Card, error) {
	var c Card
	err := s.pool.QueryRow(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = $1`, cardID).
		Scan(cardScanTargets(&c)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.NotFound("card not found")
	}
	if err != nil {
		return nil, apierr.StorageError("get card", err)
	}
	return &c, nil
}

// MoveCard moves a card to targetColumnID, appending it to the end of the
// destination, guarded by the optimistic version the caller read the card
// with. A version mismatch (someone else moved it first) returns Conflict.
func (s *Store) MoveCard(ctx context.Context, cardID, targetColumnID string, expectedVersion int) (*Card, error) {
	var c Card
	err := s.withRetry(ctx, "move_card", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			UPDATE cards
			SET column_id = $2, version = version + 1,
			    position = COALESCE((SELECT MAX(position) + 1 FROM cards WHERE column_id = $2), 0)
			WHERE id = $1 AND version = $3
			RETURNING `+cardColumns, cardID, targetColumnID, expectedVersion,
		).Scan(cardScanTargets(&c)...)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.Conflict("card moved out of band")
	}
	if err != nil {
		return nil, apierr.StorageError("move card", err)
	}
	return &c, nil
}

// SetAgentStatus updates a card's agent_status, guarded by the optimistic
// version exactly like MoveCard.
func (s *Store) SetAgentStatus(ctx context.Context, cardID string, status AgentStatus, expectedVersion int) (*Card, error) {
	var c Card
	err := s.withRetry(ctx, "set_agent_status", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			UPDATE cards SET agent_status = $2, version = version + 1
			WHERE id = $1 AND version = $3
			RETURNING `+cardColumns, cardID, status, expectedVersion,
		).Scan(cardScanTargets(&c)...)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.Conflict("card changed out of band")
	}
	if err != nil {
		return nil, apierr.StorageError("set agent status", err)
	}
	return &c, nil
}

// GetColumn fetches a column by id.
func (s *Store) GetColumn(ctx context.Context, columnID string) (*Column, error) {
	var col Column
	err := s.pool.QueryRow(ctx, `
		SELECT id, board_id, name, auto_run, agent_type, prompt_template,
		       on_success_column_id, on_failure_column_id, max_loop_count
		FROM columns WHERE id = $1
	`, columnID).Scan(
		&col.ID, &col.BoardID, &col.Name, &col.AutoRun, &col.AgentType, &col.PromptTemplate,
		&col.OnSuccessColumnID, &col.OnFailureColumnID, &col.MaxLoopCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.NotFound("column not found")
	}
	if err != nil {
		return nil, apierr.StorageError("get column", err)
	}
	return &col, nil
}

// FirstColumn returns the lowest-position column on boardID, used as the
// fallback target for board_plan→card_gen chaining when no "Plan"/"Backlog"
// column is found by name.
func (s *Store) FirstColumn(ctx context.Context, boardID string) (*Column, error) {
	var col Column
	err := s.pool.QueryRow(ctx, `
		SELECT id, board_id, name, auto_run, agent_type, prompt_template,
		       on_success_column_id, on_failure_column_id, max_loop_count
		FROM columns WHERE board_id = $1 ORDER BY position ASC LIMIT 1
	`, boardID).Scan(
		&col.ID, &col.BoardID, &col.Name, &col.AutoRun, &col.AgentType, &col.PromptTemplate,
		&col.OnSuccessColumnID, &col.OnFailureColumnID, &col.MaxLoopCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.NotFound("board has no columns")
	}
	if err != nil {
		return nil, apierr.StorageError("get first column", err)
	}
	return &col, nil
}

// FindColumnByName returns the first column on boardID matching one of
// names (case-insensitive), used to locate a "Plan"/"Backlog" column.
func (s *Store) FindColumnByName(ctx context.Context, boardID string, names []string) (*Column, error) {
	var col Column
	err := s.pool.QueryRow(ctx, `
		SELECT id, board_id, name, auto_run, agent_type, prompt_template,
		       on_success_column_id, on_failure_column_id, max_loop_count
		FROM columns WHERE board_id = $1 AND lower(name) = ANY($2)
		ORDER BY position ASC LIMIT 1
	`, boardID, lowerAll(names)).Scan(
		&col.ID, &col.BoardID, &col.Name, &col.AutoRun, &col.AgentType, &col.PromptTemplate,
		&col.OnSuccessColumnID, &col.OnFailureColumnID, &col.MaxLoopCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.NotFound("no matching column")
	}
	if err != nil {
		return nil, apierr.StorageError("find column by name", err)
	}
	return &col, nil
}

func lowerAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToLower(s)
	}
	return out
}

// BoardGitlabSettingsFor fetches and decodes a board's gitlab settings.
func (s *Store) BoardGitlabSettingsFor(ctx context.Context, boardID string) (*BoardGitlabSettings, error) {
	var raw json.RawMessage
	err := s.pool.QueryRow(ctx, `
		SELECT settings_json -> 'gitlab' FROM boards WHERE id = $1
	`, boardID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.NotFound("board not found")
	}
	if err != nil {
		return nil, apierr.StorageError("get board gitlab settings", err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return &BoardGitlabSettings{}, nil
	}
	var settings BoardGitlabSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, apierr.StorageError("decode board gitlab settings", err)
	}
	return &settings, nil
}

