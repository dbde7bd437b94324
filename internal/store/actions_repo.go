package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"actionrunner/internal/core"
)

var (
	ErrActionNotFound = fmt.Errorf("action %w", core.ErrNotFound)
	ErrActionExists   = fmt.Errorf("action name already in use: %w", core.ErrConflict)
)

const actionColumns = `id, name, slug, api_key, task_url, interval_ms, channel_id, created_at`

// InsertAction persists a new action template and assigns its id.
func (s *Store) InsertAction(ctx context.Context, action *core.Action) error {
	if err := action.Validate(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO actions (name, slug, api_key, task_url, interval_ms, channel_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, action.Name, action.Slug, action.APIKey, nullableString(action.TaskURL),
		nullableInt64(intervalMillis(action.Interval)), nullableString(action.ChannelID),
		formatTime(action.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrActionExists
		}
		return fmt.Errorf("insert action: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	action.ID = id
	return nil
}

// UpsertAction inserts the action or, when an action with the same name
// exists, updates it in place keeping its id.
func (s *Store) UpsertAction(ctx context.Context, action *core.Action) error {
	if err := action.Validate(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	existing, err := s.GetActionByName(ctx, action.Name)
	if errors.Is(err, ErrActionNotFound) {
		return s.InsertAction(ctx, action)
	}
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		UPDATE actions
		SET slug = ?, api_key = ?, task_url = ?, interval_ms = ?, channel_id = ?
		WHERE id = ?
	`, action.Slug, action.APIKey, nullableString(action.TaskURL),
		nullableInt64(intervalMillis(action.Interval)), nullableString(action.ChannelID), existing.ID)
	if err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	action.ID = existing.ID
	action.CreatedAt = existing.CreatedAt
	return nil
}

func (s *Store) GetAction(ctx context.Context, id int64) (*core.Action, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, id)
	action, err := scanAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrActionNotFound
		}
		return nil, err
	}
	return action, nil
}

// GetActionByName looks an action up by its unique name.
func (s *Store) GetActionByName(ctx context.Context, name string) (*core.Action, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE name = ?`, name)
	action, err := scanAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrActionNotFound
		}
		return nil, err
	}
	return action, nil
}

func (s *Store) ListActions(ctx context.Context) ([]*core.Action, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+actionColumns+` FROM actions ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()
	var actions []*core.Action
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return actions, nil
}

func scanAction(scanner interface {
	Scan(dest ...any) error
}) (*core.Action, error) {
	var (
		action     core.Action
		taskURL    sql.NullString
		intervalMS sql.NullInt64
		channelID  sql.NullString
		createdAt  string
	)
	if err := scanner.Scan(&action.ID, &action.Name, &action.Slug, &action.APIKey,
		&taskURL, &intervalMS, &channelID, &createdAt); err != nil {
		return nil, fmt.Errorf("scan action: %w", err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	action.CreatedAt = t
	if taskURL.Valid {
		v := taskURL.String
		action.TaskURL = &v
	}
	if intervalMS.Valid {
		d := time.Duration(intervalMS.Int64) * time.Millisecond
		action.Interval = &d
	}
	if channelID.Valid {
		v := channelID.String
		action.ChannelID = &v
	}
	return &action, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func intervalMillis(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}
