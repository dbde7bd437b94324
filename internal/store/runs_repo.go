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

var ErrRunNotFound = fmt.Errorf("run %w", core.ErrNotFound)

const runColumns = `id, name, action_id, instance_id, started_at, ended_at`

func (s *Store) InsertRun(ctx context.Context, run *core.Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO automations (name, action_id, instance_id, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?)
	`, run.Name, nullableInt64(run.ActionID), nullableString(run.InstanceID),
		formatTime(run.StartedAt), nullableTime(run.EndedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	run.ID = id
	return nil
}

func (s *Store) GetRun(ctx context.Context, id int64) (*core.Run, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM automations WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, filter core.RunFilter) ([]*core.Run, error) {
	query := `SELECT ` + runColumns + ` FROM automations`
	if filter.Ended != nil {
		if *filter.Ended {
			query += ` WHERE ended_at IS NOT NULL`
		} else {
			query += ` WHERE ended_at IS NULL`
		}
	}
	query += ` ORDER BY id DESC`
	return s.queryRuns(ctx, "list runs", query)
}

// FindActiveRunForAction returns the action's run without an end timestamp.
// Should more than one exist, the newest wins.
func (s *Store) FindActiveRunForAction(ctx context.Context, actionID int64) (*core.Run, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM automations
		WHERE action_id = ? AND ended_at IS NULL
		ORDER BY id DESC
		LIMIT 1
	`, actionID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

func (s *Store) ListActiveActionRuns(ctx context.Context) ([]*core.Run, error) {
	return s.queryRuns(ctx, "list active action runs", `
		SELECT `+runColumns+` FROM automations
		WHERE action_id IS NOT NULL AND ended_at IS NULL
		ORDER BY id ASC
	`)
}

func (s *Store) MarkRunEnded(ctx context.Context, id int64, endedAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE automations SET ended_at = ? WHERE id = ?`, formatTime(endedAt), id)
	if err != nil {
		return fmt.Errorf("mark run ended: %w", err)
	}
	return checkAffected(res, ErrRunNotFound)
}

func (s *Store) SetRunInstanceID(ctx context.Context, id int64, instanceID string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE automations SET instance_id = ? WHERE id = ?`, instanceID, id)
	if err != nil {
		return fmt.Errorf("set run instance id: %w", err)
	}
	return checkAffected(res, ErrRunNotFound)
}

func (s *Store) ListEndedRunIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM automations WHERE ended_at IS NOT NULL ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list ended runs: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteEndedRuns removes the given runs and their notes in one transaction.
// Ids whose run has no end timestamp are skipped.
func (s *Store) DeleteEndedRuns(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete runs: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM notes WHERE automation_id IN (
			SELECT id FROM automations WHERE ended_at IS NOT NULL AND id IN (`+placeholders+`)
		)
	`, args...); err != nil {
		return 0, fmt.Errorf("delete notes: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM automations WHERE ended_at IS NOT NULL AND id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete runs: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete runs: %w", err)
	}
	return deleted, nil
}

func (s *Store) queryRuns(ctx context.Context, op, query string, args ...any) ([]*core.Run, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var runs []*core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*core.Run, error) {
	var (
		run        core.Run
		actionID   sql.NullInt64
		instanceID sql.NullString
		startedAt  string
		endedAt    sql.NullString
	)
	if err := scanner.Scan(&run.ID, &run.Name, &actionID, &instanceID, &startedAt, &endedAt); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	t, err := parseTime(startedAt)
	if err != nil {
		return nil, err
	}
	run.StartedAt = t
	if actionID.Valid {
		v := actionID.Int64
		run.ActionID = &v
	}
	if instanceID.Valid {
		v := instanceID.String
		run.InstanceID = &v
	}
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return nil, err
		}
		run.EndedAt = &t
	}
	return &run, nil
}
