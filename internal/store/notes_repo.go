package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"actionrunner/internal/core"
)

var ErrNoteNotFound = fmt.Errorf("note %w", core.ErrNotFound)

func (s *Store) InsertNote(ctx context.Context, note *core.Note) error {
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	if note.Status == "" {
		note.Status = core.NoteStatusPending
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO notes (automation_id, status, image, created_at)
		VALUES (?, ?, ?, ?)
	`, note.RunID, string(note.Status), nullableString(note.Image), formatTime(note.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	note.ID = id
	return nil
}

// LatestNote returns the run's note with the highest id.
func (s *Store) LatestNote(ctx context.Context, runID int64) (*core.Note, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, automation_id, status, image, created_at
		FROM notes
		WHERE automation_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, runID)
	var (
		note      core.Note
		status    string
		image     sql.NullString
		createdAt string
	)
	if err := row.Scan(&note.ID, &note.RunID, &status, &image, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoteNotFound
		}
		return nil, fmt.Errorf("scan note: %w", err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	note.Status = core.NoteStatus(status)
	note.CreatedAt = t
	if image.Valid {
		v := image.String
		note.Image = &v
	}
	return &note, nil
}

// PruneNotes deletes every note of the run except keepID.
func (s *Store) PruneNotes(ctx context.Context, runID, keepID int64) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM notes WHERE automation_id = ? AND id <> ?`, runID, keepID); err != nil {
		return fmt.Errorf("prune notes: %w", err)
	}
	return nil
}

// CountNotes returns how many notes the run has.
func (s *Store) CountNotes(ctx context.Context, runID int64) (int, error) {
	var count int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM notes WHERE automation_id = ?`, runID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count notes: %w", err)
	}
	return count, nil
}
