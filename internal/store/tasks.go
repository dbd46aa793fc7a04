package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dc-dime/beiwe-backend/internal/tree"
)

type CreateTaskParams struct {
	ParticipantID string
	StudyID       string
	Tree          tree.ID
	DataDateStart time.Time
	DataDateEnd   time.Time
}

func (p CreateTaskParams) validate() error {
	if p.ParticipantID == "" {
		return fmt.Errorf("%w: participant id is required", ErrValidation)
	}
	if p.StudyID == "" {
		return fmt.Errorf("%w: study id is required", ErrValidation)
	}
	if _, err := tree.ParseID(string(p.Tree)); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if p.DataDateStart.IsZero() || p.DataDateEnd.IsZero() {
		return fmt.Errorf("%w: date range is required", ErrValidation)
	}
	if p.DataDateEnd.Before(p.DataDateStart) {
		return fmt.Errorf("%w: data_date_end before data_date_start", ErrValidation)
	}
	return nil
}

// CreateTask enqueues a new task. Malformed parameters are rejected before
// anything is stored.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (*Task, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	q := `
INSERT INTO forest_tasks (id, external_id, participant_id, study_id, tree, data_date_start, data_date_end, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'queued')
RETURNING ` + taskColumns + `;
`
	return scanTask(s.db.QueryRow(ctx, q,
		uuid.New(), uuid.New(), p.ParticipantID, p.StudyID, string(p.Tree),
		p.DataDateStart, p.DataDateEnd,
	))
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	q := `SELECT ` + taskColumns + ` FROM forest_tasks WHERE id = $1;`
	t, err := scanTask(s.db.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) GetTaskByExternalID(ctx context.Context, externalID uuid.UUID) (*Task, error) {
	q := `SELECT ` + taskColumns + ` FROM forest_tasks WHERE external_id = $1;`
	t, err := scanTask(s.db.QueryRow(ctx, q, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

type ListTasksParams struct {
	ParticipantID *string
	Status        *Status
	Limit         int
	Offset        int
}

func (s *Store) ListTasks(ctx context.Context, p ListTasksParams) ([]Task, error) {
	limit := p.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}

	q := `
SELECT ` + taskColumns + `
FROM forest_tasks
WHERE ($1::text IS NULL OR participant_id = $1)
  AND ($2::text IS NULL OR status = $2)
ORDER BY created_at DESC
LIMIT $3 OFFSET $4;
`
	var status *string
	if p.Status != nil {
		sv := string(*p.Status)
		status = &sv
	}

	rows, err := s.db.Query(ctx, q, p.ParticipantID, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows, limit)
}

// ListQueued returns every queued task, oldest first. Used by the dispatcher's
// admission sweep.
func (s *Store) ListQueued(ctx context.Context) ([]Task, error) {
	q := `SELECT ` + taskColumns + ` FROM forest_tasks WHERE status = 'queued' ORDER BY created_at ASC;`
	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows, 64)
}

// TaskHistory returns the newest-first task log for reporting.
func (s *Store) TaskHistory(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	q := `SELECT ` + taskColumns + ` FROM forest_tasks ORDER BY created_at DESC LIMIT $1;`
	rows, err := s.db.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows, limit)
}

// ListTasksForStudy returns every task for a study ordered by creation time
// ascending, the order the status grid folds them in.
func (s *Store) ListTasksForStudy(ctx context.Context, studyID string) ([]Task, error) {
	q := `SELECT ` + taskColumns + ` FROM forest_tasks WHERE study_id = $1 ORDER BY created_at ASC, id ASC;`
	rows, err := s.db.Query(ctx, q, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows, 64)
}

// CancelTask flips a queued task to cancelled and records who asked and when.
// It returns false when no queued task matched the external id: tasks that are
// running or already terminal are left untouched.
func (s *Store) CancelTask(ctx context.Context, externalID uuid.UUID, actor string) (bool, error) {
	note := fmt.Sprintf("Cancelled by %s on %s", actor, time.Now().UTC().Format("2006-01-02"))
	q := `
UPDATE forest_tasks
SET status = 'cancelled',
    stacktrace = $2
WHERE external_id = $1 AND status = 'queued';
`
	tag, err := s.db.Exec(ctx, q, externalID, note)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func collectTasks(rows pgx.Rows, sizeHint int) ([]Task, error) {
	out := make([]Task, 0, sizeHint)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
