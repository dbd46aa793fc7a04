package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SaveArtifact stores one cached byproduct out-of-line from the task row and
// returns its reference id.
func (s *Store) SaveArtifact(ctx context.Context, taskID uuid.UUID, kind ArtifactKind, data []byte) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.Exec(ctx, `
INSERT INTO forest_task_artifacts (id, task_id, kind, data)
VALUES ($1, $2, $3, $4);
`, id, taskID, string(kind), data)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// DeleteArtifacts removes every cached byproduct stored for a task. Called on
// the error path so a partially persisted pair cannot be left orphaned.
func (s *Store) DeleteArtifacts(ctx context.Context, taskID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM forest_task_artifacts WHERE task_id = $1;`, taskID)
	return err
}

func (s *Store) GetArtifact(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(ctx,
		`SELECT data FROM forest_task_artifacts WHERE id = $1;`, id,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
