package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

const chunkColumns = `id, participant_id, study_id, data_stream, time_bin, file_size, storage_path`

// ListChunks returns every chunk registered for a participant. Chunk rows are
// owned by the ingest side; the scheduler never writes them.
func (s *Store) ListChunks(ctx context.Context, participantID string) ([]Chunk, error) {
	q := `SELECT ` + chunkColumns + ` FROM chunk_registry WHERE participant_id = $1 ORDER BY time_bin ASC;`
	rows, err := s.db.Query(ctx, q, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Chunk, 0, 64)
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.ParticipantID, &c.StudyID, &c.DataStream, &c.TimeBin, &c.FileSize, &c.StoragePath); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// TotalChunkBytes sums the stored input size for a participant.
func (s *Store) TotalChunkBytes(ctx context.Context, participantID string) (int64, error) {
	var total int64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(file_size), 0) FROM chunk_registry WHERE participant_id = $1;`,
		participantID,
	).Scan(&total)
	return total, err
}

// ListParticipants returns the distinct participant ids with chunk data in a
// study, sorted.
func (s *Store) ListParticipants(ctx context.Context, studyID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT participant_id FROM chunk_registry WHERE study_id = $1 ORDER BY participant_id;`,
		studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ChunkDateBounds returns the earliest and latest chunk time bins for a study,
// the default date range of the status grid. ErrNotFound when the study has no
// chunks at all.
func (s *Store) ChunkDateBounds(ctx context.Context, studyID string) (time.Time, time.Time, error) {
	var earliest, latest *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT MIN(time_bin), MAX(time_bin) FROM chunk_registry WHERE study_id = $1;`,
		studyID,
	).Scan(&earliest, &latest)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && (earliest == nil || latest == nil)) {
		return time.Time{}, time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return *earliest, *latest, nil
}
