package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	db *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	// sensible defaults
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{db: pool}, nil
}

func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

const taskColumns = `id, external_id, participant_id, study_id, tree,
data_date_start, data_date_end, status, created_at,
process_start, process_download_end, process_end,
stacktrace, total_file_size, executor_version, params_cache,
bv_set_id, memory_dict_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*Task, error) {
	var t Task
	err := r.Scan(
		&t.ID, &t.ExternalID, &t.ParticipantID, &t.StudyID, &t.Tree,
		&t.DataDateStart, &t.DataDateEnd, &t.Status, &t.CreatedAt,
		&t.ProcessStart, &t.ProcessDownloadEnd, &t.ProcessEnd,
		&t.Stacktrace, &t.TotalFileSize, &t.ExecutorVersion, &t.ParamsCache,
		&t.BVSetID, &t.MemoryDictID,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
