package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type ClaimOutcome int

const (
	// ClaimNotFound: the candidate task id no longer exists.
	ClaimNotFound ClaimOutcome = iota
	// ClaimConflict: a sibling task for the same (participant, tree) is
	// running. The caller defers by re-dispatching; nothing was mutated.
	ClaimConflict
	// ClaimNothing: no sibling is queued anymore (cancelled or already
	// consumed by another worker).
	ClaimNothing
	// Claimed: a task was transitioned to running and is returned.
	Claimed
)

// ClaimNext is the sole critical section of the execution path. Under one
// transaction it locks every task row sharing the candidate's (participant,
// tree) pair, re-checks the single-running invariant, and marks the queued
// sibling with the latest data_date_start as running (newest-data-first; ties
// break on id ascending, which is deterministic). The claimed task may differ
// from the dispatched candidate. Everything after the commit runs unlocked.
func (s *Store) ClaimNext(ctx context.Context, candidateID uuid.UUID, executorVersion string) (*Task, ClaimOutcome, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, ClaimNotFound, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var participantID, treeID string
	err = tx.QueryRow(ctx,
		`SELECT participant_id, tree FROM forest_tasks WHERE id = $1;`,
		candidateID,
	).Scan(&participantID, &treeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ClaimNotFound, nil
	}
	if err != nil {
		return nil, ClaimNotFound, err
	}

	// Locking in id order keeps concurrent claimers of the same group from
	// deadlocking on each other.
	rows, err := tx.Query(ctx, `
SELECT id, status
FROM forest_tasks
WHERE participant_id = $1 AND tree = $2
ORDER BY id
FOR UPDATE;
`, participantID, treeID)
	if err != nil {
		return nil, ClaimNotFound, err
	}

	anyRunning := false
	for rows.Next() {
		var id uuid.UUID
		var status Status
		if err := rows.Scan(&id, &status); err != nil {
			rows.Close()
			return nil, ClaimNotFound, err
		}
		if status == StatusRunning {
			anyRunning = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, ClaimNotFound, err
	}
	if anyRunning {
		return nil, ClaimConflict, nil
	}

	var selectedID uuid.UUID
	err = tx.QueryRow(ctx, `
SELECT id
FROM forest_tasks
WHERE participant_id = $1 AND tree = $2 AND status = 'queued'
ORDER BY data_date_start DESC, id ASC
LIMIT 1;
`, participantID, treeID).Scan(&selectedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ClaimNothing, nil
	}
	if err != nil {
		return nil, ClaimNotFound, err
	}

	task, err := scanTask(tx.QueryRow(ctx, `
UPDATE forest_tasks
SET status = 'running',
    executor_version = $2,
    process_start = $3
WHERE id = $1
RETURNING `+taskColumns+`;
`, selectedID, executorVersion, time.Now().UTC()))
	if err != nil {
		return nil, ClaimNotFound, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, ClaimNotFound, err
	}
	return task, Claimed, nil
}

// SaveTotalFileSize records the summed input byte size. Best-effort progress
// signal, only meaningful while the task is running.
func (s *Store) SaveTotalFileSize(ctx context.Context, id uuid.UUID, size int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE forest_tasks SET total_file_size = $2 WHERE id = $1 AND status = 'running';`,
		id, size)
	return err
}

func (s *Store) SaveDownloadEnd(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE forest_tasks SET process_download_end = $2 WHERE id = $1 AND status = 'running' AND process_download_end IS NULL;`,
		id, at.UTC())
	return err
}

func (s *Store) SaveParamsCache(ctx context.Context, id uuid.UUID, params json.RawMessage) error {
	_, err := s.db.Exec(ctx,
		`UPDATE forest_tasks SET params_cache = $2::jsonb WHERE id = $1 AND status = 'running';`,
		id, params)
	return err
}

// FinishTaskParams is the complete terminal snapshot for a running task.
type FinishTaskParams struct {
	ID           uuid.UUID
	Status       Status // success or error
	Stacktrace   *string
	ProcessEnd   time.Time
	BVSetID      *uuid.UUID
	MemoryDictID *uuid.UUID
}

// FinishTask writes the terminal state in a single atomic update covering
// status, diagnostics, timestamps and artifact references. It refuses any
// status other than success/error and any task not currently running, so an
// interrupted pipeline can never leave a half-persisted terminal state.
func (s *Store) FinishTask(ctx context.Context, p FinishTaskParams) (*Task, error) {
	if p.Status != StatusSuccess && p.Status != StatusError {
		return nil, fmt.Errorf("%w: finish with status %q", ErrInvalidTransition, p.Status)
	}
	if p.Status == StatusError && (p.Stacktrace == nil || *p.Stacktrace == "") {
		return nil, fmt.Errorf("%w: error finish requires a stacktrace", ErrValidation)
	}

	task, err := scanTask(s.db.QueryRow(ctx, `
UPDATE forest_tasks
SET status = $2,
    stacktrace = $3,
    process_end = $4,
    bv_set_id = $5,
    memory_dict_id = $6
WHERE id = $1 AND status = 'running'
RETURNING `+taskColumns+`;
`, p.ID, string(p.Status), p.Stacktrace, p.ProcessEnd.UTC(), p.BVSetID, p.MemoryDictID))
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the task vanished or it is not running anymore.
		if _, getErr := s.GetTask(ctx, p.ID); errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ReapStaleRunning requeues tasks stuck in running longer than the given
// horizon, the recovery path for workers that died mid-pipeline. Progress
// stamps are cleared so the fresh run re-stamps them.
func (s *Store) ReapStaleRunning(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: reap horizon must be positive", ErrValidation)
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.db.Exec(ctx, `
UPDATE forest_tasks
SET status = 'queued',
    process_start = NULL,
    process_download_end = NULL,
    total_file_size = NULL,
    params_cache = NULL
WHERE status = 'running' AND process_start < $1;
`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
