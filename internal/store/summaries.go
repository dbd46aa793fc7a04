package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ReplaceSummaries swaps in the full set of summary rows for a task. The
// delete+insert runs in one transaction so readers never see a partial set.
func (s *Store) ReplaceSummaries(ctx context.Context, taskID uuid.UUID, rows []SummaryRow) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM forest_summary_statistics WHERE task_id = $1;`, taskID); err != nil {
		return err
	}
	for _, r := range rows {
		_, err := tx.Exec(ctx, `
INSERT INTO forest_summary_statistics (task_id, date, files, lines, bytes)
VALUES ($1, $2, $3, $4, $5);
`, taskID, r.Date, r.Files, r.Lines, r.Bytes)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ListSummaries(ctx context.Context, taskID uuid.UUID) ([]SummaryRow, error) {
	rows, err := s.db.Query(ctx, `
SELECT task_id, date, files, lines, bytes
FROM forest_summary_statistics
WHERE task_id = $1
ORDER BY date ASC;
`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]SummaryRow, 0, 32)
	for rows.Next() {
		var r SummaryRow
		if err := rows.Scan(&r.TaskID, &r.Date, &r.Files, &r.Lines, &r.Bytes); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
