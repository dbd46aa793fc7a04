package summary

import (
	"context"
	"encoding/csv"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dc-dime/beiwe-backend/internal/store"
)

// Sink receives the parsed summary rows for a task.
type Sink interface {
	ReplaceSummaries(ctx context.Context, taskID uuid.UUID, rows []store.SummaryRow) error
}

// Construct reads the tree's on-disk output (every *_daily.csv under
// outputDir) and writes the per-day summary rows keyed by the task.
func Construct(ctx context.Context, sink Sink, taskID uuid.UUID, outputDir string) error {
	var rows []store.SummaryRow

	err := filepath.WalkDir(outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), "_daily.csv") {
			return nil
		}
		parsed, err := parseDailyCSV(path, taskID)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.Name(), err)
		}
		rows = append(rows, parsed...)
		return nil
	})
	if err != nil {
		return err
	}

	return sink.ReplaceSummaries(ctx, taskID, rows)
}

func parseDailyCSV(path string, taskID uuid.UUID) ([]store.SummaryRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	rows := make([]store.SummaryRow, 0, len(records)-1)
	for _, rec := range records[1:] { // skip header
		if len(rec) != 4 {
			return nil, fmt.Errorf("expected 4 columns, got %d", len(rec))
		}
		date, err := time.Parse("2006-01-02", rec[0])
		if err != nil {
			return nil, err
		}
		files, err := strconv.Atoi(rec[1])
		if err != nil {
			return nil, err
		}
		lines, err := strconv.Atoi(rec[2])
		if err != nil {
			return nil, err
		}
		bytes, err := strconv.ParseInt(rec[3], 10, 64)
		if err != nil {
			return nil, err
		}
		rows = append(rows, store.SummaryRow{
			TaskID: taskID,
			Date:   date.UTC(),
			Files:  files,
			Lines:  lines,
			Bytes:  bytes,
		})
	}
	return rows, nil
}
