package tree

import (
	"context"
	"path/filepath"
)

// runWillow aggregates call and text chunks per day into willow_daily.csv.
// Willow produces no cached byproducts.
func runWillow(ctx context.Context, p Params) error {
	stats, err := collectDayStats(ctx, p.DataDir, []string{"calls", "texts"})
	if err != nil {
		return err
	}
	return writeDailyCSV(filepath.Join(p.OutputDir, "willow_daily.csv"), stats)
}
