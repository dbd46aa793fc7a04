package tree

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// dayStat is one day's aggregate over a participant's materialized files.
type dayStat struct {
	Files int   `json:"files"`
	Lines int   `json:"lines"`
	Bytes int64 `json:"bytes"`
}

// runJasmine aggregates GPS chunks per day and writes jasmine_daily.csv, plus
// the two cached byproducts: the observed-day support set and the per-day
// memory structure consumed by subsequent runs.
func runJasmine(ctx context.Context, p Params) error {
	stats, err := collectDayStats(ctx, p.DataDir, []string{"gps"})
	if err != nil {
		return err
	}

	if err := writeDailyCSV(filepath.Join(p.OutputDir, "jasmine_daily.csv"), stats); err != nil {
		return err
	}

	// Support set: sorted list of days with any observed data.
	days := make([]string, 0, len(stats))
	for d := range stats {
		days = append(days, d)
	}
	sort.Strings(days)
	bvSet, err := json.Marshal(days)
	if err != nil {
		return err
	}
	if err := os.WriteFile(p.BVSetPath, bvSet, 0o644); err != nil {
		return fmt.Errorf("write bv set: %w", err)
	}

	memory, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	if err := os.WriteFile(p.MemoryDictPath, memory, 0o644); err != nil {
		return fmt.Errorf("write memory dict: %w", err)
	}
	return nil
}

// collectDayStats walks the given stream directories and groups file stats by
// the day encoded in each file name (YYYY-MM-DD prefix).
func collectDayStats(ctx context.Context, dataDir string, streams []string) (map[string]dayStat, error) {
	stats := map[string]dayStat{}

	for _, stream := range streams {
		dir := filepath.Join(dataDir, stream)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", dir, err)
		}

		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if len(name) < 10 {
				continue
			}
			day := name[:10]

			path := filepath.Join(dir, name)
			info, err := e.Info()
			if err != nil {
				return nil, err
			}
			lines, err := countLines(path)
			if err != nil {
				return nil, err
			}

			s := stats[day]
			s.Files++
			s.Lines += lines
			s.Bytes += info.Size()
			stats[day] = s
		}
	}
	return stats, nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n, sc.Err()
}

func writeDailyCSV(path string, stats map[string]dayStat) error {
	days := make([]string, 0, len(stats))
	for d := range stats {
		days = append(days, d)
	}
	sort.Strings(days)

	var b strings.Builder
	b.WriteString("date,files,lines,bytes\n")
	for _, d := range days {
		s := stats[d]
		fmt.Fprintf(&b, "%s,%d,%d,%d\n", d, s.Files, s.Lines, s.Bytes)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
