package report

import (
	"time"

	"github.com/google/uuid"

	"github.com/dc-dime/beiwe-backend/internal/store"
	"github.com/dc-dime/beiwe-backend/internal/tree"
)

// NoData is the sentinel for a grid cell no task has ever covered.
const NoData = "--"

type Row struct {
	ParticipantID string   `json:"participant_id"`
	Tree          tree.ID  `json:"tree"`
	Statuses      []string `json:"statuses"`
}

type Grid struct {
	Dates []string `json:"dates"`
	Rows  []Row    `json:"rows"`

	// MetadataConflict flags trees for which more than one distinct cached
	// artifact is reachable across current tasks, a warning that downstream
	// consumers may be reading inconsistent cached state.
	MetadataConflict map[tree.ID]bool `json:"metadata_conflict"`
	AnyConflict      bool             `json:"any_conflict"`
}

type cellKey struct {
	participant string
	tree        tree.ID
	date        string
}

// BuildStatusGrid folds the task history into the (participant, tree, date)
// status matrix. Tasks must be ordered oldest-first so later tasks overwrite
// earlier ones; the fold is linear in tasks-times-covered-dates plus grid
// cells, never pairwise. Read-only.
func BuildStatusGrid(tasks []store.Task, participants []string, start, end time.Time) Grid {
	dates := daterange(start, end)

	results := make(map[cellKey]store.Status, len(tasks))
	metadata := make(map[cellKey]*uuid.UUID, len(tasks))

	for _, t := range tasks {
		// only the overlap with the requested range contributes cells
		s, e := maxDay(t.DataDateStart, start), minDay(t.DataDateEnd, end)
		if e.Before(s) {
			continue
		}
		for _, d := range daterange(s, e) {
			k := cellKey{t.ParticipantID, t.Tree, d}
			results[k] = t.Status
			if t.Status == store.StatusSuccess {
				metadata[k] = t.BVSetID
			} else {
				// an unsuccessful newer run invalidates older cached state
				metadata[k] = nil
			}
		}
	}

	g := Grid{
		Dates:            dates,
		Rows:             make([]Row, 0, len(participants)*len(tree.All())),
		MetadataConflict: make(map[tree.ID]bool, len(tree.All())),
	}

	for _, p := range participants {
		for _, tr := range tree.All() {
			row := Row{ParticipantID: p, Tree: tr, Statuses: make([]string, len(dates))}
			for i, d := range dates {
				if s, ok := results[cellKey{p, tr, d}]; ok {
					row.Statuses[i] = string(s)
				} else {
					row.Statuses[i] = NoData
				}
			}
			g.Rows = append(g.Rows, row)
		}
	}

	seen := make(map[tree.ID]map[uuid.UUID]struct{}, len(tree.All()))
	for k, id := range metadata {
		if id == nil {
			continue
		}
		if seen[k.tree] == nil {
			seen[k.tree] = map[uuid.UUID]struct{}{}
		}
		seen[k.tree][*id] = struct{}{}
	}
	for tr, ids := range seen {
		if len(ids) > 1 {
			g.MetadataConflict[tr] = true
			g.AnyConflict = true
		}
	}

	return g
}

func daterange(start, end time.Time) []string {
	start = day(start)
	end = day(end)
	if end.Before(start) {
		return nil
	}
	out := make([]string, 0, int(end.Sub(start).Hours()/24)+1)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format("2006-01-02"))
	}
	return out
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func maxDay(a, b time.Time) time.Time {
	a, b = day(a), day(b)
	if a.After(b) {
		return a
	}
	return b
}

func minDay(a, b time.Time) time.Time {
	a, b = day(a), day(b)
	if a.Before(b) {
		return a
	}
	return b
}
