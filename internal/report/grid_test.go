package report

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dc-dime/beiwe-backend/internal/store"
	"github.com/dc-dime/beiwe-backend/internal/tree"
)

func d(day int) time.Time {
	return time.Date(2021, 1, day, 0, 0, 0, 0, time.UTC)
}

func task(participant string, tr tree.ID, status store.Status, start, end int, created time.Time) store.Task {
	return store.Task{
		ID:            uuid.New(),
		ParticipantID: participant,
		Tree:          tr,
		DataDateStart: d(start),
		DataDateEnd:   d(end),
		Status:        status,
		CreatedAt:     created,
	}
}

func rowFor(t *testing.T, g Grid, participant string, tr tree.ID) Row {
	t.Helper()
	for _, r := range g.Rows {
		if r.ParticipantID == participant && r.Tree == tr {
			return r
		}
	}
	t.Fatalf("no row for (%s, %s)", participant, tr)
	return Row{}
}

func TestGridNoTasksIsAllSentinel(t *testing.T) {
	g := BuildStatusGrid(nil, []string{"p1"}, d(1), d(10))

	if len(g.Dates) != 10 {
		t.Fatalf("expected 10 dates, got %d", len(g.Dates))
	}
	if len(g.Rows) != len(tree.All()) {
		t.Fatalf("expected one row per tree, got %d", len(g.Rows))
	}
	for _, r := range g.Rows {
		for _, s := range r.Statuses {
			if s != NoData {
				t.Fatalf("expected %q for every cell, got %q", NoData, s)
			}
		}
	}
	if g.AnyConflict {
		t.Fatalf("no tasks cannot conflict")
	}
}

func TestGridSingleSuccessCoversExactlyItsDates(t *testing.T) {
	created := time.Now().UTC()
	tasks := []store.Task{task("p1", tree.Jasmine, store.StatusSuccess, 1, 5, created)}

	g := BuildStatusGrid(tasks, []string{"p1"}, d(1), d(10))
	r := rowFor(t, g, "p1", tree.Jasmine)

	for i, s := range r.Statuses {
		if i < 5 && s != string(store.StatusSuccess) {
			t.Fatalf("day %d: expected success, got %q", i+1, s)
		}
		if i >= 5 && s != NoData {
			t.Fatalf("day %d: expected sentinel, got %q", i+1, s)
		}
	}

	willow := rowFor(t, g, "p1", tree.Willow)
	for _, s := range willow.Statuses {
		if s != NoData {
			t.Fatalf("willow cells must stay sentinel, got %q", s)
		}
	}
}

func TestGridLaterTaskOverwritesEarlier(t *testing.T) {
	base := time.Now().UTC()
	tasks := []store.Task{
		task("p1", tree.Jasmine, store.StatusSuccess, 1, 5, base),
		task("p1", tree.Jasmine, store.StatusError, 3, 7, base.Add(time.Hour)),
	}

	g := BuildStatusGrid(tasks, []string{"p1"}, d(1), d(7))
	r := rowFor(t, g, "p1", tree.Jasmine)

	want := []string{"success", "success", "error", "error", "error", "error", "error"}
	for i, s := range r.Statuses {
		if s != want[i] {
			t.Fatalf("day %d: expected %q got %q", i+1, want[i], s)
		}
	}
}

func TestGridTaskOutsideRangeContributesNothing(t *testing.T) {
	tasks := []store.Task{task("p1", tree.Jasmine, store.StatusSuccess, 1, 5, time.Now().UTC())}

	g := BuildStatusGrid(tasks, []string{"p1"}, d(20), d(25))
	r := rowFor(t, g, "p1", tree.Jasmine)
	for _, s := range r.Statuses {
		if s != NoData {
			t.Fatalf("expected sentinel outside the task's range, got %q", s)
		}
	}
}

func TestGridMetadataConflict(t *testing.T) {
	id1, id2 := uuid.New(), uuid.New()
	base := time.Now().UTC()

	t1 := task("p1", tree.Jasmine, store.StatusSuccess, 1, 2, base)
	t1.BVSetID = &id1
	t2 := task("p2", tree.Jasmine, store.StatusSuccess, 1, 2, base)
	t2.BVSetID = &id2

	g := BuildStatusGrid([]store.Task{t1, t2}, []string{"p1", "p2"}, d(1), d(2))
	if !g.MetadataConflict[tree.Jasmine] || !g.AnyConflict {
		t.Fatalf("expected a jasmine metadata conflict")
	}
	if g.MetadataConflict[tree.Willow] {
		t.Fatalf("willow has no artifacts, cannot conflict")
	}
}

func TestGridUnsuccessfulRunClearsMetadata(t *testing.T) {
	id1 := uuid.New()
	base := time.Now().UTC()

	t1 := task("p1", tree.Jasmine, store.StatusSuccess, 1, 2, base)
	t1.BVSetID = &id1
	// a newer failed run over the same dates invalidates the cached state
	t2 := task("p1", tree.Jasmine, store.StatusError, 1, 2, base.Add(time.Hour))

	g := BuildStatusGrid([]store.Task{t1, t2}, []string{"p1"}, d(1), d(2))
	if g.AnyConflict {
		t.Fatalf("cleared metadata must not count towards a conflict")
	}
}
