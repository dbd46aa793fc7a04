package report

import (
	"context"
	"errors"
	"time"

	"github.com/dc-dime/beiwe-backend/internal/store"
)

// StudySource is the read-only slice of the store the aggregator consumes.
type StudySource interface {
	ListTasksForStudy(ctx context.Context, studyID string) ([]store.Task, error)
	ListParticipants(ctx context.Context, studyID string) ([]string, error)
	ChunkDateBounds(ctx context.Context, studyID string) (time.Time, time.Time, error)
}

type Aggregator struct {
	src StudySource
}

func NewAggregator(src StudySource) *Aggregator {
	return &Aggregator{src: src}
}

// StudyGrid builds the status grid for a study. A nil start/end defaults to
// the chunk time-bin bounds, falling back to today when the study holds no
// chunk data yet. Never mutates task rows.
func (a *Aggregator) StudyGrid(ctx context.Context, studyID string, start, end *time.Time) (Grid, error) {
	var lo, hi time.Time
	if start != nil && end != nil {
		lo, hi = *start, *end
	} else {
		var err error
		lo, hi, err = a.src.ChunkDateBounds(ctx, studyID)
		if errors.Is(err, store.ErrNotFound) {
			now := time.Now().UTC()
			lo, hi = now, now
		} else if err != nil {
			return Grid{}, err
		}
		if start != nil {
			lo = *start
		}
		if end != nil {
			hi = *end
		}
	}

	tasks, err := a.src.ListTasksForStudy(ctx, studyID)
	if err != nil {
		return Grid{}, err
	}
	participants, err := a.src.ListParticipants(ctx, studyID)
	if err != nil {
		return Grid{}, err
	}

	return BuildStatusGrid(tasks, participants, lo, hi), nil
}
