package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dc-dime/beiwe-backend/internal/observability"
	"github.com/dc-dime/beiwe-backend/internal/queue"
	"github.com/dc-dime/beiwe-backend/internal/store"
)

// TaskSource is the slice of the store the dispatcher reads.
type TaskSource interface {
	ListQueued(ctx context.Context) ([]store.Task, error)
}

// Publisher submits a dispatch to the execution backend.
type Publisher interface {
	PublishTask(ctx context.Context, msg queue.TaskMessage) error
}

type Dispatcher struct {
	tasks  TaskSource
	pub    Publisher
	logger *zap.Logger

	// Expiry is the dispatch window: deliveries after this much delay are
	// abandoned by workers rather than executed late.
	Expiry time.Duration

	// MaxRedispatches caps conflict-driven resubmission. Past the cap the
	// attempt is dropped; the task stays queued and the next admission
	// sweep picks it up again.
	MaxRedispatches int
}

func New(tasks TaskSource, pub Publisher, logger *zap.Logger, expiry time.Duration, maxRedispatches int) *Dispatcher {
	return &Dispatcher{
		tasks:           tasks,
		pub:             pub,
		logger:          logger,
		Expiry:          expiry,
		MaxRedispatches: maxRedispatches,
	}
}

// AdmitPending scans every queued task and submits each exactly once for this
// scan, tagged with the expiry window. Publish failures are surfaced, not
// retried here; the failed task is simply picked up by the next sweep.
func (d *Dispatcher) AdmitPending(ctx context.Context) (int, error) {
	pending, err := d.tasks.ListQueued(ctx)
	if err != nil {
		return 0, err
	}

	expiresAt := time.Now().UTC().Add(d.Expiry)
	admitted := 0
	for _, t := range pending {
		msg := queue.TaskMessage{
			TaskID:    t.ID.String(),
			ExpiresAt: expiresAt,
		}
		if err := d.pub.PublishTask(ctx, msg); err != nil {
			return admitted, err
		}
		observability.TasksDispatchedTotal.WithLabelValues("admit").Inc()
		admitted++

		d.logger.Info("task admitted",
			zap.String("task_id", t.ID.String()),
			zap.String("participant_id", t.ParticipantID),
			zap.String("tree", string(t.Tree)),
			zap.Time("expires_at", expiresAt),
		)
	}
	return admitted, nil
}

// Requeue resubmits a dispatch after a conflict deferral, with the same expiry
// policy. Idempotent from the store's point of view: identity is the task id,
// and workers re-validate state before acting. Returns false when the
// redispatch cap is hit.
func (d *Dispatcher) Requeue(ctx context.Context, taskID string, redispatches int) (bool, error) {
	if redispatches >= d.MaxRedispatches {
		d.logger.Warn("redispatch cap reached, leaving task for next sweep",
			zap.String("task_id", taskID),
			zap.Int("redispatches", redispatches),
		)
		return false, nil
	}

	msg := queue.TaskMessage{
		TaskID:       taskID,
		ExpiresAt:    time.Now().UTC().Add(d.Expiry),
		Redispatches: redispatches + 1,
	}
	if err := d.pub.PublishTask(ctx, msg); err != nil {
		return false, err
	}
	observability.TasksDispatchedTotal.WithLabelValues("requeue").Inc()
	return true, nil
}
