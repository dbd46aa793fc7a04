package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dc-dime/beiwe-backend/internal/blob"
	"github.com/dc-dime/beiwe-backend/internal/observability"
	"github.com/dc-dime/beiwe-backend/internal/queue"
	"github.com/dc-dime/beiwe-backend/internal/store"
	"github.com/dc-dime/beiwe-backend/internal/summary"
	"github.com/dc-dime/beiwe-backend/internal/tree"
	"github.com/dc-dime/beiwe-backend/internal/workspace"
)

// TaskStore is the slice of the store the coordinator needs.
type TaskStore interface {
	ClaimNext(ctx context.Context, candidateID uuid.UUID, executorVersion string) (*store.Task, store.ClaimOutcome, error)
	SaveTotalFileSize(ctx context.Context, id uuid.UUID, size int64) error
	SaveDownloadEnd(ctx context.Context, id uuid.UUID, at time.Time) error
	SaveParamsCache(ctx context.Context, id uuid.UUID, params json.RawMessage) error
	SaveArtifact(ctx context.Context, taskID uuid.UUID, kind store.ArtifactKind, data []byte) (uuid.UUID, error)
	DeleteArtifacts(ctx context.Context, taskID uuid.UUID) error
	FinishTask(ctx context.Context, p store.FinishTaskParams) (*store.Task, error)
	ListChunks(ctx context.Context, participantID string) ([]store.Chunk, error)
	TotalChunkBytes(ctx context.Context, participantID string) (int64, error)
	ReplaceSummaries(ctx context.Context, taskID uuid.UUID, rows []store.SummaryRow) error
}

// Requeuer re-dispatches an attempt deferred by a running sibling.
type Requeuer interface {
	Requeue(ctx context.Context, taskID string, redispatches int) (bool, error)
}

type Outcome int

const (
	// OutcomeSkipped: nothing to do (expired dispatch, vanished task,
	// terminal task, or an emptied queue group). Silent no-op.
	OutcomeSkipped Outcome = iota
	// OutcomeDeferred: a sibling was running; the attempt was re-dispatched
	// without mutating the conflicting task.
	OutcomeDeferred
	// OutcomeCompleted: a task was claimed and driven to a terminal state.
	OutcomeCompleted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDeferred:
		return "deferred"
	case OutcomeCompleted:
		return "completed"
	default:
		return "skipped"
	}
}

type Config struct {
	WorkspaceRoot   string
	ExecutorVersion string
	// PipelineTimeout bounds the pipeline wall clock; zero disables it.
	PipelineTimeout time.Duration
}

type Coordinator struct {
	store   TaskStore
	blobs   blob.Store
	trees   *tree.Registry
	requeue Requeuer
	logger  *zap.Logger
	cfg     Config
}

func New(st TaskStore, blobs blob.Store, trees *tree.Registry, requeue Requeuer, logger *zap.Logger, cfg Config) *Coordinator {
	return &Coordinator{
		store:   st,
		blobs:   blobs,
		trees:   trees,
		requeue: requeue,
		logger:  logger,
		cfg:     cfg,
	}
}

// Execute drives one dispatched attempt through the state machine. The claim
// (eligibility re-check, invariant enforcement, queued→running) happens under
// a row lock inside the store; everything else runs unlocked and may block
// for minutes. Pipeline failures never propagate: they are captured verbatim
// into the task's diagnostics and the task is finished in error state.
func (c *Coordinator) Execute(ctx context.Context, msg queue.TaskMessage) (Outcome, error) {
	if msg.Expired(time.Now().UTC()) {
		c.logger.Info("dropping expired dispatch", zap.String("task_id", msg.TaskID))
		return OutcomeSkipped, nil
	}

	candidateID, err := uuid.Parse(msg.TaskID)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("bad task id %q: %w", msg.TaskID, err)
	}

	task, claim, err := c.store.ClaimNext(ctx, candidateID, c.cfg.ExecutorVersion)
	if err != nil {
		return OutcomeSkipped, err
	}
	switch claim {
	case store.ClaimNotFound, store.ClaimNothing:
		return OutcomeSkipped, nil
	case store.ClaimConflict:
		observability.TasksDeferredTotal.Inc()
		if _, err := c.requeue.Requeue(ctx, msg.TaskID, msg.Redispatches); err != nil {
			return OutcomeDeferred, err
		}
		return OutcomeDeferred, nil
	}

	// Claimed. The selected task may differ from the dispatched candidate.
	observability.TasksClaimedTotal.WithLabelValues(string(task.Tree)).Inc()
	c.logger.Info("task claimed",
		zap.String("task_id", task.ID.String()),
		zap.String("participant_id", task.ParticipantID),
		zap.String("tree", string(task.Tree)),
	)

	start := time.Now()
	finish := c.runClaimed(ctx, task)
	observability.PipelineDuration.WithLabelValues(string(task.Tree)).Observe(time.Since(start).Seconds())
	observability.TasksFinishedTotal.WithLabelValues(string(task.Tree), string(finish.Status)).Inc()

	if _, err := c.store.FinishTask(ctx, finish); err != nil {
		// The task is left running; the stale reaper will requeue it.
		return OutcomeCompleted, fmt.Errorf("finish task %s: %w", task.ID, err)
	}

	if finish.Status == store.StatusError {
		c.logger.Error("task finished in error",
			zap.String("task_id", task.ID.String()),
			zap.String("tree", string(task.Tree)),
			zap.String("stacktrace", *finish.Stacktrace),
		)
	} else {
		c.logger.Info("task succeeded",
			zap.String("task_id", task.ID.String()),
			zap.String("tree", string(task.Tree)),
		)
	}
	return OutcomeCompleted, nil
}

// runClaimed executes the pipeline and assembles the terminal snapshot. The
// workspace is removed on every exit path, panics included.
func (c *Coordinator) runClaimed(ctx context.Context, task *store.Task) store.FinishTaskParams {
	pctx := ctx
	if c.cfg.PipelineTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, c.cfg.PipelineTimeout)
		defer cancel()
	}

	ws := workspace.New(c.cfg.WorkspaceRoot, task.ID)
	defer func() {
		if err := ws.Remove(); err != nil {
			c.logger.Warn("workspace cleanup failed",
				zap.String("task_id", task.ID.String()),
				zap.Error(err),
			)
		}
	}()

	finish := store.FinishTaskParams{ID: task.ID, Status: store.StatusSuccess}
	pipeErr := c.runPipeline(pctx, task, ws, &finish)
	finish.ProcessEnd = time.Now().UTC()
	if pipeErr != nil {
		// The pipeline may have persisted one artifact before failing;
		// an error task carries no refs, so drop the rows too.
		if err := c.store.DeleteArtifacts(ctx, task.ID); err != nil {
			c.logger.Warn("artifact cleanup failed",
				zap.String("task_id", task.ID.String()),
				zap.Error(err),
			)
		}
		trace := pipeErr.Error()
		finish = store.FinishTaskParams{
			ID:         task.ID,
			Status:     store.StatusError,
			Stacktrace: &trace,
			ProcessEnd: finish.ProcessEnd,
		}
	}
	return finish
}

// runPipeline is steps 5–6 of the transition algorithm: input sizing,
// download, parameter build, analysis, summaries, cached artifacts. Any
// error, including a panic, is returned for capture.
func (c *Coordinator) runPipeline(ctx context.Context, task *store.Task, ws *workspace.Workspace, finish *store.FinishTaskParams) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	totalBytes, err := c.store.TotalChunkBytes(ctx, task.ParticipantID)
	if err != nil {
		return fmt.Errorf("sum chunk sizes: %w", err)
	}
	// Best-effort progress signal; a failed write does not fail the run.
	if err := c.store.SaveTotalFileSize(ctx, task.ID, totalBytes); err != nil {
		c.logger.Warn("save total file size failed", zap.String("task_id", task.ID.String()), zap.Error(err))
	}
	observability.DownloadBytes.WithLabelValues(string(task.Tree)).Observe(float64(totalBytes))

	chunks, err := c.store.ListChunks(ctx, task.ParticipantID)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	if err := ws.Materialize(ctx, c.blobs, chunks); err != nil {
		return fmt.Errorf("materialize workspace: %w", err)
	}
	if err := c.store.SaveDownloadEnd(ctx, task.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("stamp download end: %w", err)
	}

	tc, ok := c.trees.Lookup(task.Tree)
	if !ok {
		return fmt.Errorf("no capability for tree %q", task.Tree)
	}

	params := buildParams(task, ws)
	serialized, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("serialize params: %w", err)
	}
	if err := c.store.SaveParamsCache(ctx, task.ID, serialized); err != nil {
		return fmt.Errorf("cache params: %w", err)
	}

	if err := tc.Run(ctx, params); err != nil {
		return fmt.Errorf("tree %s: %w", task.Tree, err)
	}

	if err := summary.Construct(ctx, c.store, task.ID, ws.OutputDir()); err != nil {
		return fmt.Errorf("construct summaries: %w", err)
	}

	if tc.ProducesArtifacts {
		if err := c.persistArtifacts(ctx, task, ws, finish); err != nil {
			return err
		}
	}
	return nil
}

func buildParams(task *store.Task, ws *workspace.Workspace) tree.Params {
	return tree.Params{
		StudyID:        task.StudyID,
		ParticipantID:  task.ParticipantID,
		DataDateStart:  task.DataDateStart,
		DataDateEnd:    task.DataDateEnd,
		DataDir:        ws.DataDir(),
		OutputDir:      ws.OutputDir(),
		BVSetPath:      ws.BVSetPath(),
		MemoryDictPath: ws.MemoryDictPath(),
	}
}

// persistArtifacts stores whichever cached byproducts the run produced and
// records their references in the terminal snapshot.
func (c *Coordinator) persistArtifacts(ctx context.Context, task *store.Task, ws *workspace.Workspace, finish *store.FinishTaskParams) error {
	save := func(path string, kind store.ArtifactKind) (*uuid.UUID, error) {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		id, err := c.store.SaveArtifact(ctx, task.ID, kind, data)
		if err != nil {
			return nil, err
		}
		return &id, nil
	}

	bvSetID, err := save(ws.BVSetPath(), store.ArtifactBVSet)
	if err != nil {
		return fmt.Errorf("persist bv set: %w", err)
	}
	memoryID, err := save(ws.MemoryDictPath(), store.ArtifactMemoryDict)
	if err != nil {
		return fmt.Errorf("persist memory dict: %w", err)
	}

	finish.BVSetID = bvSetID
	finish.MemoryDictID = memoryID
	return nil
}
