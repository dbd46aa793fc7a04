package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dc-dime/beiwe-backend/internal/queue"
	"github.com/dc-dime/beiwe-backend/internal/store"
	"github.com/dc-dime/beiwe-backend/internal/tree"
)

type fakeArtifact struct {
	taskID uuid.UUID
	data   []byte
}

type fakeStore struct {
	mu        sync.Mutex
	tasks     map[uuid.UUID]*store.Task
	chunks    []store.Chunk
	artifacts map[uuid.UUID]fakeArtifact
	summaries map[uuid.UUID][]store.SummaryRow

	sumChunkErr   error
	panicOnSum    bool
	artifactErrOn store.ArtifactKind
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:     map[uuid.UUID]*store.Task{},
		artifacts: map[uuid.UUID]fakeArtifact{},
		summaries: map[uuid.UUID][]store.SummaryRow{},
	}
}

func (f *fakeStore) addTask(participant string, tr tree.ID, status store.Status, start time.Time) *store.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &store.Task{
		ID:            uuid.New(),
		ExternalID:    uuid.New(),
		ParticipantID: participant,
		StudyID:       "study-1",
		Tree:          tr,
		DataDateStart: start,
		DataDateEnd:   start.AddDate(0, 0, 4),
		Status:        status,
		CreatedAt:     time.Now().UTC(),
	}
	f.tasks[t.ID] = t
	return t
}

func (f *fakeStore) ClaimNext(ctx context.Context, candidateID uuid.UUID, executorVersion string) (*store.Task, store.ClaimOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cand, ok := f.tasks[candidateID]
	if !ok {
		return nil, store.ClaimNotFound, nil
	}

	var siblings []*store.Task
	for _, t := range f.tasks {
		if t.ParticipantID == cand.ParticipantID && t.Tree == cand.Tree {
			if t.Status == store.StatusRunning {
				return nil, store.ClaimConflict, nil
			}
			if t.Status == store.StatusQueued {
				siblings = append(siblings, t)
			}
		}
	}
	if len(siblings) == 0 {
		return nil, store.ClaimNothing, nil
	}

	// newest data first, ties by id ascending
	sort.Slice(siblings, func(i, j int) bool {
		if !siblings[i].DataDateStart.Equal(siblings[j].DataDateStart) {
			return siblings[i].DataDateStart.After(siblings[j].DataDateStart)
		}
		return siblings[i].ID.String() < siblings[j].ID.String()
	})

	sel := siblings[0]
	now := time.Now().UTC()
	sel.Status = store.StatusRunning
	sel.ExecutorVersion = executorVersion
	sel.ProcessStart = &now
	cp := *sel
	return &cp, store.Claimed, nil
}

func (f *fakeStore) SaveTotalFileSize(ctx context.Context, id uuid.UUID, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		t.TotalFileSize = &size
	}
	return nil
}

func (f *fakeStore) SaveDownloadEnd(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok && t.ProcessDownloadEnd == nil {
		t.ProcessDownloadEnd = &at
	}
	return nil
}

func (f *fakeStore) SaveParamsCache(ctx context.Context, id uuid.UUID, params json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		t.ParamsCache = params
	}
	return nil
}

func (f *fakeStore) SaveArtifact(ctx context.Context, taskID uuid.UUID, kind store.ArtifactKind, data []byte) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.artifactErrOn == kind {
		return uuid.Nil, fmt.Errorf("artifact insert failed for %s", kind)
	}
	id := uuid.New()
	f.artifacts[id] = fakeArtifact{taskID: taskID, data: data}
	return id, nil
}

func (f *fakeStore) DeleteArtifacts(ctx context.Context, taskID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, a := range f.artifacts {
		if a.taskID == taskID {
			delete(f.artifacts, id)
		}
	}
	return nil
}

func (f *fakeStore) FinishTask(ctx context.Context, p store.FinishTaskParams) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[p.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Status != store.StatusRunning {
		return nil, store.ErrInvalidTransition
	}
	if p.Status != store.StatusSuccess && p.Status != store.StatusError {
		return nil, store.ErrInvalidTransition
	}
	t.Status = p.Status
	t.Stacktrace = p.Stacktrace
	t.ProcessEnd = &p.ProcessEnd
	t.BVSetID = p.BVSetID
	t.MemoryDictID = p.MemoryDictID
	cp := *t
	return &cp, nil
}

func (f *fakeStore) ListChunks(ctx context.Context, participantID string) ([]store.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Chunk
	for _, c := range f.chunks {
		if c.ParticipantID == participantID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) TotalChunkBytes(ctx context.Context, participantID string) (int64, error) {
	if f.panicOnSum {
		panic("sum exploded")
	}
	if f.sumChunkErr != nil {
		return 0, f.sumChunkErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, c := range f.chunks {
		if c.ParticipantID == participantID {
			total += c.FileSize
		}
	}
	return total, nil
}

func (f *fakeStore) ReplaceSummaries(ctx context.Context, taskID uuid.UUID, rows []store.SummaryRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries[taskID] = rows
	return nil
}

type fakeBlob struct {
	data map[string][]byte
	err  error
}

func (b *fakeBlob) Retrieve(ctx context.Context, namespace, key string) ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	d, ok := b.data[namespace+"/"+key]
	if !ok {
		return nil, fmt.Errorf("missing %s/%s", namespace, key)
	}
	return d, nil
}

type fakeRequeuer struct {
	mu    sync.Mutex
	calls []queue.TaskMessage
}

func (r *fakeRequeuer) Requeue(ctx context.Context, taskID string, redispatches int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, queue.TaskMessage{TaskID: taskID, Redispatches: redispatches})
	return true, nil
}

func newCoordinator(t *testing.T, st *fakeStore, blobs *fakeBlob, rq *fakeRequeuer) *Coordinator {
	t.Helper()
	return New(st, blobs, tree.NewRegistry(), rq, zap.NewNop(), Config{
		WorkspaceRoot:   t.TempDir(),
		ExecutorVersion: "test",
	})
}

func dispatchFor(task *store.Task) queue.TaskMessage {
	return queue.TaskMessage{
		TaskID:    task.ID.String(),
		ExpiresAt: time.Now().UTC().Add(time.Minute),
	}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func seedChunks(st *fakeStore, blobs *fakeBlob, participant string) {
	for i, ts := range []time.Time{
		time.Date(2021, 1, 1, 10, 0, 0, 0, time.UTC),
		time.Date(2021, 1, 2, 11, 0, 0, 0, time.UTC),
	} {
		c := store.Chunk{
			ID:            uuid.New(),
			ParticipantID: participant,
			StudyID:       "study-1",
			DataStream:    "gps",
			TimeBin:       ts,
			FileSize:      20,
			StoragePath:   fmt.Sprintf("chunks/%s/gps/%d", participant, i),
		}
		st.chunks = append(st.chunks, c)
		blobs.data["study-1/"+c.StoragePath] = []byte("lat,lon\n1,2\n3,4\n")
	}
}

func TestExecuteSuccessPipeline(t *testing.T) {
	st := newFakeStore()
	blobs := &fakeBlob{data: map[string][]byte{}}
	rq := &fakeRequeuer{}
	seedChunks(st, blobs, "p1")

	task := st.addTask("p1", tree.Jasmine, store.StatusQueued, day(2021, 1, 1))
	coord := newCoordinator(t, st, blobs, rq)

	outcome, err := coord.Execute(context.Background(), dispatchFor(task))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", outcome)
	}

	got := st.tasks[task.ID]
	if got.Status != store.StatusSuccess {
		t.Fatalf("expected success, got %s (stacktrace=%v)", got.Status, got.Stacktrace)
	}
	if got.TotalFileSize == nil || *got.TotalFileSize != 40 {
		t.Fatalf("expected total_file_size 40, got %v", got.TotalFileSize)
	}
	if got.BVSetID == nil || got.MemoryDictID == nil {
		t.Fatalf("expected both cached artifacts, got bv=%v mem=%v", got.BVSetID, got.MemoryDictID)
	}
	if _, ok := st.artifacts[*got.BVSetID]; !ok {
		t.Fatalf("bv set artifact not retrievable")
	}
	if _, ok := st.artifacts[*got.MemoryDictID]; !ok {
		t.Fatalf("memory dict artifact not retrievable")
	}
	if len(st.summaries[task.ID]) == 0 {
		t.Fatalf("expected summary rows")
	}
	if len(got.ParamsCache) == 0 {
		t.Fatalf("expected cached params snapshot")
	}

	// created <= process_start <= download_end <= process_end
	if got.ProcessStart == nil || got.ProcessDownloadEnd == nil || got.ProcessEnd == nil {
		t.Fatalf("missing timestamps: %+v", got)
	}
	if got.ProcessStart.Before(got.CreatedAt) ||
		got.ProcessDownloadEnd.Before(*got.ProcessStart) ||
		got.ProcessEnd.Before(*got.ProcessDownloadEnd) {
		t.Fatalf("timestamps not monotone: created=%v start=%v download=%v end=%v",
			got.CreatedAt, got.ProcessStart, got.ProcessDownloadEnd, got.ProcessEnd)
	}
}

func TestExecutePipelineFailure(t *testing.T) {
	st := newFakeStore()
	blobs := &fakeBlob{data: map[string][]byte{}, err: fmt.Errorf("blob store down")}
	rq := &fakeRequeuer{}
	seedChunks(st, blobs, "p1")

	task := st.addTask("p1", tree.Jasmine, store.StatusQueued, day(2021, 1, 1))
	coord := newCoordinator(t, st, blobs, rq)
	root := filepath.Join(coord.cfg.WorkspaceRoot, "forest-"+task.ID.String())

	outcome, err := coord.Execute(context.Background(), dispatchFor(task))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", outcome)
	}

	got := st.tasks[task.ID]
	if got.Status != store.StatusError {
		t.Fatalf("expected error, got %s", got.Status)
	}
	if got.Stacktrace == nil || !strings.Contains(*got.Stacktrace, "blob store down") {
		t.Fatalf("expected captured diagnostic, got %v", got.Stacktrace)
	}
	if got.ProcessEnd == nil {
		t.Fatalf("expected process_end on error")
	}
	if got.BVSetID != nil || got.MemoryDictID != nil {
		t.Fatalf("no artifacts may be persisted on error")
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatalf("workspace not removed: %v", err)
	}
}

func TestExecutePartialArtifactFailureLeavesNoOrphans(t *testing.T) {
	st := newFakeStore()
	st.artifactErrOn = store.ArtifactMemoryDict
	blobs := &fakeBlob{data: map[string][]byte{}}
	rq := &fakeRequeuer{}
	seedChunks(st, blobs, "p1")

	task := st.addTask("p1", tree.Jasmine, store.StatusQueued, day(2021, 1, 1))
	coord := newCoordinator(t, st, blobs, rq)

	outcome, err := coord.Execute(context.Background(), dispatchFor(task))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", outcome)
	}

	got := st.tasks[task.ID]
	if got.Status != store.StatusError {
		t.Fatalf("expected error, got %s", got.Status)
	}
	if got.BVSetID != nil || got.MemoryDictID != nil {
		t.Fatalf("error task must carry no artifact refs")
	}
	// The bv set row inserted before the memory dict failure must be gone.
	if len(st.artifacts) != 0 {
		t.Fatalf("expected no artifact rows after error finish, got %d", len(st.artifacts))
	}
}

func TestExecutePanicIsCaptured(t *testing.T) {
	st := newFakeStore()
	st.panicOnSum = true
	blobs := &fakeBlob{data: map[string][]byte{}}
	rq := &fakeRequeuer{}

	task := st.addTask("p1", tree.Willow, store.StatusQueued, day(2021, 1, 1))
	coord := newCoordinator(t, st, blobs, rq)

	outcome, err := coord.Execute(context.Background(), dispatchFor(task))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", outcome)
	}
	got := st.tasks[task.ID]
	if got.Status != store.StatusError {
		t.Fatalf("expected error, got %s", got.Status)
	}
	if got.Stacktrace == nil || !strings.Contains(*got.Stacktrace, "sum exploded") {
		t.Fatalf("expected panic text in diagnostics, got %v", got.Stacktrace)
	}
}

func TestExecuteConflictDefers(t *testing.T) {
	st := newFakeStore()
	blobs := &fakeBlob{data: map[string][]byte{}}
	rq := &fakeRequeuer{}

	running := st.addTask("p1", tree.Jasmine, store.StatusRunning, day(2021, 1, 1))
	queued := st.addTask("p1", tree.Jasmine, store.StatusQueued, day(2021, 1, 10))
	coord := newCoordinator(t, st, blobs, rq)

	msg := dispatchFor(queued)
	msg.Redispatches = 3
	outcome, err := coord.Execute(context.Background(), msg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome != OutcomeDeferred {
		t.Fatalf("expected deferred, got %s", outcome)
	}

	if st.tasks[queued.ID].Status != store.StatusQueued {
		t.Fatalf("queued task must not be mutated on conflict")
	}
	if st.tasks[running.ID].Status != store.StatusRunning {
		t.Fatalf("running task must not be mutated on conflict")
	}
	if len(rq.calls) != 1 || rq.calls[0].TaskID != queued.ID.String() || rq.calls[0].Redispatches != 3 {
		t.Fatalf("expected one requeue of the unchanged candidate, got %+v", rq.calls)
	}
}

func TestExecuteNewestDataFirst(t *testing.T) {
	st := newFakeStore()
	blobs := &fakeBlob{data: map[string][]byte{}}
	rq := &fakeRequeuer{}
	seedChunks(st, blobs, "p1")

	jan1 := st.addTask("p1", tree.Jasmine, store.StatusQueued, day(2021, 1, 1))
	jan10 := st.addTask("p1", tree.Jasmine, store.StatusQueued, day(2021, 1, 10))
	jan5 := st.addTask("p1", tree.Jasmine, store.StatusQueued, day(2021, 1, 5))
	coord := newCoordinator(t, st, blobs, rq)

	// dispatch the oldest candidate; the claim must still pick Jan 10
	if _, err := coord.Execute(context.Background(), dispatchFor(jan1)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if st.tasks[jan10.ID].Status.Terminal() == false {
		t.Fatalf("expected the Jan 10 task to be executed, status=%s", st.tasks[jan10.ID].Status)
	}
	if st.tasks[jan1.ID].Status != store.StatusQueued || st.tasks[jan5.ID].Status != store.StatusQueued {
		t.Fatalf("older tasks must stay queued")
	}
}

func TestExecuteSkipsVanishedAndExpired(t *testing.T) {
	st := newFakeStore()
	blobs := &fakeBlob{data: map[string][]byte{}}
	rq := &fakeRequeuer{}
	coord := newCoordinator(t, st, blobs, rq)

	// vanished task: silent no-op
	outcome, err := coord.Execute(context.Background(), queue.TaskMessage{
		TaskID:    uuid.NewString(),
		ExpiresAt: time.Now().UTC().Add(time.Minute),
	})
	if err != nil || outcome != OutcomeSkipped {
		t.Fatalf("expected silent skip, got %s err=%v", outcome, err)
	}

	// expired dispatch: dropped without touching the store
	task := st.addTask("p1", tree.Willow, store.StatusQueued, day(2021, 1, 1))
	outcome, err = coord.Execute(context.Background(), queue.TaskMessage{
		TaskID:    task.ID.String(),
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	})
	if err != nil || outcome != OutcomeSkipped {
		t.Fatalf("expected expired skip, got %s err=%v", outcome, err)
	}
	if st.tasks[task.ID].Status != store.StatusQueued {
		t.Fatalf("expired dispatch must not mutate the task")
	}
}

func TestExecuteConcurrentSingleRunning(t *testing.T) {
	st := newFakeStore()
	blobs := &fakeBlob{data: map[string][]byte{}}
	rq := &fakeRequeuer{}
	seedChunks(st, blobs, "p1")

	tasks := []*store.Task{
		st.addTask("p1", tree.Jasmine, store.StatusQueued, day(2021, 1, 1)),
		st.addTask("p1", tree.Jasmine, store.StatusQueued, day(2021, 1, 2)),
		st.addTask("p1", tree.Jasmine, store.StatusQueued, day(2021, 1, 3)),
	}
	coord := newCoordinator(t, st, blobs, rq)

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task *store.Task) {
			defer wg.Done()
			_, _ = coord.Execute(context.Background(), dispatchFor(task))
		}(task)
	}
	wg.Wait()

	// every attempt either ran to a terminal state, was deferred, or found
	// nothing; at no point could two siblings both be running, which the
	// fake enforces the same way the row lock does. At least one task ran.
	terminal := 0
	for _, task := range tasks {
		st.mu.Lock()
		status := st.tasks[task.ID].Status
		st.mu.Unlock()
		if status == store.StatusRunning {
			t.Fatalf("task left running after all attempts finished")
		}
		if status.Terminal() {
			terminal++
		}
	}
	if terminal == 0 {
		t.Fatalf("expected at least one task to reach a terminal state")
	}
}
