package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dc-dime/beiwe-backend/internal/tree"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

// Task is one scheduled invocation of a tree over a date range for a
// participant. ExternalID is the operator-facing handle and stays stable
// across requeues; ID is the internal row identity.
type Task struct {
	ID         uuid.UUID `json:"id"`
	ExternalID uuid.UUID `json:"external_id"`

	ParticipantID string  `json:"participant_id"`
	StudyID       string  `json:"study_id"`
	Tree          tree.ID `json:"tree"`

	// Inclusive date range of input data, UTC midnight.
	DataDateStart time.Time `json:"data_date_start"`
	DataDateEnd   time.Time `json:"data_date_end"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`

	ProcessStart       *time.Time `json:"process_start,omitempty"`
	ProcessDownloadEnd *time.Time `json:"process_download_end,omitempty"`
	ProcessEnd         *time.Time `json:"process_end,omitempty"`

	Stacktrace      *string         `json:"stacktrace,omitempty"`
	TotalFileSize   *int64          `json:"total_file_size,omitempty"`
	ExecutorVersion string          `json:"executor_version"`
	ParamsCache     json.RawMessage `json:"params_cache,omitempty"`

	// Cached byproduct references, set only on success of a tree that
	// produces them. The bytes live out-of-line in forest_task_artifacts.
	BVSetID      *uuid.UUID `json:"bv_set_id,omitempty"`
	MemoryDictID *uuid.UUID `json:"memory_dict_id,omitempty"`
}

// Chunk is one immutable stored segment of raw participant data. The
// scheduler only ever reads chunk rows.
type Chunk struct {
	ID            uuid.UUID `json:"id"`
	ParticipantID string    `json:"participant_id"`
	StudyID       string    `json:"study_id"`
	DataStream    string    `json:"data_stream"`
	TimeBin       time.Time `json:"time_bin"`
	FileSize      int64     `json:"file_size"`
	StoragePath   string    `json:"storage_path"`
}

type ArtifactKind string

const (
	ArtifactBVSet      ArtifactKind = "bv_set"
	ArtifactMemoryDict ArtifactKind = "memory_dict"
)

// SummaryRow is one per-day summary statistic produced from a task's output.
type SummaryRow struct {
	TaskID uuid.UUID `json:"task_id"`
	Date   time.Time `json:"date"`
	Files  int       `json:"files"`
	Lines  int       `json:"lines"`
	Bytes  int64     `json:"bytes"`
}
