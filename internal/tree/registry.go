package tree

import (
	"context"
	"fmt"
	"time"
)

// ID names one analysis tree. The set of trees is closed: capabilities for
// every known ID are built once at startup, there is no runtime registration.
type ID string

const (
	// Jasmine computes mobility statistics from GPS chunks.
	Jasmine ID = "jasmine"
	// Willow computes communication-log statistics from call/text chunks.
	Willow ID = "willow"
)

// All returns the known tree identifiers in a stable order.
func All() []ID {
	return []ID{Jasmine, Willow}
}

func ParseID(s string) (ID, error) {
	switch ID(s) {
	case Jasmine:
		return Jasmine, nil
	case Willow:
		return Willow, nil
	}
	return "", fmt.Errorf("unknown tree %q", s)
}

// Params is the full parameter set handed to a tree's entry point. A JSON
// serialization of it is cached on the task for reproducibility.
type Params struct {
	StudyID       string    `json:"study_id"`
	ParticipantID string    `json:"participant_id"`
	DataDateStart time.Time `json:"data_date_start"`
	DataDateEnd   time.Time `json:"data_date_end"`

	DataDir   string `json:"data_dir"`
	OutputDir string `json:"output_dir"`

	// Cached byproduct paths. Entry points that produce them write here;
	// the coordinator persists whatever exists after the run.
	BVSetPath      string `json:"bv_set_path"`
	MemoryDictPath string `json:"memory_dict_path"`
}

// EntryPoint runs one analysis over materialized input data, writing result
// files under p.OutputDir. Failures propagate as plain errors.
type EntryPoint func(ctx context.Context, p Params) error

type Capability struct {
	Run EntryPoint

	// DataStreams are the chunk streams this tree consumes.
	DataStreams []string

	// ProducesArtifacts reports whether the tree emits the cached support
	// set and memory structure.
	ProducesArtifacts bool
}

type Registry struct {
	caps map[ID]Capability
}

// NewRegistry builds the capability table for every known tree.
func NewRegistry() *Registry {
	return &Registry{caps: map[ID]Capability{
		Jasmine: {
			Run:               runJasmine,
			DataStreams:       []string{"gps"},
			ProducesArtifacts: true,
		},
		Willow: {
			Run:               runWillow,
			DataStreams:       []string{"calls", "texts"},
			ProducesArtifacts: false,
		},
	}}
}

func (r *Registry) Lookup(id ID) (Capability, bool) {
	c, ok := r.caps[id]
	return c, ok
}
