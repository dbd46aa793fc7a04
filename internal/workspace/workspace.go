package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/dc-dime/beiwe-backend/internal/blob"
	"github.com/dc-dime/beiwe-backend/internal/store"
)

// Workspace is the private per-task scratch tree. It is materialized from the
// blob store before the analysis runs and removed on every exit path.
type Workspace struct {
	root string
}

func New(rootDir string, taskID uuid.UUID) *Workspace {
	return &Workspace{root: filepath.Join(rootDir, "forest-"+taskID.String())}
}

func (w *Workspace) Root() string           { return w.root }
func (w *Workspace) DataDir() string        { return filepath.Join(w.root, "data") }
func (w *Workspace) OutputDir() string      { return filepath.Join(w.root, "output") }
func (w *Workspace) BVSetPath() string      { return filepath.Join(w.root, "cached", "bv_set.json") }
func (w *Workspace) MemoryDictPath() string { return filepath.Join(w.root, "cached", "memory_dict.json") }

// Materialize downloads every chunk into the data directory, one file per
// chunk named <stream>/<day>T<time>_<chunk-prefix>.csv. Files are created
// exclusively so a retried materialization cannot silently overwrite data.
func (w *Workspace) Materialize(ctx context.Context, blobs blob.Store, chunks []store.Chunk) error {
	for _, dir := range []string{w.DataDir(), w.OutputDir(), filepath.Dir(w.BVSetPath())} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		contents, err := blobs.Retrieve(ctx, c.StudyID, c.StoragePath)
		if err != nil {
			return fmt.Errorf("retrieve chunk %s: %w", c.StoragePath, err)
		}

		name := chunkFileName(c)
		dir := filepath.Join(w.DataDir(), c.DataStream)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}

		f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return err
		}
		if _, err := f.Write(contents); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

// chunkFileName keeps the chunk's day as the leading YYYY-MM-DD so the tree
// entry points can group files by date without reopening them.
func chunkFileName(c store.Chunk) string {
	return fmt.Sprintf("%s_%.8s.csv", c.TimeBin.UTC().Format("2006-01-02T15_04_05"), c.ID.String())
}

// Remove deletes the whole scratch tree.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.root)
}
