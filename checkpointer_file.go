package stepflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"
)

const fileIndexName = "index.json"

// FileCheckpointer persists checkpoints to a directory tree:
//
//	<dir>/<run_id>/checkpoint-000001.ckpt
//	<dir>/<run_id>/index.json
//
// Every write is staged in temporary files that are fsynced and renamed into
// place. The index rename is the commit point, so a checkpoint file that the
// index does not list is never returned.
type FileCheckpointer struct {
	dataDir string
	codec   Codec

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// FileOption configures a FileCheckpointer
type FileOption func(*FileCheckpointer)

// WithFileCodec sets the codec used for checkpoint files. Defaults to JSON.
func WithFileCodec(codec Codec) FileOption {
	return func(c *FileCheckpointer) { c.codec = codec }
}

type fileIndex struct {
	RunID      string    `json:"run_id"`
	Workflow   string    `json:"workflow"`
	Codec      string    `json:"codec"`
	Status     RunStatus `json:"status"`
	Supersteps []int     `json:"supersteps"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (idx *fileIndex) latest() (int, bool) {
	if len(idx.Supersteps) == 0 {
		return 0, false
	}
	return idx.Supersteps[len(idx.Supersteps)-1], true
}

// NewFileCheckpointer creates a new file-based checkpointer. An empty
// dataDir defaults to ~/.deepnoodle/stepflow/runs.
func NewFileCheckpointer(dataDir string, opts ...FileOption) (*FileCheckpointer, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".deepnoodle", "stepflow", "runs")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	c := &FileCheckpointer{
		dataDir: dataDir,
		codec:   JSONCodec{},
		locks:   map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *FileCheckpointer) runLock(runID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[runID] = l
	}
	return l
}

func (c *FileCheckpointer) runDir(runID string) string {
	return filepath.Join(c.dataDir, runID)
}

func (c *FileCheckpointer) checkpointPath(runID string, superstep int) string {
	return filepath.Join(c.runDir(runID), fmt.Sprintf("checkpoint-%06d.ckpt", superstep))
}

// Write stores the checkpoint and then commits it by replacing the index.
func (c *FileCheckpointer) Write(ctx context.Context, cp *Checkpoint) (CheckpointRef, error) {
	if err := validateForWrite(cp); err != nil {
		return CheckpointRef{}, NewStorageError("write", "", err)
	}
	if err := ctx.Err(); err != nil {
		return CheckpointRef{}, NewStorageError("write", cp.RunID, err)
	}
	lock := c.runLock(cp.RunID)
	lock.Lock()
	defer lock.Unlock()

	dir := c.runDir(cp.RunID)
	if err := c.ensureRunDir(dir); err != nil {
		return CheckpointRef{}, NewStorageError("write", cp.RunID, err)
	}
	idx, err := c.readIndex(cp.RunID)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return CheckpointRef{}, NewStorageError("write", cp.RunID, err)
	}
	if idx == nil {
		idx = &fileIndex{RunID: cp.RunID, Codec: c.codec.Name(), CreatedAt: time.Now().UTC()}
	}
	if idx.Codec != c.codec.Name() {
		return CheckpointRef{}, NewStorageError("write", cp.RunID,
			fmt.Errorf("run was written with codec %q, not %q", idx.Codec, c.codec.Name()))
	}
	if latest, ok := idx.latest(); ok && cp.Superstep <= latest {
		return CheckpointRef{}, NewStorageError("write", cp.RunID,
			fmt.Errorf("superstep %d is not after latest %d", cp.Superstep, latest))
	}

	data, err := c.codec.Marshal(cp)
	if err != nil {
		return CheckpointRef{}, NewStorageError("write", cp.RunID, err)
	}
	path := c.checkpointPath(cp.RunID, cp.Superstep)
	if err := writeFileAtomicDurable(path, data, 0o644); err != nil {
		return CheckpointRef{}, NewStorageError("write", cp.RunID, err)
	}

	next := *idx
	next.Workflow = cp.Workflow
	next.Status = cp.Status
	next.Supersteps = append(slices.Clone(idx.Supersteps), cp.Superstep)
	next.UpdatedAt = time.Now().UTC()
	indexData, err := json.Marshal(&next)
	if err != nil {
		return CheckpointRef{}, NewStorageError("write", cp.RunID, err)
	}
	if err := writeFileAtomicDurable(filepath.Join(dir, fileIndexName), indexData, 0o644); err != nil {
		return CheckpointRef{}, NewStorageError("write", cp.RunID, err)
	}
	return CheckpointRef{RunID: cp.RunID, Superstep: cp.Superstep, Location: path}, nil
}

// ensureRunDir creates the run directory and makes its entry durable in
// the parent directory.
func (c *FileCheckpointer) ensureRunDir(dir string) error {
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return fsyncDir(c.dataDir)
}

func (c *FileCheckpointer) readIndex(runID string) (*fileIndex, error) {
	data, err := os.ReadFile(filepath.Join(c.runDir(runID), fileIndexName))
	if err != nil {
		return nil, err
	}
	var idx fileIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal index: %w", err)
	}
	return &idx, nil
}

// ReadLatest loads the checkpoint the index currently points at
func (c *FileCheckpointer) ReadLatest(ctx context.Context, runID string) (*Checkpoint, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, NewStorageError("read", runID, err)
	}
	idx, err := c.readIndex(runID)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(runID)
	}
	if err != nil {
		return nil, NewStorageError("read", runID, err)
	}
	latest, ok := idx.latest()
	if !ok {
		return nil, notFound(runID)
	}
	return c.readFile(runID, latest)
}

// Read loads a specific checkpoint listed in the run's index
func (c *FileCheckpointer) Read(ctx context.Context, ref CheckpointRef) (*Checkpoint, error) {
	if err := ValidateRunID(ref.RunID); err != nil {
		return nil, NewStorageError("read", ref.RunID, err)
	}
	idx, err := c.readIndex(ref.RunID)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(ref.RunID)
	}
	if err != nil {
		return nil, NewStorageError("read", ref.RunID, err)
	}
	if !slices.Contains(idx.Supersteps, ref.Superstep) {
		return nil, fmt.Errorf("%w: run %s superstep %d", ErrCheckpointNotFound, ref.RunID, ref.Superstep)
	}
	return c.readFile(ref.RunID, ref.Superstep)
}

func (c *FileCheckpointer) readFile(runID string, superstep int) (*Checkpoint, error) {
	data, err := os.ReadFile(c.checkpointPath(runID, superstep))
	if err != nil {
		return nil, NewStorageError("read", runID, fmt.Errorf("failed to read checkpoint file: %w", err))
	}
	var cp Checkpoint
	if err := c.codec.Unmarshal(data, &cp); err != nil {
		return nil, NewStorageError("read", runID, err)
	}
	return &cp, nil
}

// List yields the checkpoints recorded in the index at the time iteration
// begins
func (c *FileCheckpointer) List(ctx context.Context, runID string) iter.Seq2[CheckpointRef, error] {
	if err := ValidateRunID(runID); err != nil {
		return errSeq(NewStorageError("list", runID, err))
	}
	return func(yield func(CheckpointRef, error) bool) {
		idx, err := c.readIndex(runID)
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		if err != nil {
			yield(CheckpointRef{}, NewStorageError("list", runID, err))
			return
		}
		for _, s := range idx.Supersteps {
			if err := ctx.Err(); err != nil {
				yield(CheckpointRef{}, err)
				return
			}
			ref := CheckpointRef{RunID: runID, Superstep: s, Location: c.checkpointPath(runID, s)}
			if !yield(ref, nil) {
				return
			}
		}
	}
}

// Delete removes all checkpoint data for a run
func (c *FileCheckpointer) Delete(ctx context.Context, runID string) error {
	if err := ValidateRunID(runID); err != nil {
		return NewStorageError("delete", runID, err)
	}
	lock := c.runLock(runID)
	lock.Lock()
	defer lock.Unlock()
	if err := os.RemoveAll(c.runDir(runID)); err != nil {
		return NewStorageError("delete", runID, fmt.Errorf("failed to delete run directory: %w", err))
	}
	return fsyncDir(c.dataDir)
}

// ListRuns returns a summary of every run with at least one committed
// checkpoint, most recently updated first
func (c *FileCheckpointer) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*RunSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}
	var summaries []*RunSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		idx, err := c.readIndex(entry.Name())
		if err != nil {
			// Skip runs without a readable index
			continue
		}
		latest, ok := idx.latest()
		if !ok {
			continue
		}
		summaries = append(summaries, &RunSummary{
			RunID:       idx.RunID,
			Workflow:    idx.Workflow,
			Status:      idx.Status,
			Superstep:   latest,
			Checkpoints: len(idx.Supersteps),
			CreatedAt:   idx.CreatedAt,
			UpdatedAt:   idx.UpdatedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// writeFileAtomicDurable writes data to a temp file in the target directory,
// fsyncs it, renames it over path and fsyncs the directory.
func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
