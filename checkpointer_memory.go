package stepflow

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
)

// MemoryCheckpointer keeps encoded checkpoints in process memory. It is
// atomic but not durable across restarts; use it for tests and for runs
// that do not need crash recovery.
type MemoryCheckpointer struct {
	mu    sync.RWMutex
	codec Codec
	runs  map[string]*memoryRun
}

type memoryRun struct {
	supersteps []int
	data       map[int][]byte
}

// NewMemoryCheckpointer creates an empty in-memory checkpointer
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{codec: JSONCodec{}, runs: map[string]*memoryRun{}}
}

func (c *MemoryCheckpointer) Write(ctx context.Context, cp *Checkpoint) (CheckpointRef, error) {
	if err := validateForWrite(cp); err != nil {
		return CheckpointRef{}, NewStorageError("write", "", err)
	}
	data, err := c.codec.Marshal(cp)
	if err != nil {
		return CheckpointRef{}, NewStorageError("write", cp.RunID, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.runs[cp.RunID]
	if !ok {
		run = &memoryRun{data: map[int][]byte{}}
		c.runs[cp.RunID] = run
	}
	if n := len(run.supersteps); n > 0 && cp.Superstep <= run.supersteps[n-1] {
		return CheckpointRef{}, NewStorageError("write", cp.RunID,
			fmt.Errorf("superstep %d is not after latest %d", cp.Superstep, run.supersteps[n-1]))
	}
	run.supersteps = append(run.supersteps, cp.Superstep)
	run.data[cp.Superstep] = data
	return c.ref(cp.RunID, cp.Superstep), nil
}

func (c *MemoryCheckpointer) ref(runID string, superstep int) CheckpointRef {
	return CheckpointRef{
		RunID:     runID,
		Superstep: superstep,
		Location:  fmt.Sprintf("memory://%s/%d", runID, superstep),
	}
}

func (c *MemoryCheckpointer) ReadLatest(ctx context.Context, runID string) (*Checkpoint, error) {
	c.mu.RLock()
	run, ok := c.runs[runID]
	if !ok || len(run.supersteps) == 0 {
		c.mu.RUnlock()
		return nil, notFound(runID)
	}
	data := run.data[run.supersteps[len(run.supersteps)-1]]
	c.mu.RUnlock()
	return c.decode(runID, data)
}

func (c *MemoryCheckpointer) Read(ctx context.Context, ref CheckpointRef) (*Checkpoint, error) {
	c.mu.RLock()
	var data []byte
	if run, ok := c.runs[ref.RunID]; ok {
		data = run.data[ref.Superstep]
	}
	c.mu.RUnlock()
	if data == nil {
		return nil, fmt.Errorf("%w: run %s superstep %d", ErrCheckpointNotFound, ref.RunID, ref.Superstep)
	}
	return c.decode(ref.RunID, data)
}

func (c *MemoryCheckpointer) decode(runID string, data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := c.codec.Unmarshal(data, &cp); err != nil {
		return nil, NewStorageError("read", runID, err)
	}
	return &cp, nil
}

func (c *MemoryCheckpointer) List(ctx context.Context, runID string) iter.Seq2[CheckpointRef, error] {
	return func(yield func(CheckpointRef, error) bool) {
		c.mu.RLock()
		var supersteps []int
		if run, ok := c.runs[runID]; ok {
			supersteps = slices.Clone(run.supersteps)
		}
		c.mu.RUnlock()
		for _, s := range supersteps {
			if err := ctx.Err(); err != nil {
				yield(CheckpointRef{}, err)
				return
			}
			if !yield(c.ref(runID, s), nil) {
				return
			}
		}
	}
}

func (c *MemoryCheckpointer) Delete(ctx context.Context, runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runs, runID)
	return nil
}
