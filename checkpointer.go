package stepflow

import (
	"context"
	"fmt"
	"iter"
	"regexp"
)

// Checkpointer persists checkpoints durably. Each Write is all-or-nothing:
// when it returns without error, ReadLatest returns the written checkpoint
// even after a process crash. A failed Write leaves the previous latest
// checkpoint in place. Checkpoints are insert-only; writing a superstep that
// is not newer than the latest one is rejected.
//
// Implementations expect a single writer per run and allow concurrent
// readers.
type Checkpointer interface {
	// Write stores the checkpoint and advances the run's index to it
	Write(ctx context.Context, checkpoint *Checkpoint) (CheckpointRef, error)

	// ReadLatest loads the newest checkpoint for a run. It returns an error
	// matching ErrCheckpointNotFound when the run has none.
	ReadLatest(ctx context.Context, runID string) (*Checkpoint, error)

	// Read loads a specific checkpoint
	Read(ctx context.Context, ref CheckpointRef) (*Checkpoint, error)

	// List yields the run's checkpoint references oldest first. The
	// sequence is lazy, finite and may be ranged over again.
	List(ctx context.Context, runID string) iter.Seq2[CheckpointRef, error]

	// Delete removes every checkpoint for a run
	Delete(ctx context.Context, runID string) error
}

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateRunID rejects ids that cannot be used as storage keys or paths.
func ValidateRunID(runID string) error {
	if runID == "" || runID == "." || runID == ".." || !runIDPattern.MatchString(runID) {
		return fmt.Errorf("invalid run id %q", runID)
	}
	return nil
}

func notFound(runID string) error {
	return fmt.Errorf("%w: run %s", ErrCheckpointNotFound, runID)
}

func validateForWrite(cp *Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("checkpoint required")
	}
	if err := ValidateRunID(cp.RunID); err != nil {
		return err
	}
	if cp.Superstep < 0 {
		return fmt.Errorf("invalid superstep %d", cp.Superstep)
	}
	return nil
}

// errSeq yields a single error.
func errSeq(err error) iter.Seq2[CheckpointRef, error] {
	return func(yield func(CheckpointRef, error) bool) {
		yield(CheckpointRef{}, err)
	}
}
