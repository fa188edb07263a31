// Package checkpointertest provides a behavioral test suite shared by every
// stepflow.Checkpointer backend.
package checkpointertest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/stepflow"
	"github.com/deepnoodle-ai/stepflow/state"
)

// NewCheckpoint returns a populated checkpoint for runID at superstep.
func NewCheckpoint(runID string, superstep int) *stepflow.Checkpoint {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &stepflow.Checkpoint{
		Version:   stepflow.CheckpointVersion,
		RunID:     runID,
		Workflow:  "sum-pipeline",
		Superstep: superstep,
		Status:    stepflow.RunStatusRunning,
		State: map[string]state.Value{
			"doubled": state.MustEncode([]int{2, 4, 6}),
			"note":    state.MustEncode("<a&b> é"),
			"nested":  state.MustEncode(map[string]any{"z": 1.5, "a": []any{true, nil}}),
		},
		Requests: []*stepflow.RequestRecord{{
			ID:         "req_1",
			ExecutorID: "approve",
			Superstep:  superstep,
			Payload:    state.MustEncode("ok?"),
			Status:     stepflow.RequestStatusPending,
			CreatedAt:  now,
		}},
		Inbox: []*stepflow.Message{{
			Target: "sum",
			Source: "double",
			Input:  state.MustEncode([]int{2, 4, 6}),
		}},
		Joins: map[string]*stepflow.JoinState{
			"merge": {Received: map[string]state.Value{"left": state.MustEncode(1)}},
		},
		Executors: map[string]stepflow.ExecutorStatus{
			"double": stepflow.ExecutorStatusCompleted,
			"sum":    stepflow.ExecutorStatusReady,
		},
		Sequence:     int64(superstep * 3),
		CreatedAt:    now,
		CheckpointAt: now,
	}
}

// Run exercises the Checkpointer contract. newRunID must return a fresh run
// id on each call so backends may share storage between subtests.
func Run(t *testing.T, cp stepflow.Checkpointer, newRunID func() string) {
	ctx := context.Background()

	t.Run("read latest of unknown run is not found", func(t *testing.T) {
		_, err := cp.ReadLatest(ctx, newRunID())
		require.ErrorIs(t, err, stepflow.ErrCheckpointNotFound)
	})

	t.Run("round trips state byte for byte", func(t *testing.T) {
		runID := newRunID()
		want := NewCheckpoint(runID, 0)
		ref, err := cp.Write(ctx, want)
		require.NoError(t, err)
		require.Equal(t, runID, ref.RunID)
		require.Equal(t, 0, ref.Superstep)

		got, err := cp.ReadLatest(ctx, runID)
		require.NoError(t, err)
		RequireEqual(t, want, got)
	})

	t.Run("latest follows writes", func(t *testing.T) {
		runID := newRunID()
		for i := range 3 {
			_, err := cp.Write(ctx, NewCheckpoint(runID, i))
			require.NoError(t, err)
		}
		got, err := cp.ReadLatest(ctx, runID)
		require.NoError(t, err)
		require.Equal(t, 2, got.Superstep)

		older, err := cp.Read(ctx, stepflow.CheckpointRef{RunID: runID, Superstep: 1})
		require.NoError(t, err)
		require.Equal(t, 1, older.Superstep)
	})

	t.Run("rewrite of an existing superstep is rejected", func(t *testing.T) {
		runID := newRunID()
		_, err := cp.Write(ctx, NewCheckpoint(runID, 0))
		require.NoError(t, err)
		_, err = cp.Write(ctx, NewCheckpoint(runID, 1))
		require.NoError(t, err)

		stale := NewCheckpoint(runID, 1)
		stale.State["doubled"] = state.MustEncode("overwritten")
		_, err = cp.Write(ctx, stale)
		require.ErrorIs(t, err, stepflow.ErrStorageFailure)

		got, err := cp.ReadLatest(ctx, runID)
		require.NoError(t, err)
		require.Equal(t, "[2,4,6]", got.State["doubled"].String())
	})

	t.Run("list is ordered and restartable", func(t *testing.T) {
		runID := newRunID()
		for _, s := range []int{0, 1, 2, 5} {
			_, err := cp.Write(ctx, NewCheckpoint(runID, s))
			require.NoError(t, err)
		}
		collect := func() []int {
			var out []int
			for ref, err := range cp.List(ctx, runID) {
				require.NoError(t, err)
				require.Equal(t, runID, ref.RunID)
				out = append(out, ref.Superstep)
			}
			return out
		}
		require.Equal(t, []int{0, 1, 2, 5}, collect())
		require.Equal(t, []int{0, 1, 2, 5}, collect())

		var first []int
		for ref, err := range cp.List(ctx, runID) {
			require.NoError(t, err)
			first = append(first, ref.Superstep)
			break
		}
		require.Equal(t, []int{0}, first)
	})

	t.Run("list of unknown run is empty", func(t *testing.T) {
		count := 0
		for _, err := range cp.List(ctx, newRunID()) {
			require.NoError(t, err)
			count++
		}
		require.Zero(t, count)
	})

	t.Run("delete removes the run", func(t *testing.T) {
		runID := newRunID()
		_, err := cp.Write(ctx, NewCheckpoint(runID, 0))
		require.NoError(t, err)
		require.NoError(t, cp.Delete(ctx, runID))
		_, err = cp.ReadLatest(ctx, runID)
		require.ErrorIs(t, err, stepflow.ErrCheckpointNotFound)
	})
}

// RequireEqual asserts two checkpoints hold the same data. Timestamps are
// compared as instants since codecs may change their location.
func RequireEqual(t testing.TB, want, got *stepflow.Checkpoint) {
	t.Helper()
	require.Equal(t, want.RunID, got.RunID)
	require.Equal(t, want.Superstep, got.Superstep)
	require.Equal(t, want.Status, got.Status)
	require.Equal(t, want.Workflow, got.Workflow)
	require.Equal(t, want.Sequence, got.Sequence)
	require.Equal(t, len(want.State), len(got.State))
	for k, v := range want.State {
		require.Equal(t, string(v), string(got.State[k]), fmt.Sprintf("state key %q", k))
	}
	require.Equal(t, want.Executors, got.Executors)
	require.Len(t, got.Requests, len(want.Requests))
	for i, r := range want.Requests {
		require.Equal(t, r.ID, got.Requests[i].ID)
		require.Equal(t, r.Status, got.Requests[i].Status)
		require.Equal(t, string(r.Payload), string(got.Requests[i].Payload))
	}
	require.Len(t, got.Inbox, len(want.Inbox))
	for i, m := range want.Inbox {
		require.Equal(t, m.Target, got.Inbox[i].Target)
		require.Equal(t, string(m.Input), string(got.Inbox[i].Input))
	}
	require.Equal(t, len(want.Joins), len(got.Joins))
	require.True(t, want.CreatedAt.Equal(got.CreatedAt))
	require.True(t, want.CheckpointAt.Equal(got.CheckpointAt))
}
