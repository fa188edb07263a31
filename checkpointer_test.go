package stepflow_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/stepflow"
	"github.com/deepnoodle-ai/stepflow/checkpointertest"
)

func TestMemoryCheckpointer(t *testing.T) {
	checkpointertest.Run(t, stepflow.NewMemoryCheckpointer(), stepflow.NewRunID)
}

func TestFileCheckpointer(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		cp, err := stepflow.NewFileCheckpointer(t.TempDir())
		require.NoError(t, err)
		checkpointertest.Run(t, cp, stepflow.NewRunID)
	})

	t.Run("msgpack", func(t *testing.T) {
		cp, err := stepflow.NewFileCheckpointer(t.TempDir(), stepflow.WithFileCodec(stepflow.MsgpackCodec{}))
		require.NoError(t, err)
		checkpointertest.Run(t, cp, stepflow.NewRunID)
	})
}

func TestFileCheckpointerDurability(t *testing.T) {
	ctx := context.Background()

	t.Run("a fresh instance reads what was written", func(t *testing.T) {
		dir := t.TempDir()
		writer, err := stepflow.NewFileCheckpointer(dir)
		require.NoError(t, err)
		want := checkpointertest.NewCheckpoint("run-crash", 4)
		_, err = writer.Write(ctx, want)
		require.NoError(t, err)

		// Simulate a restart: nothing is shared with the writer.
		reader, err := stepflow.NewFileCheckpointer(dir)
		require.NoError(t, err)
		got, err := reader.ReadLatest(ctx, "run-crash")
		require.NoError(t, err)
		checkpointertest.RequireEqual(t, want, got)
	})

	t.Run("unindexed checkpoint files are ignored", func(t *testing.T) {
		dir := t.TempDir()
		cp, err := stepflow.NewFileCheckpointer(dir)
		require.NoError(t, err)
		_, err = cp.Write(ctx, checkpointertest.NewCheckpoint("run-torn", 0))
		require.NoError(t, err)

		// A crash after the data rename but before the index rename leaves
		// an orphan file behind.
		orphan := filepath.Join(dir, "run-torn", "checkpoint-000001.ckpt")
		require.NoError(t, os.WriteFile(orphan, []byte("garbage"), 0o644))

		got, err := cp.ReadLatest(ctx, "run-torn")
		require.NoError(t, err)
		require.Equal(t, 0, got.Superstep)

		// The next write of that superstep replaces the orphan.
		_, err = cp.Write(ctx, checkpointertest.NewCheckpoint("run-torn", 1))
		require.NoError(t, err)
		got, err = cp.ReadLatest(ctx, "run-torn")
		require.NoError(t, err)
		require.Equal(t, 1, got.Superstep)
	})

	t.Run("no temp files remain after writes", func(t *testing.T) {
		dir := t.TempDir()
		cp, err := stepflow.NewFileCheckpointer(dir)
		require.NoError(t, err)
		for i := range 3 {
			_, err = cp.Write(ctx, checkpointertest.NewCheckpoint("run-clean", i))
			require.NoError(t, err)
		}
		matches, err := filepath.Glob(filepath.Join(dir, "run-clean", "*.tmp.*"))
		require.NoError(t, err)
		require.Empty(t, matches)
	})

	t.Run("codec mismatch is rejected", func(t *testing.T) {
		dir := t.TempDir()
		jsonCP, err := stepflow.NewFileCheckpointer(dir)
		require.NoError(t, err)
		_, err = jsonCP.Write(ctx, checkpointertest.NewCheckpoint("run-codec", 0))
		require.NoError(t, err)

		msgpackCP, err := stepflow.NewFileCheckpointer(dir, stepflow.WithFileCodec(stepflow.MsgpackCodec{}))
		require.NoError(t, err)
		_, err = msgpackCP.Write(ctx, checkpointertest.NewCheckpoint("run-codec", 1))
		require.ErrorIs(t, err, stepflow.ErrStorageFailure)
	})

	t.Run("invalid run ids are rejected", func(t *testing.T) {
		cp, err := stepflow.NewFileCheckpointer(t.TempDir())
		require.NoError(t, err)
		_, err = cp.Write(ctx, checkpointertest.NewCheckpoint("../escape", 0))
		require.ErrorIs(t, err, stepflow.ErrStorageFailure)
	})
}

func TestFileCheckpointerListRuns(t *testing.T) {
	ctx := context.Background()
	cp, err := stepflow.NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	_, err = cp.Write(ctx, checkpointertest.NewCheckpoint("run-a", 0))
	require.NoError(t, err)
	done := checkpointertest.NewCheckpoint("run-b", 0)
	_, err = cp.Write(ctx, done)
	require.NoError(t, err)
	done = checkpointertest.NewCheckpoint("run-b", 1)
	done.Status = stepflow.RunStatusCompleted
	_, err = cp.Write(ctx, done)
	require.NoError(t, err)

	summaries, err := cp.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	byID := map[string]*stepflow.RunSummary{}
	for _, s := range summaries {
		byID[s.RunID] = s
	}
	require.Equal(t, stepflow.RunStatusCompleted, byID["run-b"].Status)
	require.Equal(t, 2, byID["run-b"].Checkpoints)
	require.Equal(t, 1, byID["run-b"].Superstep)
	require.Equal(t, stepflow.RunStatusRunning, byID["run-a"].Status)
}

func TestCodecs(t *testing.T) {
	for _, codec := range []stepflow.Codec{stepflow.JSONCodec{}, stepflow.MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			want := checkpointertest.NewCheckpoint("run-codec", 2)
			data, err := codec.Marshal(want)
			require.NoError(t, err)

			var got stepflow.Checkpoint
			require.NoError(t, codec.Unmarshal(data, &got))
			checkpointertest.RequireEqual(t, want, &got)

			again, err := codec.Marshal(&got)
			require.NoError(t, err)
			require.Equal(t, data, again)
		})
	}

	_, err := stepflow.CodecByName("xml")
	require.Error(t, err)
}
