//go:build integration

package postgres_test

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/deepnoodle-ai/stepflow"
	"github.com/deepnoodle-ai/stepflow/checkpointertest"
	"github.com/deepnoodle-ai/stepflow/postgres"
)

// setupCheckpointer starts a Postgres container and returns a migrated
// checkpointer connected to it.
func setupCheckpointer(t *testing.T, opts ...postgres.Option) *postgres.Checkpointer {
	t.Helper()
	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("stepflow_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	opts = append([]postgres.Option{postgres.WithLogger(slog.Default())}, opts...)
	cp := postgres.New(db, opts...)
	require.NoError(t, cp.Migrate(ctx))
	return cp
}

func TestCheckpointer(t *testing.T) {
	checkpointertest.Run(t, setupCheckpointer(t), stepflow.NewRunID)
}

func TestCheckpointerMsgpack(t *testing.T) {
	checkpointertest.Run(t, setupCheckpointer(t, postgres.WithCodec(stepflow.MsgpackCodec{})), stepflow.NewRunID)
}

func TestMigrateIdempotent(t *testing.T) {
	cp := setupCheckpointer(t)
	require.NoError(t, cp.Migrate(context.Background()))
}

func TestCodecRecordedPerRow(t *testing.T) {
	ctx := context.Background()
	jsonCP := setupCheckpointer(t)
	_, err := jsonCP.Write(ctx, checkpointertest.NewCheckpoint("run-mixed", 0))
	require.NoError(t, err)

	// A second handle with a different codec still reads the older row.
	msgpackCP := postgres.New(jsonCP.DB(), postgres.WithCodec(stepflow.MsgpackCodec{}))
	want := checkpointertest.NewCheckpoint("run-mixed", 1)
	_, err = msgpackCP.Write(ctx, want)
	require.NoError(t, err)

	first, err := msgpackCP.Read(ctx, stepflow.CheckpointRef{RunID: "run-mixed", Superstep: 0})
	require.NoError(t, err)
	require.Equal(t, 0, first.Superstep)

	latest, err := jsonCP.ReadLatest(ctx, "run-mixed")
	require.NoError(t, err)
	checkpointertest.RequireEqual(t, want, latest)
}
