//go:build integration

package redis_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"github.com/deepnoodle-ai/stepflow"
	"github.com/deepnoodle-ai/stepflow/checkpointertest"
	"github.com/deepnoodle-ai/stepflow/redis"
	"github.com/deepnoodle-ai/stepflow/state"
)

// setupClient starts a Redis container with fsync-always AOF persistence.
func setupClient(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7.4-alpine",
			ExposedPorts: []string{"6379/tcp"},
			Cmd:          []string{"redis-server", "--appendonly", "yes", "--appendfsync", "always"},
			WaitingFor: wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("get endpoint: %v", err)
	}
	client := goredis.NewClient(&goredis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestCheckpointer(t *testing.T) {
	client := setupClient(t)

	t.Run("msgpack", func(t *testing.T) {
		checkpointertest.Run(t, redis.New(client, redis.WithAppendOnlySync(1, 0)), stepflow.NewRunID)
	})

	t.Run("json", func(t *testing.T) {
		checkpointertest.Run(t, redis.New(client, redis.WithCodec(stepflow.JSONCodec{})), stepflow.NewRunID)
	})
}

func TestCheckpointerLayout(t *testing.T) {
	client := setupClient(t)
	cp := redis.New(client)
	ctx := context.Background()

	ref, err := cp.Write(ctx, checkpointertest.NewCheckpoint("run-layout", 3))
	require.NoError(t, err)
	require.Equal(t, "stepflow:ckpt:{run-layout}:3", ref.Location)

	latest, err := client.Get(ctx, "stepflow:ckpt_latest:{run-layout}").Result()
	require.NoError(t, err)
	require.Equal(t, "3", latest)

	members, err := client.ZRange(ctx, "stepflow:ckpt_idx:{run-layout}", 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, []string{"3"}, members)

	require.NoError(t, cp.Delete(ctx, "run-layout"))
	n, err := client.Exists(ctx, "stepflow:ckpt:{run-layout}:3", "stepflow:ckpt_latest:{run-layout}").Result()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestConcurrentWritersShareClient(t *testing.T) {
	client := setupClient(t)
	cp := redis.New(client, redis.WithAppendOnlySync(1, 0))
	ctx := context.Background()

	const runs, supersteps = 16, 5
	g, gctx := errgroup.WithContext(ctx)
	for i := range runs {
		runID := fmt.Sprintf("run-concurrent-%d", i)
		g.Go(func() error {
			for superstep := 1; superstep <= supersteps; superstep++ {
				if _, err := cp.Write(gctx, checkpointertest.NewCheckpoint(runID, superstep)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for i := range runs {
		latest, err := cp.ReadLatest(ctx, fmt.Sprintf("run-concurrent-%d", i))
		require.NoError(t, err)
		require.Equal(t, supersteps, latest.Superstep)
	}
}

func TestStaleWriterIsRejected(t *testing.T) {
	client := setupClient(t)
	first := redis.New(client)
	second := redis.New(client)
	ctx := context.Background()

	_, err := first.Write(ctx, checkpointertest.NewCheckpoint("run-stale", 2))
	require.NoError(t, err)
	_, err = second.Write(ctx, checkpointertest.NewCheckpoint("run-stale", 2))
	require.ErrorIs(t, err, stepflow.ErrStorageFailure)

	latest, err := first.ReadLatest(ctx, "run-stale")
	require.NoError(t, err)
	require.Equal(t, 2, latest.Superstep)
}

func TestResumeFromRedis(t *testing.T) {
	client := setupClient(t)
	ctx := context.Background()

	asker := stepflow.NewExecutor("asker", func(ctx stepflow.Context, input state.Value) (any, error) {
		if ctx.RequestID() == "" {
			_, err := ctx.RequestInput("approve?")
			return nil, err
		}
		return input, nil
	})
	wf, err := stepflow.NewBuilder("approval").AddExecutor(asker).Build()
	require.NoError(t, err)

	first, err := stepflow.NewOrchestrator(stepflow.Options{Workflow: wf, Checkpointer: redis.New(client)})
	require.NoError(t, err)
	stream, err := first.Start(ctx, "run-redis", nil)
	require.NoError(t, err)
	require.NoError(t, first.Shutdown(ctx))
	resp, err := stream.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, stepflow.RunStatusCancelled, resp.Status)

	second, err := stepflow.NewOrchestrator(stepflow.Options{Workflow: wf, Checkpointer: redis.New(client)})
	require.NoError(t, err)
	stream, err = second.Resume(ctx, "run-redis")
	require.NoError(t, err)
	update, ok := stream.Next(ctx)
	require.True(t, ok)
	require.Equal(t, stepflow.UpdateKindRequest, update.Kind)
	require.NoError(t, second.AnswerRequest("run-redis", update.Request.ID, "yes"))
	resp, err = stream.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, stepflow.RunStatusCompleted, resp.Status)
	require.JSONEq(t, `"yes"`, resp.Output().String())
}
