// Package redis implements stepflow.Checkpointer on Redis. Each checkpoint
// is a string key holding the encoded checkpoint; a Sorted Set indexes the
// run's supersteps and a separate key points at the latest one. The three
// are written in one MULTI/EXEC transaction guarded by WATCH on the latest
// key, so a stale or concurrent writer fails instead of overwriting.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	cp := redis.New(client, redis.WithAppendOnlySync(1, 0))
//	orch, err := stepflow.NewOrchestrator(stepflow.Options{Workflow: wf, Checkpointer: cp})
//
// Durability depends on the server's persistence settings. With
// WithAppendOnlySync each write waits for WAITAOF, so a successful Write has
// been fsynced to the append-only file.
package redis

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/deepnoodle-ai/stepflow"
)

var _ stepflow.Checkpointer = (*Checkpointer)(nil)

// ErrConcurrentWrite is returned when another writer updated the run
// between the ordering check and the write.
var ErrConcurrentWrite = errors.New("concurrent checkpoint write")

// Option configures the Checkpointer.
type Option func(*Checkpointer)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Checkpointer) { c.logger = l }
}

// WithCodec sets the checkpoint encoding. Defaults to MessagePack.
func WithCodec(codec stepflow.Codec) Option {
	return func(c *Checkpointer) { c.codec = codec }
}

// WithAppendOnlySync makes every write wait until it is fsynced to the
// append-only file of numLocal local servers and numReplicas replicas.
// Requires Redis 7.2 or later with appendonly enabled.
func WithAppendOnlySync(numLocal, numReplicas int) Option {
	return func(c *Checkpointer) {
		c.aofLocal = numLocal
		c.aofReplicas = numReplicas
	}
}

// WithSyncTimeout bounds how long WAITAOF may block. Zero blocks forever.
func WithSyncTimeout(d time.Duration) Option {
	return func(c *Checkpointer) { c.syncTimeout = d }
}

// Checkpointer stores checkpoints in Redis. The caller owns the client
// lifecycle.
type Checkpointer struct {
	client      goredis.UniversalClient
	codec       stepflow.Codec
	logger      *slog.Logger
	aofLocal    int
	aofReplicas int
	syncTimeout time.Duration
}

// New returns a Redis-backed checkpointer. client may be a single node,
// failover or cluster client.
func New(client goredis.UniversalClient, opts ...Option) *Checkpointer {
	c := &Checkpointer{
		client:      client,
		codec:       stepflow.MsgpackCodec{},
		logger:      slog.Default(),
		syncTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ping verifies the Redis connection is alive.
func (c *Checkpointer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Checkpointer) Write(ctx context.Context, cp *stepflow.Checkpoint) (stepflow.CheckpointRef, error) {
	if cp == nil {
		return stepflow.CheckpointRef{}, storageErr("write", "", errors.New("checkpoint required"))
	}
	if err := stepflow.ValidateRunID(cp.RunID); err != nil {
		return stepflow.CheckpointRef{}, storageErr("write", cp.RunID, err)
	}
	data, err := c.codec.Marshal(cp)
	if err != nil {
		return stepflow.CheckpointRef{}, storageErr("write", cp.RunID, err)
	}

	// The latest key is watched so the ordering check and the write form a
	// compare-and-set. Everything runs on the transaction's connection,
	// which WAITAOF needs to cover the write.
	key := checkpointKey(cp.RunID, cp.Superstep)
	err = c.client.Watch(ctx, func(tx *goredis.Tx) error {
		latest, found, err := latestSuperstep(ctx, tx, cp.RunID)
		if err != nil {
			return err
		}
		if found && cp.Superstep <= latest {
			return fmt.Errorf("superstep %d is not after latest %d", cp.Superstep, latest)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, indexKey(cp.RunID), goredis.Z{Score: float64(cp.Superstep), Member: cp.Superstep})
			pipe.Set(ctx, latestKey(cp.RunID), cp.Superstep, 0)
			return nil
		})
		if err != nil {
			return err
		}
		return c.waitAOF(ctx, tx)
	}, latestKey(cp.RunID))
	if errors.Is(err, goredis.TxFailedErr) {
		err = fmt.Errorf("%w: run %s", ErrConcurrentWrite, cp.RunID)
	}
	if err != nil {
		return stepflow.CheckpointRef{}, storageErr("write", cp.RunID, err)
	}
	c.logger.Debug("checkpoint written", "run_id", cp.RunID, "superstep", cp.Superstep, "bytes", len(data))
	return stepflow.CheckpointRef{RunID: cp.RunID, Superstep: cp.Superstep, Location: key}, nil
}

// waitAOF blocks until the writes made on tx's connection reach the
// append-only file.
func (c *Checkpointer) waitAOF(ctx context.Context, tx *goredis.Tx) error {
	if c.aofLocal == 0 && c.aofReplicas == 0 {
		return nil
	}
	acks, err := tx.Do(ctx, "WAITAOF", c.aofLocal, c.aofReplicas, c.syncTimeout.Milliseconds()).Int64Slice()
	if err != nil {
		return fmt.Errorf("waitaof: %w", err)
	}
	if len(acks) != 2 || acks[0] < int64(c.aofLocal) || acks[1] < int64(c.aofReplicas) {
		return fmt.Errorf("waitaof: acknowledged by %v, want %d local and %d replicas", acks, c.aofLocal, c.aofReplicas)
	}
	return nil
}

func (c *Checkpointer) latest(ctx context.Context, runID string) (int, bool, error) {
	return latestSuperstep(ctx, c.client, runID)
}

// getter is satisfied by both the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func latestSuperstep(ctx context.Context, client getter, runID string) (int, bool, error) {
	raw, err := client.Get(ctx, latestKey(runID)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	superstep, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt latest index %q: %w", raw, err)
	}
	return superstep, true, nil
}

func (c *Checkpointer) ReadLatest(ctx context.Context, runID string) (*stepflow.Checkpoint, error) {
	superstep, found, err := c.latest(ctx, runID)
	if err != nil {
		return nil, storageErr("read", runID, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: run %s", stepflow.ErrCheckpointNotFound, runID)
	}
	return c.Read(ctx, stepflow.CheckpointRef{RunID: runID, Superstep: superstep})
}

func (c *Checkpointer) Read(ctx context.Context, ref stepflow.CheckpointRef) (*stepflow.Checkpoint, error) {
	data, err := c.client.Get(ctx, checkpointKey(ref.RunID, ref.Superstep)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: run %s superstep %d", stepflow.ErrCheckpointNotFound, ref.RunID, ref.Superstep)
	}
	if err != nil {
		return nil, storageErr("read", ref.RunID, err)
	}
	var cp stepflow.Checkpoint
	if err := c.codec.Unmarshal(data, &cp); err != nil {
		return nil, storageErr("read", ref.RunID, err)
	}
	return &cp, nil
}

// listPage is how many index entries List fetches per round trip.
const listPage = 100

func (c *Checkpointer) List(ctx context.Context, runID string) iter.Seq2[stepflow.CheckpointRef, error] {
	return func(yield func(stepflow.CheckpointRef, error) bool) {
		for start := int64(0); ; start += listPage {
			members, err := c.client.ZRange(ctx, indexKey(runID), start, start+listPage-1).Result()
			if err != nil {
				yield(stepflow.CheckpointRef{}, storageErr("list", runID, err))
				return
			}
			for _, m := range members {
				superstep, err := strconv.Atoi(m)
				if err != nil {
					yield(stepflow.CheckpointRef{}, storageErr("list", runID, fmt.Errorf("corrupt index entry %q", m)))
					return
				}
				ref := stepflow.CheckpointRef{RunID: runID, Superstep: superstep, Location: checkpointKey(runID, superstep)}
				if !yield(ref, nil) {
					return
				}
			}
			if len(members) < listPage {
				return
			}
		}
	}
}

func (c *Checkpointer) Delete(ctx context.Context, runID string) error {
	members, err := c.client.ZRange(ctx, indexKey(runID), 0, -1).Result()
	if err != nil {
		return storageErr("delete", runID, err)
	}
	keys := []string{indexKey(runID), latestKey(runID)}
	for _, m := range members {
		superstep, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		keys = append(keys, checkpointKey(runID, superstep))
	}
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, keys...)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("delete", runID, err)
	}
	return nil
}

func storageErr(op, runID string, err error) error {
	return stepflow.NewStorageError(op, runID, fmt.Errorf("stepflow/redis: %w", err))
}
