package stepflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/stepflow/state"
)

func TestStreamDeliversInOrderThenTerminates(t *testing.T) {
	s := newStream("run-1")
	s.push(&AgentResponseUpdate{Sequence: 1, Kind: UpdateKindContent})
	s.push(&AgentResponseUpdate{Sequence: 2, Kind: UpdateKindSuperstep})

	ctx := context.Background()
	u, ok := s.Next(ctx)
	require.True(t, ok)
	require.Equal(t, int64(1), u.Sequence)

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.push(&AgentResponseUpdate{Sequence: 3, Kind: UpdateKindOutput})
		s.finish(&AgentResponse{RunID: "run-1", Status: RunStatusCompleted})
	}()

	var seqs []int64
	for u := range s.All(ctx) {
		seqs = append(seqs, u.Sequence)
	}
	require.Equal(t, []int64{2, 3}, seqs)

	resp, err := s.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, resp.Status)

	// Updates after the terminal response are ignored.
	s.push(&AgentResponseUpdate{Sequence: 4})
	s.finish(&AgentResponse{Status: RunStatusFailed})
	require.Len(t, s.Updates(), 3)
	resp, err = s.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, resp.Status)
	_, ok = s.Next(ctx)
	require.False(t, ok)
}

func TestStreamWaitHonorsContext(t *testing.T) {
	s := newStream("run-2")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	_, ok := s.Next(ctx)
	require.False(t, ok)
}

func TestAgentResponseOutput(t *testing.T) {
	resp := &AgentResponse{RunID: "r"}
	require.Nil(t, resp.Output())
	var v int
	require.Error(t, resp.Decode(&v))

	resp.Outputs = []state.Value{state.Value(`1`), state.Value(`2`)}
	require.Equal(t, state.Value(`2`), resp.Output())
	require.NoError(t, resp.Decode(&v))
	require.Equal(t, 2, v)
}

func TestUpdateJSON(t *testing.T) {
	u := &AgentResponseUpdate{
		RunID:      "r",
		Sequence:   7,
		Superstep:  2,
		ExecutorID: "writer",
		Kind:       UpdateKindContent,
		Contents:   Contents{Text("hello"), URI("https://example.com/a.png", "image/png")},
	}
	data, err := json.Marshal(u)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"run_id": "r",
		"sequence": 7,
		"superstep": 2,
		"executor_id": "writer",
		"kind": "content",
		"contents": [
			{"type": "text", "text": "hello"},
			{"type": "uri", "uri": "https://example.com/a.png", "media_type": "image/png"}
		]
	}`, string(data))

	var decoded AgentResponseUpdate
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, u.Contents, decoded.Contents)
}
