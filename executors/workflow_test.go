package executors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/stepflow"
	"github.com/deepnoodle-ai/stepflow/script"
	"github.com/deepnoodle-ai/stepflow/state"
)

const sumPipeline = `
name: sum-pipeline
description: doubles the input values, then sums them
executors:
  - id: double
    type: script
    config:
      code: |
        doubled := []
        for _, v := range input.values { doubled.append(v * 2) }
        state.doubled = doubled
        doubled
  - id: sum
    type: script
    config:
      code: |
        total := 0
        for _, v := range state.doubled { total += v }
        total
edges:
  - from: double
    to: sum
    condition: len(output) > 0
`

func TestSumPipelineFromYAML(t *testing.T) {
	wf, err := stepflow.LoadString(sumPipeline, Register(stepflow.NewRegistry()))
	require.NoError(t, err)
	require.Equal(t, "sum-pipeline", wf.Name())
	require.Equal(t, "double", wf.Start())

	cp := stepflow.NewMemoryCheckpointer()
	orch, err := stepflow.NewOrchestrator(stepflow.Options{Workflow: wf, Checkpointer: cp})
	require.NoError(t, err)

	ctx := context.Background()
	resp, err := orch.Execute(ctx, "sum-1", map[string]any{"task": "sum", "values": []int{1, 2, 3}})
	require.NoError(t, err)
	require.Equal(t, stepflow.RunStatusCompleted, resp.Status)
	require.Equal(t, state.Value(`12`), resp.Output())

	first, err := cp.Read(ctx, stepflow.CheckpointRef{RunID: "sum-1", Superstep: 1})
	require.NoError(t, err)
	require.Equal(t, map[string]state.Value{"doubled": state.Value(`[2,4,6]`)}, first.State)
}

func TestPromptSuspendsUntilAnswered(t *testing.T) {
	wf, err := stepflow.LoadString(`
name: approval
executors:
  - id: ask
    type: prompt
    config:
      prompt: "Ship ${input.version}?"
      state_key: decision
  - id: announce
    type: emit
    config:
      message: "decision: ${state.decision}"
chains:
  - [ask, announce]
`, Register(stepflow.NewRegistry()))
	require.NoError(t, err)

	orch, err := stepflow.NewOrchestrator(stepflow.Options{Workflow: wf})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := orch.Start(ctx, "", map[string]any{"version": "1.2.0"})
	require.NoError(t, err)

	var request *stepflow.RequestRecord
	var texts []string
	for u := range stream.All(ctx) {
		switch u.Kind {
		case stepflow.UpdateKindContent:
			for _, c := range u.Contents {
				texts = append(texts, stepflow.ContentString(c))
			}
		case stepflow.UpdateKindRequest:
			request = u.Request
		}
		if request != nil {
			break
		}
	}
	require.NotNil(t, request)
	require.Equal(t, "ask", request.ExecutorID)
	require.Equal(t, []string{"Ship 1.2.0?"}, texts)

	require.NoError(t, orch.AnswerRequest(stream.RunID(), request.ID, "yes"))
	resp, err := stream.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, stepflow.RunStatusCompleted, resp.Status)
	require.Equal(t, state.Value(`"yes"`), resp.Output())

	var announced []string
	for _, u := range stream.Updates() {
		if u.Kind == stepflow.UpdateKindContent && u.ExecutorID == "announce" {
			announced = append(announced, stepflow.ContentString(u.Contents[0]))
		}
	}
	require.Equal(t, []string{"decision: yes"}, announced)
}

func TestExprConditionsWithRisorScripts(t *testing.T) {
	reg := Register(stepflow.NewRegistry()).SetCompiler(script.NewExprEngine(nil))
	wf, err := stepflow.LoadString(`
name: grading
executors:
  - id: score
    type: script
    config:
      code: |
        state.score = input.points * 10
        state.score
  - id: pass
    type: emit
    config:
      message: "passed with ${state.score}"
  - id: fail
    type: emit
    config:
      message: "failed with ${state.score}"
edges:
  - from: score
    to: pass
    condition: output >= 50
  - from: score
    to: fail
    condition: output < 50
`, reg)
	require.NoError(t, err)

	orch, err := stepflow.NewOrchestrator(stepflow.Options{Workflow: wf})
	require.NoError(t, err)

	for points, want := range map[int]string{7: "passed with 70", 2: "failed with 20"} {
		stream, err := orch.Start(context.Background(), "", map[string]any{"points": points})
		require.NoError(t, err)
		resp, err := stream.Wait(context.Background())
		require.NoError(t, err)
		require.Equal(t, stepflow.RunStatusCompleted, resp.Status)

		var texts []string
		for _, u := range stream.Updates() {
			if u.Kind == stepflow.UpdateKindContent {
				texts = append(texts, stepflow.ContentString(u.Contents[0]))
			}
		}
		require.Equal(t, []string{want}, texts)
	}
}
