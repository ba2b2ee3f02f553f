package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonhive/axonhive-backend/pkg/logging"
)

type scriptedRunner struct {
	outputs map[string]json.RawMessage
	fail    map[string]error
	inputs  map[string]json.RawMessage
	calls   []string
}

func (r *scriptedRunner) RunStep(ctx context.Context, step Step, input json.RawMessage) (json.RawMessage, error) {
	r.calls = append(r.calls, step.StepID)
	if r.inputs == nil {
		r.inputs = make(map[string]json.RawMessage)
	}
	r.inputs[step.StepID] = input
	if err := r.fail[step.StepID]; err != nil {
		return nil, err
	}
	output, ok := r.outputs[step.StepID]
	if !ok {
		return nil, fmt.Errorf("no scripted output for %s", step.StepID)
	}
	return output, nil
}

func threeStepPlan(t *testing.T) *ExecutionPlan {
	t.Helper()
	plan, err := BuildPlan([]StepSpec{
		{StepID: "research", ServiceType: "researcher", InputMapping: direct(`{"topic":"solar"}`)},
		{StepID: "summary", ServiceType: "summary-generation", InputMapping: fromPrevious("research", "findings")},
		{StepID: "image", ServiceType: "image-generation", InputMapping: fromPrevious("summary", "text")},
	})
	require.NoError(t, err)
	return plan
}

func TestRunPassesOutputsDownstream(t *testing.T) {
	runner := &scriptedRunner{
		outputs: map[string]json.RawMessage{
			"research": json.RawMessage(`{"findings":"panels are cheap"}`),
			"summary":  json.RawMessage(`{"text":"solar is affordable"}`),
			"image":    json.RawMessage(`{"url":"ipfs://Qm123"}`),
		},
	}
	executor := NewExecutor(runner, logging.NewNoOpLogger())
	plan := threeStepPlan(t)

	state, err := executor.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, PlanCompleted, plan.Status)
	assert.Equal(t, []string{"research", "summary", "image"}, runner.calls)

	// Each step's input equals the prior step's declared output field.
	assert.JSONEq(t, `"panels are cheap"`, string(runner.inputs["summary"]))
	assert.JSONEq(t, `"solar is affordable"`, string(runner.inputs["image"]))

	require.Len(t, state.Results, 3)
	for _, result := range state.Results {
		assert.Equal(t, StepCompleted, result.Status)
	}
}

func TestRunAbortsOnStepFailure(t *testing.T) {
	runner := &scriptedRunner{
		outputs: map[string]json.RawMessage{
			"research": json.RawMessage(`{"findings":"ok"}`),
		},
		fail: map[string]error{
			"summary": errors.New("capability exploded"),
		},
	}
	executor := NewExecutor(runner, logging.NewNoOpLogger())
	plan := threeStepPlan(t)

	state, err := executor.Run(context.Background(), plan)
	require.Error(t, err)
	assert.Equal(t, PlanFailed, plan.Status)

	// Exactly two results: the completed first step and the failed second.
	// The third step never ran.
	require.Len(t, state.Results, 2)
	assert.Equal(t, StepCompleted, state.Results[0].Status)
	assert.Equal(t, StepFailed, state.Results[1].Status)
	assert.Contains(t, state.Results[1].Error, "capability exploded")
	assert.Equal(t, []string{"research", "summary"}, runner.calls)
}

func TestRunResolvesMergeAndTransform(t *testing.T) {
	plan, err := BuildPlan([]StepSpec{
		{StepID: "left", ServiceType: "researcher", InputMapping: direct(`{}`)},
		{StepID: "right", ServiceType: "researcher", InputMapping: direct(`{}`)},
		{StepID: "combine", ServiceType: "summary-generation", InputMapping: InputMapping{
			Kind: MappingMerge,
			Sources: []SourceRef{
				{SourceStepID: "left", SourceField: "value", TargetField: "first"},
				{SourceStepID: "right", TargetField: "second"},
			},
		}},
		{StepID: "render", ServiceType: "image-generation", InputMapping: InputMapping{
			Kind:         MappingTransform,
			SourceStepID: "combine",
			SourceField:  "caption",
			Transform:    "wrap_prompt",
		}},
	})
	require.NoError(t, err)

	runner := &scriptedRunner{
		outputs: map[string]json.RawMessage{
			"left":    json.RawMessage(`{"value":"A"}`),
			"right":   json.RawMessage(`{"value":"B"}`),
			"combine": json.RawMessage(`{"caption":"A meets B"}`),
			"render":  json.RawMessage(`{"url":"ipfs://Qm"}`),
		},
	}
	executor := NewExecutor(runner, logging.NewNoOpLogger())

	_, err = executor.Run(context.Background(), plan)
	require.NoError(t, err)

	assert.JSONEq(t, `{"first":"A","second":{"value":"B"}}`, string(runner.inputs["combine"]))
	assert.JSONEq(t, `{"prompt":"A meets B"}`, string(runner.inputs["render"]))
}

func TestRunUnknownTransformFailsStep(t *testing.T) {
	plan, err := BuildPlan([]StepSpec{
		{StepID: "a", ServiceType: "researcher", InputMapping: direct(`{}`)},
		{StepID: "b", ServiceType: "researcher", InputMapping: InputMapping{
			Kind:         MappingTransform,
			SourceStepID: "a",
			Transform:    "no-such-transform",
		}},
	})
	require.NoError(t, err)

	runner := &scriptedRunner{
		outputs: map[string]json.RawMessage{"a": json.RawMessage(`{}`)},
	}
	executor := NewExecutor(runner, logging.NewNoOpLogger())

	_, err = executor.Run(context.Background(), plan)
	require.Error(t, err)
	assert.Equal(t, PlanFailed, plan.Status)
	assert.Equal(t, []string{"a"}, runner.calls)
}

func TestStatusExposesRunState(t *testing.T) {
	runner := &scriptedRunner{
		outputs: map[string]json.RawMessage{
			"research": json.RawMessage(`{"findings":"ok"}`),
			"summary":  json.RawMessage(`{"text":"ok"}`),
			"image":    json.RawMessage(`{"url":"ok"}`),
		},
	}
	executor := NewExecutor(runner, logging.NewNoOpLogger())
	plan := threeStepPlan(t)

	_, err := executor.Run(context.Background(), plan)
	require.NoError(t, err)

	state, ok := executor.Status(plan.PlanID.Hex())
	require.True(t, ok)
	assert.Equal(t, PlanCompleted, state.Plan.Status)

	_, ok = executor.Status("0xmissing")
	assert.False(t, ok)
}

func TestAggregateStrategies(t *testing.T) {
	state := &RunState{
		Results: []StepResult{
			{StepID: "a", ServiceType: "researcher", Status: StepCompleted, Output: json.RawMessage(`{"v":1}`)},
			{StepID: "b", ServiceType: "summary-generation", Status: StepCompleted, Output: json.RawMessage(`{"v":2}`)},
			{StepID: "c", ServiceType: "image-generation", Status: StepFailed},
		},
	}

	final, err := Aggregate(AggregateFinalOutput, state)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(final))

	merged, err := Aggregate(AggregateMerge, state)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"v":1},"b":{"v":2}}`, string(merged))

	collected, err := Aggregate(AggregateCollect, state)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"step_id":"a","service_type":"researcher","output":{"v":1}},{"step_id":"b","service_type":"summary-generation","output":{"v":2}}]`, string(collected))

	_, err = Aggregate("median", state)
	assert.Error(t, err)

	_, err = Aggregate(AggregateFinalOutput, &RunState{})
	assert.Error(t, err)
}

func TestRunRecordsBoundStepCost(t *testing.T) {
	plan, err := BuildPlan([]StepSpec{
		{StepID: "research", ServiceType: "researcher", BudgetWei: "100", InputMapping: direct(`{}`)},
		{StepID: "image", ServiceType: "image-generation", BudgetWei: "300", InputMapping: fromPrevious("research", "")},
	})
	require.NoError(t, err)

	runner := &scriptedRunner{
		outputs: map[string]json.RawMessage{
			"research": json.RawMessage(`{"findings":"ok"}`),
			"image":    json.RawMessage(`{"url":"ipfs://Qm"}`),
		},
	}
	executor := NewExecutor(runner, logging.NewNoOpLogger())

	state, err := executor.Run(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, state.Results, 2)
	assert.Equal(t, "100", state.Results[0].CostWei)
	assert.Equal(t, "300", state.Results[1].CostWei)
}

func TestSummarizeTotalsCostAndTiming(t *testing.T) {
	plan, err := BuildPlan([]StepSpec{
		{StepID: "research", ServiceType: "researcher", BudgetWei: "100", InputMapping: direct(`{}`)},
		{StepID: "summary", ServiceType: "summary-generation", BudgetWei: "250", InputMapping: fromPrevious("research", "")},
		{StepID: "image", ServiceType: "image-generation", BudgetWei: "300", InputMapping: fromPrevious("summary", "")},
	})
	require.NoError(t, err)

	runner := &scriptedRunner{
		outputs: map[string]json.RawMessage{
			"research": json.RawMessage(`{"findings":"ok"}`),
			"summary":  json.RawMessage(`{"text":"ok"}`),
		},
		fail: map[string]error{
			"image": errors.New("capability exploded"),
		},
	}
	executor := NewExecutor(runner, logging.NewNoOpLogger())

	state, err := executor.Run(context.Background(), plan)
	require.Error(t, err)

	got := Summarize(state)
	assert.Equal(t, 3, got.Steps)
	assert.Equal(t, 2, got.Completed)
	// The failed step's escrow is not spent; only completed steps count.
	assert.Equal(t, "350", got.TotalCostWei)
	require.Len(t, got.PerStep, 3)
	assert.Equal(t, StepFailed, got.PerStep[2].Status)
	assert.Empty(t, got.PerStep[2].CostWei)
	assert.GreaterOrEqual(t, got.TotalDurationSeconds, 0.0)
}
