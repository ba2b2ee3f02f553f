package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/axonhive/axonhive-backend/internal/master/metrics"
	"github.com/axonhive/axonhive-backend/pkg/logging"
)

// StepRunner executes one step's service call and returns its output.
// The orchestrator supplies a runner that does the full hire/escrow/await
// cycle per step; tests supply fakes.
type StepRunner interface {
	RunStep(ctx context.Context, step Step, input json.RawMessage) (json.RawMessage, error)
}

// TransformFunc rewrites a resolved input value.
type TransformFunc func(json.RawMessage) (json.RawMessage, error)

// Executor runs plans sequentially and retains their results for status
// polling.
type Executor struct {
	runner     StepRunner
	transforms map[string]TransformFunc
	logger     logging.Logger

	mu   sync.RWMutex
	runs map[string]*RunState
}

// RunState is the polled view of one plan execution.
type RunState struct {
	Plan    *ExecutionPlan `json:"plan"`
	Results []StepResult   `json:"results"`
	Error   string         `json:"error,omitempty"`
}

func NewExecutor(runner StepRunner, logger logging.Logger) *Executor {
	return &Executor{
		runner:     runner,
		transforms: builtinTransforms(),
		logger:     logger,
		runs:       make(map[string]*RunState),
	}
}

// RegisterTransform adds a named transform available to transform
// mappings.
func (e *Executor) RegisterTransform(name string, fn TransformFunc) {
	e.transforms[name] = fn
}

// Run executes the plan's steps in order. The first failing step aborts
// the remainder: its result is recorded, later steps are never started,
// and the plan finishes failed. Partial results are always retained.
func (e *Executor) Run(ctx context.Context, plan *ExecutionPlan) (*RunState, error) {
	state := &RunState{Plan: plan}
	e.mu.Lock()
	e.runs[plan.PlanID.Hex()] = state
	e.mu.Unlock()

	plan.Status = PlanRunning
	outputs := make(map[string]json.RawMessage, len(plan.Steps))

	for idx := range plan.Steps {
		step := &plan.Steps[idx]

		if err := ctx.Err(); err != nil {
			e.abort(state, step, fmt.Sprintf("plan cancelled: %v", err))
			return state, err
		}

		input, err := e.resolveInput(step.InputMapping, outputs)
		if err != nil {
			e.abort(state, step, fmt.Sprintf("input resolution failed: %v", err))
			return state, err
		}

		step.Status = StepRunning
		started := time.Now().UTC()
		e.logger.Info("Pipeline step started",
			"plan_id", plan.PlanID.Hex(),
			"step_id", step.StepID,
			"service_type", step.ServiceType,
			"order", step.Order,
		)

		output, err := e.runner.RunStep(ctx, *step, input)
		finished := time.Now().UTC()
		if err != nil {
			step.Status = StepFailed
			metrics.PipelineStepsTotal.WithLabelValues("failed").Inc()
			e.appendResult(state, StepResult{
				StepID:      step.StepID,
				ServiceType: step.ServiceType,
				Status:      StepFailed,
				Error:       err.Error(),
				StartedAt:   started,
				FinishedAt:  finished,
			})
			e.fail(state, fmt.Sprintf("step %s failed: %v", step.StepID, err))
			e.logger.Error("Pipeline step failed, aborting plan",
				"plan_id", plan.PlanID.Hex(),
				"step_id", step.StepID,
				"error", err,
			)
			return state, fmt.Errorf("step %s failed: %w", step.StepID, err)
		}

		step.Status = StepCompleted
		outputs[step.StepID] = output
		metrics.PipelineStepsTotal.WithLabelValues("completed").Inc()
		e.appendResult(state, StepResult{
			StepID:      step.StepID,
			ServiceType: step.ServiceType,
			Status:      StepCompleted,
			Output:      output,
			CostWei:     step.BudgetWei,
			StartedAt:   started,
			FinishedAt:  finished,
		})
	}

	e.mu.Lock()
	plan.Status = PlanCompleted
	e.mu.Unlock()
	return state, nil
}

// Status returns the run state for a plan id, if known.
func (e *Executor) Status(planID string) (*RunState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.runs[planID]
	return state, ok
}

func (e *Executor) appendResult(state *RunState, result StepResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state.Results = append(state.Results, result)
}

func (e *Executor) fail(state *RunState, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state.Plan.Status = PlanFailed
	state.Error = reason
}

func (e *Executor) abort(state *RunState, step *Step, reason string) {
	step.Status = StepSkipped
	e.fail(state, reason)
}

// resolveInput materializes a step's input from its mapping and the
// outputs accumulated so far. Exhaustive over mapping kinds; the planner
// already validated shape and references.
func (e *Executor) resolveInput(mapping InputMapping, outputs map[string]json.RawMessage) (json.RawMessage, error) {
	switch mapping.Kind {
	case MappingDirect:
		return mapping.Value, nil

	case MappingFromPrevious:
		return extractField(outputs, mapping.SourceStepID, mapping.SourceField)

	case MappingMerge:
		merged := make(map[string]json.RawMessage, len(mapping.Sources))
		for _, src := range mapping.Sources {
			value, err := extractField(outputs, src.SourceStepID, src.SourceField)
			if err != nil {
				return nil, err
			}
			key := src.TargetField
			if key == "" {
				key = src.SourceStepID
			}
			merged[key] = value
		}
		return json.Marshal(merged)

	case MappingTransform:
		value, err := extractField(outputs, mapping.SourceStepID, mapping.SourceField)
		if err != nil {
			return nil, err
		}
		fn, ok := e.transforms[mapping.Transform]
		if !ok {
			return nil, fmt.Errorf("unknown transform %q", mapping.Transform)
		}
		return fn(value)

	default:
		return nil, fmt.Errorf("unknown input mapping kind %q", mapping.Kind)
	}
}

func extractField(outputs map[string]json.RawMessage, stepID, field string) (json.RawMessage, error) {
	output, ok := outputs[stepID]
	if !ok {
		return nil, fmt.Errorf("no output recorded for step %s", stepID)
	}
	if field == "" {
		return output, nil
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal(output, &object); err != nil {
		return nil, fmt.Errorf("step %s output is not an object, cannot select field %q", stepID, field)
	}
	value, ok := object[field]
	if !ok {
		return nil, fmt.Errorf("step %s output has no field %q", stepID, field)
	}
	return value, nil
}

func builtinTransforms() map[string]TransformFunc {
	return map[string]TransformFunc{
		// wrap_prompt turns any value into {"prompt": <string form>}.
		"wrap_prompt": func(in json.RawMessage) (json.RawMessage, error) {
			var text string
			if err := json.Unmarshal(in, &text); err != nil {
				text = string(in)
			}
			return json.Marshal(map[string]string{"prompt": text})
		},
		// stringify yields the raw value as a JSON string.
		"stringify": func(in json.RawMessage) (json.RawMessage, error) {
			var text string
			if err := json.Unmarshal(in, &text); err == nil {
				return json.Marshal(text)
			}
			return json.Marshal(string(in))
		},
	}
}
