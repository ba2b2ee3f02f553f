// Package pipeline turns a multi-step service plan into ordered execution
// with input passing between steps. Steps run strictly sequentially in
// topological order; a step failure aborts the remainder of the plan.
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MappingKind discriminates the input-mapping union.
type MappingKind string

const (
	MappingDirect       MappingKind = "direct"
	MappingFromPrevious MappingKind = "from_previous"
	MappingMerge        MappingKind = "merge"
	MappingTransform    MappingKind = "transform"
)

// SourceRef points at a prior step's output, optionally narrowed to one
// field.
type SourceRef struct {
	SourceStepID string `json:"source_step_id"`
	SourceField  string `json:"source_field,omitempty"`
	// TargetField names the key the value lands under when merging.
	TargetField string `json:"target_field,omitempty"`
}

// InputMapping is a tagged union: exactly the fields of its kind are set.
type InputMapping struct {
	Kind MappingKind `json:"kind"`

	// direct
	Value json.RawMessage `json:"value,omitempty"`

	// from_previous / transform
	SourceStepID string `json:"source_step_id,omitempty"`
	SourceField  string `json:"source_field,omitempty"`

	// merge
	Sources []SourceRef `json:"sources,omitempty"`

	// transform
	Transform string `json:"transform,omitempty"`
}

// dependencies returns the step ids this mapping reads from.
func (m InputMapping) dependencies() []string {
	switch m.Kind {
	case MappingFromPrevious, MappingTransform:
		if m.SourceStepID == "" {
			return nil
		}
		return []string{m.SourceStepID}
	case MappingMerge:
		out := make([]string, 0, len(m.Sources))
		for _, src := range m.Sources {
			out = append(out, src.SourceStepID)
		}
		return out
	}
	return nil
}

func (m InputMapping) validate() error {
	switch m.Kind {
	case MappingDirect:
		if len(m.Value) == 0 {
			return fmt.Errorf("direct mapping requires a value")
		}
	case MappingFromPrevious:
		if m.SourceStepID == "" {
			return fmt.Errorf("from_previous mapping requires source_step_id")
		}
	case MappingMerge:
		if len(m.Sources) == 0 {
			return fmt.Errorf("merge mapping requires at least one source")
		}
		for _, src := range m.Sources {
			if src.SourceStepID == "" {
				return fmt.Errorf("merge mapping source missing source_step_id")
			}
		}
	case MappingTransform:
		if m.SourceStepID == "" || m.Transform == "" {
			return fmt.Errorf("transform mapping requires source_step_id and transform")
		}
	default:
		return fmt.Errorf("unknown input mapping kind %q", m.Kind)
	}
	return nil
}

// StepStatus is a pipeline step's lifecycle state.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// StepSpec is the caller-declared step, before planning.
type StepSpec struct {
	StepID          string          `json:"step_id"`
	ServiceType     string          `json:"service_type"`
	AssignedWorker  *common.Address `json:"assigned_worker,omitempty"`
	WorkerEndpoint  string          `json:"worker_endpoint,omitempty"`
	InputMapping    InputMapping    `json:"input_mapping"`
	BudgetWei       string          `json:"budget_wei,omitempty"`
}

// Step is a planned step with its resolved execution order.
type Step struct {
	StepSpec
	Order  int        `json:"order"`
	Status StepStatus `json:"status"`
}

// StepResult is one executed step's outcome.
type StepResult struct {
	StepID      string          `json:"step_id"`
	ServiceType string          `json:"service_type"`
	Status      StepStatus      `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	// CostWei is the bound provider's price, recorded only for completed
	// steps; a failed step's escrow comes back through the refund sweep.
	CostWei    string    `json:"cost_wei,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// PlanStatus is the whole plan's state.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// ExecutionPlan is a fully ordered, acyclic step list.
type ExecutionPlan struct {
	PlanID common.Hash `json:"plan_id"`
	Steps  []Step      `json:"steps"`
	Status PlanStatus  `json:"status"`
}
