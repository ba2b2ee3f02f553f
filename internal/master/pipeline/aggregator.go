package pipeline

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Aggregation strategy names.
const (
	AggregateFinalOutput = "final_output"
	AggregateCollect     = "collect"
	AggregateMerge       = "merge"
)

// Aggregate folds a finished run's step results into the single response
// payload returned to the caller. Only completed steps contribute; a
// failed plan still aggregates whatever completed before the abort so the
// caller sees the partial trail.
func Aggregate(strategy string, state *RunState) (json.RawMessage, error) {
	completed := make([]StepResult, 0, len(state.Results))
	for _, result := range state.Results {
		if result.Status == StepCompleted {
			completed = append(completed, result)
		}
	}

	switch strategy {
	case AggregateFinalOutput, "":
		if len(completed) == 0 {
			return nil, fmt.Errorf("no completed steps to aggregate")
		}
		return completed[len(completed)-1].Output, nil

	case AggregateCollect:
		type entry struct {
			StepID      string          `json:"step_id"`
			ServiceType string          `json:"service_type"`
			Output      json.RawMessage `json:"output"`
		}
		entries := make([]entry, 0, len(completed))
		for _, result := range completed {
			entries = append(entries, entry{
				StepID:      result.StepID,
				ServiceType: result.ServiceType,
				Output:      result.Output,
			})
		}
		return json.Marshal(entries)

	case AggregateMerge:
		merged := make(map[string]json.RawMessage, len(completed))
		for _, result := range completed {
			merged[result.StepID] = result.Output
		}
		return json.Marshal(merged)

	default:
		return nil, fmt.Errorf("unknown aggregation strategy %q", strategy)
	}
}

// StepTiming is one step's slice of the run summary.
type StepTiming struct {
	StepID          string     `json:"step_id"`
	Status          StepStatus `json:"status"`
	CostWei         string     `json:"cost_wei,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
}

// Summary totals a run's spend and timing across its recorded steps.
type Summary struct {
	Steps                int          `json:"steps"`
	Completed            int          `json:"completed"`
	TotalCostWei         string       `json:"total_cost_wei"`
	TotalDurationSeconds float64      `json:"total_duration_seconds"`
	PerStep              []StepTiming `json:"per_step"`
}

// Summarize rolls the run's step results into cost and timing totals.
// Only completed steps carry cost; failed steps still contribute their
// elapsed time so the caller sees where the run went.
func Summarize(state *RunState) Summary {
	summary := Summary{PerStep: make([]StepTiming, 0, len(state.Results))}
	totalCost := new(big.Int)

	for _, result := range state.Results {
		summary.Steps++
		duration := result.FinishedAt.Sub(result.StartedAt).Seconds()
		summary.TotalDurationSeconds += duration

		if result.Status == StepCompleted {
			summary.Completed++
			if cost, ok := new(big.Int).SetString(result.CostWei, 10); ok {
				totalCost.Add(totalCost, cost)
			}
		}
		summary.PerStep = append(summary.PerStep, StepTiming{
			StepID:          result.StepID,
			Status:          result.Status,
			CostWei:         result.CostWei,
			DurationSeconds: duration,
		})
	}

	summary.TotalCostWei = totalCost.String()
	return summary
}
