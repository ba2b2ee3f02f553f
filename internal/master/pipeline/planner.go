package pipeline

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/axonhive/axonhive-backend/internal/master/discovery"
)

// BuildPlan validates the step specs, topologically sorts them by their
// input-mapping dependencies, and assigns strictly increasing order
// numbers. Any cycle or dangling reference fails the whole plan: there is
// no partial plan.
func BuildPlan(specs []StepSpec) (*ExecutionPlan, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}

	byID := make(map[string]StepSpec, len(specs))
	for _, spec := range specs {
		if spec.StepID == "" {
			return nil, fmt.Errorf("step missing step_id")
		}
		if spec.ServiceType == "" {
			return nil, fmt.Errorf("step %s missing service_type", spec.StepID)
		}
		if _, dup := byID[spec.StepID]; dup {
			return nil, fmt.Errorf("duplicate step_id %s", spec.StepID)
		}
		if err := spec.InputMapping.validate(); err != nil {
			return nil, fmt.Errorf("step %s: %w", spec.StepID, err)
		}
		byID[spec.StepID] = spec
	}

	// Kahn's algorithm over the dependency edges, with deterministic
	// tie-breaking on declared position.
	position := make(map[string]int, len(specs))
	for idx, spec := range specs {
		position[spec.StepID] = idx
	}

	inDegree := make(map[string]int, len(specs))
	dependents := make(map[string][]string, len(specs))
	for _, spec := range specs {
		for _, dep := range spec.InputMapping.dependencies() {
			if _, known := byID[dep]; !known {
				return nil, fmt.Errorf("step %s references unknown step %s", spec.StepID, dep)
			}
			if dep == spec.StepID {
				return nil, fmt.Errorf("step %s depends on itself", spec.StepID)
			}
			inDegree[spec.StepID]++
			dependents[dep] = append(dependents[dep], spec.StepID)
		}
	}

	var ready []string
	for _, spec := range specs {
		if inDegree[spec.StepID] == 0 {
			ready = append(ready, spec.StepID)
		}
	}

	ordered := make([]Step, 0, len(specs))
	for len(ready) > 0 {
		sort.Slice(ready, func(a, b int) bool {
			return position[ready[a]] < position[ready[b]]
		})
		id := ready[0]
		ready = ready[1:]

		ordered = append(ordered, Step{
			StepSpec: byID[id],
			Order:    len(ordered),
			Status:   StepPending,
		})

		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(ordered) != len(specs) {
		return nil, fmt.Errorf("step graph has a cycle")
	}

	return &ExecutionPlan{
		PlanID: newPlanID(),
		Steps:  ordered,
		Status: PlanPending,
	}, nil
}

// BindPlan resolves each step against the advertised market: steps
// without an assigned worker get the cheapest provider of their service
// type, and empty per-step budgets default to the bound provider's
// price. Fails when a service type has no provider, a pinned worker
// does not offer the service, or the summed step prices exceed
// totalBudget (nil disables the cap).
func BindPlan(plan *ExecutionPlan, summary *discovery.CapabilitySummary, totalBudget *big.Int) error {
	total := new(big.Int)
	for i := range plan.Steps {
		step := &plan.Steps[i]

		service, ok := findProvider(summary, step.ServiceType, step.AssignedWorker)
		if !ok {
			if step.AssignedWorker != nil {
				return fmt.Errorf("worker %s does not offer service %q",
					step.AssignedWorker.Hex(), step.ServiceType)
			}
			return fmt.Errorf("no provider for service %q", step.ServiceType)
		}
		if step.AssignedWorker == nil {
			worker := service.Worker
			step.AssignedWorker = &worker
		}
		if step.WorkerEndpoint == "" {
			step.WorkerEndpoint = service.Endpoint
		}
		if step.BudgetWei == "" {
			step.BudgetWei = service.PriceWei
		}

		price, ok := new(big.Int).SetString(step.BudgetWei, 10)
		if !ok {
			return fmt.Errorf("step %s has malformed budget %q", step.StepID, step.BudgetWei)
		}
		total.Add(total, price)
	}

	if totalBudget != nil && total.Cmp(totalBudget) > 0 {
		return fmt.Errorf("plan cost %s wei exceeds budget %s wei", total, totalBudget)
	}
	return nil
}

// findProvider picks the cheapest advertised provider for a service, or
// the pinned worker's own listing when one is set.
func findProvider(summary *discovery.CapabilitySummary, serviceType string, pinned *common.Address) (discovery.Service, bool) {
	var best discovery.Service
	found := false
	for _, service := range summary.Services {
		if service.ServiceID != serviceType {
			continue
		}
		if pinned != nil {
			if service.Worker == *pinned {
				return service, true
			}
			continue
		}
		if !found || service.Price().Cmp(best.Price()) < 0 {
			best = service
			found = true
		}
	}
	return best, found
}

func newPlanID() common.Hash {
	var id common.Hash
	_, _ = rand.Read(id[:])
	return id
}
