// Package selection picks a worker for a task from the discovered market
// view. Strategies are pure over their inputs except round_robin, which
// keeps a cursor per service type.
package selection

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/axonhive/axonhive-backend/internal/master/discovery"
)

var ErrNoEligibleWorker = errors.New("no eligible worker for service")

// Strategy names accepted by NewSelector.
const (
	StrategyReputation    = "reputation"
	StrategyCheapest      = "cheapest"
	StrategyRoundRobin    = "round_robin"
	StrategyDirect        = "direct"
	StrategyWeightedScore = "weighted_score"
)

// Candidate is an eligible worker/service pair.
type Candidate struct {
	Worker  discovery.WorkerView
	Service discovery.Service
}

// Request describes what the task needs from a worker.
type Request struct {
	ServiceType string
	Budget      *big.Int
	// MinReputation, when set, excludes workers below the floor.
	MinReputation *big.Int
	// PreferredWorker pins selection to one address (direct strategy, or
	// an explicit pipeline step assignment).
	PreferredWorker *common.Address
}

// Weights tunes the weighted_score strategy. Values are relative shares;
// scoring normalizes them, so {2, 1} and {0.66, 0.33} behave the same.
type Weights struct {
	Reputation float64
	Price      float64
}

// DefaultWeights balances reputation and price evenly.
var DefaultWeights = Weights{Reputation: 0.5, Price: 0.5}

func (w Weights) valid() bool {
	return w.Reputation >= 0 && w.Price >= 0 && w.Reputation+w.Price > 0
}

// Selector applies one named strategy over worker views.
type Selector struct {
	strategy string
	weights  Weights

	mu      sync.Mutex
	cursors map[string]int
}

func NewSelector(strategy string) (*Selector, error) {
	return NewWeightedSelector(strategy, DefaultWeights)
}

func NewWeightedSelector(strategy string, weights Weights) (*Selector, error) {
	switch strategy {
	case StrategyReputation, StrategyCheapest, StrategyRoundRobin, StrategyDirect, StrategyWeightedScore:
	default:
		return nil, fmt.Errorf("unknown selection strategy %q", strategy)
	}
	if !weights.valid() {
		return nil, fmt.Errorf("selection weights must be non-negative with a positive sum")
	}
	return &Selector{
		strategy: strategy,
		weights:  weights,
		cursors:  make(map[string]int),
	}, nil
}

// Select returns the chosen candidate or ErrNoEligibleWorker.
func (s *Selector) Select(workers []discovery.WorkerView, req Request) (Candidate, error) {
	// Direct selection trusts the caller's explicit choice: budget and
	// reputation filters do not apply, only existence and activity.
	if s.strategy == StrategyDirect {
		return pickDirect(workers, req)
	}

	candidates := eligible(workers, req)
	if len(candidates) == 0 {
		return Candidate{}, fmt.Errorf("%w: %s", ErrNoEligibleWorker, req.ServiceType)
	}

	switch s.strategy {
	case StrategyCheapest:
		return pickCheapest(candidates), nil
	case StrategyRoundRobin:
		return s.pickRoundRobin(req.ServiceType, candidates), nil
	case StrategyWeightedScore:
		return pickWeighted(candidates, s.weights), nil
	default:
		return pickByReputation(candidates), nil
	}
}

// eligible filters to active, reachable workers offering the service
// within budget, honoring a pinned preference.
func eligible(workers []discovery.WorkerView, req Request) []Candidate {
	var out []Candidate
	for _, worker := range workers {
		if !worker.IsActive || !worker.Reachable {
			continue
		}
		if req.PreferredWorker != nil && worker.Address != *req.PreferredWorker {
			continue
		}
		if req.MinReputation != nil && worker.Reputation.Cmp(req.MinReputation) < 0 {
			continue
		}
		service, ok := worker.OffersService(req.ServiceType)
		if !ok {
			continue
		}
		if req.Budget != nil && service.Price().Cmp(req.Budget) > 0 {
			continue
		}
		out = append(out, Candidate{Worker: worker, Service: service})
	}
	return out
}

// pickByReputation takes the highest reputation; ties go to the longer
// registered worker.
func pickByReputation(candidates []Candidate) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		switch c.Worker.Reputation.Cmp(best.Worker.Reputation) {
		case 1:
			best = c
		case 0:
			if c.Worker.RegistrationTime.Before(best.Worker.RegistrationTime) {
				best = c
			}
		}
	}
	return best
}

func pickCheapest(candidates []Candidate) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Service.Price().Cmp(best.Service.Price()) < 0 {
			best = c
		}
	}
	return best
}

func (s *Selector) pickRoundRobin(serviceType string, candidates []Candidate) Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.cursors[serviceType] % len(candidates)
	s.cursors[serviceType]++
	return candidates[idx]
}

// pickDirect returns the pinned worker if it exists, is active, and
// offers the service. Filters the other strategies apply are bypassed.
func pickDirect(workers []discovery.WorkerView, req Request) (Candidate, error) {
	if req.PreferredWorker == nil {
		return Candidate{}, fmt.Errorf("direct strategy requires a preferred worker")
	}
	for _, worker := range workers {
		if worker.Address != *req.PreferredWorker {
			continue
		}
		if !worker.IsActive {
			return Candidate{}, fmt.Errorf("%w: worker %s is not active",
				ErrNoEligibleWorker, worker.Address.Hex())
		}
		service, ok := worker.OffersService(req.ServiceType)
		if !ok {
			return Candidate{}, fmt.Errorf("%w: worker %s does not offer %q",
				ErrNoEligibleWorker, worker.Address.Hex(), req.ServiceType)
		}
		return Candidate{Worker: worker, Service: service}, nil
	}
	return Candidate{}, fmt.Errorf("%w: worker %s is not registered",
		ErrNoEligibleWorker, req.PreferredWorker.Hex())
}

// pickWeighted combines normalized reputation with inverse price:
// score = wR * rep/maxRep + wP * (minPrice+1)/(price+1). Highest score
// wins; ties break toward the first candidate.
func pickWeighted(candidates []Candidate, weights Weights) Candidate {
	total := weights.Reputation + weights.Price
	wRep := weights.Reputation / total
	wPrice := weights.Price / total

	maxRep := 0.0
	minPrice := asFloat(candidates[0].Service.Price())
	for _, c := range candidates {
		if rep := asFloat(c.Worker.Reputation); rep > maxRep {
			maxRep = rep
		}
		if price := asFloat(c.Service.Price()); price < minPrice {
			minPrice = price
		}
	}

	score := func(c Candidate) float64 {
		s := wPrice * (minPrice + 1) / (asFloat(c.Service.Price()) + 1)
		if maxRep > 0 {
			s += wRep * asFloat(c.Worker.Reputation) / maxRep
		}
		return s
	}

	best := candidates[0]
	bestScore := score(best)
	for _, c := range candidates[1:] {
		if s := score(c); s > bestScore {
			best = c
			bestScore = s
		}
	}
	return best
}

func asFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
