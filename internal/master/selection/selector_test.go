package selection

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonhive/axonhive-backend/internal/master/discovery"
)

func worker(addr string, reputation int64, price string, services ...string) discovery.WorkerView {
	address := common.HexToAddress(addr)
	view := discovery.WorkerView{
		Address:    address,
		Reputation: big.NewInt(reputation),
		IsActive:   true,
		Reachable:  true,
	}
	for _, id := range services {
		view.Services = append(view.Services, discovery.Service{
			ServiceID: id,
			PriceWei:  price,
			Worker:    address,
		})
	}
	return view
}

func wei(s string) *big.Int {
	v, _ := new(big.Int).SetString(s, 10)
	return v
}

func TestCheapestRespectsBudget(t *testing.T) {
	selector, err := NewSelector(StrategyCheapest)
	require.NoError(t, err)

	workers := []discovery.WorkerView{
		worker("0x01", 50, "30000000000000000", "image-generation"),
		worker("0x02", 90, "10000000000000000", "image-generation"),
		worker("0x03", 10, "20000000000000000", "image-generation"),
	}

	chosen, err := selector.Select(workers, Request{
		ServiceType: "image-generation",
		Budget:      wei("20000000000000000"),
	})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x02"), chosen.Worker.Address)

	// Nobody under budget: no eligible worker, never an over-budget pick.
	_, err = selector.Select(workers, Request{
		ServiceType: "image-generation",
		Budget:      wei("1"),
	})
	assert.ErrorIs(t, err, ErrNoEligibleWorker)
}

func TestReputationPicksHighest(t *testing.T) {
	selector, err := NewSelector(StrategyReputation)
	require.NoError(t, err)

	chosen, err := selector.Select([]discovery.WorkerView{
		worker("0x01", 50, "1", "researcher"),
		worker("0x02", 90, "1", "researcher"),
	}, Request{ServiceType: "researcher"})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x02"), chosen.Worker.Address)
}

func TestRoundRobinCycles(t *testing.T) {
	selector, err := NewSelector(StrategyRoundRobin)
	require.NoError(t, err)

	workers := []discovery.WorkerView{
		worker("0x01", 1, "1", "researcher"),
		worker("0x02", 1, "1", "researcher"),
	}

	var picks []common.Address
	for i := 0; i < 4; i++ {
		chosen, err := selector.Select(workers, Request{ServiceType: "researcher"})
		require.NoError(t, err)
		picks = append(picks, chosen.Worker.Address)
	}
	assert.Equal(t, picks[0], picks[2])
	assert.Equal(t, picks[1], picks[3])
	assert.NotEqual(t, picks[0], picks[1])
}

func TestDirectPinsPreferredWorker(t *testing.T) {
	selector, err := NewSelector(StrategyDirect)
	require.NoError(t, err)

	preferred := common.HexToAddress("0x02")
	workers := []discovery.WorkerView{
		worker("0x01", 99, "1", "researcher"),
		worker("0x02", 1, "1", "researcher"),
	}

	chosen, err := selector.Select(workers, Request{
		ServiceType:     "researcher",
		PreferredWorker: &preferred,
	})
	require.NoError(t, err)
	assert.Equal(t, preferred, chosen.Worker.Address)

	// Preferred worker lacking the service: nothing eligible.
	_, err = selector.Select(workers, Request{
		ServiceType:     "image-generation",
		PreferredWorker: &preferred,
	})
	assert.ErrorIs(t, err, ErrNoEligibleWorker)
}

func TestWeightedScoreTradesReputationAgainstPrice(t *testing.T) {
	selector, err := NewSelector(StrategyWeightedScore)
	require.NoError(t, err)

	// Same reputation, cheaper wins.
	chosen, err := selector.Select([]discovery.WorkerView{
		worker("0x01", 50, "20000000000000000", "researcher"),
		worker("0x02", 50, "10000000000000000", "researcher"),
	}, Request{ServiceType: "researcher"})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x02"), chosen.Worker.Address)

	// Much higher reputation beats a small price edge.
	chosen, err = selector.Select([]discovery.WorkerView{
		worker("0x01", 500, "11000000000000000", "researcher"),
		worker("0x02", 10, "10000000000000000", "researcher"),
	}, Request{ServiceType: "researcher"})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x01"), chosen.Worker.Address)
}

func TestInactiveAndUnreachableExcluded(t *testing.T) {
	selector, err := NewSelector(StrategyReputation)
	require.NoError(t, err)

	inactive := worker("0x01", 99, "1", "researcher")
	inactive.IsActive = false
	unreachable := worker("0x02", 98, "1", "researcher")
	unreachable.Reachable = false

	_, err = selector.Select([]discovery.WorkerView{inactive, unreachable}, Request{ServiceType: "researcher"})
	assert.ErrorIs(t, err, ErrNoEligibleWorker)
}

func TestUnknownStrategyRejected(t *testing.T) {
	_, err := NewSelector("lowest-latency")
	assert.Error(t, err)
}

func TestReputationTieBreaksOnRegistrationTime(t *testing.T) {
	selector, err := NewSelector(StrategyReputation)
	require.NoError(t, err)

	young := worker("0x01", 80, "1", "researcher")
	young.RegistrationTime = time.Now().Add(-time.Hour)
	veteran := worker("0x02", 80, "1", "researcher")
	veteran.RegistrationTime = time.Now().Add(-24 * time.Hour)

	chosen, err := selector.Select([]discovery.WorkerView{young, veteran}, Request{
		ServiceType: "researcher",
	})
	require.NoError(t, err)
	assert.Equal(t, veteran.Address, chosen.Worker.Address)
}

func TestMinReputationFilter(t *testing.T) {
	selector, err := NewSelector(StrategyCheapest)
	require.NoError(t, err)

	workers := []discovery.WorkerView{
		worker("0x01", 10, "1", "researcher"),
		worker("0x02", 90, "5", "researcher"),
	}

	chosen, err := selector.Select(workers, Request{
		ServiceType:   "researcher",
		MinReputation: big.NewInt(50),
	})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x02"), chosen.Worker.Address)

	_, err = selector.Select(workers, Request{
		ServiceType:   "researcher",
		MinReputation: big.NewInt(100),
	})
	assert.ErrorIs(t, err, ErrNoEligibleWorker)
}

func TestDirectBypassesBudgetAndReputationFilters(t *testing.T) {
	selector, err := NewSelector(StrategyDirect)
	require.NoError(t, err)

	preferred := common.HexToAddress("0x01")
	workers := []discovery.WorkerView{
		worker("0x01", 5, "30000000000000000", "researcher"),
	}

	// The pinned worker is over budget and under the reputation floor;
	// direct selection trusts the caller and picks it anyway.
	chosen, err := selector.Select(workers, Request{
		ServiceType:     "researcher",
		Budget:          wei("1"),
		MinReputation:   big.NewInt(50),
		PreferredWorker: &preferred,
	})
	require.NoError(t, err)
	assert.Equal(t, preferred, chosen.Worker.Address)

	// Inactivity is the one thing direct does not forgive.
	inactive := worker("0x01", 5, "1", "researcher")
	inactive.IsActive = false
	_, err = selector.Select([]discovery.WorkerView{inactive}, Request{
		ServiceType:     "researcher",
		PreferredWorker: &preferred,
	})
	assert.ErrorIs(t, err, ErrNoEligibleWorker)

	_, err = selector.Select(workers, Request{ServiceType: "researcher"})
	assert.Error(t, err, "direct without a preferred worker has nothing to pick")
}

func TestWeightedScoreHonorsConfiguredWeights(t *testing.T) {
	expensive := worker("0x01", 100, "50000000000000000", "researcher")
	cheap := worker("0x02", 10, "10000000000000000", "researcher")
	workers := []discovery.WorkerView{expensive, cheap}

	repHeavy, err := NewWeightedSelector(StrategyWeightedScore, Weights{Reputation: 1, Price: 0})
	require.NoError(t, err)
	chosen, err := repHeavy.Select(workers, Request{ServiceType: "researcher"})
	require.NoError(t, err)
	assert.Equal(t, expensive.Address, chosen.Worker.Address)

	priceHeavy, err := NewWeightedSelector(StrategyWeightedScore, Weights{Reputation: 0, Price: 1})
	require.NoError(t, err)
	chosen, err = priceHeavy.Select(workers, Request{ServiceType: "researcher"})
	require.NoError(t, err)
	assert.Equal(t, cheap.Address, chosen.Worker.Address)

	_, err = NewWeightedSelector(StrategyWeightedScore, Weights{})
	assert.Error(t, err)
	_, err = NewWeightedSelector(StrategyWeightedScore, Weights{Reputation: -1, Price: 2})
	assert.Error(t, err)
}
