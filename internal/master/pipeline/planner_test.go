package pipeline

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonhive/axonhive-backend/internal/master/discovery"
)

func direct(value string) InputMapping {
	return InputMapping{Kind: MappingDirect, Value: json.RawMessage(value)}
}

func fromPrevious(source, field string) InputMapping {
	return InputMapping{Kind: MappingFromPrevious, SourceStepID: source, SourceField: field}
}

func TestBuildPlanOrdersByDependencies(t *testing.T) {
	// Declared out of order on purpose.
	plan, err := BuildPlan([]StepSpec{
		{StepID: "image", ServiceType: "image-generation", InputMapping: fromPrevious("summary", "text")},
		{StepID: "research", ServiceType: "researcher", InputMapping: direct(`{"topic":"solar"}`)},
		{StepID: "summary", ServiceType: "summary-generation", InputMapping: fromPrevious("research", "")},
	})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)

	order := map[string]int{}
	for _, step := range plan.Steps {
		order[step.StepID] = step.Order
	}
	assert.Less(t, order["research"], order["summary"])
	assert.Less(t, order["summary"], order["image"])

	// Order strictly increases along the sorted slice.
	for i, step := range plan.Steps {
		assert.Equal(t, i, step.Order)
		assert.Equal(t, StepPending, step.Status)
	}
	assert.Equal(t, PlanPending, plan.Status)
}

func TestBuildPlanRejectsCycle(t *testing.T) {
	_, err := BuildPlan([]StepSpec{
		{StepID: "a", ServiceType: "x", InputMapping: fromPrevious("b", "")},
		{StepID: "b", ServiceType: "y", InputMapping: fromPrevious("a", "")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestBuildPlanRejectsSelfDependency(t *testing.T) {
	_, err := BuildPlan([]StepSpec{
		{StepID: "a", ServiceType: "x", InputMapping: fromPrevious("a", "")},
	})
	assert.Error(t, err)
}

func TestBuildPlanRejectsUnknownReference(t *testing.T) {
	_, err := BuildPlan([]StepSpec{
		{StepID: "a", ServiceType: "x", InputMapping: fromPrevious("ghost", "")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step")
}

func TestBuildPlanRejectsDuplicateIDs(t *testing.T) {
	_, err := BuildPlan([]StepSpec{
		{StepID: "a", ServiceType: "x", InputMapping: direct(`{}`)},
		{StepID: "a", ServiceType: "y", InputMapping: direct(`{}`)},
	})
	assert.Error(t, err)
}

func TestBuildPlanValidatesMappings(t *testing.T) {
	cases := map[string]InputMapping{
		"direct without value":          {Kind: MappingDirect},
		"from_previous without source":  {Kind: MappingFromPrevious},
		"merge without sources":         {Kind: MappingMerge},
		"transform without name":        {Kind: MappingTransform, SourceStepID: "a"},
		"unknown kind":                  {Kind: "broadcast"},
	}
	for name, mapping := range cases {
		specs := []StepSpec{
			{StepID: "a", ServiceType: "x", InputMapping: direct(`{}`)},
			{StepID: "b", ServiceType: "y", InputMapping: mapping},
		}
		_, err := BuildPlan(specs)
		assert.Error(t, err, name)
	}
}

func TestBuildPlanMergeDependencies(t *testing.T) {
	plan, err := BuildPlan([]StepSpec{
		{StepID: "combine", ServiceType: "summary-generation", InputMapping: InputMapping{
			Kind: MappingMerge,
			Sources: []SourceRef{
				{SourceStepID: "left", TargetField: "first"},
				{SourceStepID: "right", TargetField: "second"},
			},
		}},
		{StepID: "left", ServiceType: "researcher", InputMapping: direct(`{}`)},
		{StepID: "right", ServiceType: "researcher", InputMapping: direct(`{}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, "combine", plan.Steps[2].StepID)
}

func TestBuildPlanEmpty(t *testing.T) {
	_, err := BuildPlan(nil)
	assert.Error(t, err)
}

func marketSummary() *discovery.CapabilitySummary {
	return &discovery.CapabilitySummary{
		Services: []discovery.Service{
			{ServiceID: "researcher", PriceWei: "200", Worker: common.HexToAddress("0x01"), Endpoint: "http://a:9201"},
			{ServiceID: "researcher", PriceWei: "100", Worker: common.HexToAddress("0x02"), Endpoint: "http://b:9201"},
			{ServiceID: "image-generation", PriceWei: "300", Worker: common.HexToAddress("0x01"), Endpoint: "http://a:9201"},
		},
		AvailableServiceTypes: []string{"image-generation", "researcher"},
	}
}

func TestBindPlanPicksCheapestProvider(t *testing.T) {
	plan, err := BuildPlan([]StepSpec{
		{StepID: "research", ServiceType: "researcher", InputMapping: direct(`{"topic":"solar"}`)},
	})
	require.NoError(t, err)

	require.NoError(t, BindPlan(plan, marketSummary(), nil))
	step := plan.Steps[0]
	require.NotNil(t, step.AssignedWorker)
	assert.Equal(t, common.HexToAddress("0x02"), *step.AssignedWorker)
	assert.Equal(t, "http://b:9201", step.WorkerEndpoint)
	assert.Equal(t, "100", step.BudgetWei)
}

func TestBindPlanHonorsPinnedWorker(t *testing.T) {
	pinned := common.HexToAddress("0x01")
	plan, err := BuildPlan([]StepSpec{
		{StepID: "research", ServiceType: "researcher", AssignedWorker: &pinned, InputMapping: direct(`{}`)},
	})
	require.NoError(t, err)

	require.NoError(t, BindPlan(plan, marketSummary(), nil))
	assert.Equal(t, "200", plan.Steps[0].BudgetWei, "pinned worker's own price, not the market's cheapest")

	// Pinned worker without the service fails binding.
	stranger := common.HexToAddress("0x99")
	plan, err = BuildPlan([]StepSpec{
		{StepID: "research", ServiceType: "researcher", AssignedWorker: &stranger, InputMapping: direct(`{}`)},
	})
	require.NoError(t, err)
	assert.Error(t, BindPlan(plan, marketSummary(), nil))
}

func TestBindPlanRejectsUnservedTypeAndBlownBudget(t *testing.T) {
	plan, err := BuildPlan([]StepSpec{
		{StepID: "audio", ServiceType: "audio-synthesis", InputMapping: direct(`{}`)},
	})
	require.NoError(t, err)
	err = BindPlan(plan, marketSummary(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no provider")

	plan, err = BuildPlan([]StepSpec{
		{StepID: "research", ServiceType: "researcher", InputMapping: direct(`{}`)},
		{StepID: "image", ServiceType: "image-generation", InputMapping: fromPrevious("research", "")},
	})
	require.NoError(t, err)
	assert.Error(t, BindPlan(plan, marketSummary(), big.NewInt(350)), "100 + 300 exceeds 350")
	require.NoError(t, BindPlan(plan, marketSummary(), big.NewInt(400)))
}
