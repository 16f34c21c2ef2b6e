package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/engine"
)

func TestParseTarget_PeriodForm(t *testing.T) {
	f := NewTargetFactory()

	target, err := f.ParseTarget(`{
		"branch_id": "A",
		"period": "2024-06",
		"min_revenue": "5000000",
		"max_revenue": 8000000,
		"min_percentage": "20",
		"max_percentage": 40
	}`)
	require.NoError(t, err)

	assert.Equal(t, engine.BranchID("A"), target.BranchID)
	assert.Equal(t, 2024, target.Year)
	assert.Equal(t, 6, target.Month)
	assert.Equal(t, "5000000", target.MinRevenue.String())
	assert.Equal(t, "8000000", target.MaxRevenue.String())
	require.NotNil(t, target.MinPercentage)
	require.NotNil(t, target.MaxPercentage)
	assert.Equal(t, "20", target.MinPercentage.String())
	assert.Equal(t, "40", target.MaxPercentage.String())
}

func TestParseTarget_DefaultPercentagesStayNil(t *testing.T) {
	f := NewTargetFactory()

	target, err := f.ParseTarget(DefaultPercentagesTargetJSON("A", 2024, 6, "100", "200"))
	require.NoError(t, err)
	assert.Nil(t, target.MinPercentage)
	assert.Nil(t, target.MaxPercentage)
}

func TestParseTarget_Rejects(t *testing.T) {
	f := NewTargetFactory()

	cases := map[string]string{
		"malformed":           `{"branch_id": `,
		"min above max":       StandardTargetJSON("A", 2024, 6, "9", "8", "20", "40"),
		"percentage over 100": StandardTargetJSON("A", 2024, 6, "1", "2", "20", "140"),
		"negative percentage": StandardTargetJSON("A", 2024, 6, "1", "2", "-1", "40"),
		"month 13":            StandardTargetJSON("A", 2024, 13, "1", "2", "20", "40"),
		"no branch":           StandardTargetJSON("", 2024, 6, "1", "2", "20", "40"),
		"bad period":          `{"branch_id": "A", "period": "June 2024", "min_revenue": "1", "max_revenue": "2"}`,
		"period and month":    `{"branch_id": "A", "period": "2024-06", "month": 6, "min_revenue": "1", "max_revenue": "2"}`,
	}
	for name, js := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.ParseTarget(js)
			assert.ErrorIs(t, err, engine.ErrInvalidTarget)
			assert.True(t, engine.IsClientError(err))
		})
	}
}

func TestParsePlan_YearExpandsToTwelveMonths(t *testing.T) {
	f := NewTargetFactory()

	targets, err := f.ParsePlan(YearPlanJSON("A", 2024, "5000000", "8000000"))
	require.NoError(t, err)
	require.Len(t, targets, 12)
	for i, target := range targets {
		assert.Equal(t, 2024, target.Year)
		assert.Equal(t, i+1, target.Month)
		assert.Equal(t, "8000000", target.MaxRevenue.String())
	}
}

func TestParsePlan_CrossesYearBoundary(t *testing.T) {
	f := NewTargetFactory()

	targets, err := f.ParsePlan(`{"branch_id": "A", "from": "2024-11", "to": "2025-02", "min_revenue": "1", "max_revenue": "2"}`)
	require.NoError(t, err)
	require.Len(t, targets, 4)
	assert.Equal(t, [2]int{2024, 11}, [2]int{targets[0].Year, targets[0].Month})
	assert.Equal(t, [2]int{2025, 2}, [2]int{targets[3].Year, targets[3].Month})
}

func TestParsePlan_Rejects(t *testing.T) {
	f := NewTargetFactory()

	_, err := f.ParsePlan(`{"branch_id": "A", "from": "2024-06", "to": "2024-05", "min_revenue": "1", "max_revenue": "2"}`)
	assert.ErrorIs(t, err, engine.ErrInvalidTarget)

	_, err = f.ParsePlan(`{"branch_id": "A", "from": "2000-01", "to": "2024-12", "min_revenue": "1", "max_revenue": "2"}`)
	assert.ErrorIs(t, err, engine.ErrInvalidTarget)
}

func TestToJSON_RoundTripsThroughFromJSON(t *testing.T) {
	f := NewTargetFactory()

	original, err := f.ParseTarget(StandardTargetJSON("A", 2024, 6, "5000000", "8000000", "20", "40"))
	require.NoError(t, err)

	tj := f.ToJSON(*original)
	assert.Equal(t, "2024-06", tj.Period)

	again, err := f.FromJSON(tj)
	require.NoError(t, err)
	assert.Equal(t, original.Year, again.Year)
	assert.Equal(t, original.Month, again.Month)
	assert.True(t, original.MinRevenue.Equal(again.MinRevenue))
	assert.True(t, original.MaxPercentage.Equal(*again.MaxPercentage))
}
