package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/engine"
)

func TestSelectTier_Boundaries(t *testing.T) {
	tests := []struct {
		total     string
		min, max  string
		wantLevel engine.TierLevel
		wantPct   string
	}{
		{"999999.99", "1000000", "2000000", engine.TierNone, "0"},
		{"1000000", "1000000", "2000000", engine.TierMin, "20"},
		{"1999999.99", "1000000", "2000000", engine.TierMin, "20"},
		{"2000000", "1000000", "2000000", engine.TierMax, "40"},
		{"9000000", "1000000", "2000000", engine.TierMax, "40"},
		{"9000000", "0", "0", engine.TierNone, "0"},
		{"9000000", "1000000", "0", engine.TierMin, "20"},
		{"9000000", "0", "2000000", engine.TierMax, "40"},
	}
	for _, tt := range tests {
		t.Run(tt.total+"/"+tt.min+"/"+tt.max, func(t *testing.T) {
			level, pct := engine.SelectTier(dec(tt.total), dec(tt.min), dec(tt.max), dec("20"), dec("40"))
			assert.Equal(t, tt.wantLevel, level)
			assertDecimal(t, tt.wantPct, pct)
		})
	}
}

func TestResolveTier_NoRevenue(t *testing.T) {
	f := newFixture(t)
	f.standardBranch()

	_, err := f.eng.ResolveTier(f.ctx, "A", date("2024-06-10"))
	assert.ErrorIs(t, err, engine.ErrNoRevenue)

	f.revenue("A", "2024-06-11", "0", "0")
	_, err = f.eng.ResolveTier(f.ctx, "A", date("2024-06-11"))
	assert.ErrorIs(t, err, engine.ErrNoRevenue)
}

func TestResolveTier_MonthlyTargetThresholds(t *testing.T) {
	// GIVEN: June target 5M / 8M and revenue of 7M + 3M
	// WHEN: Resolving the tier
	// THEN: Max tier at 40%, thresholds from the monthly target

	f := newFixture(t)
	f.standardBranch()
	f.revenue("A", "2024-06-10", "7000000", "3000000")

	tier, err := f.eng.ResolveTier(f.ctx, "A", date("2024-06-10"))
	require.NoError(t, err)
	assert.Equal(t, engine.TierMax, tier.Level)
	assert.Equal(t, engine.ThresholdsFromTarget, tier.Source)
	assertDecimal(t, "10000000", tier.Total)
	assertDecimal(t, "40", tier.Percentage)
	assertDecimal(t, "4000000", tier.Pool())
}

func TestResolveTier_SnapshotWinsOverTarget(t *testing.T) {
	// GIVEN: Revenue captured with thresholds 12M / 15M, target now 5M / 8M
	// WHEN: Resolving the tier
	// THEN: The snapshot keeps the day below the min tier

	f := newFixture(t)
	f.standardBranch()
	f.session(func(s engine.Session) error {
		return s.SaveRevenue(f.ctx, engine.Revenue{
			BranchID:    "A",
			Date:        date("2024-06-10"),
			Cash:        dec("10000000"),
			SnapshotMin: dec("12000000"),
			SnapshotMax: dec("15000000"),
		})
	})

	tier, err := f.eng.ResolveTier(f.ctx, "A", date("2024-06-10"))
	require.NoError(t, err)
	assert.Equal(t, engine.ThresholdsFromSnapshot, tier.Source)
	assert.Equal(t, engine.TierNone, tier.Level)
	assertDecimal(t, "0", tier.Percentage)
}

func TestResolveTier_PercentagesFallBackToBranchDefaults(t *testing.T) {
	// GIVEN: Target without percentages, branch defaults 25% / 45%
	// WHEN: Resolving a min-tier day
	// THEN: The branch min percentage applies

	f := newFixture(t)
	f.branch(engine.Branch{
		ID:                   "A",
		DefaultMinPercentage: decPtr("25"),
		DefaultMaxPercentage: decPtr("45"),
	})
	f.target(engine.MonthlyTarget{
		BranchID: "A", Year: 2024, Month: 6,
		MinRevenue: dec("5000000"), MaxRevenue: dec("8000000"),
	})
	f.revenue("A", "2024-06-10", "6000000", "0")

	tier, err := f.eng.ResolveTier(f.ctx, "A", date("2024-06-10"))
	require.NoError(t, err)
	assert.Equal(t, engine.TierMin, tier.Level)
	assertDecimal(t, "25", tier.Percentage)
	assertDecimal(t, "45", tier.MaxPercentage)
}

func TestResolveTier_PercentagesFallBackToSystemDefaults(t *testing.T) {
	f := newFixture(t)
	f.plainBranch("A")
	f.target(engine.MonthlyTarget{
		BranchID: "A", Year: 2024, Month: 6,
		MinRevenue: dec("5000000"), MaxRevenue: dec("8000000"),
		MaxPercentage: decPtr("35"),
	})
	f.revenue("A", "2024-06-10", "6000000", "0")

	tier, err := f.eng.ResolveTier(f.ctx, "A", date("2024-06-10"))
	require.NoError(t, err)
	assertDecimal(t, "20", tier.MinPercentage)
	assertDecimal(t, "35", tier.MaxPercentage)
	assertDecimal(t, "20", tier.Percentage)
}

func TestResolveTier_NoThresholdsAnywhere(t *testing.T) {
	f := newFixture(t)
	f.plainBranch("A")
	f.revenue("A", "2024-06-10", "6000000", "0")

	tier, err := f.eng.ResolveTier(f.ctx, "A", date("2024-06-10"))
	require.NoError(t, err)
	assert.Equal(t, engine.ThresholdsNone, tier.Source)
	assert.Equal(t, engine.TierNone, tier.Level)
	assertDecimal(t, "0", tier.Pool())
}

func TestValidateTarget_RejectsUnstorablePrecision(t *testing.T) {
	base := engine.MonthlyTarget{
		BranchID: "A", Year: 2024, Month: 6,
		MinRevenue: dec("5000000"), MaxRevenue: dec("8000000.50"),
		MinPercentage: decPtr("12.5"), MaxPercentage: decPtr("33.33"),
	}
	require.NoError(t, engine.ValidateTarget(base))

	pct := base
	pct.MaxPercentage = decPtr("33.333")
	assert.ErrorIs(t, engine.ValidateTarget(pct), engine.ErrInvalidTarget)

	money := base
	money.MinRevenue = dec("5000000.001")
	assert.ErrorIs(t, engine.ValidateTarget(money), engine.ErrInvalidTarget)
}

func TestValidateRevenue_RejectsFractionsOfACent(t *testing.T) {
	ok := engine.Revenue{BranchID: "A", Date: date("2024-06-10"), Cash: dec("100.25"), Receivables: dec("0.10")}
	require.NoError(t, engine.ValidateRevenue(ok))

	precise := ok
	precise.Receivables = dec("0.105")
	assert.ErrorIs(t, engine.ValidateRevenue(precise), engine.ErrInvalidRevenue)
}
