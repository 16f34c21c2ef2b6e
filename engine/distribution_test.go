package engine_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/engine"
)

// distribute runs one Distribute in its own committed transaction.
func (f *fixture) distribute(branch, day string) *engine.DistributionOutcome {
	f.t.Helper()
	var outcome *engine.DistributionOutcome
	f.session(func(s engine.Session) error {
		var err error
		outcome, err = (&engine.Distributor{Store: s}).Distribute(context.Background(), engine.BranchID(branch), date(day))
		return err
	})
	return outcome
}

// =============================================================================
// POOL SPLIT TESTS
// =============================================================================

func TestDistribute_MaxTierSplitByShare(t *testing.T) {
	// GIVEN: Revenue 7M cash + 3M receivables, target 5M / 8M at 20% / 40%,
	//        Alice 0.6 and Bob 0.4, both present
	// WHEN: Distributing the day
	// THEN: Pool 4,000,000, Alice 2,400,000, Bob 1,600,000

	f := newFixture(t)
	f.standardBranch()
	f.sales("alice", "bob")
	f.assign("alice", "A", "2024-06-01", "0.6")
	f.assign("bob", "A", "2024-06-01", "0.4")
	f.revenue("A", "2024-06-10", "7000000", "3000000")

	outcome := f.distribute("A", "2024-06-10")
	assert.Equal(t, engine.StatusComputed, outcome.Status)
	assertDecimal(t, "4000000", outcome.Pool)
	assert.False(t, outcome.Redistributed)

	rows := f.allCommissions()
	require.Len(t, rows, 2)
	alice := amountOf(t, rows, "alice")
	assertDecimal(t, "2400000", alice.Amount)
	assertDecimal(t, "40", alice.Percentage)
	assertDecimal(t, "0.6", alice.AppliedShare)
	assertDecimal(t, "1600000", amountOf(t, rows, "bob").Amount)
}

func TestDistribute_AttendanceScalesWithoutRedistribution(t *testing.T) {
	// GIVEN: Alice half day, Bob present (both present, no redistribution)
	// WHEN: Distributing
	// THEN: Alice 4M * 0.6 * 0.5, Bob 4M * 0.4

	f := newFixture(t)
	f.standardBranch()
	f.sales("alice", "bob")
	f.assign("alice", "A", "2024-06-01", "0.6")
	f.assign("bob", "A", "2024-06-01", "0.4")
	f.revenue("A", "2024-06-10", "10000000", "0")
	f.attend("alice", "A", "2024-06-10", "0.5")

	outcome := f.distribute("A", "2024-06-10")
	assert.False(t, outcome.Redistributed)

	rows := f.allCommissions()
	assertDecimal(t, "1200000", amountOf(t, rows, "alice").Amount)
	assertDecimal(t, "1600000", amountOf(t, rows, "bob").Amount)
}

func TestDistribute_MinTier(t *testing.T) {
	f := newFixture(t)
	f.standardBranch()
	f.sales("alice")
	f.assign("alice", "A", "2024-06-01", "1")
	f.revenue("A", "2024-06-10", "6000000", "0")

	f.distribute("A", "2024-06-10")
	rows := f.allCommissions()
	require.Len(t, rows, 1)
	assertDecimal(t, "1200000", rows[0].Amount)
	assertDecimal(t, "20", rows[0].Percentage)
}

func TestDistribute_RoundsToCents(t *testing.T) {
	// GIVEN: Pool 400,000.40 and a share of 0.333
	// THEN: 133,200.13 (rounded half away from zero to 2 places)

	f := newFixture(t)
	f.plainBranch("A")
	f.target(engine.MonthlyTarget{
		BranchID: "A", Year: 2024, Month: 6,
		MinRevenue: dec("500000"), MaxRevenue: dec("800000"),
	})
	f.sales("alice")
	f.assign("alice", "A", "2024-06-01", "0.333")
	f.revenue("A", "2024-06-10", "1000001", "0")

	outcome := f.distribute("A", "2024-06-10")
	assertDecimal(t, "400000.4", outcome.Pool)
	assertDecimal(t, "133200.13", f.allCommissions()[0].Amount)
}

// =============================================================================
// REDISTRIBUTION TESTS
// =============================================================================

func TestDistribute_Redistribution_HalfShareTakesFullPool(t *testing.T) {
	// GIVEN: Alice and Bob at 0.5 each, Bob absent
	// WHEN: Distributing
	// THEN: Alice receives the full pool, Bob zero, both rows flagged

	f := newFixture(t)
	f.standardBranch()
	f.sales("alice", "bob")
	f.assign("alice", "A", "2024-06-01", "0.5")
	f.assign("bob", "A", "2024-06-01", "0.5")
	f.revenue("A", "2024-06-10", "10000000", "0")
	f.attend("bob", "A", "2024-06-10", "0")

	outcome := f.distribute("A", "2024-06-10")
	assert.True(t, outcome.Redistributed)

	rows := f.allCommissions()
	alice := amountOf(t, rows, "alice")
	bob := amountOf(t, rows, "bob")
	assertDecimal(t, "4000000", alice.Amount)
	assertDecimal(t, "1", alice.AppliedShare)
	assertDecimal(t, "0.5", alice.NominalShare)
	assertDecimal(t, "0", bob.Amount)
	assert.True(t, alice.Redistributed)
	assert.True(t, bob.Redistributed)
}

func TestDistribute_Redistribution_SmallShareTakesHalfPool(t *testing.T) {
	// GIVEN: Alice 0.75 absent, Bob 0.25 present
	// THEN: Bob receives half the pool

	f := newFixture(t)
	f.standardBranch()
	f.sales("alice", "bob")
	f.assign("alice", "A", "2024-06-01", "0.75")
	f.assign("bob", "A", "2024-06-01", "0.25")
	f.revenue("A", "2024-06-10", "10000000", "0")
	f.attend("alice", "A", "2024-06-10", "0")

	f.distribute("A", "2024-06-10")
	rows := f.allCommissions()
	assertDecimal(t, "2000000", amountOf(t, rows, "bob").Amount)
	assertDecimal(t, "0.5", amountOf(t, rows, "bob").AppliedShare)
	assertDecimal(t, "0", amountOf(t, rows, "alice").Amount)
}

func TestDistribute_Redistribution_PresentHalfDayStillScaled(t *testing.T) {
	// GIVEN: Alice 0.6 on a half day, Bob 0.4 absent
	// THEN: Alice takes the full pool times her 0.5 multiplier

	f := newFixture(t)
	f.standardBranch()
	f.sales("alice", "bob")
	f.assign("alice", "A", "2024-06-01", "0.6")
	f.assign("bob", "A", "2024-06-01", "0.4")
	f.revenue("A", "2024-06-10", "10000000", "0")
	f.attend("alice", "A", "2024-06-10", "0.5")
	f.attend("bob", "A", "2024-06-10", "0")

	f.distribute("A", "2024-06-10")
	assertDecimal(t, "2000000", amountOf(t, f.allCommissions(), "alice").Amount)
}

func TestAppliedShares_OnlyForExactlyTwoWithOnePresent(t *testing.T) {
	present, absent := dec("1"), dec("0")
	tests := []struct {
		name      string
		assignees []engine.Assignee
		want      []string
	}{
		{
			name: "single absent",
			assignees: []engine.Assignee{
				{UserID: "a", Share: dec("1"), Attendance: absent},
			},
			want: []string{"1"},
		},
		{
			name: "two both absent",
			assignees: []engine.Assignee{
				{UserID: "a", Share: dec("0.5"), Attendance: absent},
				{UserID: "b", Share: dec("0.5"), Attendance: absent},
			},
			want: []string{"0.5", "0.5"},
		},
		{
			name: "two both present",
			assignees: []engine.Assignee{
				{UserID: "a", Share: dec("0.5"), Attendance: present},
				{UserID: "b", Share: dec("0.5"), Attendance: present},
			},
			want: []string{"0.5", "0.5"},
		},
		{
			name: "three one absent",
			assignees: []engine.Assignee{
				{UserID: "a", Share: dec("0.4"), Attendance: present},
				{UserID: "b", Share: dec("0.3"), Attendance: present},
				{UserID: "c", Share: dec("0.3"), Attendance: absent},
			},
			want: []string{"0.4", "0.3", "0.3"},
		},
		{
			name: "two one present at exactly half",
			assignees: []engine.Assignee{
				{UserID: "a", Share: dec("0.5"), Attendance: present},
				{UserID: "b", Share: dec("0.5"), Attendance: absent},
			},
			want: []string{"1", "0.5"},
		},
		{
			name: "two one present below half",
			assignees: []engine.Assignee{
				{UserID: "a", Share: dec("0.49"), Attendance: present},
				{UserID: "b", Share: dec("0.51"), Attendance: absent},
			},
			want: []string{"0.5", "0.51"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.AppliedShares(tt.assignees)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assertDecimal(t, tt.want[i], got[i], "assignee %d", i)
			}
		})
	}
}

// =============================================================================
// SKIP & IDEMPOTENCY TESTS
// =============================================================================

func TestDistribute_NoRevenueIsASkip(t *testing.T) {
	f := newFixture(t)
	f.standardBranch()
	f.sales("alice")
	f.assign("alice", "A", "2024-06-01", "1")

	outcome := f.distribute("A", "2024-06-10")
	assert.Equal(t, engine.StatusNoRevenue, outcome.Status)
	assert.True(t, outcome.Skipped())
	assert.Empty(t, f.allCommissions())
}

func TestDistribute_NoAssigneesIsASkip(t *testing.T) {
	f := newFixture(t)
	f.standardBranch()
	f.revenue("A", "2024-06-10", "10000000", "0")

	outcome := f.distribute("A", "2024-06-10")
	assert.Equal(t, engine.StatusNoAssignees, outcome.Status)
	require.NotNil(t, outcome.Tier)
	assert.Empty(t, f.allCommissions())
}

func TestDistribute_Idempotent(t *testing.T) {
	// GIVEN: A computed day
	// WHEN: Distributing again without changing inputs
	// THEN: Stored rows are identical

	f := newFixture(t)
	f.standardBranch()
	f.sales("alice", "bob")
	f.assign("alice", "A", "2024-06-01", "0.5")
	f.assign("bob", "A", "2024-06-01", "0.5")
	f.revenue("A", "2024-06-10", "10000000", "0")
	f.attend("bob", "A", "2024-06-10", "0")

	f.distribute("A", "2024-06-10")
	first := digest(f.allCommissions())
	f.distribute("A", "2024-06-10")
	second := digest(f.allCommissions())

	assert.Equal(t, first, second)
}

func TestDistribute_InputsSnapshot(t *testing.T) {
	f := newFixture(t)
	f.standardBranch()
	f.sales("alice")
	f.assign("alice", "A", "2024-06-01", "1")
	f.revenue("A", "2024-06-10", "7000000", "3000000")

	f.distribute("A", "2024-06-10")
	rows := f.allCommissions()
	require.Len(t, rows, 1)

	var inputs struct {
		Revenue         string `json:"revenue"`
		ThresholdSource string `json:"threshold_source"`
		Tier            string `json:"tier"`
		Pool            string `json:"pool"`
		Assignees       []struct {
			UserID string `json:"user_id"`
			Share  string `json:"share"`
		} `json:"assignees"`
	}
	require.NoError(t, json.Unmarshal([]byte(rows[0].Inputs), &inputs))
	assert.Equal(t, "10000000", inputs.Revenue)
	assert.Equal(t, "monthly_target", inputs.ThresholdSource)
	assert.Equal(t, "max", inputs.Tier)
	assert.Equal(t, "4000000", inputs.Pool)
	require.Len(t, inputs.Assignees, 1)
	assert.Equal(t, "alice", inputs.Assignees[0].UserID)
}
