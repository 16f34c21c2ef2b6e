package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/engine"
)

// =============================================================================
// FAILURE INJECTION
// =============================================================================

var errInjected = errors.New("injected write failure")

// failingStore fails every commission write into the listed branches.
type failingStore struct {
	inner    engine.TxStore
	branches map[engine.BranchID]bool
}

func (fs *failingStore) WithTx(ctx context.Context, fn func(engine.Session) error) error {
	return fs.inner.WithTx(ctx, func(s engine.Session) error {
		return fn(&failingSession{Session: s, branches: fs.branches})
	})
}

type failingSession struct {
	engine.Session
	branches map[engine.BranchID]bool
}

func (s *failingSession) UpsertCommission(ctx context.Context, c engine.Commission) error {
	if s.branches[c.BranchID] {
		return errInjected
	}
	return s.Session.UpsertCommission(ctx, c)
}

// recordingObserver counts engine callbacks.
type recordingObserver struct {
	mu       sync.Mutex
	statuses map[engine.DistributionStatus]int
	ops      map[string]int
	failures int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		statuses: make(map[engine.DistributionStatus]int),
		ops:      make(map[string]int),
	}
}

func (o *recordingObserver) DistributionFinished(status engine.DistributionStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses[status]++
}

func (o *recordingObserver) RecalculationFinished(op string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops[op]++
	if err != nil {
		o.failures++
	}
}

// twoPersonBranch seeds branch A (June 2024 target) with Alice 0.6 and Bob 0.4.
func (f *fixture) twoPersonBranch() {
	f.standardBranch()
	f.sales("alice", "bob")
	f.assign("alice", "A", "2024-06-01", "0.6")
	f.assign("bob", "A", "2024-06-01", "0.4")
}

// =============================================================================
// RECALCULATE ONE
// =============================================================================

func TestRecalculateOne_ComputesDay(t *testing.T) {
	f := newFixture(t)
	f.twoPersonBranch()
	f.revenue("A", "2024-06-10", "7000000", "3000000")

	outcome, err := f.eng.RecalculateOne(f.ctx, "A", date("2024-06-10"))
	require.NoError(t, err)
	assert.Equal(t, engine.StatusComputed, outcome.Status)
	assert.Len(t, f.allCommissions(), 2)
}

func TestRecalculateOne_DropsRowsOfRemovedAssignees(t *testing.T) {
	// GIVEN: A computed day for Alice and Bob
	// WHEN: Bob's assignment is deleted and the day recalculated
	// THEN: Only Alice's row remains

	f := newFixture(t)
	f.standardBranch()
	f.sales("alice", "bob")
	f.assign("alice", "A", "2024-06-01", "0.6")
	bob := f.assign("bob", "A", "2024-06-01", "0.4")
	f.revenue("A", "2024-06-10", "10000000", "0")

	_, err := f.eng.RecalculateOne(f.ctx, "A", date("2024-06-10"))
	require.NoError(t, err)
	require.Len(t, f.allCommissions(), 2)

	require.NoError(t, f.eng.DeleteAssignment(f.ctx, bob.ID))
	_, err = f.eng.RecalculateOne(f.ctx, "A", date("2024-06-10"))
	require.NoError(t, err)

	rows := f.allCommissions()
	require.Len(t, rows, 1)
	assert.Equal(t, engine.UserID("alice"), rows[0].UserID)
}

func TestRecalculateOne_FailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.twoPersonBranch()
	f.revenue("A", "2024-06-10", "10000000", "0")
	_, err := f.eng.RecalculateOne(f.ctx, "A", date("2024-06-10"))
	require.NoError(t, err)
	before := digest(f.allCommissions())

	broken := engine.New(&failingStore{inner: f.mem, branches: map[engine.BranchID]bool{"A": true}}, nil)
	_, err = broken.RecalculateOne(f.ctx, "A", date("2024-06-10"))
	assert.ErrorIs(t, err, errInjected)

	assert.Equal(t, before, digest(f.allCommissions()))
}

// =============================================================================
// RECALCULATE RANGE
// =============================================================================

func TestRecalculateRange_CountsComputedAndSkipped(t *testing.T) {
	// GIVEN: Revenue on 05-31 (before anyone is assigned), 06-10 and 06-11
	// WHEN: Recalculating 05-01..06-30
	// THEN: 3 dates processed, 05-31 skipped, 4 rows written

	f := newFixture(t)
	f.twoPersonBranch()
	f.revenue("A", "2024-05-31", "10000000", "0")
	f.revenue("A", "2024-06-10", "10000000", "0")
	f.revenue("A", "2024-06-11", "6000000", "0")

	report, err := f.eng.RecalculateRange(f.ctx, "A", date("2024-05-01"), date("2024-06-30"))
	require.NoError(t, err)
	assert.Equal(t, 3, report.DatesProcessed)
	assert.Equal(t, 2, report.DatesComputed)
	assert.Equal(t, 1, report.DatesSkipped)
	assert.Equal(t, 4, report.CommissionsWritten)
}

func TestRecalculateRange_ReplacesRowsInRangeOnly(t *testing.T) {
	f := newFixture(t)
	f.twoPersonBranch()
	f.revenue("A", "2024-06-10", "10000000", "0")
	f.revenue("A", "2024-06-20", "10000000", "0")
	_, err := f.eng.RecalculateRange(f.ctx, "A", date("2024-06-01"), date("2024-06-30"))
	require.NoError(t, err)
	require.Len(t, f.allCommissions(), 4)

	// Bob absent on both days, only the first is in the recalculated range.
	f.attend("bob", "A", "2024-06-10", "0")
	f.attend("bob", "A", "2024-06-20", "0")
	report, err := f.eng.RecalculateRange(f.ctx, "A", date("2024-06-01"), date("2024-06-15"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.CommissionsDeleted)

	tenth := f.commissions(engine.CommissionFilter{Period: engine.Period{Start: date("2024-06-10"), End: date("2024-06-10")}})
	assertDecimal(t, "4000000", amountOf(t, tenth, "alice").Amount)
	twentieth := f.commissions(engine.CommissionFilter{Period: engine.Period{Start: date("2024-06-20"), End: date("2024-06-20")}})
	assertDecimal(t, "2400000", amountOf(t, twentieth, "alice").Amount)
}

func TestRecalculateRange_InvalidPeriod(t *testing.T) {
	f := newFixture(t)
	f.plainBranch("A")

	_, err := f.eng.RecalculateRange(f.ctx, "A", date("2024-06-30"), date("2024-06-01"))
	assert.ErrorIs(t, err, engine.ErrInvalidPeriod)
	assert.True(t, engine.IsClientError(err))
}

// =============================================================================
// RECALCULATE ALL
// =============================================================================

func TestRecalculateAll_NoRevenue(t *testing.T) {
	f := newFixture(t)
	f.twoPersonBranch()

	report, err := f.eng.RecalculateAll(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.FullReport{}, *report)
	assert.Empty(t, f.allCommissions())
}

func TestRecalculateAll_TransferAcrossBranches(t *testing.T) {
	// GIVEN: Alice moves from A to B on 2024-06-01, both branches have revenue
	//        on 05-31 and 06-01
	// WHEN: Recalculating everything
	// THEN: 05-31 pays Alice from A, 06-01 pays her from B, A is skipped on 06-01

	f := newFixture(t)
	f.sales("alice")
	f.plainBranch("A", "B")
	for _, b := range []engine.BranchID{"A", "B"} {
		for _, m := range []int{5, 6} {
			f.target(engine.MonthlyTarget{
				BranchID: b, Year: 2024, Month: m,
				MinRevenue: dec("1000000"), MaxRevenue: dec("2000000"),
			})
		}
	}
	f.assign("alice", "A", "2024-01-01", "1")
	f.assign("alice", "B", "2024-06-01", "0.5")
	for _, b := range []string{"A", "B"} {
		f.revenue(b, "2024-05-31", "3000000", "0")
		f.revenue(b, "2024-06-01", "3000000", "0")
	}

	report, err := f.eng.RecalculateAll(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.DatesChecked)
	assert.Equal(t, 2, report.DatesComputed)
	assert.Equal(t, 2, report.DatesSkipped)

	rows := f.commissions(engine.CommissionFilter{UserID: "alice"})
	require.Len(t, rows, 2)
	assert.Equal(t, "A@2024-05-31", engine.BranchDate{BranchID: rows[0].BranchID, Date: rows[0].Date}.String())
	assertDecimal(t, "1200000", rows[0].Amount)
	assert.Equal(t, "B@2024-06-01", engine.BranchDate{BranchID: rows[1].BranchID, Date: rows[1].Date}.String())
	assertDecimal(t, "600000", rows[1].Amount)
}

func TestRecalculateAll_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.twoPersonBranch()
	f.revenue("A", "2024-06-10", "10000000", "0")
	f.revenue("A", "2024-06-11", "6000000", "0")

	_, err := f.eng.RecalculateAll(f.ctx)
	require.NoError(t, err)
	first := digest(f.allCommissions())

	_, err = f.eng.RecalculateAll(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, first, digest(f.allCommissions()))
}

func TestRecalculateAll_FailureRollsBackEverything(t *testing.T) {
	// GIVEN: Committed rows for branch A, and branch B whose writes fail
	// WHEN: Recalculating everything
	// THEN: A RecalculationError names B's day and A's rows are untouched

	f := newFixture(t)
	f.twoPersonBranch()
	f.plainBranch("B")
	f.sales("carol")
	f.assign("carol", "B", "2024-06-01", "1")
	f.revenue("A", "2024-06-10", "10000000", "0")
	f.revenue("B", "2024-06-10", "10000000", "0")
	_, err := f.eng.RecalculateRange(f.ctx, "A", date("2024-06-01"), date("2024-06-30"))
	require.NoError(t, err)
	before := digest(f.allCommissions())

	observer := newRecordingObserver()
	broken := engine.New(&failingStore{inner: f.mem, branches: map[engine.BranchID]bool{"B": true}}, nil)
	broken.Observer = observer

	_, err = broken.RecalculateAll(f.ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errInjected)

	var recalcErr *engine.RecalculationError
	require.True(t, errors.As(err, &recalcErr))
	require.Len(t, recalcErr.Errors, 1)
	assert.Equal(t, "B@2024-06-10", recalcErr.Errors[0].Key.String())
	assert.Equal(t, 2, recalcErr.Report.DatesChecked)

	assert.Equal(t, before, digest(f.allCommissions()))
	assert.Equal(t, 1, observer.failures)
	assert.Zero(t, observer.statuses[engine.StatusComputed])
}

func TestRecalculateAll_CollectsAtMostTenErrors(t *testing.T) {
	f := newFixture(t)
	f.sales("alice")
	f.plainBranch("A")
	f.assign("alice", "A", "2024-01-01", "1")
	for day := 1; day <= 12; day++ {
		f.revenue("A", fmt.Sprintf("2024-06-%02d", day), "1000", "0")
	}

	broken := engine.New(&failingStore{inner: f.mem, branches: map[engine.BranchID]bool{"A": true}}, nil)
	_, err := broken.RecalculateAll(f.ctx)

	var recalcErr *engine.RecalculationError
	require.True(t, errors.As(err, &recalcErr))
	assert.Len(t, recalcErr.Errors, engine.MaxReportedErrors)
}

func TestRecalculateAll_ReportsToObserver(t *testing.T) {
	f := newFixture(t)
	f.twoPersonBranch()
	f.revenue("A", "2024-05-31", "10000000", "0")
	f.revenue("A", "2024-06-10", "10000000", "0")

	observer := newRecordingObserver()
	f.eng.Observer = observer
	_, err := f.eng.RecalculateAll(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, observer.statuses[engine.StatusComputed])
	assert.Equal(t, 1, observer.statuses[engine.StatusNoAssignees])
	assert.Equal(t, 1, observer.ops[engine.OpRecalculateAll])
}

// =============================================================================
// REVENUE & TARGET INPUTS
// =============================================================================

func TestRecordRevenue_SnapshotsThresholdsInForce(t *testing.T) {
	// GIVEN: Revenue recorded under the 5M / 8M June target
	// WHEN: The target is later raised to 12M / 15M
	// THEN: The recorded day keeps its max tier

	f := newFixture(t)
	f.twoPersonBranch()

	outcome, err := f.eng.RecordRevenue(f.ctx, engine.Revenue{
		BranchID: "A", Date: date("2024-06-10"), Cash: dec("10000000"),
	})
	require.NoError(t, err)
	assert.Equal(t, engine.ThresholdsFromSnapshot, outcome.Tier.Source)
	assertDecimal(t, "2400000", amountOf(t, f.allCommissions(), "alice").Amount)

	report, err := f.eng.SaveTarget(f.ctx, engine.MonthlyTarget{
		BranchID: "A", Year: 2024, Month: 6,
		MinRevenue: dec("12000000"), MaxRevenue: dec("15000000"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.DatesProcessed)
	assertDecimal(t, "2400000", amountOf(t, f.allCommissions(), "alice").Amount)
}

func TestRecordRevenue_FallsBackToBranchThresholds(t *testing.T) {
	f := newFixture(t)
	f.branch(engine.Branch{ID: "A", TargetMin: dec("1000000"), TargetMax: dec("2000000")})
	f.sales("alice")
	f.assign("alice", "A", "2024-06-01", "1")

	outcome, err := f.eng.RecordRevenue(f.ctx, engine.Revenue{
		BranchID: "A", Date: date("2024-06-10"), Cash: dec("1500000"),
	})
	require.NoError(t, err)
	assert.Equal(t, engine.TierMin, outcome.Tier.Level)
	assertDecimal(t, "1000000", outcome.Tier.Min)
	assertDecimal(t, "300000", f.allCommissions()[0].Amount)
}

func TestRecordRevenue_Validation(t *testing.T) {
	f := newFixture(t)
	f.plainBranch("A")

	_, err := f.eng.RecordRevenue(f.ctx, engine.Revenue{BranchID: "A", Date: date("2024-06-10"), Cash: dec("-1")})
	assert.ErrorIs(t, err, engine.ErrInvalidRevenue)

	_, err = f.eng.RecordRevenue(f.ctx, engine.Revenue{BranchID: "Z", Date: date("2024-06-10"), Cash: dec("1")})
	assert.ErrorIs(t, err, engine.ErrBranchNotFound)
}

func TestSaveTarget_RecalculatesMonth(t *testing.T) {
	// GIVEN: Raw revenue rows without snapshots and no target (0% tier)
	// WHEN: A June target is saved
	// THEN: June is recomputed against it, May is left alone

	f := newFixture(t)
	f.twoPersonBranch()
	f.revenue("A", "2024-05-31", "10000000", "0")
	f.revenue("A", "2024-06-10", "10000000", "0")

	report, err := f.eng.SaveTarget(f.ctx, engine.MonthlyTarget{
		BranchID: "A", Year: 2024, Month: 6,
		MinRevenue: dec("5000000"), MaxRevenue: dec("9000000"),
		MaxPercentage: decPtr("30"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.DatesProcessed)

	rows := f.allCommissions()
	require.Len(t, rows, 2)
	assertDecimal(t, "1800000", amountOf(t, rows, "alice").Amount)
}

func TestSaveTarget_Validation(t *testing.T) {
	f := newFixture(t)
	f.plainBranch("A")

	tests := []engine.MonthlyTarget{
		{BranchID: "A", Year: 2024, Month: 13},
		{BranchID: "A", Year: 2024, Month: 6, MinRevenue: dec("9"), MaxRevenue: dec("1")},
		{BranchID: "A", Year: 2024, Month: 6, MaxPercentage: decPtr("101")},
	}
	for _, target := range tests {
		_, err := f.eng.SaveTarget(f.ctx, target)
		assert.ErrorIs(t, err, engine.ErrInvalidTarget)
	}

	_, err := f.eng.SaveTarget(f.ctx, engine.MonthlyTarget{BranchID: "Z", Year: 2024, Month: 6})
	assert.ErrorIs(t, err, engine.ErrBranchNotFound)
}

// =============================================================================
// READING
// =============================================================================

func TestAffectedDates(t *testing.T) {
	f := newFixture(t)
	f.sales("alice")
	f.plainBranch("A", "B", "C")
	f.assign("alice", "A", "2024-03-01", "1")
	f.assign("alice", "B", "2024-06-01", "1")
	f.revenue("A", "2024-02-28", "1", "0")
	f.revenue("A", "2024-03-01", "1", "0")
	f.revenue("B", "2024-06-02", "1", "0")
	f.revenue("C", "2024-06-02", "1", "0")

	keys, err := f.eng.AffectedDates(f.ctx, "alice")
	require.NoError(t, err)

	var got []string
	for _, k := range keys {
		got = append(got, k.String())
	}
	assert.Equal(t, []string{"A@2024-03-01", "B@2024-06-02"}, got)

	_, err = f.eng.AffectedDates(f.ctx, "nobody")
	assert.ErrorIs(t, err, engine.ErrUserNotFound)
}

func TestListCommissions_Scope(t *testing.T) {
	f := newFixture(t)
	f.sales("alice", "bob")
	f.plainBranch("A", "B")
	f.assign("alice", "A", "2024-06-01", "1")
	f.assign("bob", "B", "2024-06-01", "1")
	f.revenue("A", "2024-06-10", "1000", "0")
	f.revenue("B", "2024-06-10", "1000", "0")
	_, err := f.eng.RecalculateAll(f.ctx)
	require.NoError(t, err)

	assert.Len(t, f.commissions(engine.CommissionFilter{Scope: engine.AllBranches()}), 2)
	onlyB := f.commissions(engine.CommissionFilter{Scope: engine.SingleBranch("B")})
	require.Len(t, onlyB, 1)
	assert.Equal(t, engine.UserID("bob"), onlyB[0].UserID)
	assert.Empty(t, f.commissions(engine.CommissionFilter{Scope: engine.BranchSet()}))
}

func TestTotalsByUser(t *testing.T) {
	rows := []engine.Commission{
		{UserID: "bob", Amount: dec("10.50")},
		{UserID: "alice", Amount: dec("1")},
		{UserID: "bob", Amount: dec("0.25")},
	}
	totals := engine.TotalsByUser(rows)
	require.Len(t, totals, 2)
	assert.Equal(t, engine.UserID("alice"), totals[0].UserID)
	assertDecimal(t, "10.75", totals[1].Amount)
	assert.Equal(t, 2, totals[1].Days)
}
