// Package storetest runs the same behavioural checks against every
// engine.TxStore implementation backed by a real database.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/engine"
)

// Factory returns an empty store for one test.
type Factory func(t *testing.T) engine.TxStore

// Run executes every check against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("UsersAndBranches", func(t *testing.T) { testUsersAndBranches(t, newStore(t)) })
	t.Run("Assignments", func(t *testing.T) { testAssignments(t, newStore(t)) })
	t.Run("BranchCandidates", func(t *testing.T) { testBranchCandidates(t, newStore(t)) })
	t.Run("RevenueLocks", func(t *testing.T) { testRevenueLocks(t, newStore(t)) })
	t.Run("Commissions", func(t *testing.T) { testCommissions(t, newStore(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("Savepoints", func(t *testing.T) { testSavepoints(t, newStore(t)) })
	t.Run("EngineEndToEnd", func(t *testing.T) { testEngineEndToEnd(t, newStore(t)) })
	t.Run("ConcurrentShareCap", func(t *testing.T) { testConcurrentShareCap(t, newStore(t)) })
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func date(s string) engine.Date { return engine.MustParseDate(s) }

func assertDecimal(t *testing.T, expected string, actual decimal.Decimal) {
	t.Helper()
	assert.Truef(t, dec(expected).Equal(actual), "expected %s, got %s", expected, actual.String())
}

func tx(t *testing.T, store engine.TxStore, fn func(ctx context.Context, s engine.Session) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.WithTx(ctx, func(s engine.Session) error { return fn(ctx, s) }))
}

func seed(t *testing.T, store engine.TxStore, users []string, branches ...string) {
	t.Helper()
	tx(t, store, func(ctx context.Context, s engine.Session) error {
		for _, id := range users {
			if err := s.SaveUser(ctx, engine.User{ID: engine.UserID(id), Name: id, Role: engine.RoleSales}); err != nil {
				return err
			}
		}
		for _, id := range branches {
			if err := s.SaveBranch(ctx, engine.Branch{ID: engine.BranchID(id), Name: id}); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// ROUND TRIPS
// =============================================================================

func testUsersAndBranches(t *testing.T, store engine.TxStore) {
	pct := dec("25")
	tx(t, store, func(ctx context.Context, s engine.Session) error {
		require.NoError(t, s.SaveUser(ctx, engine.User{ID: "alice", Name: "Alice", Role: engine.RoleSales}))
		require.NoError(t, s.SaveUser(ctx, engine.User{ID: "alice", Name: "Alice B.", Role: engine.RoleSales}))
		require.NoError(t, s.SaveUser(ctx, engine.User{ID: "henry", Name: "Henry", Role: engine.RoleHR}))
		require.NoError(t, s.SaveBranch(ctx, engine.Branch{
			ID: "A", Name: "Alpha", TargetMin: dec("5000000"), TargetMax: dec("8000000"),
			DefaultMinPercentage: &pct,
		}))
		return nil
	})

	tx(t, store, func(ctx context.Context, s engine.Session) error {
		u, err := s.GetUser(ctx, "alice")
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, "Alice B.", u.Name)

		missing, err := s.GetUser(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, missing)

		users, err := s.ListUsers(ctx)
		require.NoError(t, err)
		assert.Len(t, users, 2)

		b, err := s.GetBranch(ctx, "A")
		require.NoError(t, err)
		require.NotNil(t, b)
		assertDecimal(t, "8000000", b.TargetMax)
		require.NotNil(t, b.DefaultMinPercentage)
		assertDecimal(t, "25", *b.DefaultMinPercentage)
		assert.Nil(t, b.DefaultMaxPercentage)
		assertDecimal(t, "40", b.MaxPercentage())

		assert.ErrorIs(t, s.LockBranch(ctx, "Z"), engine.ErrBranchNotFound)
		assert.NoError(t, s.LockBranch(ctx, "A"))
		return nil
	})
}

func testAssignments(t *testing.T, store engine.TxStore) {
	seed(t, store, []string{"alice"}, "A")
	end := date("2024-03-31")

	tx(t, store, func(ctx context.Context, s engine.Session) error {
		require.NoError(t, s.InsertAssignment(ctx, engine.Assignment{
			ID: "a1", UserID: "alice", BranchID: "A", Start: date("2024-01-01"), End: &end, Share: dec("0.5"),
		}))
		require.NoError(t, s.InsertAssignment(ctx, engine.Assignment{
			ID: "a2", UserID: "alice", BranchID: "A", Start: date("2024-04-01"), Share: dec("0.75"),
		}))
		return nil
	})

	err := store.WithTx(context.Background(), func(s engine.Session) error {
		return s.InsertAssignment(context.Background(), engine.Assignment{
			ID: "a3", UserID: "alice", BranchID: "A", Start: date("2024-01-01"), Share: dec("0.1"),
		})
	})
	assert.ErrorIs(t, err, engine.ErrDuplicateAssignment)

	tx(t, store, func(ctx context.Context, s engine.Session) error {
		list, err := s.ListAssignmentsByUser(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, engine.AssignmentID("a1"), list[0].ID)
		require.NotNil(t, list[0].End)
		assert.Equal(t, "2024-03-31", list[0].End.String())
		assert.Nil(t, list[1].End)
		assertDecimal(t, "0.75", list[1].Share)

		deleted, err := s.DeleteAssignment(ctx, "a1")
		require.NoError(t, err)
		assert.True(t, deleted)
		deleted, err = s.DeleteAssignment(ctx, "a1")
		require.NoError(t, err)
		assert.False(t, deleted)
		return nil
	})
}

func testBranchCandidates(t *testing.T, store engine.TxStore) {
	// Alice moves A -> B on 06-01, Bob only ever in B, Henry (hr) is ignored.
	seed(t, store, []string{"alice", "bob"}, "A", "B")
	tx(t, store, func(ctx context.Context, s engine.Session) error {
		require.NoError(t, s.SaveUser(ctx, engine.User{ID: "henry", Name: "Henry", Role: engine.RoleHR}))
		for _, a := range []engine.Assignment{
			{ID: "1", UserID: "alice", BranchID: "A", Start: date("2024-01-01"), Share: dec("0.5")},
			{ID: "2", UserID: "alice", BranchID: "B", Start: date("2024-06-01"), Share: dec("0.5")},
			{ID: "3", UserID: "bob", BranchID: "B", Start: date("2024-01-01"), Share: dec("0.5")},
			{ID: "4", UserID: "henry", BranchID: "A", Start: date("2024-01-01"), Share: dec("0.5")},
		} {
			require.NoError(t, s.InsertAssignment(ctx, a))
		}
		return nil
	})

	tx(t, store, func(ctx context.Context, s engine.Session) error {
		before, err := s.BranchCandidates(ctx, "A", date("2024-05-31"))
		require.NoError(t, err)
		require.Len(t, before, 1)
		assert.Equal(t, engine.UserID("alice"), before[0].UserID)

		// Alice's B row is returned too, so resolution can see she left A.
		after, err := s.BranchCandidates(ctx, "A", date("2024-06-01"))
		require.NoError(t, err)
		assert.Len(t, after, 2)

		ledger := &engine.AssignmentLedger{Store: s}
		inA, err := ledger.ActiveAssignees(ctx, "A", date("2024-06-01"))
		require.NoError(t, err)
		assert.Empty(t, inA)
		inB, err := ledger.ActiveAssignees(ctx, "B", date("2024-06-01"))
		require.NoError(t, err)
		assert.Len(t, inB, 2)
		return nil
	})
}

func testRevenueLocks(t *testing.T, store engine.TxStore) {
	seed(t, store, nil, "A", "B")
	tx(t, store, func(ctx context.Context, s engine.Session) error {
		for _, r := range []engine.Revenue{
			{BranchID: "B", Date: date("2024-06-02"), Cash: dec("10")},
			{BranchID: "A", Date: date("2024-06-03"), Cash: dec("10")},
			{BranchID: "A", Date: date("2024-06-01"), Cash: dec("10"), Receivables: dec("5.5")},
			{BranchID: "A", Date: date("2024-07-01"), Cash: dec("10")},
		} {
			require.NoError(t, s.SaveRevenue(ctx, r))
		}
		// Upsert replaces the row.
		require.NoError(t, s.SaveRevenue(ctx, engine.Revenue{
			BranchID: "A", Date: date("2024-06-01"), Cash: dec("20"), Receivables: dec("5.5"),
			SnapshotMin: dec("1"), SnapshotMax: dec("2"),
		}))
		return nil
	})

	tx(t, store, func(ctx context.Context, s engine.Session) error {
		r, err := s.GetRevenue(ctx, "A", date("2024-06-01"))
		require.NoError(t, err)
		require.NotNil(t, r)
		assertDecimal(t, "25.5", r.Total())
		assert.True(t, r.HasSnapshot())

		missing, err := s.GetRevenue(ctx, "A", date("2024-06-02"))
		require.NoError(t, err)
		assert.Nil(t, missing)

		dates, err := s.LockRevenueDates(ctx, "A", date("2024-06-01"), date("2024-06-30"))
		require.NoError(t, err)
		require.Len(t, dates, 2)
		assert.Equal(t, "2024-06-01", dates[0].String())
		assert.Equal(t, "2024-06-03", dates[1].String())

		all, err := s.LockAllRevenue(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"A@2024-06-01", "A@2024-06-03", "A@2024-07-01", "B@2024-06-02"}, keys(all))

		since, err := s.RevenueDates(ctx, []engine.BranchID{"B", "A"}, date("2024-06-02"))
		require.NoError(t, err)
		assert.Equal(t, []string{"A@2024-06-03", "A@2024-07-01", "B@2024-06-02"}, keys(since))
		return nil
	})
}

func keys(ks []engine.BranchDate) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = k.String()
	}
	return out
}

func testCommissions(t *testing.T, store engine.TxStore) {
	seed(t, store, []string{"alice", "bob"}, "A", "B")
	row := func(user, branch, day, amount string) engine.Commission {
		return engine.Commission{
			UserID: engine.UserID(user), BranchID: engine.BranchID(branch), Date: date(day),
			Amount: dec(amount), Percentage: dec("40"), NominalShare: dec("0.5"),
			AppliedShare: dec("0.5"), Attendance: dec("1"), Inputs: `{"pool":"1"}`,
		}
	}
	tx(t, store, func(ctx context.Context, s engine.Session) error {
		require.NoError(t, s.UpsertCommission(ctx, row("alice", "A", "2024-06-01", "1.00")))
		require.NoError(t, s.UpsertCommission(ctx, row("bob", "A", "2024-06-01", "2.00")))
		require.NoError(t, s.UpsertCommission(ctx, row("bob", "B", "2024-06-02", "3.00")))

		overwritten := row("alice", "A", "2024-06-01", "9.99")
		overwritten.Redistributed = true
		require.NoError(t, s.UpsertCommission(ctx, overwritten))
		return nil
	})

	tx(t, store, func(ctx context.Context, s engine.Session) error {
		all, err := s.ListCommissions(ctx, engine.CommissionFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, engine.UserID("alice"), all[0].UserID)
		assertDecimal(t, "9.99", all[0].Amount)
		assert.True(t, all[0].Redistributed)
		assert.Equal(t, `{"pool":"1"}`, all[0].Inputs)

		onlyB, err := s.ListCommissions(ctx, engine.CommissionFilter{Scope: engine.SingleBranch("B")})
		require.NoError(t, err)
		assert.Len(t, onlyB, 1)

		set, err := s.ListCommissions(ctx, engine.CommissionFilter{Scope: engine.BranchSet("A", "B"), UserID: "bob"})
		require.NoError(t, err)
		assert.Len(t, set, 2)

		none, err := s.ListCommissions(ctx, engine.CommissionFilter{Scope: engine.BranchSet()})
		require.NoError(t, err)
		assert.Empty(t, none)

		june2, err := s.ListCommissions(ctx, engine.CommissionFilter{
			Period: engine.Period{Start: date("2024-06-02"), End: date("2024-06-30")},
		})
		require.NoError(t, err)
		assert.Len(t, june2, 1)

		n, err := s.DeleteCommissions(ctx, "A", date("2024-06-01"), date("2024-06-01"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = s.DeleteAllCommissions(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return nil
	})
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

var errAbort = errors.New("abort")

func testRollback(t *testing.T, store engine.TxStore) {
	seed(t, store, nil, "A")
	err := store.WithTx(context.Background(), func(s engine.Session) error {
		require.NoError(t, s.SaveRevenue(context.Background(), engine.Revenue{BranchID: "A", Date: date("2024-06-01"), Cash: dec("1")}))
		return errAbort
	})
	assert.ErrorIs(t, err, errAbort)

	tx(t, store, func(ctx context.Context, s engine.Session) error {
		r, err := s.GetRevenue(ctx, "A", date("2024-06-01"))
		require.NoError(t, err)
		assert.Nil(t, r)
		return nil
	})
}

func testSavepoints(t *testing.T, store engine.TxStore) {
	seed(t, store, nil, "A")
	tx(t, store, func(ctx context.Context, s engine.Session) error {
		sp, ok := s.(engine.Savepointer)
		require.True(t, ok)

		require.NoError(t, s.SaveRevenue(ctx, engine.Revenue{BranchID: "A", Date: date("2024-06-01"), Cash: dec("1")}))
		require.NoError(t, sp.Savepoint(ctx, "sp1"))
		require.NoError(t, s.SaveRevenue(ctx, engine.Revenue{BranchID: "A", Date: date("2024-06-02"), Cash: dec("1")}))
		require.NoError(t, sp.RollbackTo(ctx, "sp1"))
		require.NoError(t, sp.Release(ctx, "sp1"))
		return nil
	})

	tx(t, store, func(ctx context.Context, s engine.Session) error {
		dates, err := s.LockRevenueDates(ctx, "A", date("2024-06-01"), date("2024-06-30"))
		require.NoError(t, err)
		require.Len(t, dates, 1)
		assert.Equal(t, "2024-06-01", dates[0].String())
		return nil
	})
}

// =============================================================================
// ENGINE OVER A REAL DATABASE
// =============================================================================

func testEngineEndToEnd(t *testing.T, store engine.TxStore) {
	// GIVEN: June target 5M / 8M at 20% / 40%, Alice 0.6 and Bob 0.4
	// WHEN: 7M cash + 3M receivables is recorded
	// THEN: 2,400,000 / 1,600,000, and a full recalculation is a no-op

	ctx := context.Background()
	seed(t, store, []string{"alice", "bob"}, "A")
	eng := engine.New(store, nil)

	_, err := eng.SaveTarget(ctx, engine.MonthlyTarget{
		BranchID: "A", Year: 2024, Month: 6,
		MinRevenue: dec("5000000"), MaxRevenue: dec("8000000"),
	})
	require.NoError(t, err)
	for _, a := range []engine.NewAssignment{
		{UserID: "alice", BranchID: "A", Start: date("2024-06-01"), Share: dec("0.6")},
		{UserID: "bob", BranchID: "A", Start: date("2024-06-01"), Share: dec("0.4")},
	} {
		_, err := eng.CreateAssignment(ctx, a)
		require.NoError(t, err)
	}

	_, err = eng.CreateAssignment(ctx, engine.NewAssignment{
		UserID: "alice", BranchID: "A", Start: date("2024-06-01"), Share: dec("0.6"),
	})
	assert.ErrorIs(t, err, engine.ErrDuplicateAssignment)

	outcome, err := eng.RecordRevenue(ctx, engine.Revenue{
		BranchID: "A", Date: date("2024-06-10"), Cash: dec("7000000"), Receivables: dec("3000000"),
	})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusComputed, outcome.Status)

	rows, err := eng.ListCommissions(ctx, engine.CommissionFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assertDecimal(t, "2400000", rows[0].Amount)
	assertDecimal(t, "1600000", rows[1].Amount)
	before := digest(rows)

	report, err := eng.RecalculateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DatesChecked)
	assert.Equal(t, 2, report.CommissionsWritten)

	rows, err = eng.ListCommissions(ctx, engine.CommissionFilter{})
	require.NoError(t, err)
	assert.Equal(t, before, digest(rows))
}

func digest(rows []engine.Commission) []string {
	out := make([]string, len(rows))
	for i, c := range rows {
		out[i] = fmt.Sprintf("%s|%s|%s|%s|%s|%t|%s",
			c.UserID, c.BranchID, c.Date, c.Amount.StringFixed(2), c.AppliedShare.String(), c.Redistributed, c.Inputs)
	}
	return out
}

func testConcurrentShareCap(t *testing.T, store engine.TxStore) {
	// GIVEN: Ten users racing to take 0.3 of the same branch on the same day
	// THEN: At most three succeed and the branch never exceeds 100%

	ctx := context.Background()
	users := make([]string, 10)
	for i := range users {
		users[i] = fmt.Sprintf("user-%02d", i)
	}
	seed(t, store, users, "A")
	eng := engine.New(store, nil)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for _, u := range users {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := eng.CreateAssignment(ctx, engine.NewAssignment{
				UserID: engine.UserID(user), BranchID: "A", Start: date("2024-06-01"), Share: dec("0.3"),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, engine.ErrShareExceeded)
		}(u)
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	tx(t, store, func(ctx context.Context, s engine.Session) error {
		allocated, err := (&engine.AssignmentLedger{Store: s}).AllocatedShare(ctx, "A", date("2024-06-01"), "")
		require.NoError(t, err)
		assertDecimal(t, "0.9", allocated)
		return nil
	})
}
