package engine_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/engine/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fixture struct {
	t   *testing.T
	ctx context.Context
	mem *store.Memory
	eng *engine.Engine
}

func newFixture(t *testing.T) *fixture {
	mem := store.NewMemory()
	return &fixture{
		t:   t,
		ctx: context.Background(),
		mem: mem,
		eng: engine.New(mem, zaptest.NewLogger(t)),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func date(s string) engine.Date {
	return engine.MustParseDate(s)
}

func assertDecimal(t *testing.T, expected string, actual decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, dec(expected).Equal(actual),
		append([]any{fmt.Sprintf("expected %s, got %s", expected, actual.String())}, msgAndArgs...)...)
}

// session runs fn in one committed transaction.
func (f *fixture) session(fn func(s engine.Session) error) {
	f.t.Helper()
	require.NoError(f.t, f.mem.WithTx(f.ctx, fn))
}

func (f *fixture) user(id string, role engine.Role) {
	f.session(func(s engine.Session) error {
		return s.SaveUser(f.ctx, engine.User{ID: engine.UserID(id), Name: id, Role: role})
	})
}

func (f *fixture) sales(ids ...string) {
	for _, id := range ids {
		f.user(id, engine.RoleSales)
	}
}

func (f *fixture) branch(b engine.Branch) {
	f.session(func(s engine.Session) error { return s.SaveBranch(f.ctx, b) })
}

func (f *fixture) plainBranch(ids ...string) {
	for _, id := range ids {
		f.branch(engine.Branch{ID: engine.BranchID(id), Name: id})
	}
}

func (f *fixture) target(t engine.MonthlyTarget) {
	f.session(func(s engine.Session) error { return s.SaveTarget(f.ctx, t) })
}

// revenue stores a raw revenue row without snapshot thresholds.
func (f *fixture) revenue(branch, day, cash, receivables string) {
	f.session(func(s engine.Session) error {
		return s.SaveRevenue(f.ctx, engine.Revenue{
			BranchID:    engine.BranchID(branch),
			Date:        date(day),
			Cash:        dec(cash),
			Receivables: dec(receivables),
		})
	})
}

func (f *fixture) assign(user, branch, start, share string) *engine.Assignment {
	f.t.Helper()
	a, err := f.eng.CreateAssignment(f.ctx, engine.NewAssignment{
		UserID:   engine.UserID(user),
		BranchID: engine.BranchID(branch),
		Start:    date(start),
		Share:    dec(share),
	})
	require.NoError(f.t, err)
	return a
}

func (f *fixture) attend(user, branch, day, multiplier string) {
	f.session(func(s engine.Session) error {
		return s.SaveAttendance(f.ctx, engine.Attendance{
			UserID:     engine.UserID(user),
			BranchID:   engine.BranchID(branch),
			Date:       date(day),
			Multiplier: dec(multiplier),
		})
	})
}

func (f *fixture) commissions(filter engine.CommissionFilter) []engine.Commission {
	f.t.Helper()
	rows, err := f.eng.ListCommissions(f.ctx, filter)
	require.NoError(f.t, err)
	return rows
}

func (f *fixture) allCommissions() []engine.Commission {
	return f.commissions(engine.CommissionFilter{})
}

// amountOf returns the commission of user in rows, failing when absent.
func amountOf(t *testing.T, rows []engine.Commission, user string) engine.Commission {
	t.Helper()
	for _, c := range rows {
		if c.UserID == engine.UserID(user) {
			return c
		}
	}
	require.Failf(t, "commission not found", "no row for %s", user)
	return engine.Commission{}
}

// digest renders rows into comparable strings.
func digest(rows []engine.Commission) []string {
	out := make([]string, len(rows))
	for i, c := range rows {
		out[i] = fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s|%t|%s",
			c.UserID, c.BranchID, c.Date, c.Amount.String(), c.Percentage.String(),
			c.NominalShare.String(), c.AppliedShare.String(), c.Attendance.String(),
			c.Redistributed, c.Inputs)
	}
	return out
}

// standardBranch seeds branch "A" with a monthly target for June 2024 of
// 5,000,000 / 8,000,000 at 20% / 40%.
func (f *fixture) standardBranch() {
	f.plainBranch("A")
	f.target(engine.MonthlyTarget{
		BranchID:      "A",
		Year:          2024,
		Month:         6,
		MinRevenue:    dec("5000000"),
		MaxRevenue:    dec("8000000"),
		MinPercentage: decPtr("20"),
		MaxPercentage: decPtr("40"),
	})
}
