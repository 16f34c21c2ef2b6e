/*
Package engine provides the temporal assignment and commission calculation engine.

PURPOSE:
  Resolves which sales staff are assigned to a branch on a given date, selects
  the revenue tier that applies to the branch's daily revenue, and distributes
  the resulting commission pool across the assigned staff.

KEY CONCEPTS IN THIS FILE (types.go):
  - User / Branch: the actors and locations commissions are paid for
  - Assignment: a time-bounded claim of one user on a branch's pool
  - Attendance: a daily multiplier (0, 0.5, 1) scaling one user's commission
  - Revenue / MonthlyTarget: inputs of the tier resolver
  - Commission: the computed, persisted output (one row per user/branch/date)

DESIGN PRINCIPLES:
  1. Precision: every amount, share and percentage is a decimal.Decimal
  2. Type Safety: distinct ID types so users and branches never get mixed up
  3. Recomputable: commission rows are derived data, overwritten in place
  4. Auditability: each commission row carries the inputs it was computed from

SEE ALSO:
  - assignment.go: Assignment ledger (resolution + write-time invariant)
  - tier.go: Revenue tier resolver
  - distribution.go: Commission distributor
  - recalculation.go: Transactional orchestration
*/
package engine

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type BranchID string
type AssignmentID string

// =============================================================================
// CONSTANTS
// =============================================================================

var (
	hundred = decimal.NewFromInt(100)
	half    = decimal.NewFromFloat(0.5)
	one     = decimal.NewFromInt(1)

	// DefaultMinPercentage is used when neither the monthly target nor the
	// branch defines a min-tier percentage.
	DefaultMinPercentage = decimal.NewFromInt(20)

	// DefaultMaxPercentage is used when neither the monthly target nor the
	// branch defines a max-tier percentage.
	DefaultMaxPercentage = decimal.NewFromInt(40)
)

// Decimal places every store keeps exactly. Inputs with more places are
// rejected rather than rounded on write.
const (
	ShareScale      = 4
	PercentageScale = 2
	MoneyScale      = 2
)

// exceedsScale reports whether d has more than places significant decimals.
func exceedsScale(d decimal.Decimal, places int32) bool {
	return !d.Equal(d.Truncate(places))
}

// MustParseDecimal parses s or returns zero.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// USERS & BRANCHES
// =============================================================================

type Role string

const (
	RoleSales Role = "sales" // customer-service staff paid from the branch pool
	RoleHR    Role = "hr"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSales, RoleHR, RoleAdmin:
		return true
	}
	return false
}

type User struct {
	ID   UserID
	Name string
	Role Role
}

// Branch is a retail location with its own revenue and commission settings.
type Branch struct {
	ID   BranchID
	Name string

	// Default thresholds, snapshotted onto revenue rows when no monthly
	// target exists for the month.
	TargetMin decimal.Decimal
	TargetMax decimal.Decimal

	// nil = fall back to DefaultMinPercentage / DefaultMaxPercentage
	DefaultMinPercentage *decimal.Decimal
	DefaultMaxPercentage *decimal.Decimal
}

// MinPercentage returns the branch default min-tier percentage.
func (b Branch) MinPercentage() decimal.Decimal {
	if b.DefaultMinPercentage != nil {
		return *b.DefaultMinPercentage
	}
	return DefaultMinPercentage
}

// MaxPercentage returns the branch default max-tier percentage.
func (b Branch) MaxPercentage() decimal.Decimal {
	if b.DefaultMaxPercentage != nil {
		return *b.DefaultMaxPercentage
	}
	return DefaultMaxPercentage
}

// =============================================================================
// ASSIGNMENT - Time-bounded claim on a branch's commission pool
// =============================================================================

// Assignment links a sales user to a branch from Start on, with a share
// factor in (0, 1]. A later-starting assignment of the same user implicitly
// supersedes it, whichever branch it points at.
type Assignment struct {
	ID       AssignmentID
	UserID   UserID
	BranchID BranchID

	Start Date
	End   *Date // nil = open-ended

	Share decimal.Decimal
}

// IsOpenOn returns true if the assignment interval has not ended by date.
// It does not look at Start; resolution handles that.
func (a Assignment) IsOpenOn(date Date) bool {
	return a.End == nil || !a.End.Before(date)
}

// Assignee is a user resolved to a branch on a date.
type Assignee struct {
	UserID       UserID
	AssignmentID AssignmentID
	Share        decimal.Decimal // nominal share factor
	Attendance   decimal.Decimal // 0, 0.5 or 1
}

// IsPresent reports whether the assignee has a non-zero attendance multiplier.
func (a Assignee) IsPresent() bool {
	return a.Attendance.IsPositive()
}

// =============================================================================
// ATTENDANCE
// =============================================================================

// Attendance is the presence multiplier of a user in a branch on a date.
// Missing rows mean "present" (multiplier 1).
type Attendance struct {
	UserID     UserID
	BranchID   BranchID
	Date       Date
	Multiplier decimal.Decimal
}

// =============================================================================
// REVENUE & TARGETS
// =============================================================================

// Revenue is the daily revenue of a branch.
type Revenue struct {
	BranchID    BranchID
	Date        Date
	Cash        decimal.Decimal
	Receivables decimal.Decimal

	// Thresholds in force when the revenue was recorded. Zero means "not captured".
	SnapshotMin decimal.Decimal
	SnapshotMax decimal.Decimal
}

// Total returns cash + receivables.
func (r Revenue) Total() decimal.Decimal {
	return r.Cash.Add(r.Receivables)
}

// HasSnapshot reports whether the row carries threshold snapshot values.
func (r Revenue) HasSnapshot() bool {
	return !r.SnapshotMin.IsZero() || !r.SnapshotMax.IsZero()
}

// MonthlyTarget holds the thresholds and percentages of one branch-month.
type MonthlyTarget struct {
	BranchID BranchID
	Year     int
	Month    int // 1-12

	MinRevenue decimal.Decimal
	MaxRevenue decimal.Decimal

	// nil = use the branch default
	MinPercentage *decimal.Decimal
	MaxPercentage *decimal.Decimal
}

// Period returns the calendar month the target applies to.
func (t MonthlyTarget) Period() Period {
	return MonthPeriod(t.Year, t.Month)
}

// =============================================================================
// COMMISSION - Computed output
// =============================================================================

// Commission is the computed commission of one user in one branch on one date.
type Commission struct {
	UserID   UserID
	BranchID BranchID
	Date     Date

	Amount        decimal.Decimal
	Percentage    decimal.Decimal // tier percentage applied to the revenue
	NominalShare  decimal.Decimal
	AppliedShare  decimal.Decimal // differs from NominalShare when redistributed
	Attendance    decimal.Decimal
	Redistributed bool

	// Inputs is a deterministic JSON document of the calculation inputs.
	Inputs string
}

// BranchDate identifies one branch-day.
type BranchDate struct {
	BranchID BranchID
	Date     Date
}

func (k BranchDate) String() string {
	return string(k.BranchID) + "@" + k.Date.String()
}
