/*
store.go - Persistence interfaces for the commission engine

PURPOSE:
  Defines the interface between the engine and the database. Every engine
  operation receives an explicit Session bound to one database transaction;
  there is no package-level connection state.

KEY INTERFACES:
  TxStore:  Opens a transaction and hands a Session to a function
  Session:  All reads and writes the engine needs, scoped to that transaction
  Savepointer (optional): nested rollback points inside a Session

LOCKED READS:
  Methods prefixed with Lock are locking reads. Implementations must make a
  concurrent writer touching the same rows wait until the holding
  transaction ends:
  - PostgreSQL: SELECT ... FOR UPDATE
  - SQLite:     every transaction is BEGIN IMMEDIATE (database write lock)
  - Memory:     WithTx holds the store mutex for the whole function

  The share-cap check in AssignmentLedger.Create is only race-free when it
  runs after LockBranch in the same Session.

IMPLEMENTATIONS:
  - store/sqlite: SQLite (embedded, single writer)
  - store/postgres: PostgreSQL via pgx
  - engine/store: In-memory for tests

SEE ALSO:
  - store/sqlstore: Shared SQL implementation of Session
*/
package engine

import "context"

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore opens transactions.
type TxStore interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Session) error) error
}

// Session is the storage handle of one transaction.
type Session interface {
	UserStore
	BranchStore
	AssignmentStore
	AttendanceStore
	TargetStore
	RevenueStore
	CommissionStore
}

// Savepointer is implemented by sessions that support nested rollback points.
type Savepointer interface {
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error
}

// =============================================================================
// STORE SLICES
// =============================================================================

type UserStore interface {
	SaveUser(ctx context.Context, u User) error
	// GetUser returns (nil, nil) when the user does not exist.
	GetUser(ctx context.Context, id UserID) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
}

type BranchStore interface {
	SaveBranch(ctx context.Context, b Branch) error
	// GetBranch returns (nil, nil) when the branch does not exist.
	GetBranch(ctx context.Context, id BranchID) (*Branch, error)
	ListBranches(ctx context.Context) ([]Branch, error)

	// LockBranch takes the write lock of a branch. Returns ErrBranchNotFound
	// when the branch does not exist.
	LockBranch(ctx context.Context, id BranchID) error
}

type AssignmentStore interface {
	// InsertAssignment returns ErrDuplicateAssignment when (user, branch, start)
	// already exists.
	InsertAssignment(ctx context.Context, a Assignment) error

	// DeleteAssignment returns false when nothing was deleted.
	DeleteAssignment(ctx context.Context, id AssignmentID) (bool, error)

	ListAssignmentsByUser(ctx context.Context, userID UserID) ([]Assignment, error)

	// BranchCandidates returns every assignment starting on or before date
	// held by a sales user who has at least one assignment into branch
	// starting on or before date. Resolution happens in ResolveCurrent.
	BranchCandidates(ctx context.Context, branchID BranchID, date Date) ([]Assignment, error)
}

type AttendanceStore interface {
	// SaveAttendance upserts the (user, branch, date) multiplier.
	SaveAttendance(ctx context.Context, a Attendance) error

	// AttendanceOn returns the stored multipliers of a branch-day. Users
	// without a row are absent from the map.
	AttendanceOn(ctx context.Context, branchID BranchID, date Date) (map[UserID]Attendance, error)
}

type TargetStore interface {
	SaveTarget(ctx context.Context, t MonthlyTarget) error
	// GetTarget returns (nil, nil) when no target exists for the month.
	GetTarget(ctx context.Context, branchID BranchID, year, month int) (*MonthlyTarget, error)
}

type RevenueStore interface {
	// SaveRevenue upserts the (branch, date) revenue row.
	SaveRevenue(ctx context.Context, r Revenue) error
	// GetRevenue returns (nil, nil) when there is no row.
	GetRevenue(ctx context.Context, branchID BranchID, date Date) (*Revenue, error)

	// LockRevenueDates locks and returns the revenue dates of a branch in
	// [from, to], ascending.
	LockRevenueDates(ctx context.Context, branchID BranchID, from, to Date) ([]Date, error)

	// LockAllRevenue locks and returns every branch-day with revenue,
	// ordered by branch then date.
	LockAllRevenue(ctx context.Context) ([]BranchDate, error)

	// RevenueDates returns the branch-days with revenue for the given branches
	// on or after from.
	RevenueDates(ctx context.Context, branchIDs []BranchID, from Date) ([]BranchDate, error)
}

// CommissionFilter narrows ListCommissions.
type CommissionFilter struct {
	Scope  Scope
	UserID UserID // empty = all users
	Period Period // zero = all dates
}

type CommissionStore interface {
	// UpsertCommission writes or overwrites the (user, branch, date) row.
	UpsertCommission(ctx context.Context, c Commission) error

	DeleteCommissions(ctx context.Context, branchID BranchID, from, to Date) (int64, error)
	DeleteAllCommissions(ctx context.Context) (int64, error)

	ListCommissions(ctx context.Context, f CommissionFilter) ([]Commission, error)
}
