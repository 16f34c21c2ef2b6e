/*
assignment.go - Temporal branch assignments and the 100% share cap

PURPOSE:
  A sales user is paid from a branch's commission pool through an
  Assignment: a (user, branch, start, optional end, share) record.

  This file handles:
  1. Resolving which assignment is current for a user on a date
  2. Listing the assignees of a branch on a date (with attendance)
  3. Creating assignments without letting a branch exceed 100% share
  4. Deleting assignments

RESOLUTION RULE:
  A user's current assignment on date D is the one with the LATEST start
  date <= D, whatever branch it points at. Older assignments are superseded,
  not ended, so a user sits in exactly one branch per day:

    2024-01-01 -> branch A (share 0.5)
    2024-06-01 -> branch B (share 0.4)

    2024-05-31  resolves to A
    2024-06-01  resolves to B

  The resolved assignment only counts if its interval is still open
  (End is nil or End >= D).

SHARE CAP:
  For any branch and date, the nominal shares of the users resolved to that
  branch sum to at most 1. Create checks this on every day the new
  assignment would be current, after taking the branch lock, excluding the
  user being assigned (their new assignment supersedes whatever they held
  before). A backdated assignment is therefore also checked against users
  who join the branch later. The error reports the tightest day.

NO CASCADE:
  Creating or deleting assignments never triggers recalculation. Callers
  decide which dates to recompute (see Engine.AffectedDates).

SEE ALSO:
  - distribution.go: Consumes ActiveAssignees
  - store.go: LockBranch, BranchCandidates
*/
package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// RESOLUTION
// =============================================================================

// ResolveCurrent returns, per user, the assignment with the latest start on
// or before date. Users without such an assignment are absent. Equal start
// dates (different branches) are broken by assignment id so the result is
// deterministic.
func ResolveCurrent(assignments []Assignment, date Date) map[UserID]Assignment {
	current := make(map[UserID]Assignment)
	for _, a := range assignments {
		if a.Start.After(date) {
			continue
		}
		held, ok := current[a.UserID]
		if !ok || a.Start.After(held.Start) ||
			(a.Start.Equal(held.Start) && a.ID > held.ID) {
			current[a.UserID] = a
		}
	}
	return current
}

// resolvedToBranch filters ResolveCurrent down to open assignments into
// branchID, ordered by user id.
func resolvedToBranch(assignments []Assignment, branchID BranchID, date Date) []Assignment {
	var out []Assignment
	for _, a := range ResolveCurrent(assignments, date) {
		if a.BranchID == branchID && a.IsOpenOn(date) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// =============================================================================
// ASSIGNMENT LEDGER
// =============================================================================

// NewAssignment is the input of AssignmentLedger.Create.
type NewAssignment struct {
	UserID   UserID
	BranchID BranchID
	Start    Date
	End      *Date
	Share    decimal.Decimal
}

// AssignmentLedger reads and writes assignments through one Session.
type AssignmentLedger struct {
	Store Session

	// NewID generates assignment ids. Defaults to random UUIDs.
	NewID func() AssignmentID
}

// ActiveAssignees returns the users resolved to branch on date, with their
// attendance multiplier (1 when no attendance row exists). An empty result
// is not an error.
func (l *AssignmentLedger) ActiveAssignees(ctx context.Context, branchID BranchID, date Date) ([]Assignee, error) {
	candidates, err := l.Store.BranchCandidates(ctx, branchID, date)
	if err != nil {
		return nil, fmt.Errorf("load assignments: %w", err)
	}
	resolved := resolvedToBranch(candidates, branchID, date)
	if len(resolved) == 0 {
		return nil, nil
	}

	attendance, err := l.Store.AttendanceOn(ctx, branchID, date)
	if err != nil {
		return nil, fmt.Errorf("load attendance: %w", err)
	}

	assignees := make([]Assignee, 0, len(resolved))
	for _, a := range resolved {
		multiplier := one
		if att, ok := attendance[a.UserID]; ok {
			multiplier = att.Multiplier
		}
		assignees = append(assignees, Assignee{
			UserID:       a.UserID,
			AssignmentID: a.ID,
			Share:        a.Share,
			Attendance:   multiplier,
		})
	}
	return assignees, nil
}

// AllocatedShare returns the sum of nominal shares of users resolved to
// branch on date, ignoring exclude. Callers that write based on the result
// must hold the branch lock.
func (l *AssignmentLedger) AllocatedShare(ctx context.Context, branchID BranchID, date Date, exclude UserID) (decimal.Decimal, error) {
	candidates, err := l.Store.BranchCandidates(ctx, branchID, date)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load assignments: %w", err)
	}
	return allocatedOn(candidates, branchID, date, exclude), nil
}

func allocatedOn(candidates []Assignment, branchID BranchID, date Date, exclude UserID) decimal.Decimal {
	total := decimal.Zero
	for _, a := range resolvedToBranch(candidates, branchID, date) {
		if a.UserID == exclude {
			continue
		}
		total = total.Add(a.Share)
	}
	return total
}

// peakAllocation returns the date in the effective window of in where the
// other users' shares in the branch are highest, and that sum.
//
// The window runs from in.Start to in.End, cut short by the user's own next
// assignment. Other users only add share to the branch on the start date of
// an assignment into it, so only in.Start and those dates need checking.
func (l *AssignmentLedger) peakAllocation(ctx context.Context, in NewAssignment) (Date, decimal.Decimal, error) {
	last := MaxDate
	if in.End != nil {
		last = *in.End
	}
	own, err := l.Store.ListAssignmentsByUser(ctx, in.UserID)
	if err != nil {
		return Date{}, decimal.Zero, fmt.Errorf("load assignments: %w", err)
	}
	for _, a := range own {
		if a.Start.After(in.Start) && a.Start.AddDays(-1).Before(last) {
			last = a.Start.AddDays(-1)
		}
	}

	candidates, err := l.Store.BranchCandidates(ctx, in.BranchID, last)
	if err != nil {
		return Date{}, decimal.Zero, fmt.Errorf("load assignments: %w", err)
	}

	peakDate := in.Start
	peak := allocatedOn(candidates, in.BranchID, in.Start, in.UserID)
	for _, a := range candidates {
		if a.BranchID != in.BranchID || a.UserID == in.UserID || !a.Start.After(in.Start) {
			continue
		}
		if allocated := allocatedOn(candidates, in.BranchID, a.Start, in.UserID); allocated.GreaterThan(peak) {
			peakDate, peak = a.Start, allocated
		}
	}
	return peakDate, peak, nil
}

// Create validates and inserts an assignment.
//
// Returns ErrNotSalesRole, ErrInvalidShare, ErrInvalidDate, ErrUserNotFound,
// ErrBranchNotFound, *ShareExceededError or ErrDuplicateAssignment. Nothing
// is written when an error is returned.
func (l *AssignmentLedger) Create(ctx context.Context, in NewAssignment) (*Assignment, error) {
	if err := validateNewAssignment(in); err != nil {
		return nil, err
	}

	user, err := l.Store.GetUser(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, in.UserID)
	}
	if user.Role != RoleSales {
		return nil, fmt.Errorf("%w: %s has role %q", ErrNotSalesRole, user.ID, user.Role)
	}

	// Serializes against every other writer of this branch until commit.
	if err := l.Store.LockBranch(ctx, in.BranchID); err != nil {
		return nil, err
	}

	peakDate, allocated, err := l.peakAllocation(ctx, in)
	if err != nil {
		return nil, err
	}
	if allocated.Add(in.Share).GreaterThan(one) {
		available := one.Sub(allocated)
		if available.IsNegative() {
			available = decimal.Zero
		}
		return nil, &ShareExceededError{
			BranchID:  in.BranchID,
			Date:      peakDate,
			Allocated: allocated,
			Requested: in.Share,
			Available: available,
		}
	}

	a := Assignment{
		ID:       l.newID(),
		UserID:   in.UserID,
		BranchID: in.BranchID,
		Start:    in.Start,
		End:      in.End,
		Share:    in.Share,
	}
	if err := l.Store.InsertAssignment(ctx, a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Delete hard-deletes an assignment. No history is kept.
func (l *AssignmentLedger) Delete(ctx context.Context, id AssignmentID) error {
	deleted, err := l.Store.DeleteAssignment(ctx, id)
	if err != nil {
		return fmt.Errorf("delete assignment: %w", err)
	}
	if !deleted {
		return fmt.Errorf("%w: %s", ErrAssignmentNotFound, id)
	}
	return nil
}

func (l *AssignmentLedger) newID() AssignmentID {
	if l.NewID != nil {
		return l.NewID()
	}
	return AssignmentID(uuid.NewString())
}

func validateNewAssignment(in NewAssignment) error {
	if in.UserID == "" || in.BranchID == "" {
		return fmt.Errorf("%w: user and branch are required", ErrInvalidInput)
	}
	if in.Start.IsZero() {
		return fmt.Errorf("%w: start date is required", ErrInvalidDate)
	}
	if in.End != nil && in.End.Before(in.Start) {
		return fmt.Errorf("%w: assignment ends %s before it starts %s", ErrInvalidPeriod, in.End, in.Start)
	}
	if !in.Share.IsPositive() || in.Share.GreaterThan(one) {
		return fmt.Errorf("%w: got %s", ErrInvalidShare, in.Share.String())
	}
	if exceedsScale(in.Share, ShareScale) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidShare, in.Share.String(), ShareScale)
	}
	return nil
}
