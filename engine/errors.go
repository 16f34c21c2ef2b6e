/*
errors.go - Centralized error types for the commission engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The HTTP layer classifies them with IsClientError / IsConflict / IsNotFound.

ERROR CATEGORIES:
  1. Validation errors - rejected writes (share cap, duplicates, bad input)
  2. Not-found errors - referenced users, branches, assignments
  3. Storage errors - everything else; the enclosing transaction rolls back

  Missing revenue or assignees are NOT errors. Distribute reports them as
  DistributionStatus values so batch recalculation can count them as skips.

SEE ALSO:
  - assignment.go: Share cap validation
  - recalculation.go: RecalculationError aggregation
*/
package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrShareExceeded is returned when an assignment would push the active
	// shares of a branch above 100%.
	ErrShareExceeded = errors.New("branch share exceeds 100%")

	// ErrDuplicateAssignment is returned when the user is already assigned to
	// the branch with the same start date.
	ErrDuplicateAssignment = errors.New("user already assigned to this branch on this date")

	// ErrInvalidShare is returned for share factors outside (0, 1].
	ErrInvalidShare = errors.New("share factor must be greater than 0 and at most 1")

	// ErrNotSalesRole is returned when assigning a user that is not sales staff.
	ErrNotSalesRole = errors.New("only sales staff can be assigned to a branch")

	ErrInvalidDate       = errors.New("invalid date")
	ErrInvalidPeriod     = errors.New("invalid period: end before start")
	ErrInvalidMultiplier = errors.New("attendance multiplier must be 0, 0.5 or 1")
	ErrInvalidTarget     = errors.New("invalid monthly target")
	ErrInvalidRevenue    = errors.New("invalid revenue")
	ErrInvalidInput      = errors.New("invalid input")

	ErrUserNotFound       = errors.New("user not found")
	ErrBranchNotFound     = errors.New("branch not found")
	ErrAssignmentNotFound = errors.New("assignment not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ShareExceededError reports how much share is still available in the branch.
type ShareExceededError struct {
	BranchID  BranchID
	Date      Date
	Allocated decimal.Decimal // sum of the other active shares
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *ShareExceededError) Error() string {
	return fmt.Sprintf("branch %s share exceeds 100%% on %s: allocated %s, requested %s, available %s",
		e.BranchID, e.Date, e.Allocated.String(), e.Requested.String(), e.Available.String())
}

func (e *ShareExceededError) Unwrap() error {
	return ErrShareExceeded
}

// PairError is the failure of one branch-day during a full recalculation.
type PairError struct {
	Key BranchDate
	Err error
}

func (e PairError) Error() string {
	return e.Key.String() + ": " + e.Err.Error()
}

// RecalculationError aborts a full recalculation. Nothing was committed.
type RecalculationError struct {
	Report FullReport
	Errors []PairError // first MaxReportedErrors failures
}

func (e *RecalculationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, pe := range e.Errors {
		msgs[i] = pe.Error()
	}
	return fmt.Sprintf("recalculation aborted after %d failure(s): %s",
		len(e.Errors), strings.Join(msgs, "; "))
}

func (e *RecalculationError) Unwrap() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e.Errors[0].Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidShare) ||
		errors.Is(err, ErrNotSalesRole) ||
		errors.Is(err, ErrInvalidDate) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidMultiplier) ||
		errors.Is(err, ErrInvalidTarget) ||
		errors.Is(err, ErrInvalidRevenue) ||
		errors.Is(err, ErrInvalidInput)
}

// IsConflict returns true if the write collides with existing state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrShareExceeded) ||
		errors.Is(err, ErrDuplicateAssignment)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrBranchNotFound) ||
		errors.Is(err, ErrAssignmentNotFound)
}
