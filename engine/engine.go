/*
engine.go - The commission engine service

PURPOSE:
  Engine is the single entry point the HTTP layer, the scheduler and the
  scenario loader talk to. Every method opens exactly one transaction
  through the TxStore and hands the Session to the ledger, resolver or
  distributor.

OPERATIONS:
  Assignments:   CreateAssignment, DeleteAssignment, ActiveAssignees
  Tiers:         ResolveTier
  Inputs:        RecordRevenue, SaveTarget
  Recalculation: RecalculateOne, RecalculateRange, RecalculateAll
  Reading:       ListCommissions, AffectedDates

  Assignment writes do not cascade into recalculation. RecordRevenue and
  SaveTarget do, because they change the inputs of existing rows directly.

SEE ALSO:
  - recalculation.go: Recalculation entry points
  - store.go: TxStore / Session
*/
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Observer receives engine outcomes. The metrics package implements it.
type Observer interface {
	DistributionFinished(status DistributionStatus)
	RecalculationFinished(op string, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) DistributionFinished(DistributionStatus) {}

func (nopObserver) RecalculationFinished(string, time.Duration, error) {}

// Engine is the commission engine service.
type Engine struct {
	Store    TxStore
	Log      *zap.Logger
	Observer Observer

	// NewID overrides assignment id generation (tests).
	NewID func() AssignmentID
}

// New creates an engine over store. A nil logger disables logging.
func New(store TxStore, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{Store: store, Log: log.Named("engine")}
}

func (e *Engine) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e *Engine) observer() Observer {
	if e.Observer == nil {
		return nopObserver{}
	}
	return e.Observer
}

// =============================================================================
// ASSIGNMENTS
// =============================================================================

// CreateAssignment runs AssignmentLedger.Create in its own transaction.
func (e *Engine) CreateAssignment(ctx context.Context, in NewAssignment) (*Assignment, error) {
	var created *Assignment
	err := e.Store.WithTx(ctx, func(s Session) error {
		var err error
		created, err = (&AssignmentLedger{Store: s, NewID: e.NewID}).Create(ctx, in)
		return err
	})
	if err != nil {
		e.logger().Warn("assignment rejected",
			zap.String("user_id", string(in.UserID)),
			zap.String("branch_id", string(in.BranchID)),
			zap.Stringer("start", in.Start),
			zap.Error(err))
		return nil, err
	}
	e.logger().Info("assignment created",
		zap.String("assignment_id", string(created.ID)),
		zap.String("user_id", string(created.UserID)),
		zap.String("branch_id", string(created.BranchID)),
		zap.Stringer("start", created.Start),
		zap.String("share", created.Share.String()))
	return created, nil
}

// DeleteAssignment hard-deletes an assignment.
func (e *Engine) DeleteAssignment(ctx context.Context, id AssignmentID) error {
	err := e.Store.WithTx(ctx, func(s Session) error {
		return (&AssignmentLedger{Store: s}).Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	e.logger().Info("assignment deleted", zap.String("assignment_id", string(id)))
	return nil
}

// ActiveAssignees lists the assignees of branch on date.
func (e *Engine) ActiveAssignees(ctx context.Context, branchID BranchID, date Date) ([]Assignee, error) {
	var assignees []Assignee
	err := e.Store.WithTx(ctx, func(s Session) error {
		var err error
		assignees, err = (&AssignmentLedger{Store: s}).ActiveAssignees(ctx, branchID, date)
		return err
	})
	return assignees, err
}

// ResolveTier resolves the tier of branch on date. Returns ErrNoRevenue when
// there is nothing to resolve.
func (e *Engine) ResolveTier(ctx context.Context, branchID BranchID, date Date) (*Tier, error) {
	var tier *Tier
	err := e.Store.WithTx(ctx, func(s Session) error {
		var err error
		tier, err = (&TierResolver{Store: s}).Resolve(ctx, branchID, date)
		return err
	})
	return tier, err
}

// =============================================================================
// REVENUE & TARGETS
// =============================================================================

// RecordRevenue stores the revenue of a branch-day and recomputes its
// commissions in the same transaction. Unless the caller supplies snapshot
// thresholds, the thresholds in force are captured: the monthly target of
// the month, else the branch defaults.
func (e *Engine) RecordRevenue(ctx context.Context, r Revenue) (*DistributionOutcome, error) {
	if err := ValidateRevenue(r); err != nil {
		return nil, err
	}

	started := time.Now()
	var outcome *DistributionOutcome
	err := e.Store.WithTx(ctx, func(s Session) error {
		branch, err := s.GetBranch(ctx, r.BranchID)
		if err != nil {
			return fmt.Errorf("load branch: %w", err)
		}
		if branch == nil {
			return fmt.Errorf("%w: %s", ErrBranchNotFound, r.BranchID)
		}

		if !r.HasSnapshot() {
			target, err := s.GetTarget(ctx, r.BranchID, r.Date.Year(), int(r.Date.Month()))
			if err != nil {
				return fmt.Errorf("load monthly target: %w", err)
			}
			if target != nil {
				r.SnapshotMin, r.SnapshotMax = target.MinRevenue, target.MaxRevenue
			} else {
				r.SnapshotMin, r.SnapshotMax = branch.TargetMin, branch.TargetMax
			}
		}

		if err := s.SaveRevenue(ctx, r); err != nil {
			return fmt.Errorf("save revenue: %w", err)
		}
		outcome, err = recomputeDay(ctx, s, r.BranchID, r.Date)
		return err
	})
	e.observer().RecalculationFinished(OpRecalculateOne, time.Since(started), err)
	if err != nil {
		return nil, err
	}

	e.observer().DistributionFinished(outcome.Status)
	e.logger().Info("revenue recorded",
		zap.String("branch_id", string(r.BranchID)),
		zap.Stringer("date", r.Date),
		zap.String("total", r.Total().String()),
		zap.String("status", string(outcome.Status)))
	return outcome, nil
}

// SaveTarget stores a monthly target and recomputes the branch's month.
func (e *Engine) SaveTarget(ctx context.Context, t MonthlyTarget) (*RangeReport, error) {
	if err := ValidateTarget(t); err != nil {
		return nil, err
	}
	err := e.Store.WithTx(ctx, func(s Session) error {
		branch, err := s.GetBranch(ctx, t.BranchID)
		if err != nil {
			return fmt.Errorf("load branch: %w", err)
		}
		if branch == nil {
			return fmt.Errorf("%w: %s", ErrBranchNotFound, t.BranchID)
		}
		return s.SaveTarget(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	e.logger().Info("monthly target saved",
		zap.String("branch_id", string(t.BranchID)),
		zap.Int("year", t.Year),
		zap.Int("month", t.Month))

	period := t.Period()
	return e.RecalculateRange(ctx, t.BranchID, period.Start, period.End)
}

// ValidateRevenue rejects negative amounts and snapshots with min > max.
func ValidateRevenue(r Revenue) error {
	if r.BranchID == "" || r.Date.IsZero() {
		return fmt.Errorf("%w: branch and date are required", ErrInvalidRevenue)
	}
	if r.Cash.IsNegative() || r.Receivables.IsNegative() {
		return fmt.Errorf("%w: cash and receivables must not be negative", ErrInvalidRevenue)
	}
	if r.SnapshotMin.IsNegative() || r.SnapshotMax.IsNegative() {
		return fmt.Errorf("%w: snapshot thresholds must not be negative", ErrInvalidRevenue)
	}
	if r.SnapshotMax.IsPositive() && r.SnapshotMin.GreaterThan(r.SnapshotMax) {
		return fmt.Errorf("%w: snapshot min %s above max %s", ErrInvalidRevenue, r.SnapshotMin, r.SnapshotMax)
	}
	for _, v := range []decimal.Decimal{r.Cash, r.Receivables, r.SnapshotMin, r.SnapshotMax} {
		if exceedsScale(v, MoneyScale) {
			return fmt.Errorf("%w: amount %s has more than %d decimal places", ErrInvalidRevenue, v, MoneyScale)
		}
	}
	return nil
}

// ValidateTarget checks month range, threshold order and percentage bounds.
func ValidateTarget(t MonthlyTarget) error {
	if t.BranchID == "" {
		return fmt.Errorf("%w: branch is required", ErrInvalidTarget)
	}
	if t.Month < 1 || t.Month > 12 || t.Year < 1 {
		return fmt.Errorf("%w: no such month %d-%02d", ErrInvalidTarget, t.Year, t.Month)
	}
	if t.MinRevenue.IsNegative() || t.MaxRevenue.IsNegative() {
		return fmt.Errorf("%w: thresholds must not be negative", ErrInvalidTarget)
	}
	if t.MinRevenue.GreaterThan(t.MaxRevenue) {
		return fmt.Errorf("%w: min revenue %s above max revenue %s", ErrInvalidTarget, t.MinRevenue, t.MaxRevenue)
	}
	if exceedsScale(t.MinRevenue, MoneyScale) || exceedsScale(t.MaxRevenue, MoneyScale) {
		return fmt.Errorf("%w: revenue thresholds allow %d decimal places", ErrInvalidTarget, MoneyScale)
	}
	for _, p := range []*decimal.Decimal{t.MinPercentage, t.MaxPercentage} {
		if p != nil && (p.IsNegative() || p.GreaterThan(hundred)) {
			return fmt.Errorf("%w: percentage %s outside [0, 100]", ErrInvalidTarget, p)
		}
		if p != nil && exceedsScale(*p, PercentageScale) {
			return fmt.Errorf("%w: percentage %s has more than %d decimal places", ErrInvalidTarget, p, PercentageScale)
		}
	}
	return nil
}

// =============================================================================
// READING
// =============================================================================

// ListCommissions returns commission rows visible in f.Scope.
func (e *Engine) ListCommissions(ctx context.Context, f CommissionFilter) ([]Commission, error) {
	var rows []Commission
	err := e.Store.WithTx(ctx, func(s Session) error {
		var err error
		rows, err = s.ListCommissions(ctx, f)
		return err
	})
	return rows, err
}

// CommissionTotal is the summed commission of one user.
type CommissionTotal struct {
	UserID UserID
	Amount decimal.Decimal
	Days   int
}

// TotalsByUser sums rows per user, ordered by user id.
func TotalsByUser(rows []Commission) []CommissionTotal {
	byUser := make(map[UserID]*CommissionTotal)
	for _, c := range rows {
		t, ok := byUser[c.UserID]
		if !ok {
			t = &CommissionTotal{UserID: c.UserID}
			byUser[c.UserID] = t
		}
		t.Amount = t.Amount.Add(c.Amount)
		t.Days++
	}
	out := make([]CommissionTotal, 0, len(byUser))
	for _, t := range byUser {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// AffectedDates lists the branch-days with revenue in every branch the user
// has been assigned to, from their earliest assignment start on. Callers use
// it to decide what to recalculate after changing the user's assignments.
func (e *Engine) AffectedDates(ctx context.Context, userID UserID) ([]BranchDate, error) {
	var keys []BranchDate
	err := e.Store.WithTx(ctx, func(s Session) error {
		user, err := s.GetUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("load user: %w", err)
		}
		if user == nil {
			return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		assignments, err := s.ListAssignmentsByUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("load assignments: %w", err)
		}
		if len(assignments) == 0 {
			return nil
		}

		from := assignments[0].Start
		seen := make(map[BranchID]bool)
		var branches []BranchID
		for _, a := range assignments {
			if a.Start.Before(from) {
				from = a.Start
			}
			if !seen[a.BranchID] {
				seen[a.BranchID] = true
				branches = append(branches, a.BranchID)
			}
		}
		keys, err = s.RevenueDates(ctx, branches, from)
		return err
	})
	return keys, err
}
