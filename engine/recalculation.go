/*
recalculation.go - Transactional recalculation of commission rows

PURPOSE:
  Wraps the Distributor in transactions for the three recalculation entry
  points:

    RecalculateOne(branch, date)          one branch-day
    RecalculateRange(branch, from, to)    every revenue day of a branch in range
    RecalculateAll()                      every branch-day with revenue

ATOMICITY:
  Each call is exactly one transaction. Any storage failure rolls the whole
  unit back: readers of the commission table never see a half-updated
  branch-day, range, or system.

LOCKING:
  The revenue rows being recomputed are read with a locking read before any
  commission row is touched, so two recalculations of the same branch-day
  serialize instead of interleaving.

SKIPS VS FAILURES:
  A day without revenue or without assignees is a skip. Only errors abort.
  RecalculateAll collects up to MaxReportedErrors failures (using savepoints
  when the session supports them) before rolling everything back.

SEE ALSO:
  - distribution.go: Per-day computation
  - engine.go: Engine construction and admin operations
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// MaxReportedErrors caps the failures collected by RecalculateAll.
const MaxReportedErrors = 10

const (
	OpRecalculateOne   = "recalculate_one"
	OpRecalculateRange = "recalculate_range"
	OpRecalculateAll   = "recalculate_all"
)

// RangeReport summarizes RecalculateRange.
type RangeReport struct {
	BranchID           BranchID `json:"branch_id"`
	Period             Period   `json:"-"`
	DatesProcessed     int      `json:"dates_processed"`
	DatesComputed      int      `json:"dates_computed"`
	DatesSkipped       int      `json:"dates_skipped"`
	CommissionsDeleted int64    `json:"commissions_deleted"`
	CommissionsWritten int      `json:"commissions_written"`
}

// FullReport summarizes RecalculateAll.
type FullReport struct {
	DatesChecked       int   `json:"dates_checked"`
	DatesComputed      int   `json:"dates_computed"`
	DatesSkipped       int   `json:"dates_skipped"`
	CommissionsDeleted int64 `json:"commissions_deleted"`
	CommissionsWritten int   `json:"commissions_written"`
}

// RecalculateOne recomputes one branch-day. Existing rows of the branch-day
// are replaced, so users no longer assigned lose their stale rows.
func (e *Engine) RecalculateOne(ctx context.Context, branchID BranchID, date Date) (*DistributionOutcome, error) {
	if branchID == "" || date.IsZero() {
		return nil, fmt.Errorf("%w: branch and date are required", ErrInvalidInput)
	}

	started := time.Now()
	var outcome *DistributionOutcome
	err := e.Store.WithTx(ctx, func(s Session) error {
		var err error
		outcome, err = recomputeDay(ctx, s, branchID, date)
		return err
	})
	e.observer().RecalculationFinished(OpRecalculateOne, time.Since(started), err)
	if err != nil {
		e.logger().Error("recalculation failed",
			zap.String("branch_id", string(branchID)),
			zap.Stringer("date", date),
			zap.Error(err))
		return nil, err
	}

	e.observer().DistributionFinished(outcome.Status)
	e.logger().Info("branch-day recalculated",
		zap.String("branch_id", string(branchID)),
		zap.Stringer("date", date),
		zap.String("status", string(outcome.Status)),
		zap.Int("commissions", len(outcome.Commissions)))
	return outcome, nil
}

// RecalculateRange recomputes every revenue day of a branch in [from, to].
func (e *Engine) RecalculateRange(ctx context.Context, branchID BranchID, from, to Date) (*RangeReport, error) {
	period := Period{Start: from, End: to}
	if branchID == "" {
		return nil, fmt.Errorf("%w: branch is required", ErrInvalidInput)
	}
	if !period.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPeriod, period)
	}

	started := time.Now()
	report := &RangeReport{BranchID: branchID, Period: period}
	var statuses []DistributionStatus
	err := e.Store.WithTx(ctx, func(s Session) error {
		dates, err := s.LockRevenueDates(ctx, branchID, from, to)
		if err != nil {
			return fmt.Errorf("lock revenue: %w", err)
		}
		report.CommissionsDeleted, err = s.DeleteCommissions(ctx, branchID, from, to)
		if err != nil {
			return fmt.Errorf("delete commissions: %w", err)
		}

		distributor := &Distributor{Store: s}
		for _, date := range dates {
			outcome, err := distributor.Distribute(ctx, branchID, date)
			if err != nil {
				return fmt.Errorf("%s: %w", BranchDate{branchID, date}, err)
			}
			report.DatesProcessed++
			statuses = append(statuses, outcome.Status)
			if outcome.Skipped() {
				report.DatesSkipped++
				continue
			}
			report.DatesComputed++
			report.CommissionsWritten += len(outcome.Commissions)
		}
		return nil
	})
	e.observer().RecalculationFinished(OpRecalculateRange, time.Since(started), err)
	if err != nil {
		e.logger().Error("range recalculation failed",
			zap.String("branch_id", string(branchID)),
			zap.Stringer("period", period),
			zap.Error(err))
		return nil, err
	}

	for _, st := range statuses {
		e.observer().DistributionFinished(st)
	}
	e.logger().Info("range recalculated",
		zap.String("branch_id", string(branchID)),
		zap.Stringer("period", period),
		zap.Int("dates_processed", report.DatesProcessed),
		zap.Int("dates_skipped", report.DatesSkipped),
		zap.Int("commissions_written", report.CommissionsWritten))
	return report, nil
}

// RecalculateAll deletes every commission row and recomputes every
// branch-day with revenue. All or nothing: on failure it returns a
// *RecalculationError and nothing is committed.
func (e *Engine) RecalculateAll(ctx context.Context) (*FullReport, error) {
	started := time.Now()
	report := &FullReport{}
	var statuses []DistributionStatus
	err := e.Store.WithTx(ctx, func(s Session) error {
		keys, err := s.LockAllRevenue(ctx)
		if err != nil {
			return fmt.Errorf("lock revenue: %w", err)
		}
		report.CommissionsDeleted, err = s.DeleteAllCommissions(ctx)
		if err != nil {
			return fmt.Errorf("delete commissions: %w", err)
		}

		sp, _ := s.(Savepointer)
		distributor := &Distributor{Store: s}
		var failures []PairError
		for _, key := range keys {
			report.DatesChecked++
			outcome, err := distributePair(ctx, sp, distributor, key)
			if err != nil {
				failures = append(failures, PairError{Key: key, Err: err})
				if len(failures) >= MaxReportedErrors {
					break
				}
				continue
			}
			statuses = append(statuses, outcome.Status)
			if outcome.Skipped() {
				report.DatesSkipped++
				continue
			}
			report.DatesComputed++
			report.CommissionsWritten += len(outcome.Commissions)
		}
		if len(failures) > 0 {
			return &RecalculationError{Report: *report, Errors: failures}
		}
		return nil
	})
	e.observer().RecalculationFinished(OpRecalculateAll, time.Since(started), err)
	if err != nil {
		e.logger().Error("full recalculation aborted", zap.Error(err))
		return nil, err
	}

	for _, st := range statuses {
		e.observer().DistributionFinished(st)
	}
	e.logger().Info("full recalculation committed",
		zap.Int("dates_checked", report.DatesChecked),
		zap.Int("dates_skipped", report.DatesSkipped),
		zap.Int("commissions_written", report.CommissionsWritten),
		zap.Duration("elapsed", time.Since(started)))
	return report, nil
}

// recomputeDay locks the revenue row, drops the day's rows and distributes.
func recomputeDay(ctx context.Context, s Session, branchID BranchID, date Date) (*DistributionOutcome, error) {
	if _, err := s.LockRevenueDates(ctx, branchID, date, date); err != nil {
		return nil, fmt.Errorf("lock revenue: %w", err)
	}
	if _, err := s.DeleteCommissions(ctx, branchID, date, date); err != nil {
		return nil, fmt.Errorf("delete commissions: %w", err)
	}
	return (&Distributor{Store: s}).Distribute(ctx, branchID, date)
}

const pairSavepoint = "recalc_pair"

// distributePair runs one Distribute under a savepoint when available, so a
// failed pair does not poison the rest of the transaction.
func distributePair(ctx context.Context, sp Savepointer, d *Distributor, key BranchDate) (*DistributionOutcome, error) {
	if sp == nil {
		return d.Distribute(ctx, key.BranchID, key.Date)
	}
	if err := sp.Savepoint(ctx, pairSavepoint); err != nil {
		return nil, err
	}
	outcome, err := d.Distribute(ctx, key.BranchID, key.Date)
	if err != nil {
		if rbErr := sp.RollbackTo(ctx, pairSavepoint); rbErr != nil {
			return nil, fmt.Errorf("%w (rollback to savepoint: %v)", err, rbErr)
		}
		return nil, err
	}
	if err := sp.Release(ctx, pairSavepoint); err != nil {
		return nil, err
	}
	return outcome, nil
}
