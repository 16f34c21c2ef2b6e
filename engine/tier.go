/*
tier.go - Revenue tier resolution

PURPOSE:
  Given a branch and a date, determine the daily revenue and which commission
  percentage applies to it.

LAYERED FALLBACK:
  Thresholds (min/max revenue):
    1. Snapshot stored on the revenue row (keeps history stable when targets
       change later)
    2. Monthly target of the branch for the month of the date
    3. Zero (no tier reachable)

  Percentages (min/max tier):
    1. Monthly target percentages
    2. Branch default percentages
    3. 20% / 40%

TIER SELECTION:
  total >= max > 0  -> max percentage
  total >= min > 0  -> min percentage
  otherwise         -> 0%

SEE ALSO:
  - distribution.go: Turns the tier into a commission pool
*/
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrNoRevenue is returned by TierResolver.Resolve when the branch has no
// (or zero) revenue on the date. It is an outcome, not a failure.
var ErrNoRevenue = errors.New("no revenue data")

type TierLevel string

const (
	TierNone TierLevel = "none"
	TierMin  TierLevel = "min"
	TierMax  TierLevel = "max"
)

// ThresholdSource records where the thresholds came from.
type ThresholdSource string

const (
	ThresholdsFromSnapshot ThresholdSource = "snapshot"
	ThresholdsFromTarget   ThresholdSource = "monthly_target"
	ThresholdsNone         ThresholdSource = "none"
)

// Tier is the resolved revenue tier of a branch-day.
type Tier struct {
	BranchID BranchID
	Date     Date

	Total decimal.Decimal
	Min   decimal.Decimal
	Max   decimal.Decimal

	MinPercentage decimal.Decimal
	MaxPercentage decimal.Decimal

	Level      TierLevel
	Percentage decimal.Decimal // percentage of the selected level
	Source     ThresholdSource
}

// Pool returns total * percentage / 100.
func (t Tier) Pool() decimal.Decimal {
	return t.Total.Mul(t.Percentage).Div(hundred)
}

// TierResolver resolves tiers through one Session.
type TierResolver struct {
	Store Session
}

// Resolve returns the tier for branch on date, or ErrNoRevenue.
func (r *TierResolver) Resolve(ctx context.Context, branchID BranchID, date Date) (*Tier, error) {
	revenue, err := r.Store.GetRevenue(ctx, branchID, date)
	if err != nil {
		return nil, fmt.Errorf("load revenue: %w", err)
	}
	if revenue == nil || revenue.Total().IsZero() {
		return nil, ErrNoRevenue
	}

	target, err := r.Store.GetTarget(ctx, branchID, date.Year(), int(date.Month()))
	if err != nil {
		return nil, fmt.Errorf("load monthly target: %w", err)
	}

	tier := &Tier{
		BranchID: branchID,
		Date:     date,
		Total:    revenue.Total(),
		Source:   ThresholdsNone,
	}

	// 1. Thresholds
	switch {
	case revenue.HasSnapshot():
		tier.Min, tier.Max = revenue.SnapshotMin, revenue.SnapshotMax
		tier.Source = ThresholdsFromSnapshot
	case target != nil:
		tier.Min, tier.Max = target.MinRevenue, target.MaxRevenue
		tier.Source = ThresholdsFromTarget
	}

	// 2. Percentages
	var minPct, maxPct *decimal.Decimal
	if target != nil {
		minPct, maxPct = target.MinPercentage, target.MaxPercentage
	}
	if minPct == nil || maxPct == nil {
		branch, err := r.Store.GetBranch(ctx, branchID)
		if err != nil {
			return nil, fmt.Errorf("load branch: %w", err)
		}
		if branch == nil {
			branch = &Branch{ID: branchID}
		}
		if minPct == nil {
			p := branch.MinPercentage()
			minPct = &p
		}
		if maxPct == nil {
			p := branch.MaxPercentage()
			maxPct = &p
		}
	}
	tier.MinPercentage, tier.MaxPercentage = *minPct, *maxPct

	// 3. Selection
	tier.Level, tier.Percentage = SelectTier(tier.Total, tier.Min, tier.Max, tier.MinPercentage, tier.MaxPercentage)
	return tier, nil
}

// SelectTier picks the tier for total against the thresholds.
func SelectTier(total, minRevenue, maxRevenue, minPct, maxPct decimal.Decimal) (TierLevel, decimal.Decimal) {
	if maxRevenue.IsPositive() && total.GreaterThanOrEqual(maxRevenue) {
		return TierMax, maxPct
	}
	if minRevenue.IsPositive() && total.GreaterThanOrEqual(minRevenue) {
		return TierMin, minPct
	}
	return TierNone, decimal.Zero
}
