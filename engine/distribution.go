/*
distribution.go - Splitting the branch commission pool across assignees

PURPOSE:
  Turns one branch-day of revenue into one commission row per assignee.

PIPELINE:
  1. Resolve the tier (tier.go). No revenue -> StatusNoRevenue.
  2. pool = total * percentage / 100
  3. Resolve active assignees (assignment.go). None -> StatusNoAssignees.
  4. Apply the redistribution rule (below) to get each applied share.
  5. commission = pool * applied share * attendance multiplier
  6. Upsert one row per (user, branch, date).

REDISTRIBUTION RULE:
  When exactly two people are assigned and exactly one of them is present,
  the present person takes over the absent person's part:

    nominal share >= 0.5  -> applied share 1.0 (full pool)
    nominal share <  0.5  -> applied share 0.5 (half the pool)

  In every other case applied share = nominal share. Every row of a
  redistributed branch-day carries Redistributed = true.

IDEMPOTENCY:
  Rows carry no timestamps and the Inputs JSON is built from a struct with
  fixed field order, so recomputing unchanged inputs writes identical rows.

SEE ALSO:
  - recalculation.go: Transaction boundaries around Distribute
*/
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// CommissionScale is the number of decimal places commissions are rounded to.
const CommissionScale = 2

type DistributionStatus string

const (
	StatusComputed    DistributionStatus = "computed"
	StatusNoRevenue   DistributionStatus = "no_revenue"
	StatusNoAssignees DistributionStatus = "no_assignees"
)

// DistributionOutcome is the result of distributing one branch-day.
type DistributionOutcome struct {
	BranchID BranchID
	Date     Date
	Status   DistributionStatus

	Tier          *Tier // nil when StatusNoRevenue
	Pool          decimal.Decimal
	Redistributed bool
	Commissions   []Commission
}

// Skipped reports whether nothing was computed.
func (o *DistributionOutcome) Skipped() bool {
	return o.Status != StatusComputed
}

// Distributor computes and persists commissions through one Session.
type Distributor struct {
	Store Session
}

// Distribute computes the commissions of branch on date and upserts them.
// Missing revenue or assignees are reported in the outcome status.
func (d *Distributor) Distribute(ctx context.Context, branchID BranchID, date Date) (*DistributionOutcome, error) {
	outcome := &DistributionOutcome{BranchID: branchID, Date: date}

	resolver := &TierResolver{Store: d.Store}
	tier, err := resolver.Resolve(ctx, branchID, date)
	if errors.Is(err, ErrNoRevenue) {
		outcome.Status = StatusNoRevenue
		return outcome, nil
	}
	if err != nil {
		return nil, err
	}
	outcome.Tier = tier
	outcome.Pool = tier.Pool()

	ledger := &AssignmentLedger{Store: d.Store}
	assignees, err := ledger.ActiveAssignees(ctx, branchID, date)
	if err != nil {
		return nil, err
	}
	if len(assignees) == 0 {
		outcome.Status = StatusNoAssignees
		return outcome, nil
	}

	shares := AppliedShares(assignees)
	outcome.Redistributed = isRedistributed(assignees)
	inputs, err := encodeInputs(tier, outcome.Pool, assignees)
	if err != nil {
		return nil, err
	}

	for i, a := range assignees {
		c := Commission{
			UserID:        a.UserID,
			BranchID:      branchID,
			Date:          date,
			Amount:        outcome.Pool.Mul(shares[i]).Mul(a.Attendance).Round(CommissionScale),
			Percentage:    tier.Percentage,
			NominalShare:  a.Share,
			AppliedShare:  shares[i],
			Attendance:    a.Attendance,
			Redistributed: outcome.Redistributed,
			Inputs:        inputs,
		}
		if err := d.Store.UpsertCommission(ctx, c); err != nil {
			return nil, fmt.Errorf("upsert commission %s/%s/%s: %w", c.UserID, branchID, date, err)
		}
		outcome.Commissions = append(outcome.Commissions, c)
	}

	outcome.Status = StatusComputed
	return outcome, nil
}

// AppliedShares returns the applied share of each assignee, index-aligned
// with the input.
func AppliedShares(assignees []Assignee) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(assignees))
	for i, a := range assignees {
		shares[i] = a.Share
	}
	if !isRedistributed(assignees) {
		return shares
	}
	for i, a := range assignees {
		if !a.IsPresent() {
			continue
		}
		if a.Share.GreaterThanOrEqual(half) {
			shares[i] = one
		} else {
			shares[i] = half
		}
	}
	return shares
}

func isRedistributed(assignees []Assignee) bool {
	if len(assignees) != 2 {
		return false
	}
	present := 0
	for _, a := range assignees {
		if a.IsPresent() {
			present++
		}
	}
	return present == 1
}

// calculationInputs is the audit snapshot stored on each commission row.
// Field order is part of the stored format.
type calculationInputs struct {
	Revenue         string           `json:"revenue"`
	MinRevenue      string           `json:"min_revenue"`
	MaxRevenue      string           `json:"max_revenue"`
	ThresholdSource ThresholdSource  `json:"threshold_source"`
	Tier            TierLevel        `json:"tier"`
	Percentage      string           `json:"percentage"`
	Pool            string           `json:"pool"`
	Assignees       []assigneeInputs `json:"assignees"`
}

type assigneeInputs struct {
	UserID     UserID `json:"user_id"`
	Share      string `json:"share"`
	Attendance string `json:"attendance"`
}

func encodeInputs(tier *Tier, pool decimal.Decimal, assignees []Assignee) (string, error) {
	in := calculationInputs{
		Revenue:         tier.Total.String(),
		MinRevenue:      tier.Min.String(),
		MaxRevenue:      tier.Max.String(),
		ThresholdSource: tier.Source,
		Tier:            tier.Level,
		Percentage:      tier.Percentage.String(),
		Pool:            pool.String(),
	}
	for _, a := range assignees {
		in.Assignees = append(in.Assignees, assigneeInputs{
			UserID:     a.UserID,
			Share:      a.Share.String(),
			Attendance: a.Attendance.String(),
		})
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encode calculation inputs: %w", err)
	}
	return string(b), nil
}
