/*
Package factory provides JSON to Go monthly-target conversion.

PURPOSE:
  Converts JSON target definitions into validated engine.MonthlyTarget
  values. Finance maintains thresholds per branch and month; the factory
  is the single place that decides what a well-formed target looks like.

JSON SCHEMA:
  {
    "branch_id": "jakarta-01",
    "period": "2024-06",
    "min_revenue": "5000000",
    "max_revenue": "8000000",
    "min_percentage": "20",
    "max_percentage": "40"
  }

  "period" may be replaced by "year" + "month". Amounts accept JSON strings
  or numbers. Omitted percentages fall back to the branch defaults at
  resolution time.

  A plan spreads one set of thresholds over several months:
  {
    "branch_id": "jakarta-01",
    "from": "2024-01",
    "to": "2024-12",
    "min_revenue": "5000000",
    "max_revenue": "8000000"
  }

USAGE:
  f := factory.NewTargetFactory()
  target, err := f.ParseTarget(jsonStr)
  if err != nil {
      return err
  }
  _, err = eng.SaveTarget(ctx, *target)

SEE ALSO:
  - engine/engine.go: ValidateTarget, SaveTarget
  - presets.go: Demo targets
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/engine"
)

const periodLayout = "2006-01"

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// TargetJSON is the JSON representation of a monthly target.
type TargetJSON struct {
	BranchID string `json:"branch_id"`
	Period   string `json:"period,omitempty"` // YYYY-MM
	Year     int    `json:"year,omitempty"`
	Month    int    `json:"month,omitempty"`

	MinRevenue    decimal.Decimal  `json:"min_revenue"`
	MaxRevenue    decimal.Decimal  `json:"max_revenue"`
	MinPercentage *decimal.Decimal `json:"min_percentage,omitempty"`
	MaxPercentage *decimal.Decimal `json:"max_percentage,omitempty"`
}

// PlanJSON applies the same thresholds to every month in [From, To].
type PlanJSON struct {
	BranchID string `json:"branch_id"`
	From     string `json:"from"`
	To       string `json:"to"`

	MinRevenue    decimal.Decimal  `json:"min_revenue"`
	MaxRevenue    decimal.Decimal  `json:"max_revenue"`
	MinPercentage *decimal.Decimal `json:"min_percentage,omitempty"`
	MaxPercentage *decimal.Decimal `json:"max_percentage,omitempty"`
}

// MaxPlanMonths bounds a plan to ten years.
const MaxPlanMonths = 120

// =============================================================================
// TARGET FACTORY
// =============================================================================

// TargetFactory converts JSON targets to engine targets.
type TargetFactory struct{}

// NewTargetFactory creates a new target factory.
func NewTargetFactory() *TargetFactory {
	return &TargetFactory{}
}

// ParseTarget parses a JSON string into a validated MonthlyTarget.
func (f *TargetFactory) ParseTarget(jsonStr string) (*engine.MonthlyTarget, error) {
	var tj TargetJSON
	if err := json.Unmarshal([]byte(jsonStr), &tj); err != nil {
		return nil, fmt.Errorf("%w: failed to parse target JSON: %v", engine.ErrInvalidTarget, err)
	}
	return f.FromJSON(tj)
}

// FromJSON converts TargetJSON to a validated MonthlyTarget.
func (f *TargetFactory) FromJSON(tj TargetJSON) (*engine.MonthlyTarget, error) {
	year, month := tj.Year, tj.Month
	if tj.Period != "" {
		if year != 0 || month != 0 {
			return nil, fmt.Errorf("%w: give period or year/month, not both", engine.ErrInvalidTarget)
		}
		var err error
		if year, month, err = parsePeriod(tj.Period); err != nil {
			return nil, err
		}
	}

	t := &engine.MonthlyTarget{
		BranchID:      engine.BranchID(tj.BranchID),
		Year:          year,
		Month:         month,
		MinRevenue:    tj.MinRevenue,
		MaxRevenue:    tj.MaxRevenue,
		MinPercentage: tj.MinPercentage,
		MaxPercentage: tj.MaxPercentage,
	}
	if err := engine.ValidateTarget(*t); err != nil {
		return nil, err
	}
	return t, nil
}

// ParsePlan parses a plan into one target per month, in calendar order.
func (f *TargetFactory) ParsePlan(jsonStr string) ([]engine.MonthlyTarget, error) {
	var pj PlanJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, fmt.Errorf("%w: failed to parse plan JSON: %v", engine.ErrInvalidTarget, err)
	}
	return f.FromPlan(pj)
}

// FromPlan expands a plan into validated monthly targets.
func (f *TargetFactory) FromPlan(pj PlanJSON) ([]engine.MonthlyTarget, error) {
	fromYear, fromMonth, err := parsePeriod(pj.From)
	if err != nil {
		return nil, err
	}
	toYear, toMonth, err := parsePeriod(pj.To)
	if err != nil {
		return nil, err
	}

	months := (toYear-fromYear)*12 + (toMonth - fromMonth) + 1
	if months < 1 {
		return nil, fmt.Errorf("%w: plan ends before it starts", engine.ErrInvalidTarget)
	}
	if months > MaxPlanMonths {
		return nil, fmt.Errorf("%w: plan spans %d months, at most %d allowed", engine.ErrInvalidTarget, months, MaxPlanMonths)
	}

	targets := make([]engine.MonthlyTarget, 0, months)
	for i := 0; i < months; i++ {
		m := time.Date(fromYear, time.Month(fromMonth)+time.Month(i), 1, 0, 0, 0, 0, time.UTC)
		t, err := f.FromJSON(TargetJSON{
			BranchID:      pj.BranchID,
			Year:          m.Year(),
			Month:         int(m.Month()),
			MinRevenue:    pj.MinRevenue,
			MaxRevenue:    pj.MaxRevenue,
			MinPercentage: pj.MinPercentage,
			MaxPercentage: pj.MaxPercentage,
		})
		if err != nil {
			return nil, err
		}
		targets = append(targets, *t)
	}
	return targets, nil
}

// ToJSON converts a MonthlyTarget to TargetJSON using the period form.
func (f *TargetFactory) ToJSON(t engine.MonthlyTarget) TargetJSON {
	return TargetJSON{
		BranchID:      string(t.BranchID),
		Period:        fmt.Sprintf("%04d-%02d", t.Year, t.Month),
		MinRevenue:    t.MinRevenue,
		MaxRevenue:    t.MaxRevenue,
		MinPercentage: t.MinPercentage,
		MaxPercentage: t.MaxPercentage,
	}
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parsePeriod(s string) (year, month int, err error) {
	p, err := time.Parse(periodLayout, s)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: period %q must be YYYY-MM", engine.ErrInvalidTarget, s)
	}
	return p.Year(), int(p.Month()), nil
}
