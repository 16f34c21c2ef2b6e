/*
Package attendance records the daily presence of sales staff.

PURPOSE:
  The distributor scales every assignee's commission by an attendance
  multiplier. This package turns what HR records (a status per person per
  day) into those multipliers and writes them through an engine.Session.

MULTIPLIERS:
  present   -> 1
  half_day  -> 0.5
  absent    -> 0
  leave     -> 0

  No other multiplier is accepted. A missing row means present.

SEE ALSO:
  - book.go: Record / Import with duplicate detection
  - engine/distribution.go: where multipliers are applied
*/
package attendance

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/engine"
)

// Status is what HR records for a person on a day.
type Status string

const (
	StatusPresent Status = "present"
	StatusHalfDay Status = "half_day"
	StatusAbsent  Status = "absent"
	StatusLeave   Status = "leave"
)

var (
	MultiplierFull = decimal.NewFromInt(1)
	MultiplierHalf = decimal.RequireFromString("0.5")
	MultiplierNone = decimal.Zero
)

// Multiplier returns the multiplier of s.
func (s Status) Multiplier() (decimal.Decimal, error) {
	switch s {
	case StatusPresent:
		return MultiplierFull, nil
	case StatusHalfDay:
		return MultiplierHalf, nil
	case StatusAbsent, StatusLeave:
		return MultiplierNone, nil
	}
	return decimal.Zero, fmt.Errorf("%w: unknown attendance status %q", engine.ErrInvalidInput, s)
}

// StatusOf maps a multiplier back to a status. Zero maps to absent.
func StatusOf(m decimal.Decimal) Status {
	switch {
	case m.Equal(MultiplierFull):
		return StatusPresent
	case m.Equal(MultiplierHalf):
		return StatusHalfDay
	}
	return StatusAbsent
}

// ValidateMultiplier accepts exactly 0, 0.5 and 1 and returns the canonical
// form of m.
func ValidateMultiplier(m decimal.Decimal) (decimal.Decimal, error) {
	for _, allowed := range []decimal.Decimal{MultiplierNone, MultiplierHalf, MultiplierFull} {
		if m.Equal(allowed) {
			return allowed, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: got %s", engine.ErrInvalidMultiplier, m.String())
}
