/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

FORMATS:
  Money, shares and percentages are decimal strings ("1200000", "0.5").
  Requests also accept JSON numbers for them. Dates are YYYY-MM-DD.

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/target.go: TargetJSON, accepted as-is by POST /api/targets
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/attendance"
	"github.com/warp/commission-engine/engine"
)

// =============================================================================
// USERS & BRANCHES
// =============================================================================

type UserDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

type BranchDTO struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	TargetMin            decimal.Decimal  `json:"target_min"`
	TargetMax            decimal.Decimal  `json:"target_max"`
	DefaultMinPercentage *decimal.Decimal `json:"default_min_percentage,omitempty"`
	DefaultMaxPercentage *decimal.Decimal `json:"default_max_percentage,omitempty"`
}

func toUserDTO(u engine.User) UserDTO {
	return UserDTO{ID: string(u.ID), Name: u.Name, Role: string(u.Role)}
}

func toBranchDTO(b engine.Branch) BranchDTO {
	return BranchDTO{
		ID:                   string(b.ID),
		Name:                 b.Name,
		TargetMin:            b.TargetMin,
		TargetMax:            b.TargetMax,
		DefaultMinPercentage: b.DefaultMinPercentage,
		DefaultMaxPercentage: b.DefaultMaxPercentage,
	}
}

func (b BranchDTO) toBranch() engine.Branch {
	return engine.Branch{
		ID:                   engine.BranchID(b.ID),
		Name:                 b.Name,
		TargetMin:            b.TargetMin,
		TargetMax:            b.TargetMax,
		DefaultMinPercentage: b.DefaultMinPercentage,
		DefaultMaxPercentage: b.DefaultMaxPercentage,
	}
}

// =============================================================================
// ASSIGNMENTS
// =============================================================================

type AssignmentDTO struct {
	ID       string          `json:"id"`
	UserID   string          `json:"user_id"`
	BranchID string          `json:"branch_id"`
	Start    string          `json:"start"`
	End      *string         `json:"end,omitempty"`
	Share    decimal.Decimal `json:"share"`
}

type CreateAssignmentRequest struct {
	UserID   string          `json:"user_id"`
	BranchID string          `json:"branch_id"`
	Start    string          `json:"start"`
	End      *string         `json:"end,omitempty"`
	Share    decimal.Decimal `json:"share"`
}

type AssigneeDTO struct {
	UserID       string          `json:"user_id"`
	AssignmentID string          `json:"assignment_id"`
	Share        decimal.Decimal `json:"share"`
	AppliedShare decimal.Decimal `json:"applied_share"`
	Attendance   decimal.Decimal `json:"attendance"`
}

func toAssignmentDTO(a engine.Assignment) AssignmentDTO {
	dto := AssignmentDTO{
		ID:       string(a.ID),
		UserID:   string(a.UserID),
		BranchID: string(a.BranchID),
		Start:    a.Start.String(),
		Share:    a.Share,
	}
	if a.End != nil {
		end := a.End.String()
		dto.End = &end
	}
	return dto
}

// =============================================================================
// INPUTS
// =============================================================================

type AttendanceEntryDTO struct {
	UserID     string           `json:"user_id"`
	BranchID   string           `json:"branch_id"`
	Date       string           `json:"date"`
	Status     string           `json:"status,omitempty"`
	Multiplier *decimal.Decimal `json:"multiplier,omitempty"`
}

type AttendanceRequest struct {
	Entries []AttendanceEntryDTO `json:"entries"`
}

type AttendanceResponse struct {
	*attendance.ImportResult
	Affected []BranchDateDTO `json:"affected"`
}

type RevenueRequest struct {
	BranchID    string           `json:"branch_id"`
	Date        string           `json:"date"`
	Cash        decimal.Decimal  `json:"cash"`
	Receivables decimal.Decimal  `json:"receivables"`
	SnapshotMin *decimal.Decimal `json:"snapshot_min,omitempty"`
	SnapshotMax *decimal.Decimal `json:"snapshot_max,omitempty"`
}

type BranchDateDTO struct {
	BranchID string `json:"branch_id"`
	Date     string `json:"date"`
}

func toBranchDateDTOs(keys []engine.BranchDate) []BranchDateDTO {
	out := make([]BranchDateDTO, len(keys))
	for i, k := range keys {
		out[i] = BranchDateDTO{BranchID: string(k.BranchID), Date: k.Date.String()}
	}
	return out
}

// =============================================================================
// TIERS & COMMISSIONS
// =============================================================================

type TierDTO struct {
	BranchID      string          `json:"branch_id"`
	Date          string          `json:"date"`
	Total         decimal.Decimal `json:"total"`
	Min           decimal.Decimal `json:"min"`
	Max           decimal.Decimal `json:"max"`
	Source        string          `json:"source"`
	Level         string          `json:"level"`
	Percentage    decimal.Decimal `json:"percentage"`
	MinPercentage decimal.Decimal `json:"min_percentage"`
	MaxPercentage decimal.Decimal `json:"max_percentage"`
	Pool          decimal.Decimal `json:"pool"`
}

func toTierDTO(t *engine.Tier) *TierDTO {
	if t == nil {
		return nil
	}
	return &TierDTO{
		BranchID:      string(t.BranchID),
		Date:          t.Date.String(),
		Total:         t.Total,
		Min:           t.Min,
		Max:           t.Max,
		Source:        string(t.Source),
		Level:         string(t.Level),
		Percentage:    t.Percentage,
		MinPercentage: t.MinPercentage,
		MaxPercentage: t.MaxPercentage,
		Pool:          t.Pool(),
	}
}

type CommissionDTO struct {
	UserID        string          `json:"user_id"`
	BranchID      string          `json:"branch_id"`
	Date          string          `json:"date"`
	Amount        decimal.Decimal `json:"amount"`
	Percentage    decimal.Decimal `json:"percentage"`
	NominalShare  decimal.Decimal `json:"nominal_share"`
	AppliedShare  decimal.Decimal `json:"applied_share"`
	Attendance    decimal.Decimal `json:"attendance"`
	Redistributed bool            `json:"redistributed"`
	Inputs        string          `json:"inputs"`
}

func toCommissionDTO(c engine.Commission) CommissionDTO {
	return CommissionDTO{
		UserID:        string(c.UserID),
		BranchID:      string(c.BranchID),
		Date:          c.Date.String(),
		Amount:        c.Amount,
		Percentage:    c.Percentage,
		NominalShare:  c.NominalShare,
		AppliedShare:  c.AppliedShare,
		Attendance:    c.Attendance,
		Redistributed: c.Redistributed,
		Inputs:        c.Inputs,
	}
}

type CommissionTotalDTO struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
	Days   int             `json:"days"`
}

type CommissionsResponse struct {
	Commissions []CommissionDTO      `json:"commissions"`
	Totals      []CommissionTotalDTO `json:"totals"`
}

// DistributionDTO is the outcome of one branch-day distribution.
type DistributionDTO struct {
	BranchID      string          `json:"branch_id"`
	Date          string          `json:"date"`
	Status        string          `json:"status"`
	Tier          *TierDTO        `json:"tier,omitempty"`
	Pool          decimal.Decimal `json:"pool"`
	Redistributed bool            `json:"redistributed"`
	Commissions   []CommissionDTO `json:"commissions"`
}

func toDistributionDTO(o *engine.DistributionOutcome) DistributionDTO {
	dto := DistributionDTO{
		BranchID:      string(o.BranchID),
		Date:          o.Date.String(),
		Status:        string(o.Status),
		Tier:          toTierDTO(o.Tier),
		Pool:          o.Pool,
		Redistributed: o.Redistributed,
		Commissions:   make([]CommissionDTO, len(o.Commissions)),
	}
	for i, c := range o.Commissions {
		dto.Commissions[i] = toCommissionDTO(c)
	}
	return dto
}

// =============================================================================
// RECALCULATION
// =============================================================================

type RecalculateDateRequest struct {
	BranchID string `json:"branch_id"`
	Date     string `json:"date"`
}

type RecalculateRangeRequest struct {
	BranchID string `json:"branch_id"`
	From     string `json:"from"`
	To       string `json:"to"`
}

type RangeReportDTO struct {
	*engine.RangeReport
	From string `json:"from"`
	To   string `json:"to"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type ShareExceededDTO struct {
	BranchID  string          `json:"branch_id"`
	Date      string          `json:"date"`
	Allocated decimal.Decimal `json:"allocated"`
	Requested decimal.Decimal `json:"requested"`
	Available decimal.Decimal `json:"available"`
}

type RecalculationFailureDTO struct {
	Report *engine.FullReport `json:"report"`
	Errors []PairErrorDTO     `json:"errors"`
}

type PairErrorDTO struct {
	BranchID string `json:"branch_id"`
	Date     string `json:"date"`
	Error    string `json:"error"`
}
