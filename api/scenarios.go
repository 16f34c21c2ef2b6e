/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with data that
	demonstrates specific engine behaviors. Every loader goes through the
	same engine operations the API uses, so a loaded scenario already has
	its commissions computed.

AVAILABLE SCENARIOS:

	standard-branch:            Two staff at 0.6 / 0.4, min and max tier days
	two-person-redistribution:  One of two staff absent, pool redistributed
	branch-transfer:            A user moving from one branch to another

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create users and branches
 3. Create monthly targets via the target factory
 4. Create assignments (share cap enforced)
 5. Import attendance, record revenue (both recalculate)

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "two-person-redistribution"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Shared helpers
  - factory/presets.go: Target JSON presets
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/attendance"
	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "standard-branch",
		Name:        "Standard Branch",
		Description: "Two sales staff at 60% / 40% with a min-tier and a max-tier day",
	},
	{
		ID:          "two-person-redistribution",
		Name:        "Two-Person Redistribution",
		Description: "One of two assignees absent: the present one takes the full or half pool",
	},
	{
		ID:          "branch-transfer",
		Name:        "Branch Transfer",
		Description: "A user assigned to a new branch stops earning in the old one",
	},
}

// resetter is implemented by stores that can wipe all data.
type resetter interface {
	Reset(ctx context.Context) error
}

// ErrResetUnsupported is returned when the store cannot be reset.
var ErrResetUnsupported = errors.New("store does not support reset")

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if !fullScope(w, r) {
		return
	}
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		if errors.Is(err, engine.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "Unknown scenario", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	var load func(context.Context) error
	switch id {
	case "standard-branch":
		load = h.loadStandardBranchScenario
	case "two-person-redistribution":
		load = h.loadRedistributionScenario
	case "branch-transfer":
		load = h.loadBranchTransferScenario
	default:
		return fmt.Errorf("%w: unknown scenario %q", engine.ErrInvalidInput, id)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	store, ok := h.Engine.Store.(resetter)
	if !ok {
		return ErrResetUnsupported
	}
	if err := store.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		return err
	}
	h.currentScenario = id
	h.Log.Info("scenario loaded", zap.String("scenario", id))
	return nil
}

// =============================================================================
// LOADERS
// =============================================================================

// loadStandardBranchScenario: jakarta-01, June 2024 target 5M / 8M at
// 20% / 40%. Ani (0.6) and Budi (0.4).
//
//	2024-06-10  revenue 10M  -> max tier, pool 4M   -> 2.4M / 1.6M
//	2024-06-11  revenue 6M   -> min tier, pool 1.2M -> 720K / 480K
//	2024-06-12  revenue 4M   -> below min, zero commissions
func (h *Handler) loadStandardBranchScenario(ctx context.Context) error {
	s := &scenarioBuilder{h: h, ctx: ctx}
	s.user("ani", "Ani Wijaya", engine.RoleSales)
	s.user("budi", "Budi Santoso", engine.RoleSales)
	s.user("hr-1", "Sari (HR)", engine.RoleHR)
	s.branch("jakarta-01", "Jakarta Central", "0", "0")
	s.target(factory.StandardTargetJSON("jakarta-01", 2024, 6, "5000000", "8000000", "20", "40"))
	s.assign("ani", "jakarta-01", "2024-06-01", "0.6")
	s.assign("budi", "jakarta-01", "2024-06-01", "0.4")
	s.revenue("jakarta-01", "2024-06-10", "7000000", "3000000")
	s.revenue("jakarta-01", "2024-06-11", "6000000", "0")
	s.revenue("jakarta-01", "2024-06-12", "4000000", "0")
	return s.err
}

// loadRedistributionScenario: same branch, two staff, absences.
//
//	2024-06-10  both present            -> 0.6 / 0.4
//	2024-06-11  Budi absent, Ani 0.6    -> Ani takes the full pool
//	2024-06-12  Ani absent, Budi 0.4    -> Budi takes half the pool
//	2024-06-13  Ani half day, Budi absent -> Ani full pool at 0.5 attendance
func (h *Handler) loadRedistributionScenario(ctx context.Context) error {
	s := &scenarioBuilder{h: h, ctx: ctx}
	s.user("ani", "Ani Wijaya", engine.RoleSales)
	s.user("budi", "Budi Santoso", engine.RoleSales)
	s.branch("jakarta-01", "Jakarta Central", "0", "0")
	s.target(factory.StandardTargetJSON("jakarta-01", 2024, 6, "5000000", "8000000", "20", "40"))
	s.assign("ani", "jakarta-01", "2024-06-01", "0.6")
	s.assign("budi", "jakarta-01", "2024-06-01", "0.4")
	for _, day := range []string{"2024-06-10", "2024-06-11", "2024-06-12", "2024-06-13"} {
		s.revenue("jakarta-01", day, "10000000", "0")
	}
	s.attendance([]attendance.Entry{
		{UserID: "budi", BranchID: "jakarta-01", Date: s.date("2024-06-11"), Status: attendance.StatusAbsent},
		{UserID: "ani", BranchID: "jakarta-01", Date: s.date("2024-06-12"), Status: attendance.StatusLeave},
		{UserID: "ani", BranchID: "jakarta-01", Date: s.date("2024-06-13"), Status: attendance.StatusHalfDay},
		{UserID: "budi", BranchID: "jakarta-01", Date: s.date("2024-06-13"), Status: attendance.StatusAbsent},
	})
	return s.err
}

// loadBranchTransferScenario: Citra works in jakarta-01 from May and moves
// to bandung-01 on 2024-06-01. Bandung has no monthly target, so its
// branch defaults (3M / 6M) are snapshotted onto its revenue.
//
//	jakarta-01 2024-05-31  Citra 1.0
//	jakarta-01 2024-06-01  Dewi only (Citra moved)
//	bandung-01 2024-06-01  Citra 0.5, Eko 0.5
func (h *Handler) loadBranchTransferScenario(ctx context.Context) error {
	s := &scenarioBuilder{h: h, ctx: ctx}
	s.user("citra", "Citra Lestari", engine.RoleSales)
	s.user("dewi", "Dewi Anggraini", engine.RoleSales)
	s.user("eko", "Eko Prasetyo", engine.RoleSales)
	s.branch("jakarta-01", "Jakarta Central", "0", "0")
	s.branch("bandung-01", "Bandung", "3000000", "6000000")
	s.targets(factory.YearPlanJSON("jakarta-01", 2024, "5000000", "8000000"))
	s.assign("citra", "jakarta-01", "2024-05-01", "1")
	s.assign("citra", "bandung-01", "2024-06-01", "0.5")
	s.assign("eko", "bandung-01", "2024-06-01", "0.5")
	// Dewi fits only once Citra has left jakarta-01.
	s.assign("dewi", "jakarta-01", "2024-06-01", "1")
	s.revenue("jakarta-01", "2024-05-31", "9000000", "0")
	s.revenue("jakarta-01", "2024-06-01", "9000000", "0")
	s.revenue("bandung-01", "2024-06-01", "4000000", "500000")
	return s.err
}

// =============================================================================
// BUILDER
// =============================================================================

// scenarioBuilder chains engine calls and keeps the first error.
type scenarioBuilder struct {
	h   *Handler
	ctx context.Context
	err error
}

func (s *scenarioBuilder) do(what string, fn func() error) {
	if s.err != nil {
		return
	}
	if err := fn(); err != nil {
		s.err = fmt.Errorf("%s: %w", what, err)
	}
}

func (s *scenarioBuilder) date(v string) engine.Date {
	return engine.MustParseDate(v)
}

func (s *scenarioBuilder) user(id, name string, role engine.Role) {
	s.do("user "+id, func() error {
		return s.h.Engine.SaveUser(s.ctx, engine.User{ID: engine.UserID(id), Name: name, Role: role})
	})
}

func (s *scenarioBuilder) branch(id, name, targetMin, targetMax string) {
	s.do("branch "+id, func() error {
		return s.h.Engine.SaveBranch(s.ctx, engine.Branch{
			ID:        engine.BranchID(id),
			Name:      name,
			TargetMin: decimal.RequireFromString(targetMin),
			TargetMax: decimal.RequireFromString(targetMax),
		})
	})
}

func (s *scenarioBuilder) target(js string) {
	s.do("target", func() error {
		t, err := s.h.Targets.ParseTarget(js)
		if err != nil {
			return err
		}
		_, err = s.h.Engine.SaveTarget(s.ctx, *t)
		return err
	})
}

func (s *scenarioBuilder) targets(planJSON string) {
	s.do("target plan", func() error {
		ts, err := s.h.Targets.ParsePlan(planJSON)
		if err != nil {
			return err
		}
		for _, t := range ts {
			if _, err := s.h.Engine.SaveTarget(s.ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *scenarioBuilder) assign(user, branch, start, share string) {
	s.do(fmt.Sprintf("assign %s to %s", user, branch), func() error {
		_, err := s.h.Engine.CreateAssignment(s.ctx, engine.NewAssignment{
			UserID:   engine.UserID(user),
			BranchID: engine.BranchID(branch),
			Start:    s.date(start),
			Share:    decimal.RequireFromString(share),
		})
		return err
	})
}

func (s *scenarioBuilder) revenue(branch, day, cash, receivables string) {
	s.do(fmt.Sprintf("revenue %s@%s", branch, day), func() error {
		_, err := s.h.Engine.RecordRevenue(s.ctx, engine.Revenue{
			BranchID:    engine.BranchID(branch),
			Date:        s.date(day),
			Cash:        decimal.RequireFromString(cash),
			Receivables: decimal.RequireFromString(receivables),
		})
		return err
	})
}

func (s *scenarioBuilder) attendance(entries []attendance.Entry) {
	s.do("attendance", func() error {
		_, err := s.h.Attendance.Import(s.ctx, entries)
		return err
	})
}
