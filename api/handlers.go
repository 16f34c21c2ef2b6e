/*
handlers.go - HTTP API handlers for the commission engine

PURPOSE:
  Exposes the commission engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine, the attendance service
  and the target factory.

ENDPOINTS:
  Users:
    GET    /api/users                         List users
    POST   /api/users                         Create or update a user
    GET    /api/users/{id}/assignments        Assignment history
    GET    /api/users/{id}/affected-dates     Branch-days to recalculate

  Branches:
    GET    /api/branches                      List branches
    POST   /api/branches                      Create or update a branch
    GET    /api/branches/{id}/assignees?date= Active assignees on a date
    GET    /api/branches/{id}/tier?date=      Resolved revenue tier

  Assignments:
    POST   /api/assignments                   Create (share cap enforced)
    DELETE /api/assignments/{id}              Hard delete

  Inputs:
    POST   /api/attendance                    Batch import + recalculation
    POST   /api/targets                       Monthly target + month recalculation
    POST   /api/revenue                       Daily revenue + day recalculation

  Recalculation:
    POST   /api/recalculate/date              One branch-day
    POST   /api/recalculate/range             One branch, date range
    POST   /api/recalculate/all               Everything, all or nothing
    GET    /api/recalculate/last              Last scheduled run

  Commissions:
    GET    /api/commissions?branch=&user=&from=&to=

ERROR HANDLING:
  Errors are returned as JSON {"error", "details", "data"}:
  - 400: engine.IsClientError (validation, malformed input)
  - 404: engine.IsNotFound
  - 409: engine.IsConflict (share cap, duplicate assignment)
  - 500: everything else

SCOPE:
  X-Branch-Scope (comma separated branch ids) restricts what a caller may
  see and change. Without it the caller sees all branches. Listings are
  filtered; a request naming a branch outside the scope gets 403, and
  recalculate-all and scenario loading need the full scope.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/attendance"
	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/factory"
)

// ScopeHeader carries the branches a caller is allowed to see.
const ScopeHeader = "X-Branch-Scope"

// ErrOutOfScope is returned for requests touching branches outside the
// caller scope.
var ErrOutOfScope = errors.New("branch outside caller scope")

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine     *engine.Engine
	Attendance *attendance.Service
	Targets    *factory.TargetFactory
	Scheduler  *RecalculationScheduler // optional
	Log        *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over eng.
func NewHandler(eng *engine.Engine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Engine:     eng,
		Attendance: attendance.NewService(eng, log),
		Targets:    factory.NewTargetFactory(),
		Log:        log.Named("api"),
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Engine.ListUsers(r.Context())
	if err != nil {
		writeEngineError(w, "Failed to list users", err)
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req UserDTO
	if !decodeBody(w, r, &req) {
		return
	}
	user := engine.User{ID: engine.UserID(req.ID), Name: req.Name, Role: engine.Role(req.Role)}
	if err := h.Engine.SaveUser(r.Context(), user); err != nil {
		writeEngineError(w, "Failed to save user", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(user))
}

func (h *Handler) GetUserAssignments(w http.ResponseWriter, r *http.Request) {
	userID := engine.UserID(chi.URLParam(r, "id"))
	assignments, err := h.Engine.UserAssignments(r.Context(), userID)
	if err != nil {
		writeEngineError(w, "Failed to list assignments", err)
		return
	}
	dtos := make([]AssignmentDTO, len(assignments))
	for i, a := range assignments {
		dtos[i] = toAssignmentDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAffectedDates lists the branch-days touched by a user's assignments.
func (h *Handler) GetAffectedDates(w http.ResponseWriter, r *http.Request) {
	userID := engine.UserID(chi.URLParam(r, "id"))
	keys, err := h.Engine.AffectedDates(r.Context(), userID)
	if err != nil {
		writeEngineError(w, "Failed to compute affected dates", err)
		return
	}
	writeJSON(w, http.StatusOK, toBranchDateDTOs(keys))
}

// =============================================================================
// BRANCH HANDLERS
// =============================================================================

func (h *Handler) ListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := h.Engine.ListBranches(r.Context())
	if err != nil {
		writeEngineError(w, "Failed to list branches", err)
		return
	}
	scope := callerScope(r)
	dtos := make([]BranchDTO, 0, len(branches))
	for _, b := range branches {
		if scope.Contains(b.ID) {
			dtos = append(dtos, toBranchDTO(b))
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateBranch(w http.ResponseWriter, r *http.Request) {
	var req BranchDTO
	if !decodeBody(w, r, &req) {
		return
	}
	branch := req.toBranch()
	if err := h.Engine.SaveBranch(r.Context(), branch); err != nil {
		writeEngineError(w, "Failed to save branch", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBranchDTO(branch))
}

// GetAssignees returns the active assignees of a branch on ?date=.
func (h *Handler) GetAssignees(w http.ResponseWriter, r *http.Request) {
	branchID := engine.BranchID(chi.URLParam(r, "id"))
	if !inScope(w, r, branchID) {
		return
	}
	date, err := parseDateParam(r.URL.Query().Get("date"), "date")
	if err != nil {
		writeEngineError(w, "Invalid date", err)
		return
	}

	assignees, err := h.Engine.ActiveAssignees(r.Context(), branchID, date)
	if err != nil {
		writeEngineError(w, "Failed to resolve assignees", err)
		return
	}
	applied := engine.AppliedShares(assignees)
	dtos := make([]AssigneeDTO, len(assignees))
	for i, a := range assignees {
		dtos[i] = AssigneeDTO{
			UserID:       string(a.UserID),
			AssignmentID: string(a.AssignmentID),
			Share:        a.Share,
			AppliedShare: applied[i],
			Attendance:   a.Attendance,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTier resolves the revenue tier of a branch on ?date=.
func (h *Handler) GetTier(w http.ResponseWriter, r *http.Request) {
	branchID := engine.BranchID(chi.URLParam(r, "id"))
	if !inScope(w, r, branchID) {
		return
	}
	date, err := parseDateParam(r.URL.Query().Get("date"), "date")
	if err != nil {
		writeEngineError(w, "Invalid date", err)
		return
	}

	tier, err := h.Engine.ResolveTier(r.Context(), branchID, date)
	if errors.Is(err, engine.ErrNoRevenue) {
		writeError(w, http.StatusNotFound, "No revenue recorded for this date", err)
		return
	}
	if err != nil {
		writeEngineError(w, "Failed to resolve tier", err)
		return
	}
	writeJSON(w, http.StatusOK, toTierDTO(tier))
}

// =============================================================================
// ASSIGNMENT HANDLERS
// =============================================================================

func (h *Handler) CreateAssignment(w http.ResponseWriter, r *http.Request) {
	var req CreateAssignmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !inScope(w, r, engine.BranchID(req.BranchID)) {
		return
	}

	start, err := parseDateParam(req.Start, "start")
	if err != nil {
		writeEngineError(w, "Invalid start date", err)
		return
	}
	in := engine.NewAssignment{
		UserID:   engine.UserID(req.UserID),
		BranchID: engine.BranchID(req.BranchID),
		Start:    start,
		Share:    req.Share,
	}
	if req.End != nil {
		end, err := parseDateParam(*req.End, "end")
		if err != nil {
			writeEngineError(w, "Invalid end date", err)
			return
		}
		in.End = &end
	}

	created, err := h.Engine.CreateAssignment(r.Context(), in)
	if err != nil {
		writeEngineError(w, "Failed to create assignment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAssignmentDTO(*created))
}

func (h *Handler) DeleteAssignment(w http.ResponseWriter, r *http.Request) {
	id := engine.AssignmentID(chi.URLParam(r, "id"))
	if err := h.Engine.DeleteAssignment(r.Context(), id); err != nil {
		writeEngineError(w, "Failed to delete assignment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// INPUT HANDLERS
// =============================================================================

// ImportAttendance stores a batch and recalculates the affected branch-days.
func (h *Handler) ImportAttendance(w http.ResponseWriter, r *http.Request) {
	var req AttendanceRequest
	if !decodeBody(w, r, &req) {
		return
	}

	entries := make([]attendance.Entry, len(req.Entries))
	for i, e := range req.Entries {
		if !inScope(w, r, engine.BranchID(e.BranchID)) {
			return
		}
		date, err := parseDateParam(e.Date, fmt.Sprintf("entries[%d].date", i))
		if err != nil {
			writeEngineError(w, "Invalid attendance entry", err)
			return
		}
		entries[i] = attendance.Entry{
			UserID:     engine.UserID(e.UserID),
			BranchID:   engine.BranchID(e.BranchID),
			Date:       date,
			Status:     attendance.Status(e.Status),
			Multiplier: e.Multiplier,
		}
	}

	result, err := h.Attendance.Import(r.Context(), entries)
	if err != nil {
		writeEngineError(w, "Failed to import attendance", err)
		return
	}
	writeJSON(w, http.StatusOK, AttendanceResponse{
		ImportResult: result,
		Affected:     toBranchDateDTOs(result.Affected),
	})
}

// SaveTarget accepts factory.TargetJSON and recalculates the month.
func (h *Handler) SaveTarget(w http.ResponseWriter, r *http.Request) {
	var req factory.TargetJSON
	if !decodeBody(w, r, &req) {
		return
	}
	if !inScope(w, r, engine.BranchID(req.BranchID)) {
		return
	}
	target, err := h.Targets.FromJSON(req)
	if err != nil {
		writeEngineError(w, "Invalid monthly target", err)
		return
	}

	report, err := h.Engine.SaveTarget(r.Context(), *target)
	if err != nil {
		writeEngineError(w, "Failed to save monthly target", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"target":        h.Targets.ToJSON(*target),
		"recalculation": toRangeReportDTO(report),
	})
}

// RecordRevenue stores daily revenue and recalculates that day.
func (h *Handler) RecordRevenue(w http.ResponseWriter, r *http.Request) {
	var req RevenueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !inScope(w, r, engine.BranchID(req.BranchID)) {
		return
	}
	date, err := parseDateParam(req.Date, "date")
	if err != nil {
		writeEngineError(w, "Invalid date", err)
		return
	}
	rev := engine.Revenue{
		BranchID:    engine.BranchID(req.BranchID),
		Date:        date,
		Cash:        req.Cash,
		Receivables: req.Receivables,
	}
	if req.SnapshotMin != nil {
		rev.SnapshotMin = *req.SnapshotMin
	}
	if req.SnapshotMax != nil {
		rev.SnapshotMax = *req.SnapshotMax
	}

	outcome, err := h.Engine.RecordRevenue(r.Context(), rev)
	if err != nil {
		writeEngineError(w, "Failed to record revenue", err)
		return
	}
	writeJSON(w, http.StatusOK, toDistributionDTO(outcome))
}

// =============================================================================
// RECALCULATION HANDLERS
// =============================================================================

func (h *Handler) RecalculateDate(w http.ResponseWriter, r *http.Request) {
	var req RecalculateDateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !inScope(w, r, engine.BranchID(req.BranchID)) {
		return
	}
	date, err := parseDateParam(req.Date, "date")
	if err != nil {
		writeEngineError(w, "Invalid date", err)
		return
	}

	outcome, err := h.Engine.RecalculateOne(r.Context(), engine.BranchID(req.BranchID), date)
	if err != nil {
		writeEngineError(w, "Recalculation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toDistributionDTO(outcome))
}

func (h *Handler) RecalculateRange(w http.ResponseWriter, r *http.Request) {
	var req RecalculateRangeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !inScope(w, r, engine.BranchID(req.BranchID)) {
		return
	}
	from, err := parseDateParam(req.From, "from")
	if err != nil {
		writeEngineError(w, "Invalid from date", err)
		return
	}
	to, err := parseDateParam(req.To, "to")
	if err != nil {
		writeEngineError(w, "Invalid to date", err)
		return
	}

	report, err := h.Engine.RecalculateRange(r.Context(), engine.BranchID(req.BranchID), from, to)
	if err != nil {
		writeEngineError(w, "Recalculation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRangeReportDTO(report))
}

// RecalculateAll rebuilds every commission row. On failure nothing is
// committed and the response lists the first failing branch-days.
func (h *Handler) RecalculateAll(w http.ResponseWriter, r *http.Request) {
	if !fullScope(w, r) {
		return
	}
	report, err := h.Engine.RecalculateAll(r.Context())
	if err != nil {
		writeEngineError(w, "Recalculation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetLastScheduledRun returns the most recent scheduler run, or null.
func (h *Handler) GetLastScheduledRun(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.LastRun())
}

// =============================================================================
// COMMISSION HANDLERS
// =============================================================================

// ListCommissions lists commission rows with per-user totals.
//
// Query: branch (repeatable or comma separated), user, from, to.
func (h *Handler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := engine.CommissionFilter{
		Scope:  requestScope(r),
		UserID: engine.UserID(q.Get("user")),
	}
	if q.Get("from") != "" || q.Get("to") != "" {
		from, err := parseDateParam(q.Get("from"), "from")
		if err != nil {
			writeEngineError(w, "Invalid from date", err)
			return
		}
		to, err := parseDateParam(q.Get("to"), "to")
		if err != nil {
			writeEngineError(w, "Invalid to date", err)
			return
		}
		filter.Period = engine.Period{Start: from, End: to}
		if !filter.Period.Valid() {
			writeEngineError(w, "Invalid period", fmt.Errorf("%w: %s", engine.ErrInvalidPeriod, filter.Period))
			return
		}
	}

	rows, err := h.Engine.ListCommissions(r.Context(), filter)
	if err != nil {
		writeEngineError(w, "Failed to list commissions", err)
		return
	}

	resp := CommissionsResponse{
		Commissions: make([]CommissionDTO, len(rows)),
		Totals:      []CommissionTotalDTO{},
	}
	for i, c := range rows {
		resp.Commissions[i] = toCommissionDTO(c)
	}
	for _, t := range engine.TotalsByUser(rows) {
		resp.Totals = append(resp.Totals, CommissionTotalDTO{UserID: string(t.UserID), Amount: t.Amount, Days: t.Days})
	}
	writeJSON(w, http.StatusOK, resp)
}

// callerScope is the scope granted by ScopeHeader.
func callerScope(r *http.Request) engine.Scope {
	raw := strings.TrimSpace(r.Header.Get(ScopeHeader))
	if raw == "" || raw == "*" {
		return engine.AllBranches()
	}
	return engine.BranchSet(splitIDs(raw)...)
}

// inScope answers 403 unless every id is inside the caller scope.
func inScope(w http.ResponseWriter, r *http.Request, ids ...engine.BranchID) bool {
	scope := callerScope(r)
	for _, id := range ids {
		if !scope.Contains(id) {
			writeError(w, http.StatusForbidden, "Branch outside caller scope", fmt.Errorf("%w: %s", ErrOutOfScope, id))
			return false
		}
	}
	return true
}

// fullScope answers 403 unless the caller may see every branch.
func fullScope(w http.ResponseWriter, r *http.Request) bool {
	if callerScope(r).Kind() != engine.ScopeAllBranches {
		writeError(w, http.StatusForbidden, "Operation needs access to all branches", ErrOutOfScope)
		return false
	}
	return true
}

// requestScope narrows the caller scope to the ?branch= parameters.
// Branches outside the caller scope are dropped.
func requestScope(r *http.Request) engine.Scope {
	caller := callerScope(r)

	var requested []engine.BranchID
	for _, v := range r.URL.Query()["branch"] {
		requested = append(requested, splitIDs(v)...)
	}
	if len(requested) == 0 {
		return caller
	}

	visible := make([]engine.BranchID, 0, len(requested))
	for _, id := range requested {
		if caller.Contains(id) {
			visible = append(visible, id)
		}
	}
	return engine.BranchSet(visible...)
}

func splitIDs(raw string) []engine.BranchID {
	var ids []engine.BranchID
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, engine.BranchID(part))
		}
	}
	return ids
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps engine error classes to HTTP statuses and attaches
// structured details where the error carries them.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case engine.IsNotFound(err):
		status = http.StatusNotFound
	case engine.IsConflict(err):
		status = http.StatusConflict
	case engine.IsClientError(err):
		status = http.StatusBadRequest
	}

	resp := ErrorResponse{Error: message, Details: err.Error()}

	var shareErr *engine.ShareExceededError
	var recalcErr *engine.RecalculationError
	switch {
	case errors.As(err, &shareErr):
		resp.Data = ShareExceededDTO{
			BranchID:  string(shareErr.BranchID),
			Date:      shareErr.Date.String(),
			Allocated: shareErr.Allocated,
			Requested: shareErr.Requested,
			Available: shareErr.Available,
		}
	case errors.As(err, &recalcErr):
		status = http.StatusInternalServerError
		failure := RecalculationFailureDTO{Report: &recalcErr.Report}
		for _, pe := range recalcErr.Errors {
			failure.Errors = append(failure.Errors, PairErrorDTO{
				BranchID: string(pe.Key.BranchID),
				Date:     pe.Key.Date.String(),
				Error:    pe.Err.Error(),
			})
		}
		resp.Data = failure
	}

	writeJSON(w, status, resp)
}

// decodeBody decodes the JSON body into dst, answering 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func parseDateParam(s, name string) (engine.Date, error) {
	if s == "" {
		return engine.Date{}, fmt.Errorf("%w: %s is required (YYYY-MM-DD)", engine.ErrInvalidDate, name)
	}
	d, err := engine.ParseDate(s)
	if err != nil {
		return engine.Date{}, fmt.Errorf("%w: %s %q (use YYYY-MM-DD)", engine.ErrInvalidDate, name, s)
	}
	return d, nil
}

func toRangeReportDTO(report *engine.RangeReport) RangeReportDTO {
	return RangeReportDTO{
		RangeReport: report,
		From:        report.Period.Start.String(),
		To:          report.Period.End.String(),
	}
}
