// Package store provides an in-memory engine.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/commission-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type revenueKey struct {
	BranchID engine.BranchID
	Date     engine.Date
}

type dayKey struct {
	UserID   engine.UserID
	BranchID engine.BranchID
	Date     engine.Date
}

type targetKey struct {
	BranchID engine.BranchID
	Year     int
	Month    int
}

type assignmentKey struct {
	UserID   engine.UserID
	BranchID engine.BranchID
	Start    engine.Date
}

// memoryState is everything a transaction can roll back.
type memoryState struct {
	users       map[engine.UserID]engine.User
	branches    map[engine.BranchID]engine.Branch
	assignments map[engine.AssignmentID]engine.Assignment
	attendance  map[dayKey]engine.Attendance
	targets     map[targetKey]engine.MonthlyTarget
	revenue     map[revenueKey]engine.Revenue
	commissions map[dayKey]engine.Commission
}

func newMemoryState() memoryState {
	return memoryState{
		users:       make(map[engine.UserID]engine.User),
		branches:    make(map[engine.BranchID]engine.Branch),
		assignments: make(map[engine.AssignmentID]engine.Assignment),
		attendance:  make(map[dayKey]engine.Attendance),
		targets:     make(map[targetKey]engine.MonthlyTarget),
		revenue:     make(map[revenueKey]engine.Revenue),
		commissions: make(map[dayKey]engine.Commission),
	}
}

func (s memoryState) clone() memoryState {
	c := newMemoryState()
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.branches {
		c.branches[k] = v
	}
	for k, v := range s.assignments {
		c.assignments[k] = v
	}
	for k, v := range s.attendance {
		c.attendance[k] = v
	}
	for k, v := range s.targets {
		c.targets[k] = v
	}
	for k, v := range s.revenue {
		c.revenue[k] = v
	}
	for k, v := range s.commissions {
		c.commissions[k] = v
	}
	return c
}

// Memory is a transactional in-memory store. WithTx holds the store mutex
// for the whole function, so transactions are fully serialized and every
// locking read is trivially satisfied.
type Memory struct {
	mu    sync.Mutex
	state memoryState
}

func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(engine.Session) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.state.clone()
	session := &memorySession{parent: m, savepoints: make(map[string]memoryState)}
	if err := fn(session); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// Reset deletes all data.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = newMemoryState()
	return nil
}

// =============================================================================
// SESSION - Transactional view over Memory (mutex held by WithTx)
// =============================================================================

type memorySession struct {
	parent     *Memory
	savepoints map[string]memoryState
}

var (
	_ engine.Session     = (*memorySession)(nil)
	_ engine.Savepointer = (*memorySession)(nil)
)

func (s *memorySession) st() *memoryState { return &s.parent.state }

func (s *memorySession) Savepoint(_ context.Context, name string) error {
	s.savepoints[name] = s.st().clone()
	return nil
}

func (s *memorySession) RollbackTo(_ context.Context, name string) error {
	snap, ok := s.savepoints[name]
	if !ok {
		return fmt.Errorf("savepoint %q does not exist", name)
	}
	s.parent.state = snap.clone()
	return nil
}

func (s *memorySession) Release(_ context.Context, name string) error {
	delete(s.savepoints, name)
	return nil
}

// Users

func (s *memorySession) SaveUser(_ context.Context, u engine.User) error {
	s.st().users[u.ID] = u
	return nil
}

func (s *memorySession) GetUser(_ context.Context, id engine.UserID) (*engine.User, error) {
	u, ok := s.st().users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *memorySession) ListUsers(_ context.Context) ([]engine.User, error) {
	out := make([]engine.User, 0, len(s.st().users))
	for _, u := range s.st().users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Branches

func (s *memorySession) SaveBranch(_ context.Context, b engine.Branch) error {
	s.st().branches[b.ID] = b
	return nil
}

func (s *memorySession) GetBranch(_ context.Context, id engine.BranchID) (*engine.Branch, error) {
	b, ok := s.st().branches[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *memorySession) ListBranches(_ context.Context) ([]engine.Branch, error) {
	out := make([]engine.Branch, 0, len(s.st().branches))
	for _, b := range s.st().branches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memorySession) LockBranch(_ context.Context, id engine.BranchID) error {
	if _, ok := s.st().branches[id]; !ok {
		return fmt.Errorf("%w: %s", engine.ErrBranchNotFound, id)
	}
	return nil
}

// Assignments

func (s *memorySession) InsertAssignment(_ context.Context, a engine.Assignment) error {
	k := assignmentKey{UserID: a.UserID, BranchID: a.BranchID, Start: a.Start}
	for _, existing := range s.st().assignments {
		if (assignmentKey{UserID: existing.UserID, BranchID: existing.BranchID, Start: existing.Start}) == k {
			return engine.ErrDuplicateAssignment
		}
	}
	s.st().assignments[a.ID] = a
	return nil
}

func (s *memorySession) DeleteAssignment(_ context.Context, id engine.AssignmentID) (bool, error) {
	if _, ok := s.st().assignments[id]; !ok {
		return false, nil
	}
	delete(s.st().assignments, id)
	return true, nil
}

func (s *memorySession) ListAssignmentsByUser(_ context.Context, userID engine.UserID) ([]engine.Assignment, error) {
	var out []engine.Assignment
	for _, a := range s.st().assignments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sortAssignments(out)
	return out, nil
}

func (s *memorySession) BranchCandidates(_ context.Context, branchID engine.BranchID, date engine.Date) ([]engine.Assignment, error) {
	users := make(map[engine.UserID]bool)
	for _, a := range s.st().assignments {
		if a.BranchID == branchID && !a.Start.After(date) {
			if u, ok := s.st().users[a.UserID]; ok && u.Role == engine.RoleSales {
				users[a.UserID] = true
			}
		}
	}
	var out []engine.Assignment
	for _, a := range s.st().assignments {
		if users[a.UserID] && !a.Start.After(date) {
			out = append(out, a)
		}
	}
	sortAssignments(out)
	return out, nil
}

func sortAssignments(as []engine.Assignment) {
	sort.Slice(as, func(i, j int) bool {
		if !as[i].Start.Equal(as[j].Start) {
			return as[i].Start.Before(as[j].Start)
		}
		return as[i].ID < as[j].ID
	})
}

// Attendance

func (s *memorySession) SaveAttendance(_ context.Context, a engine.Attendance) error {
	s.st().attendance[dayKey{UserID: a.UserID, BranchID: a.BranchID, Date: a.Date}] = a
	return nil
}

func (s *memorySession) AttendanceOn(_ context.Context, branchID engine.BranchID, date engine.Date) (map[engine.UserID]engine.Attendance, error) {
	out := make(map[engine.UserID]engine.Attendance)
	for k, a := range s.st().attendance {
		if k.BranchID == branchID && k.Date.Equal(date) {
			out[k.UserID] = a
		}
	}
	return out, nil
}

// Targets

func (s *memorySession) SaveTarget(_ context.Context, t engine.MonthlyTarget) error {
	s.st().targets[targetKey{BranchID: t.BranchID, Year: t.Year, Month: t.Month}] = t
	return nil
}

func (s *memorySession) GetTarget(_ context.Context, branchID engine.BranchID, year, month int) (*engine.MonthlyTarget, error) {
	t, ok := s.st().targets[targetKey{BranchID: branchID, Year: year, Month: month}]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// Revenue

func (s *memorySession) SaveRevenue(_ context.Context, r engine.Revenue) error {
	s.st().revenue[revenueKey{BranchID: r.BranchID, Date: r.Date}] = r
	return nil
}

func (s *memorySession) GetRevenue(_ context.Context, branchID engine.BranchID, date engine.Date) (*engine.Revenue, error) {
	r, ok := s.st().revenue[revenueKey{BranchID: branchID, Date: date}]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *memorySession) LockRevenueDates(_ context.Context, branchID engine.BranchID, from, to engine.Date) ([]engine.Date, error) {
	period := engine.Period{Start: from, End: to}
	var dates []engine.Date
	for k := range s.st().revenue {
		if k.BranchID == branchID && period.Contains(k.Date) {
			dates = append(dates, k.Date)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

func (s *memorySession) LockAllRevenue(_ context.Context) ([]engine.BranchDate, error) {
	keys := make([]engine.BranchDate, 0, len(s.st().revenue))
	for k := range s.st().revenue {
		keys = append(keys, engine.BranchDate{BranchID: k.BranchID, Date: k.Date})
	}
	sortBranchDates(keys)
	return keys, nil
}

func (s *memorySession) RevenueDates(_ context.Context, branchIDs []engine.BranchID, from engine.Date) ([]engine.BranchDate, error) {
	wanted := make(map[engine.BranchID]bool, len(branchIDs))
	for _, id := range branchIDs {
		wanted[id] = true
	}
	var keys []engine.BranchDate
	for k := range s.st().revenue {
		if wanted[k.BranchID] && !k.Date.Before(from) {
			keys = append(keys, engine.BranchDate{BranchID: k.BranchID, Date: k.Date})
		}
	}
	sortBranchDates(keys)
	return keys, nil
}

func sortBranchDates(keys []engine.BranchDate) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].BranchID != keys[j].BranchID {
			return keys[i].BranchID < keys[j].BranchID
		}
		return keys[i].Date.Before(keys[j].Date)
	})
}

// Commissions

func (s *memorySession) UpsertCommission(_ context.Context, c engine.Commission) error {
	s.st().commissions[dayKey{UserID: c.UserID, BranchID: c.BranchID, Date: c.Date}] = c
	return nil
}

func (s *memorySession) DeleteCommissions(_ context.Context, branchID engine.BranchID, from, to engine.Date) (int64, error) {
	period := engine.Period{Start: from, End: to}
	var n int64
	for k := range s.st().commissions {
		if k.BranchID == branchID && period.Contains(k.Date) {
			delete(s.st().commissions, k)
			n++
		}
	}
	return n, nil
}

func (s *memorySession) DeleteAllCommissions(_ context.Context) (int64, error) {
	n := int64(len(s.st().commissions))
	s.st().commissions = make(map[dayKey]engine.Commission)
	return n, nil
}

func (s *memorySession) ListCommissions(_ context.Context, f engine.CommissionFilter) ([]engine.Commission, error) {
	var out []engine.Commission
	for _, c := range s.st().commissions {
		if !f.Scope.Contains(c.BranchID) {
			continue
		}
		if f.UserID != "" && c.UserID != f.UserID {
			continue
		}
		if f.Period.Valid() && !f.Period.Contains(c.Date) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.BranchID != b.BranchID {
			return a.BranchID < b.BranchID
		}
		return a.UserID < b.UserID
	})
	return out, nil
}
