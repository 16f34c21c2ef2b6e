/*
book.go - Attendance writes with batch duplicate detection

PURPOSE:
  Book writes attendance rows through the Session of the caller's
  transaction. Service wraps it for callers that want the affected
  branch-days recalculated afterwards.

INVARIANT:
  One multiplier per (user, branch, date). Storage upserts, so a second
  write for the same key replaces the first. Inside one batch the same key
  twice is ambiguous and the whole batch is rejected.

WHAT IT CHECKS:
  1. Every entry has a user, branch, date and exactly one of status or
     multiplier, and the multiplier is 0, 0.5 or 1
  2. No key appears twice in the batch
  3. Referenced users and branches exist

  Nothing is written unless every entry passes.

EXAMPLE:
  svc := attendance.NewService(eng, logger)
  result, err := svc.Import(ctx, entries)
  var dup *attendance.DuplicateEntryError
  if errors.As(err, &dup) {
      fmt.Printf("%s is listed twice\n", dup.Key)
  }

SEE ALSO:
  - status.go: Status to multiplier mapping
  - engine/recalculation.go: RecalculateOne
*/
package attendance

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/engine"
)

// ErrDuplicateEntry is returned when a batch lists the same key twice.
var ErrDuplicateEntry = fmt.Errorf("%w: duplicate attendance entry", engine.ErrInvalidInput)

// DuplicateEntryError names the repeated key and both batch positions.
type DuplicateEntryError struct {
	UserID     engine.UserID
	Key        engine.BranchDate
	FirstIndex int
	Index      int
}

func (e *DuplicateEntryError) Error() string {
	return fmt.Sprintf("attendance for %s at %s listed twice (entries %d and %d)",
		e.UserID, e.Key, e.FirstIndex, e.Index)
}

func (e *DuplicateEntryError) Unwrap() error {
	return ErrDuplicateEntry
}

// Entry is one attendance record as submitted. Either Status or Multiplier
// is set.
type Entry struct {
	UserID     engine.UserID
	BranchID   engine.BranchID
	Date       engine.Date
	Status     Status
	Multiplier *decimal.Decimal
}

// Resolve validates e and returns the row to store.
func (e Entry) Resolve() (engine.Attendance, error) {
	if e.UserID == "" || e.BranchID == "" || e.Date.IsZero() {
		return engine.Attendance{}, fmt.Errorf("%w: user, branch and date are required", engine.ErrInvalidInput)
	}

	var m decimal.Decimal
	switch {
	case e.Status != "" && e.Multiplier != nil:
		return engine.Attendance{}, fmt.Errorf("%w: give a status or a multiplier, not both", engine.ErrInvalidInput)
	case e.Status != "":
		var err error
		if m, err = e.Status.Multiplier(); err != nil {
			return engine.Attendance{}, err
		}
	case e.Multiplier != nil:
		var err error
		if m, err = ValidateMultiplier(*e.Multiplier); err != nil {
			return engine.Attendance{}, err
		}
	default:
		return engine.Attendance{}, fmt.Errorf("%w: status or multiplier is required", engine.ErrInvalidInput)
	}

	return engine.Attendance{UserID: e.UserID, BranchID: e.BranchID, Date: e.Date, Multiplier: m}, nil
}

// =============================================================================
// BOOK - Writes inside the caller's transaction
// =============================================================================

// Book writes attendance through one Session.
type Book struct {
	Store engine.Session
}

// Record writes a single entry and returns the branch-day it affects.
func (b *Book) Record(ctx context.Context, e Entry) (engine.BranchDate, error) {
	keys, err := b.Import(ctx, []Entry{e})
	if err != nil {
		return engine.BranchDate{}, err
	}
	return keys[0], nil
}

// Import validates the whole batch, then writes it. Returns the distinct
// affected branch-days ordered by branch then date.
func (b *Book) Import(ctx context.Context, entries []Entry) ([]engine.BranchDate, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no attendance entries", engine.ErrInvalidInput)
	}

	type rowKey struct {
		user engine.UserID
		key  engine.BranchDate
	}
	rows := make([]engine.Attendance, len(entries))
	firstSeen := make(map[rowKey]int, len(entries))
	for i, e := range entries {
		row, err := e.Resolve()
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		k := rowKey{user: row.UserID, key: engine.BranchDate{BranchID: row.BranchID, Date: row.Date}}
		if first, ok := firstSeen[k]; ok {
			return nil, &DuplicateEntryError{UserID: row.UserID, Key: k.key, FirstIndex: first, Index: i}
		}
		firstSeen[k] = i
		rows[i] = row
	}

	if err := b.checkReferences(ctx, rows); err != nil {
		return nil, err
	}

	affected := make(map[engine.BranchDate]bool)
	for _, row := range rows {
		if err := b.Store.SaveAttendance(ctx, row); err != nil {
			return nil, fmt.Errorf("save attendance %s/%s/%s: %w", row.UserID, row.BranchID, row.Date, err)
		}
		affected[engine.BranchDate{BranchID: row.BranchID, Date: row.Date}] = true
	}

	keys := make([]engine.BranchDate, 0, len(affected))
	for k := range affected {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].BranchID != keys[j].BranchID {
			return keys[i].BranchID < keys[j].BranchID
		}
		return keys[i].Date.Before(keys[j].Date)
	})
	return keys, nil
}

func (b *Book) checkReferences(ctx context.Context, rows []engine.Attendance) error {
	users := make(map[engine.UserID]bool)
	branches := make(map[engine.BranchID]bool)
	for _, row := range rows {
		if !users[row.UserID] {
			u, err := b.Store.GetUser(ctx, row.UserID)
			if err != nil {
				return fmt.Errorf("load user: %w", err)
			}
			if u == nil {
				return fmt.Errorf("%w: %s", engine.ErrUserNotFound, row.UserID)
			}
			users[row.UserID] = true
		}
		if !branches[row.BranchID] {
			br, err := b.Store.GetBranch(ctx, row.BranchID)
			if err != nil {
				return fmt.Errorf("load branch: %w", err)
			}
			if br == nil {
				return fmt.Errorf("%w: %s", engine.ErrBranchNotFound, row.BranchID)
			}
			branches[row.BranchID] = true
		}
	}
	return nil
}

// =============================================================================
// SERVICE - Import + recalculation
// =============================================================================

// ImportResult summarizes Service.Import.
type ImportResult struct {
	Saved        int                 `json:"saved"`
	Affected     []engine.BranchDate `json:"-"`
	Recalculated int                 `json:"recalculated"`
	Skipped      int                 `json:"skipped"`
}

// Service imports attendance and recalculates what it touched.
type Service struct {
	Engine *engine.Engine
	Log    *zap.Logger
}

func NewService(eng *engine.Engine, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{Engine: eng, Log: log.Named("attendance")}
}

// Import writes entries in one transaction, then recalculates each affected
// branch-day in its own. A recalculation failure leaves the attendance
// committed; the error names the branch-day.
func (s *Service) Import(ctx context.Context, entries []Entry) (*ImportResult, error) {
	var affected []engine.BranchDate
	err := s.Engine.Store.WithTx(ctx, func(sess engine.Session) error {
		var err error
		affected, err = (&Book{Store: sess}).Import(ctx, entries)
		return err
	})
	if err != nil {
		var dup *DuplicateEntryError
		if errors.As(err, &dup) {
			s.Log.Warn("attendance batch rejected",
				zap.String("user_id", string(dup.UserID)),
				zap.Stringer("key", dup.Key))
		}
		return nil, err
	}

	result := &ImportResult{Saved: len(entries), Affected: affected}
	for _, key := range affected {
		outcome, err := s.Engine.RecalculateOne(ctx, key.BranchID, key.Date)
		if err != nil {
			return result, fmt.Errorf("recalculate %s: %w", key, err)
		}
		if outcome.Skipped() {
			result.Skipped++
		} else {
			result.Recalculated++
		}
	}

	s.Log.Info("attendance imported",
		zap.Int("saved", result.Saved),
		zap.Int("recalculated", result.Recalculated),
		zap.Int("skipped", result.Skipped))
	return result, nil
}
