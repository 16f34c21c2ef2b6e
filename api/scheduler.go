/*
scheduler.go - Periodic recalculation scheduler

PURPOSE:
  Late attendance corrections and assignment edits do not cascade into
  commission rows. The scheduler recomputes a trailing window of days for
  every branch on a cron schedule so those edits are picked up without an
  operator triggering a recalculation.

DESIGN:
  - robfig/cron with a seconds field, panics recovered by the cron chain
  - Each run recalculates [today - LookbackDays + 1, today] per branch,
    one RecalculateRange (one transaction) per branch
  - A failing branch is logged and does not stop the others
  - Runs never overlap (cron.SkipIfStillRunning)

CONFIGURATION:
  - Schedule:     cron spec with seconds (default "0 30 2 * * *")
  - LookbackDays: size of the window (default 7)
  - Enabled:      nothing is scheduled when false

USAGE:
  scheduler := NewRecalculationScheduler(eng, logger)
  scheduler.Enabled = cfg.Recalc.Enabled
  if err := scheduler.Start(); err != nil {
      return err
  }
  defer scheduler.Stop()

SEE ALSO:
  - handlers.go: RecalculateRange endpoint (manual trigger)
  - engine/recalculation.go: RecalculateRange
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/engine"
)

const (
	DefaultRecalcSchedule = "0 30 2 * * *"
	DefaultLookbackDays   = 7
	defaultRunTimeout     = 10 * time.Minute
)

// ScheduledRun is the outcome of one scheduler run.
type ScheduledRun struct {
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	From       string             `json:"from"`
	To         string             `json:"to"`
	Branches   int                `json:"branches"`
	Computed   int                `json:"dates_computed"`
	Skipped    int                `json:"dates_skipped"`
	Failures   []BranchFailureDTO `json:"failures,omitempty"`
}

type BranchFailureDTO struct {
	BranchID string `json:"branch_id"`
	Error    string `json:"error"`
}

// RecalculationScheduler recomputes recent commissions periodically.
type RecalculationScheduler struct {
	Engine       *engine.Engine
	Log          *zap.Logger
	Schedule     string
	LookbackDays int
	Enabled      bool
	RunTimeout   time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	lastRun *ScheduledRun
}

// NewRecalculationScheduler creates a disabled scheduler with defaults.
func NewRecalculationScheduler(eng *engine.Engine, log *zap.Logger) *RecalculationScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &RecalculationScheduler{
		Engine:       eng,
		Log:          log.Named("scheduler"),
		Schedule:     DefaultRecalcSchedule,
		LookbackDays: DefaultLookbackDays,
		RunTimeout:   defaultRunTimeout,
	}
}

// Start registers the job and starts the cron loop. A disabled scheduler
// returns nil without scheduling anything.
func (rs *RecalculationScheduler) Start() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Log.Info("scheduler disabled, not starting")
		return nil
	}
	if rs.cron != nil {
		return nil
	}
	if rs.LookbackDays < 1 {
		return fmt.Errorf("lookback days must be at least 1, got %d", rs.LookbackDays)
	}

	logger := cronLogger{log: rs.Log.Sugar()}
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	_, err := c.AddFunc(rs.Schedule, func() {
		// keep each run bounded
		ctx, cancel := context.WithTimeout(context.Background(), rs.RunTimeout)
		defer cancel()
		rs.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid recalculation schedule %q: %w", rs.Schedule, err)
	}

	rs.cron = c
	c.Start()
	rs.Log.Info("scheduler started",
		zap.String("schedule", rs.Schedule),
		zap.Int("lookback_days", rs.LookbackDays))
	return nil
}

// Stop stops the cron loop and waits for a running job to finish.
func (rs *RecalculationScheduler) Stop() {
	rs.mu.Lock()
	c := rs.cron
	rs.cron = nil
	rs.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		rs.Log.Info("scheduler stopped")
	}
}

// RunOnce recalculates the lookback window of every branch.
func (rs *RecalculationScheduler) RunOnce(ctx context.Context) *ScheduledRun {
	now := time.Now
	if rs.Now != nil {
		now = rs.Now
	}
	lookback := rs.LookbackDays
	if lookback < 1 {
		lookback = DefaultLookbackDays
	}

	run := &ScheduledRun{StartedAt: now()}
	to := engine.DateOf(run.StartedAt.UTC())
	from := to.AddDays(-(lookback - 1))
	run.From, run.To = from.String(), to.String()

	branches, err := rs.Engine.ListBranches(ctx)
	if err != nil {
		rs.Log.Error("list branches failed", zap.Error(err))
		run.Failures = append(run.Failures, BranchFailureDTO{Error: err.Error()})
		return rs.finish(run, now)
	}

	for _, b := range branches {
		run.Branches++
		report, err := rs.Engine.RecalculateRange(ctx, b.ID, from, to)
		if err != nil {
			rs.Log.Error("scheduled recalculation failed",
				zap.String("branch_id", string(b.ID)),
				zap.Error(err))
			run.Failures = append(run.Failures, BranchFailureDTO{BranchID: string(b.ID), Error: err.Error()})
			continue
		}
		run.Computed += report.DatesComputed
		run.Skipped += report.DatesSkipped
	}

	rs.Log.Info("scheduled recalculation finished",
		zap.String("from", run.From),
		zap.String("to", run.To),
		zap.Int("branches", run.Branches),
		zap.Int("dates_computed", run.Computed),
		zap.Int("failures", len(run.Failures)))
	return rs.finish(run, now)
}

func (rs *RecalculationScheduler) finish(run *ScheduledRun, now func() time.Time) *ScheduledRun {
	run.FinishedAt = now()
	rs.mu.Lock()
	rs.lastRun = run
	rs.mu.Unlock()
	return run
}

// LastRun returns the most recent run, nil before the first one.
func (rs *RecalculationScheduler) LastRun() *ScheduledRun {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.lastRun
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
