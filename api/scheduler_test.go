package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/attendance"
	"github.com/warp/commission-engine/engine"
)

func newTestScheduler(s *testServer, now time.Time, lookback int) *RecalculationScheduler {
	rs := NewRecalculationScheduler(s.h.Engine, s.h.Log)
	rs.LookbackDays = lookback
	rs.Now = func() time.Time { return now }
	s.h.Scheduler = rs
	return rs
}

func TestScheduler_RunOnceRecalculatesWindow(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario("standard-branch")
	ctx := context.Background()

	// GIVEN attendance written without recalculation
	err := s.h.Engine.Store.WithTx(ctx, func(sess engine.Session) error {
		_, err := (&attendance.Book{Store: sess}).Record(ctx, attendance.Entry{
			UserID:   "budi",
			BranchID: "jakarta-01",
			Date:     engine.MustParseDate("2024-06-11"),
			Status:   attendance.StatusAbsent,
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "480000.00", s.amounts("/api/commissions")["budi@jakarta-01@2024-06-11"])

	// WHEN the scheduler runs on 2024-06-12 with a 3 day window
	rs := newTestScheduler(s, time.Date(2024, 6, 12, 2, 30, 0, 0, time.UTC), 3)
	run := rs.RunOnce(ctx)

	// THEN 06-10 .. 06-12 are recomputed and Ani takes the 06-11 pool
	assert.Equal(t, "2024-06-10", run.From)
	assert.Equal(t, "2024-06-12", run.To)
	assert.Equal(t, 1, run.Branches)
	assert.Equal(t, 3, run.Computed)
	assert.Empty(t, run.Failures)

	got := s.amounts("/api/commissions")
	assert.Equal(t, "1200000.00", got["ani@jakarta-01@2024-06-11"])
	assert.Equal(t, "0.00", got["budi@jakarta-01@2024-06-11"])
	assert.Equal(t, "2400000.00", got["ani@jakarta-01@2024-06-10"])

	last := decode[ScheduledRun](t, s.must(http.StatusOK, "GET", "/api/recalculate/last", nil))
	assert.Equal(t, "2024-06-10", last.From)
	assert.Equal(t, 3, last.Computed)
}

func TestScheduler_WindowExcludesOlderDays(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario("standard-branch")

	rs := newTestScheduler(s, time.Date(2024, 6, 12, 23, 0, 0, 0, time.UTC), 1)
	run := rs.RunOnce(context.Background())

	assert.Equal(t, "2024-06-12", run.From)
	assert.Equal(t, 1, run.Computed)
	assert.Same(t, run, rs.LastRun())
}

func TestScheduler_Start(t *testing.T) {
	s := newTestServer(t)

	t.Run("disabled does nothing", func(t *testing.T) {
		rs := NewRecalculationScheduler(s.h.Engine, s.h.Log)
		require.NoError(t, rs.Start())
		rs.Stop()
		assert.Nil(t, rs.LastRun())
	})

	t.Run("invalid schedule", func(t *testing.T) {
		rs := NewRecalculationScheduler(s.h.Engine, s.h.Log)
		rs.Enabled = true
		rs.Schedule = "every night"
		assert.Error(t, rs.Start())
	})

	t.Run("invalid lookback", func(t *testing.T) {
		rs := NewRecalculationScheduler(s.h.Engine, s.h.Log)
		rs.Enabled = true
		rs.LookbackDays = 0
		assert.Error(t, rs.Start())
	})

	t.Run("start and stop", func(t *testing.T) {
		rs := NewRecalculationScheduler(s.h.Engine, s.h.Log)
		rs.Enabled = true
		require.NoError(t, rs.Start())
		require.NoError(t, rs.Start())
		rs.Stop()
	})
}
