package sqlite_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/store/sqlite"
	"github.com/warp/commission-engine/store/storetest"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) engine.TxStore { return newTestStore(t) })
}

func TestStore_FileDatabasePersists(t *testing.T) {
	// GIVEN: A file-backed store with one user
	// WHEN: Reopening the file
	// THEN: The user is still there and the schema migration is idempotent

	path := filepath.Join(t.TempDir(), "commissions.db")
	ctx := context.Background()

	store, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, store.WithTx(ctx, func(s engine.Session) error {
		return s.SaveUser(ctx, engine.User{ID: "alice", Name: "Alice", Role: engine.RoleSales})
	}))
	require.NoError(t, store.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)

	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	require.NoError(t, reopened.WithTx(ctx, func(s engine.Session) error {
		u, err := s.GetUser(ctx, "alice")
		require.NoError(t, err)
		assert.NotNil(t, u)
		return nil
	}))
}

func TestStore_Reset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.WithTx(ctx, func(s engine.Session) error {
		if err := s.SaveUser(ctx, engine.User{ID: "alice", Name: "Alice", Role: engine.RoleSales}); err != nil {
			return err
		}
		return s.SaveBranch(ctx, engine.Branch{ID: "A", Name: "Alpha"})
	}))

	require.NoError(t, store.Reset(ctx))

	require.NoError(t, store.WithTx(ctx, func(s engine.Session) error {
		users, err := s.ListUsers(ctx)
		require.NoError(t, err)
		assert.Empty(t, users)
		branches, err := s.ListBranches(ctx)
		require.NoError(t, err)
		assert.Empty(t, branches)
		return nil
	}))
}

func TestStore_RejectsInvalidMultiplier(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	err := store.WithTx(ctx, func(s engine.Session) error {
		if err := s.SaveUser(ctx, engine.User{ID: "alice", Name: "Alice", Role: engine.RoleSales}); err != nil {
			return err
		}
		if err := s.SaveBranch(ctx, engine.Branch{ID: "A", Name: "Alpha"}); err != nil {
			return err
		}
		return s.SaveAttendance(ctx, engine.Attendance{
			UserID: "alice", BranchID: "A", Date: engine.MustParseDate("2024-06-01"),
			Multiplier: engine.MustParseDecimal("0.7"),
		})
	})
	assert.Error(t, err)
}
