package store

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/candlepin-async/pkg/types"
)

// ============================================================================
// Shared contract tests
// ============================================================================

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	logger, _ := test.NewNullLogger()
	s, err := Open(context.Background(), DriverSQLite, ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
}

func newStatus(key string, args map[string]any) *types.JobStatus {
	status := types.NewJobStatus(key)
	status.Arguments = types.NewJobArguments(args)
	status.Origin = "node-a"
	status.Principal = "admin"
	status.Metadata["owner_key"] = "acme"
	return status
}

// TestCreateAssignsIdentity tests id and timestamp assignment
func TestCreateAssignsIdentity(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		created, err := s.Create(ctx, newStatus("echo", map[string]any{"msg": "hi", "n": int64(2)}))
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.False(t, created.CreatedAt.IsZero())
		assert.Equal(t, types.StateCreated, created.State)

		loaded, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, loaded.ID)
		assert.Equal(t, "echo", loaded.JobKey)
		assert.Equal(t, "node-a", loaded.Origin)
		assert.Equal(t, "admin", loaded.Principal)
		assert.Equal(t, "acme", loaded.Metadata["owner_key"])
		assert.True(t, loaded.LogExecutionDetails)
		assert.Equal(t, 1, loaded.MaxAttempts)

		msg, err := loaded.Arguments.GetAsString("msg")
		require.NoError(t, err)
		assert.Equal(t, "hi", msg)
		n, err := loaded.Arguments.GetAsInt64("n")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})
}

// TestMergeUpdatesState tests that merged fields and payload persist
func TestMergeUpdatesState(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		created, err := s.Create(ctx, newStatus("echo", nil))
		require.NoError(t, err)

		start := time.Now().UTC().Truncate(time.Microsecond)
		created.SetState(types.StateRunning)
		created.Executor = "node-b"
		created.Attempts = 1
		created.StartTime = start
		created.Result = map[string]any{"pools": []any{"p1", "p2"}}

		merged, err := s.Merge(ctx, created)
		require.NoError(t, err)
		assert.Equal(t, types.StateRunning, merged.State)
		assert.Equal(t, types.StateCreated, merged.PreviousState)

		loaded, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "node-b", loaded.Executor)
		assert.Equal(t, 1, loaded.Attempts)
		assert.True(t, start.Equal(loaded.StartTime))
		assert.True(t, loaded.EndTime.IsZero())
		assert.Equal(t, map[string]any{"pools": []any{"p1", "p2"}}, loaded.Result)
	})
}

func TestMissingStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Get(ctx, "nope")
		assert.True(t, errors.Is(err, ErrNotFound))

		ghost := newStatus("echo", nil)
		ghost.ID = "ghost"
		_, err = s.Merge(ctx, ghost)
		assert.True(t, errors.Is(err, ErrNotFound))

		assert.NoError(t, s.Delete(ctx, "nope"))
	})
}

func TestDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		created, err := s.Create(ctx, newStatus("echo", nil))
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, created.ID))

		_, err = s.Get(ctx, created.ID)
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

// TestFindNonTerminal tests the dedup lookup
func TestFindNonTerminal(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		queued, err := s.Create(ctx, newStatus("refresh", nil))
		require.NoError(t, err)
		queued.SetState(types.StateQueued)
		_, err = s.Merge(ctx, queued)
		require.NoError(t, err)

		done, err := s.Create(ctx, newStatus("refresh", nil))
		require.NoError(t, err)
		done.SetState(types.StateFinished)
		_, err = s.Merge(ctx, done)
		require.NoError(t, err)

		_, err = s.Create(ctx, newStatus("other", nil))
		require.NoError(t, err)

		found, err := s.FindNonTerminal(ctx, "refresh")
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, queued.ID, found[0].ID)
	})
}

func TestEmptyResultsAreNotNil(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		found, err := s.FindNonTerminal(ctx, "refresh")
		require.NoError(t, err)
		assert.NotNil(t, found)
		assert.Empty(t, found)

		expired, err := s.FindTerminalBefore(ctx, time.Now())
		require.NoError(t, err)
		assert.NotNil(t, expired)
		assert.Empty(t, expired)

		listed, err := s.List(ctx, ListFilter{JobKey: "refresh"})
		require.NoError(t, err)
		assert.NotNil(t, listed)
	})
}

func TestFindTerminalBefore(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		finished, err := s.Create(ctx, newStatus("echo", nil))
		require.NoError(t, err)
		finished.SetState(types.StateFailed)
		_, err = s.Merge(ctx, finished)
		require.NoError(t, err)

		running, err := s.Create(ctx, newStatus("echo", nil))
		require.NoError(t, err)
		running.SetState(types.StateRunning)
		_, err = s.Merge(ctx, running)
		require.NoError(t, err)

		old, err := s.FindTerminalBefore(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, old, 1)
		assert.Equal(t, finished.ID, old[0].ID)

		none, err := s.FindTerminalBefore(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestListFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		var ids []string
		for _, key := range []string{"a", "b", "a"} {
			created, err := s.Create(ctx, newStatus(key, nil))
			require.NoError(t, err)
			ids = append(ids, created.ID)
			// keep creation times distinct for ordering
			time.Sleep(2 * time.Millisecond)
		}

		all, err := s.List(ctx, ListFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, ids[0], all[0].ID)
		assert.Equal(t, ids[2], all[2].ID)

		onlyA, err := s.List(ctx, ListFilter{JobKey: "a"})
		require.NoError(t, err)
		assert.Len(t, onlyA, 2)

		limited, err := s.List(ctx, ListFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		queued, err := s.List(ctx, ListFilter{States: []types.JobState{types.StateQueued}})
		require.NoError(t, err)
		assert.Empty(t, queued)
	})
}

// ============================================================================
// Implementation specifics
// ============================================================================

func TestMemoryStoreCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	in := newStatus("echo", nil)
	created, err := s.Create(ctx, in)
	require.NoError(t, err)

	in.Metadata["owner_key"] = "mutated"
	created.Metadata["owner_key"] = "mutated"

	loaded, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", loaded.Metadata["owner_key"])
	assert.Empty(t, in.ID, "caller's status is not modified")
}

func TestMemoryStoreRejectsDuplicateID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	status := newStatus("echo", nil)
	status.ID = "fixed"
	_, err := s.Create(ctx, status)
	require.NoError(t, err)

	_, err = s.Create(ctx, status)
	assert.True(t, errors.Is(err, ErrDuplicate))
	assert.Equal(t, 1, s.Len())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "", nil)
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)", pg.rebind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)"))

	lite := &SQLStore{driver: DriverSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestTerminalStates(t *testing.T) {
	assert.ElementsMatch(t, []types.JobState{
		types.StateFinished, types.StateFailed, types.StateCanceled, types.StateAborted,
	}, TerminalStates())
}
