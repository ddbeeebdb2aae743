// ============================================================================
// Recovery test suite
// ============================================================================
//
// Package: test/integration
// File: recovery_test.go
// Purpose: End-to-end job lifecycle over a durable status store
//
// TestQueuedJobsSurviveRestart:
//   - node-1 queues jobs but never receives; its store is closed
//   - node-2 reopens the SQLite file on the same broker and runs them
//   - every job ends FINISHED with node-1 as origin and node-2 as executor
//
// TestEndToEndWithFailures:
//   - 50 jobs, every tenth one fails permanently
//   - 45 FINISHED, 5 FAILED, nothing lost, no dead letters
//
// TestRetriedJobOnlyRunsOnce:
//   - a second message for a finished job is consumed without running it
//
// ============================================================================

package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/candlepin-async/internal/jobmanager"
	"github.com/ChuLiYu/candlepin-async/internal/messaging/memory"
	"github.com/ChuLiYu/candlepin-async/internal/store"
	"github.com/ChuLiYu/candlepin-async/internal/tasks"
	"github.com/ChuLiYu/candlepin-async/pkg/types"
)

func openSQLite(t *testing.T, path string) *store.SQLStore {
	t.Helper()
	st, err := store.Open(context.Background(), store.DriverSQLite, path, quietLogger())
	require.NoError(t, err)
	return st
}

func TestQueuedJobsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")
	broker := memory.NewBroker(memory.Options{MaxDeliveries: 5, Logger: quietLogger()})
	defer broker.Close()

	first := openSQLite(t, path)
	node1 := startNode(t, "node-1", first, broker, 0)
	ids := queueEchoJobs(t, node1.manager, 20)

	assert.Equal(t, 20, countStates(t, first)[types.StateQueued])
	assert.Equal(t, 20, broker.Depth(types.JobMessageAddress))
	require.NoError(t, first.Close())

	second := openSQLite(t, path)
	defer second.Close()
	startNode(t, "node-2", second, broker, 4)

	counts := waitSettled(t, second, 10*time.Second)
	assert.Equal(t, map[types.JobState]int{types.StateFinished: 20}, counts)

	for _, id := range ids {
		status, err := second.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "node-1", status.Origin)
		assert.Equal(t, "node-2", status.Executor)
		assert.Equal(t, 1, status.Attempts)
	}
	assert.Zero(t, broker.Depth(types.JobMessageAddress))
}

func TestEndToEndWithFailures(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t, filepath.Join(t.TempDir(), "jobs.db"))
	defer st.Close()
	broker := memory.NewBroker(memory.Options{MaxDeliveries: 5, Logger: quietLogger()})
	defer broker.Close()

	node := startNode(t, "node-a", st, broker, 4)

	for i := 1; i <= 50; i++ {
		b := jobmanager.ForJob(tasks.SleepKey).SetJobArgument("duration_ms", int64(i%5)).SetRetryCount(2)
		if i%10 == 0 {
			// no duration: fails without retry
			b = jobmanager.ForJob(tasks.SleepKey).SetRetryCount(2)
		}
		_, err := node.manager.QueueJob(ctx, b)
		require.NoError(t, err)
	}

	counts := waitSettled(t, st, 15*time.Second)
	assert.Equal(t, 45, counts[types.StateFinished])
	assert.Equal(t, 5, counts[types.StateFailed])
	assert.Empty(t, node.sink.Letters())
	assert.Zero(t, broker.Discarded())

	failed, err := node.manager.FindJobs(ctx, store.ListFilter{States: []types.JobState{types.StateFailed}})
	require.NoError(t, err)
	for _, status := range failed {
		assert.Equal(t, 1, status.Attempts, "terminal failures are not retried")
	}
}

func TestRetriedJobOnlyRunsOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	broker := memory.NewBroker(memory.Options{Logger: quietLogger()})
	defer broker.Close()

	node := startNode(t, "node-a", st, broker, 0)
	ids := queueEchoJobs(t, node.manager, 1)

	// post a second message for the same job before anyone receives
	require.NoError(t, node.dispatcher.PostJobMessage(ctx, types.JobMessage{JobID: ids[0], JobKey: tasks.EchoKey}))
	require.NoError(t, node.dispatcher.Commit())
	require.Equal(t, 2, broker.Depth(types.JobMessageAddress))

	startNode(t, "node-b", st, broker, 1)

	require.Eventually(t, func() bool {
		return broker.Depth(types.JobMessageAddress) == 0
	}, 5*time.Second, 10*time.Millisecond)

	status, err := st.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, types.StateFinished, status.State)
	assert.Equal(t, 1, status.Attempts)
}
