// ============================================================================
// Integration test helpers
// ============================================================================
//
// Package: test/integration
// File: helpers_test.go
// Purpose: Assemble job nodes over a shared broker and status store
//
// A node is a dispatcher, a job manager and (optionally) a started receiver.
// Several nodes may share one in-process broker to simulate a cluster or a
// restart.
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/candlepin-async/internal/deadletter"
	"github.com/ChuLiYu/candlepin-async/internal/dispatcher"
	"github.com/ChuLiYu/candlepin-async/internal/jobmanager"
	"github.com/ChuLiYu/candlepin-async/internal/messaging/memory"
	"github.com/ChuLiYu/candlepin-async/internal/receiver"
	"github.com/ChuLiYu/candlepin-async/internal/store"
	"github.com/ChuLiYu/candlepin-async/internal/tasks"
	"github.com/ChuLiYu/candlepin-async/pkg/types"
)

type testNode struct {
	manager    *jobmanager.JobManager
	dispatcher *dispatcher.Dispatcher
	receiver   *receiver.Receiver
	sink       *deadletter.MemorySink
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

// startNode builds a node named name. With threads > 0 its receiver is
// started with that many sessions.
func startNode(t testing.TB, name string, st store.Store, broker *memory.Broker, threads int) *testNode {
	t.Helper()
	logger := quietLogger()

	reg := jobmanager.NewRegistry()
	require.NoError(t, tasks.Register(reg, st, time.Hour))

	d, err := dispatcher.New(broker, logger)
	require.NoError(t, err)
	t.Cleanup(d.Shutdown)

	manager, err := jobmanager.NewJobManager(st, d, reg, jobmanager.Options{NodeName: name, Logger: logger})
	require.NoError(t, err)

	n := &testNode{manager: manager, dispatcher: d, sink: deadletter.NewMemorySink()}
	if threads > 0 {
		n.receiver, err = receiver.New(broker, receiver.Options{Threads: threads, DeadLetter: n.sink, Logger: logger})
		require.NoError(t, err)
		require.NoError(t, n.receiver.Initialize(manager))
		require.NoError(t, n.receiver.Start())
		t.Cleanup(n.receiver.Shutdown)
	}
	return n
}

// queueEchoJobs queues count echo jobs and returns their ids
func queueEchoJobs(t testing.TB, manager *jobmanager.JobManager, count int) []string {
	t.Helper()
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		status, err := manager.QueueJob(context.Background(),
			jobmanager.ForJob(tasks.EchoKey).SetJobName(fmt.Sprintf("echo-%d", i)).SetJobArgument("n", int64(i)))
		require.NoError(t, err)
		ids = append(ids, status.ID)
	}
	return ids
}

// countStates tallies every stored status by state
func countStates(t testing.TB, st store.Store) map[types.JobState]int {
	t.Helper()
	all, err := st.List(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	counts := make(map[types.JobState]int)
	for _, status := range all {
		counts[status.State]++
	}
	return counts
}

// waitSettled waits until no stored status is in a non-terminal state
func waitSettled(t testing.TB, st store.Store, timeout time.Duration) map[types.JobState]int {
	t.Helper()
	require.Eventually(t, func() bool {
		active, err := st.List(context.Background(), store.ListFilter{States: types.NonTerminalStates()})
		return err == nil && len(active) == 0
	}, timeout, 10*time.Millisecond)
	return countStates(t, st)
}
