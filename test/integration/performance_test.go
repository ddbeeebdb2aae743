// ============================================================================
// Performance test suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Purpose: Throughput of queue + execute on the in-process broker
//
// TestSystemThroughput:
//   - 500 echo jobs, 8 receiver sessions, memory store
//   - every job FINISHED within 30 seconds
//   - logs jobs/s; results depend on machine load
//
// BenchmarkQueueJob / BenchmarkQueueAndExecute measure the two halves.
//
// ============================================================================

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/candlepin-async/internal/jobmanager"
	"github.com/ChuLiYu/candlepin-async/internal/messaging/memory"
	"github.com/ChuLiYu/candlepin-async/internal/store"
	"github.com/ChuLiYu/candlepin-async/internal/tasks"
	"github.com/ChuLiYu/candlepin-async/pkg/types"
)

func TestSystemThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}

	const jobs = 500
	st := store.NewMemoryStore()
	broker := memory.NewBroker(memory.Options{MaxDeliveries: 5, Logger: quietLogger()})
	defer broker.Close()
	node := startNode(t, "node-a", st, broker, 8)

	start := time.Now()
	queueEchoJobs(t, node.manager, jobs)
	queued := time.Since(start)

	counts := waitSettled(t, st, 30*time.Second)
	elapsed := time.Since(start)

	assert.Equal(t, jobs, counts[types.StateFinished])
	t.Logf("queued %d jobs in %s, finished in %s (%.0f jobs/s)",
		jobs, queued.Round(time.Millisecond), elapsed.Round(time.Millisecond), float64(jobs)/elapsed.Seconds())
}

func BenchmarkQueueJob(b *testing.B) {
	broker := memory.NewBroker(memory.Options{Logger: quietLogger()})
	defer broker.Close()
	node := startNode(b, "node-a", store.NewMemoryStore(), broker, 0)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := node.manager.QueueJob(ctx, jobmanager.ForJob(tasks.EchoKey).SetJobArgument("n", int64(i))); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkQueueAndExecute(b *testing.B) {
	st := store.NewMemoryStore()
	broker := memory.NewBroker(memory.Options{Logger: quietLogger()})
	defer broker.Close()
	node := startNode(b, "node-a", st, broker, 8)

	b.ResetTimer()
	queueEchoJobs(b, node.manager, b.N)
	waitSettled(b, st, time.Minute)
}
