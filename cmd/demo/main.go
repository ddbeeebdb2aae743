package main

// ============================================================================
// demo: queue a batch of jobs on an in-process node and watch them settle.
//
//   go run ./cmd/demo --jobs 200 --fail-every 10
//
// Every job is an echo or sleep job. Every --fail-every'th job is a sleep job
// without arguments, which fails for good; a repeated unique job shows
// deduplication.
// ============================================================================

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/candlepin-async/internal/deadletter"
	"github.com/ChuLiYu/candlepin-async/internal/dispatcher"
	"github.com/ChuLiYu/candlepin-async/internal/jobmanager"
	"github.com/ChuLiYu/candlepin-async/internal/logging"
	"github.com/ChuLiYu/candlepin-async/internal/messaging/memory"
	"github.com/ChuLiYu/candlepin-async/internal/metrics"
	"github.com/ChuLiYu/candlepin-async/internal/receiver"
	"github.com/ChuLiYu/candlepin-async/internal/store"
	"github.com/ChuLiYu/candlepin-async/internal/tasks"
	"github.com/ChuLiYu/candlepin-async/pkg/types"
)

type demoOptions struct {
	jobs      int
	threads   int
	failEvery int
	logLevel  string
	timeout   time.Duration
}

func main() {
	opts := &demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a batch of jobs through an in-process job node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	cmd.Flags().IntVar(&opts.jobs, "jobs", 100, "number of jobs to queue")
	cmd.Flags().IntVar(&opts.threads, "threads", 4, "receiver sessions")
	cmd.Flags().IntVar(&opts.failEvery, "fail-every", 10, "queue a failing job every n jobs, 0 for none")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "log level")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "give up after this long")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *demoOptions) error {
	logger, err := logging.New(logging.Options{Level: opts.logLevel})
	if err != nil {
		return err
	}

	broker := memory.NewBroker(memory.Options{MaxDeliveries: 3, Logger: logger})
	defer broker.Close()
	st := store.NewMemoryStore()
	sink := deadletter.NewMemorySink()
	collector := metrics.MustNewCollector(prometheus.NewRegistry())

	reg := jobmanager.NewRegistry()
	if err := tasks.Register(reg, st, time.Hour); err != nil {
		return err
	}

	d, err := dispatcher.New(broker, logger)
	if err != nil {
		return err
	}
	defer d.Shutdown()

	manager, err := jobmanager.NewJobManager(st, d, reg, jobmanager.Options{NodeName: "demo", Logger: logger, Metrics: collector})
	if err != nil {
		return err
	}

	r, err := receiver.New(broker, receiver.Options{Threads: opts.threads, DeadLetter: sink, Metrics: collector, Logger: logger})
	if err != nil {
		return err
	}
	if err := r.Initialize(manager); err != nil {
		return err
	}
	if err := r.Start(); err != nil {
		return err
	}
	defer r.Shutdown()

	ids := make(map[string]struct{})
	start := time.Now()
	for i := 1; i <= opts.jobs; i++ {
		b := jobBuilder(i, opts.failEvery)
		status, err := manager.QueueJob(ctx, b)
		if err != nil {
			return err
		}
		ids[status.ID] = struct{}{}
	}
	fmt.Printf("Queued %d jobs (%d distinct statuses) in %s\n", opts.jobs, len(ids), time.Since(start).Round(time.Millisecond))

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(opts.timeout)

	for {
		counts, err := countStates(ctx, st)
		if err != nil {
			return err
		}
		printCounts(counts)
		if settled(counts) {
			break
		}

		select {
		case <-ctx.Done():
			fmt.Println("Interrupted")
			return nil
		case <-deadline:
			return fmt.Errorf("jobs did not settle within %s", opts.timeout)
		case <-ticker.C:
		}
	}

	fmt.Printf("\nAll jobs settled in %s, %d dead letters\n", time.Since(start).Round(time.Millisecond), len(sink.Letters()))
	return nil
}

func jobBuilder(i, failEvery int) *jobmanager.JobBuilder {
	switch {
	case failEvery > 0 && i%failEvery == 0:
		// no duration_ms: fails without retry
		return jobmanager.ForJob(tasks.SleepKey).SetJobName(fmt.Sprintf("broken-%d", i)).SetRetryCount(2)
	case i%7 == 0:
		// the same owner is queued once until its job finishes
		return jobmanager.ForJob(tasks.SleepKey).
			SetJobArgument("duration_ms", int64(50)).
			SetUniqueConstraint("owner", "acme")
	case i%2 == 0:
		return jobmanager.ForJob(tasks.SleepKey).SetJobArgument("duration_ms", int64(i%20))
	default:
		return jobmanager.ForJob(tasks.EchoKey).SetJobArgument("n", int64(i))
	}
}

func countStates(ctx context.Context, st store.Store) (map[types.JobState]int, error) {
	all, err := st.List(ctx, store.ListFilter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[types.JobState]int)
	for _, status := range all {
		counts[status.State]++
	}
	return counts, nil
}

func settled(counts map[types.JobState]int) bool {
	for state, n := range counts {
		if n > 0 && !state.IsTerminal() {
			return false
		}
	}
	return true
}

func printCounts(counts map[types.JobState]int) {
	fmt.Printf("queued=%d running=%d retry=%d finished=%d failed=%d\n",
		counts[types.StateQueued], counts[types.StateRunning], counts[types.StateFailedWithRetry],
		counts[types.StateFinished], counts[types.StateFailed])
}
