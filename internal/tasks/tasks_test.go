package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/candlepin-async/internal/dispatcher"
	"github.com/ChuLiYu/candlepin-async/internal/joberr"
	"github.com/ChuLiYu/candlepin-async/internal/jobmanager"
	"github.com/ChuLiYu/candlepin-async/internal/messaging/memory"
	"github.com/ChuLiYu/candlepin-async/internal/receiver"
	"github.com/ChuLiYu/candlepin-async/internal/store"
	"github.com/ChuLiYu/candlepin-async/pkg/types"
)

func execContext(args map[string]any) *jobmanager.ExecutionContext {
	logger, _ := test.NewNullLogger()
	return &jobmanager.ExecutionContext{
		JobID:     "id-1",
		Arguments: types.NewJobArguments(args),
		Logger:    logger,
	}
}

func TestEcho(t *testing.T) {
	out, err := Echo(context.Background(), execContext(map[string]any{"msg": "hello", "n": int64(2)}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"msg": "hello", "n": int64(2)}, out)
}

func TestSleep(t *testing.T) {
	out, err := Sleep(context.Background(), execContext(map[string]any{"duration_ms": 1}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"slept_ms": int64(1)}, out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Sleep(ctx, execContext(map[string]any{"duration_ms": 60000}))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, joberr.IsTerminal(err))

	_, err = Sleep(context.Background(), execContext(nil))
	assert.True(t, joberr.IsTerminal(err), "missing duration is not retried")

	_, err = Sleep(context.Background(), execContext(map[string]any{"duration_ms": -1}))
	assert.True(t, joberr.IsTerminal(err))
}

func TestJobCleaner(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	create := func(state types.JobState) *types.JobStatus {
		status := types.NewJobStatus(EchoKey)
		status.State = state
		created, err := st.Create(ctx, status)
		require.NoError(t, err)
		return created
	}
	create(types.StateFinished)
	create(types.StateFailed)
	active := create(types.StateQueued)

	cleaner := NewJobCleaner(st, 24*time.Hour)

	out, err := cleaner.Execute(ctx, execContext(nil))
	require.NoError(t, err)
	assert.Equal(t, int64(0), out.(map[string]any)["deleted"], "nothing is old enough yet")

	cleaner.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	out, err = cleaner.Execute(ctx, execContext(nil))
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.(map[string]any)["deleted"])
	assert.Equal(t, 1, st.Len())

	_, err = st.Get(ctx, active.ID)
	assert.NoError(t, err, "non-terminal jobs are kept")
}

func TestJobCleanerMaxAgeArgument(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	status := types.NewJobStatus(EchoKey)
	status.State = types.StateCanceled
	_, err := st.Create(ctx, status)
	require.NoError(t, err)

	cleaner := NewJobCleaner(st, 0)
	cleaner.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = cleaner.Execute(ctx, execContext(nil))
	assert.True(t, joberr.IsTerminal(err), "a zero max age is refused")

	_, err = cleaner.Execute(ctx, execContext(map[string]any{"max_age": "soon"}))
	assert.True(t, joberr.IsTerminal(err))

	out, err := cleaner.Execute(ctx, execContext(map[string]any{"max_age": "1h"}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.(map[string]any)["deleted"])
}

func TestRegister(t *testing.T) {
	reg := jobmanager.NewRegistry()
	require.NoError(t, Register(reg, store.NewMemoryStore(), time.Hour))
	assert.Equal(t, []string{EchoKey, JobCleanerKey, SleepKey}, reg.Keys())
}

// TestJobsThroughBroker runs a job from QueueJob to FINISHED over the
// in-process broker
func TestJobsThroughBroker(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	broker := memory.NewBroker(memory.Options{MaxDeliveries: 3, Logger: logger})
	st := store.NewMemoryStore()
	reg := jobmanager.NewRegistry()
	require.NoError(t, Register(reg, st, time.Hour))

	d, err := dispatcher.New(broker, logger)
	require.NoError(t, err)
	defer d.Shutdown()

	manager, err := jobmanager.NewJobManager(st, d, reg, jobmanager.Options{NodeName: "node-a", Logger: logger})
	require.NoError(t, err)

	r, err := receiver.New(broker, receiver.Options{Threads: 2, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, r.Initialize(manager))
	require.NoError(t, r.Start())
	defer r.Shutdown()

	queued, err := manager.QueueJob(ctx, jobmanager.ForJob(EchoKey).SetJobArgument("msg", "hello"))
	require.NoError(t, err)
	assert.Equal(t, types.StateQueued, queued.State)

	var done *types.JobStatus
	require.Eventually(t, func() bool {
		status, err := manager.GetJobStatus(ctx, queued.ID)
		if err != nil || status.State != types.StateFinished {
			return false
		}
		done = status
		return true
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, map[string]any{"msg": "hello"}, done.Result)
	assert.Equal(t, "node-a", done.Executor)
	assert.Equal(t, 1, done.Attempts)

	// a failing job is retried once and then fails for good
	failing, err := manager.QueueJob(ctx, jobmanager.ForJob(SleepKey).SetRetryCount(1))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		status, err := manager.GetJobStatus(ctx, failing.ID)
		return err == nil && status.State == types.StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	status, err := manager.GetJobStatus(ctx, failing.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Attempts, "a terminal job error skips the retry")
}
