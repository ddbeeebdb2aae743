package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/candlepin-async/internal/joberr"
	"github.com/ChuLiYu/candlepin-async/internal/messaging"
	"github.com/ChuLiYu/candlepin-async/internal/messaging/memory"
	"github.com/ChuLiYu/candlepin-async/pkg/types"
)

func newDispatcher(t *testing.T, factory messaging.SessionFactory) *Dispatcher {
	t.Helper()
	logger, _ := test.NewNullLogger()
	d, err := New(factory, logger)
	require.NoError(t, err)
	return d
}

// countingFactory wraps a broker and counts the sessions it hands out
type countingFactory struct {
	*memory.Broker
	sessions []messaging.Session
	err      error
}

func (f *countingFactory) CreateSession() (messaging.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	s, err := f.Broker.CreateSession()
	if err == nil {
		f.sessions = append(f.sessions, s)
	}
	return s, err
}

func TestNewRequiresFactory(t *testing.T) {
	_, err := New(nil, nil)
	assert.True(t, errors.Is(err, joberr.ErrInvalidArgument))
}

// TestPostAndCommit tests that messages reach the broker only on commit
func TestPostAndCommit(t *testing.T) {
	broker := memory.NewBroker(memory.Options{})
	d := newDispatcher(t, broker)
	ctx := context.Background()

	require.NoError(t, d.PostJobMessage(ctx, types.NewJobMessage("id-1", "echo")))
	require.NoError(t, d.PostJobMessage(ctx, types.NewJobMessage("id-2", "sleep")))
	assert.Equal(t, 0, broker.Depth(types.JobMessageAddress))

	require.NoError(t, d.Commit())
	bodies := broker.Peek(types.JobMessageAddress)
	require.Len(t, bodies, 2)

	var msg types.JobMessage
	require.NoError(t, json.Unmarshal(bodies[0], &msg))
	assert.Equal(t, types.NewJobMessage("id-1", "echo"), msg)
}

func TestRollbackDiscardsPosted(t *testing.T) {
	broker := memory.NewBroker(memory.Options{})
	d := newDispatcher(t, broker)

	require.NoError(t, d.PostJobMessage(context.Background(), types.NewJobMessage("id-1", "echo")))
	require.NoError(t, d.Rollback())
	require.NoError(t, d.Commit())

	assert.Equal(t, 0, broker.Depth(types.JobMessageAddress))
}

// TestJobKeyProperty tests that receivers can filter on the job key
func TestJobKeyProperty(t *testing.T) {
	broker := memory.NewBroker(memory.Options{})
	d := newDispatcher(t, broker)

	require.NoError(t, d.PostJobMessage(context.Background(), types.NewJobMessage("id-1", "echo")))
	require.NoError(t, d.Commit())

	session, err := broker.CreateSession()
	require.NoError(t, err)
	defer session.Close()

	got := make(chan messaging.Message, 1)
	_, err = session.CreateConsumer(types.JobMessageAddress, "job_key IN ('echo')", func(_ context.Context, m messaging.Message) {
		got <- m
		assert.NoError(t, session.Commit())
	})
	require.NoError(t, err)
	require.NoError(t, session.Start())

	m := <-got
	key, ok := m.Property(types.JobKeyProperty)
	assert.True(t, ok)
	assert.Equal(t, "echo", key)
}

func TestCommitAndRollbackWithoutSession(t *testing.T) {
	f := &countingFactory{Broker: memory.NewBroker(memory.Options{})}
	d := newDispatcher(t, f)

	assert.NoError(t, d.Commit())
	assert.NoError(t, d.Rollback())
	d.Shutdown()
	assert.Empty(t, f.sessions, "no session is opened for commit, rollback or shutdown")
}

func TestSessionReusedAndRecreated(t *testing.T) {
	f := &countingFactory{Broker: memory.NewBroker(memory.Options{})}
	d := newDispatcher(t, f)
	ctx := context.Background()

	require.NoError(t, d.PostJobMessage(ctx, types.NewJobMessage("id-1", "echo")))
	require.NoError(t, d.PostJobMessage(ctx, types.NewJobMessage("id-2", "echo")))
	require.Len(t, f.sessions, 1)

	require.NoError(t, f.sessions[0].Close())
	require.NoError(t, d.PostJobMessage(ctx, types.NewJobMessage("id-3", "echo")))
	require.NoError(t, d.Commit())

	assert.Len(t, f.sessions, 2)
	assert.Equal(t, 1, f.Depth(types.JobMessageAddress), "messages of the closed session are lost")
}

func TestDispatchErrors(t *testing.T) {
	f := &countingFactory{Broker: memory.NewBroker(memory.Options{}), err: errors.New("connection refused")}
	d := newDispatcher(t, f)

	err := d.PostJobMessage(context.Background(), types.NewJobMessage("id-1", "echo"))
	assert.True(t, joberr.IsKind(err, joberr.KindDispatch))
	assert.False(t, joberr.IsTerminal(err))

	f.err = nil
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = d.PostJobMessage(ctx, types.NewJobMessage("id-1", "echo"))
	assert.True(t, joberr.IsKind(err, joberr.KindDispatch))

	// commit fails once the broker is gone
	require.NoError(t, d.PostJobMessage(context.Background(), types.NewJobMessage("id-1", "echo")))
	require.NoError(t, f.Broker.Close())
	err = d.Commit()
	assert.True(t, joberr.IsKind(err, joberr.KindDispatch))
}

func TestShutdownIdempotent(t *testing.T) {
	f := &countingFactory{Broker: memory.NewBroker(memory.Options{})}
	d := newDispatcher(t, f)

	require.NoError(t, d.PostJobMessage(context.Background(), types.NewJobMessage("id-1", "echo")))
	d.Shutdown()
	d.Shutdown()

	require.Len(t, f.sessions, 1)
	assert.True(t, f.sessions[0].IsClosed())
	assert.NoError(t, d.Commit())
}
