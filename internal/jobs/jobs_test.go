package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/copyleftdev/profilepool/internal/browser"
	"github.com/copyleftdev/profilepool/internal/config"
	"github.com/copyleftdev/profilepool/internal/mocks"
	"github.com/copyleftdev/profilepool/internal/pool"
	"github.com/copyleftdev/profilepool/internal/tasks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type itemLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *itemLog) logf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *itemLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

func newPool(t *testing.T) (*pool.Pool, *mocks.MockConnector) {
	t.Helper()
	connector := mocks.NewMockConnector()
	p := pool.New(&mocks.StaticBackend{}, connector, config.PoolConfig{
		MaxSize:       4,
		MaxIdleAge:    time.Minute,
		RetryAttempts: 3,
	}, zap.NewNop())
	return p, connector
}

func newItem(name string, args map[string]interface{}, log *itemLog) tasks.Item {
	return tasks.Item{
		ID:      name,
		TaskID:  uuid.New(),
		Args:    args,
		Logf:    log.logf,
		Stopped: func() bool { return false },
	}
}

func TestRegistry_Kinds(t *testing.T) {
	p, _ := newPool(t)
	r := NewRegistry(p, nil)

	assert.Equal(t, []string{KindCookies, KindOpen, KindSnapshot, KindWait, KindWarmup}, r.Kinds())

	_, ok := r.Get("checkout")
	assert.False(t, ok)

	r.Register("echo", func(ctx context.Context, item tasks.Item) (tasks.Outcome, error) {
		return tasks.Outcome{Message: item.ID}, nil
	})
	fn, ok := r.Get("echo")
	require.True(t, ok)
	out, err := fn(context.Background(), tasks.Item{ID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice", out.Message)
}

func TestWithSession_AcquiresAndReleases(t *testing.T) {
	p, connector := newPool(t)
	item := newItem("alice", map[string]interface{}{"timeout": "2s"}, &itemLog{})

	out, err := WithSession(context.Background(), p, item, func(ctx context.Context, sess *browser.Session, item tasks.Item) (tasks.Outcome, error) {
		assert.Equal(t, "id-alice", sess.ID())
		assert.True(t, sess.Busy())
		assert.Equal(t, item.TaskID.String(), sess.OwnerTaskID())

		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(2*time.Second), deadline, time.Second)
		return tasks.Outcome{Message: "done"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", out.Message)

	sessions := p.Sessions()
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].Busy)
	assert.Equal(t, 1, connector.ConnectCount("ws://alice"))
	assert.False(t, connector.Last().Closed())
}

func TestWithSession_CloseArgument(t *testing.T) {
	p, connector := newPool(t)
	item := newItem("bob", map[string]interface{}{"close": true}, &itemLog{})

	_, err := WithSession(context.Background(), p, item, func(ctx context.Context, sess *browser.Session, item tasks.Item) (tasks.Outcome, error) {
		return tasks.Outcome{}, errors.New("page broke")
	})
	require.EqualError(t, err, "page broke")

	assert.Equal(t, 0, p.Len())
	assert.True(t, connector.Last().Closed())
}

func TestWithSession_RetriesTransientAcquireFailures(t *testing.T) {
	p, connector := newPool(t)
	connector.FailConnect("ws://carol", errors.New("connection refused"))
	log := &itemLog{}
	item := newItem("carol", nil, log)

	called := false
	_, err := WithSession(context.Background(), p, item, func(ctx context.Context, sess *browser.Session, item tasks.Item) (tasks.Outcome, error) {
		called = true
		return tasks.Outcome{}, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, browser.ErrConnection)
	assert.False(t, called)
	assert.Equal(t, 3, connector.ConnectCount("ws://carol"))
	assert.Equal(t, 3, log.count())
	assert.Equal(t, 0, p.Len())
}

func TestWithSession_StoppedItemSkipsAcquire(t *testing.T) {
	p, connector := newPool(t)
	item := newItem("dave", nil, &itemLog{})
	item.Stopped = func() bool { return true }

	_, err := WithSession(context.Background(), p, item, func(ctx context.Context, sess *browser.Session, item tasks.Item) (tasks.Outcome, error) {
		t.Fatal("must not run")
		return tasks.Outcome{}, nil
	})
	assert.ErrorIs(t, err, errStopped)
	assert.Equal(t, 0, connector.TotalConnects())
}

func TestBuiltins_ValidateArgumentsBeforeDriving(t *testing.T) {
	p, _ := newPool(t)
	r := NewRegistry(p, zap.NewNop())

	for kind, want := range map[string]string{
		KindOpen: "open requires a url argument",
		KindWait: "wait requires a selector argument",
	} {
		fn, ok := r.Get(kind)
		require.True(t, ok, kind)

		_, err := fn(context.Background(), newItem("erin", nil, &itemLog{}))
		require.EqualError(t, err, want, kind)
	}

	// released after each failure and reused
	sessions := p.Sessions()
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].Busy)
}

func TestArgHelpers(t *testing.T) {
	args := map[string]interface{}{
		"s":       "value",
		"b":       true,
		"bs":      "true",
		"n":       12.0,
		"d":       "1500ms",
		"bad":     "soon",
		"headers": map[string]interface{}{"a": "1", "b": 2},
	}

	assert.Equal(t, "value", stringArg(args, "s"))
	assert.Equal(t, "", stringArg(args, "b"))
	assert.True(t, boolArg(args, "b"))
	assert.True(t, boolArg(args, "bs"))
	assert.False(t, boolArg(args, "missing"))
	assert.Equal(t, 12*time.Second, durationArg(args, "n", time.Minute))
	assert.Equal(t, 1500*time.Millisecond, durationArg(args, "d", time.Minute))
	assert.Equal(t, time.Minute, durationArg(args, "bad", time.Minute))
	assert.Equal(t, map[string]string{"a": "1"}, stringMapArg(args, "headers"))
	assert.Nil(t, stringMapArg(nil, "headers"))
}
