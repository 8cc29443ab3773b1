package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/spinflow/internal/runtime/config"
	errspkg "github.com/drblury/spinflow/internal/runtime/errors"
)

func TestTimerFiresOncePerPeriod(t *testing.T) {
	g := newTestGraph(t)
	n := mustNode(t, g.Graph, "publisher")

	var fired recorder[time.Time]
	timer, err := n.CreateTimer(time.Second, func(ctx context.Context) error {
		fired.add(n.Now())
		return nil
	})
	require.NoError(t, err)

	exec := mustExecutor(t, g.Graph, "main", n)

	ran, err := exec.SpinOnce(t.Context())
	require.NoError(t, err)
	assert.Zero(t, ran)

	g.clock.Add(time.Second)
	ran, err = exec.SpinOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.Equal(t, uint64(1), timer.Fired())
	assert.Equal(t, ExecutorIdle, exec.State())
}

func TestLateTimerCatchesUpOnePerIteration(t *testing.T) {
	g := newTestGraph(t)
	n := mustNode(t, g.Graph, "publisher")

	start := g.clock.Now()
	var count int
	_, err := n.CreateTimer(time.Second, func(ctx context.Context) error {
		count++
		return nil
	})
	require.NoError(t, err)
	exec := mustExecutor(t, g.Graph, "main", n)

	g.clock.Add(3500 * time.Millisecond)
	for i := 0; i < 5; i++ {
		_, err := exec.SpinOnce(t.Context())
		require.NoError(t, err)
	}
	assert.Equal(t, 3, count)

	next, ok := exec.timers.Next()
	require.True(t, ok)
	assert.Equal(t, start.Add(4*time.Second), next)
}

func TestTimersArmWhenNodeJoinsExecutor(t *testing.T) {
	g := newTestGraph(t)
	n := mustNode(t, g.Graph, "late")

	var count int
	_, err := n.CreateTimer(time.Second, func(ctx context.Context) error {
		count++
		return nil
	})
	require.NoError(t, err)

	g.clock.Add(10 * time.Second)
	exec := mustExecutor(t, g.Graph, "main", n)

	_, err = exec.SpinOnce(t.Context())
	require.NoError(t, err)
	assert.Zero(t, count)

	g.clock.Add(time.Second)
	_, err = exec.SpinOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCancelledTimerDoesNotFire(t *testing.T) {
	g := newTestGraph(t)
	n := mustNode(t, g.Graph, "publisher")

	var count int
	timer, err := n.CreateTimer(time.Second, func(ctx context.Context) error {
		count++
		return nil
	})
	require.NoError(t, err)
	exec := mustExecutor(t, g.Graph, "main", n)

	assert.True(t, timer.Cancel())
	assert.False(t, timer.Cancel())

	g.clock.Add(2 * time.Second)
	_, err = exec.SpinOnce(t.Context())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, exec.Stats().Timers)
}

func TestTimerCancelledByEarlierCallbackInSameIteration(t *testing.T) {
	g := newTestGraph(t)
	n := mustNode(t, g.Graph, "publisher")

	var second *Timer
	var secondFired bool
	_, err := n.CreateTimer(time.Second, func(ctx context.Context) error {
		second.Cancel()
		return nil
	})
	require.NoError(t, err)
	second, err = n.CreateTimer(time.Second, func(ctx context.Context) error {
		secondFired = true
		return nil
	})
	require.NoError(t, err)
	exec := mustExecutor(t, g.Graph, "main", n)

	g.clock.Add(time.Second)
	ran, err := exec.SpinOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.False(t, secondFired)
}

func TestRemoveNodeDisarmsTimers(t *testing.T) {
	g := newTestGraph(t)
	n := mustNode(t, g.Graph, "publisher")

	var count int
	_, err := n.CreateTimer(time.Second, func(ctx context.Context) error {
		count++
		return nil
	})
	require.NoError(t, err)
	exec := mustExecutor(t, g.Graph, "main", n)

	require.NoError(t, exec.RemoveNode(n))
	assert.ErrorIs(t, exec.RemoveNode(n), errspkg.ErrNodeNotAttached)
	assert.Nil(t, n.Executor())

	g.clock.Add(5 * time.Second)
	_, err = exec.SpinOnce(t.Context())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, exec.Nodes())
}

func TestNodeBelongsToOneExecutor(t *testing.T) {
	g := newTestGraph(t)
	n := mustNode(t, g.Graph, "shared")

	first := mustExecutor(t, g.Graph, "first", n)
	second := mustExecutor(t, g.Graph, "second")

	assert.ErrorIs(t, second.AddNode(n), errspkg.ErrNodeAttached)
	assert.Same(t, first, n.Executor())
	assert.ErrorIs(t, first.AddNode(nil), errspkg.ErrNodeRequired)
}

func TestCallbackFailuresAreReportedAndLoopContinues(t *testing.T) {
	var reported recorder[error]
	hooks := AlertingHooks(func(ctx CallbackContext, err error) { reported.add(err) })
	reg := prometheus.NewRegistry()
	g := newTestGraph(t, GraphDependencies{Hooks: hooks, Registerer: reg})
	n := mustNode(t, g.Graph, "faulty")

	boom := errors.New("boom")
	var calls int
	_, err := n.CreateTimer(time.Second, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return boom
		}
		panic("kaboom")
	})
	require.NoError(t, err)
	exec := mustExecutor(t, g.Graph, "main", n)

	for i := 0; i < 3; i++ {
		g.clock.Add(time.Second)
		_, err := exec.SpinOnce(t.Context())
		require.NoError(t, err)
	}

	assert.Equal(t, 3, calls)
	errs := reported.all()
	require.Len(t, errs, 3)

	var cbErr *errspkg.CallbackError
	require.ErrorAs(t, errs[0], &cbErr)
	assert.ErrorIs(t, errs[0], boom)
	assert.Equal(t, KindTimer, cbErr.Kind)
	assert.Equal(t, "faulty", cbErr.Node)
	assert.Nil(t, cbErr.Panic)

	require.ErrorAs(t, errs[1], &cbErr)
	assert.Equal(t, "kaboom", cbErr.Panic)

	stats := exec.Stats()
	assert.Equal(t, uint64(3), stats.Callbacks)
	assert.Equal(t, uint64(3), stats.Failures)
	assert.Equal(t, 3.0, testutil.ToFloat64(g.metrics.failures.WithLabelValues(KindTimer)))
	assert.Len(t, g.logger.entries("error"), 3)
}

func TestStopFromCallbackFinishesCurrentDrain(t *testing.T) {
	g := newTestGraph(t)
	n := mustNode(t, g.Graph, "worker")
	exec := mustExecutor(t, g.Graph, "main", n)

	var order recorder[string]
	require.NoError(t, n.Post(t.Context(), "stop", func(ctx context.Context) error {
		order.add("stop")
		exec.Stop()
		return nil
	}))
	require.NoError(t, n.Post(t.Context(), "after", func(ctx context.Context) error {
		order.add("after")
		return nil
	}))

	require.NoError(t, exec.Spin(t.Context()))
	assert.Equal(t, []string{"stop", "after"}, order.all())
	assert.Equal(t, ExecutorStopped, exec.State())

	select {
	case <-exec.Done():
	default:
		t.Fatal("done channel not closed")
	}

	exec.Stop()
	assert.ErrorIs(t, exec.Spin(t.Context()), errspkg.ErrExecutorStopped)
	_, err := exec.SpinOnce(t.Context())
	assert.ErrorIs(t, err, errspkg.ErrExecutorStopped)
	assert.ErrorIs(t, exec.AddNode(mustNode(t, g.Graph, "late")), errspkg.ErrExecutorStopped)
}

func TestStopWhileIdle(t *testing.T) {
	g := newTestGraph(t)
	exec := mustExecutor(t, g.Graph, "main")

	exec.Stop()
	assert.Equal(t, ExecutorStopped, exec.State())
	<-exec.Done()
}

func TestSpinReturnsContextError(t *testing.T) {
	g := newTestGraph(t)
	exec := mustExecutor(t, g.Graph, "main")

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	assert.ErrorIs(t, exec.Spin(ctx), context.Canceled)
	assert.Equal(t, ExecutorStopped, exec.State())
}

func TestSpinOnceInsideCallbackIsRejected(t *testing.T) {
	g := newTestGraph(t)
	n := mustNode(t, g.Graph, "worker")
	exec := mustExecutor(t, g.Graph, "main", n)

	var nested error
	require.NoError(t, n.Post(t.Context(), "nested", func(ctx context.Context) error {
		_, nested = exec.SpinOnce(ctx)
		return nil
	}))

	_, err := exec.SpinOnce(t.Context())
	require.NoError(t, err)
	assert.ErrorIs(t, nested, errspkg.ErrExecutorRunning)
}

func TestEventsExecutorWakesOnPost(t *testing.T) {
	logger := newRecordingLogger()
	g, err := NewGraph(configpkg.Default(), logger, GraphDependencies{})
	require.NoError(t, err)
	n := mustNode(t, g, "worker")
	exec := mustExecutor(t, g, "events", n)

	errCh := make(chan error, 1)
	go func() { errCh <- exec.Spin(context.Background()) }()

	ran := make(chan string, 1)
	require.NoError(t, n.Post(context.Background(), "wake", func(ctx context.Context) error {
		current, ok := CurrentExecutor(ctx)
		if ok && current == exec {
			ran <- "on executor"
		} else {
			ran <- "elsewhere"
		}
		exec.Stop()
		return nil
	}))

	select {
	case where := <-ran:
		assert.Equal(t, "on executor", where)
	case <-time.After(2 * time.Second):
		t.Fatal("posted callback did not run")
	}
	require.NoError(t, <-errCh)
}

func TestPollingExecutorRunsTimers(t *testing.T) {
	conf := configpkg.Default()
	conf.ExecutorMode = configpkg.ExecutorModePolling
	conf.PollInterval = 2 * time.Millisecond
	g, err := NewGraph(conf, newRecordingLogger(), GraphDependencies{})
	require.NoError(t, err)

	n := mustNode(t, g, "ticker")
	exec := mustExecutor(t, g, "polling", n)

	var count int
	_, err = n.CreateTimer(5*time.Millisecond, func(ctx context.Context) error {
		count++
		if count == 3 {
			exec.Stop()
		}
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, exec.Spin(ctx))
	assert.Equal(t, 3, count)
}

func TestNewExecutorValidatesOptions(t *testing.T) {
	g := newTestGraph(t)

	_, err := NewExecutor(nil)
	assert.ErrorIs(t, err, errspkg.ErrGraphRequired)

	_, err = NewExecutor(g.Graph, WithPollingWait(0))
	assert.ErrorIs(t, err, errspkg.ErrInvalidPeriod)

	exec, err := NewExecutor(g.Graph, WithPollingWait(time.Millisecond), WithEventsWait())
	require.NoError(t, err)
	assert.Equal(t, configpkg.ExecutorModeEvents, exec.wait.mode())
}

func TestClosedNodeQueuedEventsAreDropped(t *testing.T) {
	g := newTestGraph(t)
	n := mustNode(t, g.Graph, "worker")
	exec := mustExecutor(t, g.Graph, "main", n)

	var ran bool
	require.NoError(t, n.Post(t.Context(), "queued", func(ctx context.Context) error {
		ran = true
		return nil
	}))
	require.NoError(t, n.Close())

	count, err := exec.SpinOnce(t.Context())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.False(t, ran)
	assert.Empty(t, exec.Nodes())
}

func TestExecutorStateString(t *testing.T) {
	assert.Equal(t, "idle", ExecutorIdle.String())
	assert.Equal(t, "running", ExecutorRunning.String())
	assert.Equal(t, "stopped", ExecutorStopped.String())
	assert.Equal(t, "ExecutorState(9)", ExecutorState(9).String())
}
