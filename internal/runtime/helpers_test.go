package runtime

import (
	"sync"
	"testing"

	"github.com/filecoin-project/go-clock"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/spinflow/internal/runtime/config"
	loggingpkg "github.com/drblury/spinflow/internal/runtime/logging"
)

type loggedEntry struct {
	level  string
	msg    string
	fields loggingpkg.LogFields
	err    error
}

type logRecorder struct {
	mu   sync.Mutex
	logs []loggedEntry
}

// recordingLogger keeps every entry so tests can assert on reported failures.
type recordingLogger struct {
	recorder *logRecorder
	fields   loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{recorder: &logRecorder{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := make(loggingpkg.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{recorder: l.recorder, fields: merged}
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.append("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.append("info", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.append("error", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.append("trace", msg, nil, fields)
}

func (l *recordingLogger) append(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := make(loggingpkg.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	l.recorder.mu.Lock()
	defer l.recorder.mu.Unlock()
	l.recorder.logs = append(l.recorder.logs, loggedEntry{level: level, msg: msg, fields: merged, err: err})
}

func (l *recordingLogger) entries(level string) []loggedEntry {
	l.recorder.mu.Lock()
	defer l.recorder.mu.Unlock()

	var out []loggedEntry
	for _, e := range l.recorder.logs {
		if level == "" || e.level == level {
			out = append(out, e)
		}
	}
	return out
}

type testGraph struct {
	*Graph
	clock  *clock.Mock
	logger *recordingLogger
}

func newTestGraph(t *testing.T, deps ...GraphDependencies) testGraph {
	t.Helper()

	var d GraphDependencies
	if len(deps) > 0 {
		d = deps[0]
	}
	mock := clock.NewMock()
	d.Clock = mock

	logger := newRecordingLogger()
	g, err := NewGraph(configpkg.Default(), logger, d)
	require.NoError(t, err)
	return testGraph{Graph: g, clock: mock, logger: logger}
}

func mustNode(t *testing.T, g *Graph, name string) *Node {
	t.Helper()
	n, err := g.NewNode(name)
	require.NoError(t, err)
	return n
}

func mustExecutor(t *testing.T, g *Graph, name string, nodes ...*Node) *Executor {
	t.Helper()
	e, err := NewExecutor(g, WithExecutorName(name))
	require.NoError(t, err)
	for _, n := range nodes {
		require.NoError(t, e.AddNode(n))
	}
	return e
}

// recorder collects values from callbacks running on any goroutine.
type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, v)
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

func (r *recorder[T]) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
