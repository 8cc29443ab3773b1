package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/filecoin-project/go-clock"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/spinflow/internal/runtime/config"
	errspkg "github.com/drblury/spinflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/spinflow/internal/runtime/logging"
	"github.com/drblury/spinflow/internal/runtime/timers"
)

// ExecutorState is the lifecycle position of an executor.
type ExecutorState int32

const (
	ExecutorIdle ExecutorState = iota
	ExecutorRunning
	ExecutorStopped
)

func (s ExecutorState) String() string {
	switch s {
	case ExecutorIdle:
		return "idle"
	case ExecutorRunning:
		return "running"
	case ExecutorStopped:
		return "stopped"
	default:
		return fmt.Sprintf("ExecutorState(%d)", int32(s))
	}
}

// ExecutorOption customises an executor.
type ExecutorOption func(*executorOptions)

type executorOptions struct {
	name         string
	mode         string
	pollInterval time.Duration
}

// WithExecutorName sets the name used in logs, metrics and stats.
func WithExecutorName(name string) ExecutorOption {
	return func(o *executorOptions) { o.name = name }
}

// WithEventsWait makes an idle executor sleep until the next timer deadline
// or until a callback is handed to it.
func WithEventsWait() ExecutorOption {
	return func(o *executorOptions) { o.mode = configpkg.ExecutorModeEvents }
}

// WithPollingWait makes an idle executor re-check every interval.
func WithPollingWait(interval time.Duration) ExecutorOption {
	return func(o *executorOptions) {
		o.mode = configpkg.ExecutorModePolling
		o.pollInterval = interval
	}
}

// event is a callback handed to an executor from elsewhere. drop, when set,
// runs instead of invoke if the event is discarded unrun.
type event struct {
	ctx    context.Context
	node   *Node
	invoke func(ctx context.Context, exec *Executor)
	drop   func(ctx context.Context)
}

func (ev event) discard() {
	if ev.drop == nil {
		return
	}
	ctx := ev.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ev.drop(ctx)
}

// Executor runs the callbacks of its nodes one at a time on the goroutine
// that calls Spin or SpinOnce. Each iteration fires the due timers, then
// runs the callbacks queued before the drain started, in queue order.
type Executor struct {
	graph  *Graph
	name   string
	logger loggingpkg.ServiceLogger
	clock  clock.Clock
	wait   waitStrategy
	timers *timers.Service[*Timer]

	mu            sync.Mutex
	state         ExecutorState
	stopRequested bool
	nodes         []*Node
	queue         []event

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once

	callbacks  atomic.Uint64
	failures   atomic.Uint64
	iterations atomic.Uint64
}

// NewExecutor creates an idle executor for nodes of g. The wait strategy
// defaults to the graph configuration.
func NewExecutor(g *Graph, opts ...ExecutorOption) (*Executor, error) {
	if g == nil {
		return nil, errspkg.ErrGraphRequired
	}

	options := executorOptions{
		name:         "executor",
		mode:         g.Conf.ExecutorMode,
		pollInterval: g.Conf.PollInterval,
	}
	for _, opt := range opts {
		opt(&options)
	}

	var wait waitStrategy
	switch options.mode {
	case configpkg.ExecutorModePolling:
		if options.pollInterval <= 0 {
			return nil, fmt.Errorf("%w: poll interval %s", errspkg.ErrInvalidPeriod, options.pollInterval)
		}
		wait = pollingWait{interval: options.pollInterval}
	case configpkg.ExecutorModeEvents, "":
		wait = eventsWait{}
	default:
		return nil, fmt.Errorf("spinflow: unknown executor mode %q", options.mode)
	}

	e := &Executor{
		graph:  g,
		name:   options.name,
		logger: g.Logger.With(loggingpkg.LogFields{"executor": options.name}),
		clock:  g.clock,
		wait:   wait,
		timers: timers.New[*Timer](g.clock),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	return e, nil
}

func (e *Executor) Name() string { return e.name }

// State returns the current lifecycle state.
func (e *Executor) State() ExecutorState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed once the executor reaches ExecutorStopped.
func (e *Executor) Done() <-chan struct{} { return e.done }

// AddNode attaches n. Its timers are armed relative to now.
func (e *Executor) AddNode(n *Node) error {
	if n == nil {
		return errspkg.ErrNodeRequired
	}
	if e.State() == ExecutorStopped {
		return errspkg.ErrExecutorStopped
	}
	if err := n.attach(e); err != nil {
		return err
	}

	e.mu.Lock()
	e.nodes = append(e.nodes, n)
	e.mu.Unlock()

	e.signal()
	e.logger.Info("Node added", loggingpkg.LogFields{"node": n.name})
	return nil
}

// RemoveNode detaches n. Its timers are disarmed; callbacks already queued
// for it still run.
func (e *Executor) RemoveNode(n *Node) error {
	if n == nil {
		return errspkg.ErrNodeRequired
	}
	if err := n.detach(e); err != nil {
		return err
	}
	e.forgetNode(n)
	e.logger.Info("Node removed", loggingpkg.LogFields{"node": n.name})
	return nil
}

// Nodes returns the attached nodes in the order they were added.
func (e *Executor) Nodes() []*Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Node, len(e.nodes))
	copy(out, e.nodes)
	return out
}

func (e *Executor) forgetNode(n *Node) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodes = removeItem(e.nodes, n)
}

// Spin runs iterations until Stop is called or ctx is done. It returns nil
// after Stop and ctx.Err() after cancellation; either way the executor ends
// in ExecutorStopped.
func (e *Executor) Spin(ctx context.Context) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.finish()

	e.logger.Info("Executor spinning", loggingpkg.LogFields{"mode": e.wait.mode()})
	for {
		if e.stopping() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		e.iterate(ctx)
		if e.stopping() {
			return nil
		}
		e.wait.wait(ctx, e)
	}
}

// SpinOnce runs a single iteration without waiting and returns the number of
// callbacks it ran. A Stop requested during the iteration takes effect when
// it returns.
func (e *Executor) SpinOnce(ctx context.Context) (int, error) {
	if err := e.begin(); err != nil {
		return 0, err
	}
	ran := e.iterate(ctx)
	e.settle()
	return ran, nil
}

// SpinAll runs iterations until one finds nothing to do, so work handed off
// during an iteration (responses, cross-node deliveries) is drained too.
func (e *Executor) SpinAll(ctx context.Context) (int, error) {
	if err := e.begin(); err != nil {
		return 0, err
	}
	total := 0
	for !e.stopping() && ctx.Err() == nil {
		ran := e.iterate(ctx)
		total += ran
		if ran == 0 && e.queueLen() == 0 {
			break
		}
	}
	e.settle()
	return total, ctx.Err()
}

// Stop ends spinning after the current drain completes. An idle executor
// stops immediately. Stop is idempotent and safe from any goroutine,
// including callbacks of this executor.
func (e *Executor) Stop() {
	e.mu.Lock()
	switch e.state {
	case ExecutorStopped:
		e.mu.Unlock()
		return
	case ExecutorIdle:
		e.state = ExecutorStopped
		e.stopRequested = true
		e.mu.Unlock()
		e.finish()
		return
	}
	e.stopRequested = true
	e.mu.Unlock()
	e.closeStop()
}

func (e *Executor) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case ExecutorStopped:
		return errspkg.ErrExecutorStopped
	case ExecutorRunning:
		return errspkg.ErrExecutorRunning
	}
	e.state = ExecutorRunning
	return nil
}

// settle returns a SpinOnce/SpinAll executor to idle, or stops it when Stop
// was requested meanwhile.
func (e *Executor) settle() {
	e.mu.Lock()
	if !e.stopRequested {
		e.state = ExecutorIdle
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.finish()
}

func (e *Executor) finish() {
	e.mu.Lock()
	e.state = ExecutorStopped
	e.stopRequested = true
	queued := e.queue
	e.queue = nil
	e.mu.Unlock()

	e.graph.metrics.setQueueDepth(e.name, 0)
	for _, ev := range queued {
		ev.discard()
	}
	e.closeStop()
	e.closeDone()
	e.logger.Info("Executor stopped", loggingpkg.LogFields{"dropped_callbacks": len(queued)})
}

func (e *Executor) stopping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopRequested
}

func (e *Executor) closeStop() { e.stopOnce.Do(func() { close(e.stopCh) }) }
func (e *Executor) closeDone() { e.doneOnce.Do(func() { close(e.done) }) }

// signal wakes an executor waiting in events mode.
func (e *Executor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Executor) enqueue(ev event) {
	e.mu.Lock()
	if e.state == ExecutorStopped {
		e.mu.Unlock()
		e.logger.Debug("Dropping callback for stopped executor", loggingpkg.LogFields{"node": ev.node.name})
		ev.discard()
		return
	}
	e.queue = append(e.queue, ev)
	depth := len(e.queue)
	e.mu.Unlock()

	e.graph.metrics.setQueueDepth(e.name, depth)
	e.signal()
}

func (e *Executor) queueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// iterate fires due timers, then drains the callbacks queued so far.
func (e *Executor) iterate(ctx context.Context) int {
	ran := 0
	now := e.clock.Now()
	for _, f := range e.timers.Poll(now) {
		t := f.Value()
		if !t.begin(f.Handle) {
			continue
		}
		e.graph.metrics.observeLateness(now.Sub(f.Deadline))
		t.fire(ctx, e)
		ran++
	}

	e.mu.Lock()
	batch := e.queue
	e.queue = nil
	e.mu.Unlock()

	for _, ev := range batch {
		if ev.node.Closed() {
			ev.discard()
			continue
		}
		ev.invoke(e.eventContext(ctx, ev), e)
		ran++
	}
	if len(batch) > 0 {
		e.graph.metrics.setQueueDepth(e.name, e.queueLen())
	}

	e.iterations.Add(1)
	return ran
}

// eventContext runs a handed-off callback under the executor's context while
// keeping the trace of whoever handed it off.
func (e *Executor) eventContext(ctx context.Context, ev event) context.Context {
	if ev.ctx == nil {
		return ctx
	}
	if sc := trace.SpanContextFromContext(ev.ctx); sc.IsValid() {
		return trace.ContextWithSpanContext(ctx, sc)
	}
	return ctx
}

// ExecutorStats is a point-in-time view of an executor.
type ExecutorStats struct {
	Name       string   `json:"name"`
	State      string   `json:"state"`
	Nodes      []string `json:"nodes"`
	QueueDepth int      `json:"queue_depth"`
	Timers     int      `json:"timers"`
	Callbacks  uint64   `json:"callbacks"`
	Failures   uint64   `json:"failures"`
	Iterations uint64   `json:"iterations"`
}

// Stats returns counters and the current queue depth.
func (e *Executor) Stats() ExecutorStats {
	e.mu.Lock()
	nodes := make([]string, 0, len(e.nodes))
	for _, n := range e.nodes {
		nodes = append(nodes, n.name)
	}
	stats := ExecutorStats{
		Name:       e.name,
		State:      e.state.String(),
		Nodes:      nodes,
		QueueDepth: len(e.queue),
	}
	e.mu.Unlock()

	stats.Timers = e.timers.Len()
	stats.Callbacks = e.callbacks.Load()
	stats.Failures = e.failures.Load()
	stats.Iterations = e.iterations.Load()
	return stats
}

// waitStrategy blocks an idle executor between iterations.
type waitStrategy interface {
	wait(ctx context.Context, e *Executor)
	mode() string
}

type eventsWait struct{}

func (eventsWait) mode() string { return configpkg.ExecutorModeEvents }

func (eventsWait) wait(ctx context.Context, e *Executor) {
	if e.queueLen() > 0 {
		return
	}

	var fire <-chan time.Time
	if next, ok := e.timers.Next(); ok {
		d := next.Sub(e.clock.Now())
		if d <= 0 {
			return
		}
		t := e.clock.Timer(d)
		defer t.Stop()
		fire = t.C
	}

	select {
	case <-ctx.Done():
	case <-e.stopCh:
	case <-e.wake:
	case <-fire:
	}
}

type pollingWait struct {
	interval time.Duration
}

func (pollingWait) mode() string { return configpkg.ExecutorModePolling }

func (p pollingWait) wait(ctx context.Context, e *Executor) {
	t := e.clock.Timer(p.interval)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-e.stopCh:
	case <-t.C:
	}
}
