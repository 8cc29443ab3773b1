package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	errspkg "github.com/drblury/spinflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/spinflow/internal/runtime/logging"
)

// ownedEndpoint is a service or client owned by a node.
type ownedEndpoint interface {
	EndpointName() string
	Close() error
}

// Node is a named owner of publishers, subscriptions, timers, services and
// clients. Callbacks of a node run on the executor it was added to, or
// inline on the caller's goroutine while the node is detached.
type Node struct {
	graph  *Graph
	name   string
	id     string
	logger loggingpkg.ServiceLogger

	mu            sync.Mutex
	executor      *Executor
	closed        bool
	timerSeq      uint64
	publishers    []*Publisher
	subscriptions []*Subscription
	timers        []*Timer
	services      []ownedEndpoint
	clients       []ownedEndpoint
}

func (n *Node) Name() string                     { return n.name }
func (n *Node) ID() string                       { return n.id }
func (n *Node) Graph() *Graph                    { return n.graph }
func (n *Node) Logger() loggingpkg.ServiceLogger { return n.logger }

// Now reads the graph clock.
func (n *Node) Now() time.Time { return n.graph.clock.Now() }

// Executor returns the executor the node belongs to, or nil.
func (n *Node) Executor() *Executor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.executor
}

// Closed reports whether Close was called.
func (n *Node) Closed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// CreatePublisher returns a publisher bound to topic.
func (n *Node) CreatePublisher(topic string) (*Publisher, error) {
	if err := validateTopic(topic); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, errspkg.ErrNodeClosed
	}

	if err := n.graph.topics.Advertise(topic); err != nil {
		return nil, err
	}
	p := &Publisher{node: n, topic: topic}
	n.publishers = append(n.publishers, p)
	n.logger.Debug("Publisher created", loggingpkg.LogFields{"topic": topic})
	return p, nil
}

// CreateSubscription registers cb for every message published on topic.
func (n *Node) CreateSubscription(topic string, cb SubscriptionCallback) (*Subscription, error) {
	if cb == nil {
		return nil, errspkg.ErrCallbackRequired
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, errspkg.ErrNodeClosed
	}

	s := &Subscription{node: n, topic: topic, cb: cb}
	handle, err := n.graph.topics.Subscribe(topic, s.deliver)
	if err != nil {
		return nil, err
	}
	s.handle = handle
	n.subscriptions = append(n.subscriptions, s)
	n.logger.Debug("Subscription created", loggingpkg.LogFields{"topic": topic})
	return s, nil
}

// CreateTimer registers cb to fire every period. The timer is armed when the
// node is added to an executor.
func (n *Node) CreateTimer(period time.Duration, cb TimerCallback) (*Timer, error) {
	if period <= 0 {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrInvalidPeriod, period)
	}
	if cb == nil {
		return nil, errspkg.ErrCallbackRequired
	}
	return n.addTimer(period, false, cb)
}

// createOneShot arms cb once, delay after the node's executor picks it up.
func (n *Node) createOneShot(delay time.Duration, cb TimerCallback) (*Timer, error) {
	return n.addTimer(delay, true, cb)
}

func (n *Node) addTimer(period time.Duration, oneShot bool, cb TimerCallback) (*Timer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, errspkg.ErrNodeClosed
	}

	n.timerSeq++
	prefix := "timer"
	if oneShot {
		prefix = "oneshot"
	}
	t := &Timer{
		node:    n,
		name:    fmt.Sprintf("%s-%d", prefix, n.timerSeq),
		period:  period,
		oneShot: oneShot,
		cb:      cb,
	}
	n.timers = append(n.timers, t)
	if n.executor != nil {
		t.armOn(n.executor)
		n.executor.signal()
	}
	if !oneShot {
		n.logger.Debug("Timer created", loggingpkg.LogFields{"timer": t.name, "period": period.String()})
	}
	return t, nil
}

// Post hands fn to the node's executor, where it runs after the callbacks
// already queued there. A detached node runs fn immediately. Post is the way
// for goroutines outside the executor to get work onto it.
func (n *Node) Post(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errspkg.ErrCallbackRequired
	}
	if n.Closed() {
		return errspkg.ErrNodeClosed
	}
	src := callbackSource{kind: KindPosted, node: n, source: name}
	n.dispatch(ctx, false, func(ctx context.Context, exec *Executor) {
		_ = n.graph.run(ctx, exec, src, fn)
	})
	return nil
}

// dispatch runs invoke on the goroutine that should execute callbacks of n.
// With inline set, a caller already running on n's executor runs it directly.
func (n *Node) dispatch(ctx context.Context, inline bool, invoke func(ctx context.Context, exec *Executor)) {
	n.dispatchOrDrop(ctx, inline, invoke, nil)
}

// dispatchOrDrop is dispatch with a fallback run when the executor discards
// the callback because it stopped or n closed first.
func (n *Node) dispatchOrDrop(ctx context.Context, inline bool, invoke func(ctx context.Context, exec *Executor), drop func(ctx context.Context)) {
	exec := n.Executor()
	if exec == nil {
		current, _ := CurrentExecutor(ctx)
		invoke(ctx, current)
		return
	}
	if inline {
		if current, ok := CurrentExecutor(ctx); ok && current == exec {
			invoke(ctx, exec)
			return
		}
	}
	exec.enqueue(event{ctx: ctx, node: n, invoke: invoke, drop: drop})
}

// Close destroys everything the node owns: timers are cancelled,
// subscriptions removed, services unregistered and pending client calls
// dropped. Close is idempotent.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	exec := n.executor
	n.executor = nil
	timers := slices.Clone(n.timers)
	subscriptions := slices.Clone(n.subscriptions)
	publishers := slices.Clone(n.publishers)
	services := slices.Clone(n.services)
	clients := slices.Clone(n.clients)
	n.mu.Unlock()

	for _, t := range timers {
		t.Cancel()
	}
	for _, s := range subscriptions {
		_ = s.Close()
	}
	for _, p := range publishers {
		p.Close()
	}
	var errs []error
	for _, s := range services {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if exec != nil {
		exec.forgetNode(n)
	}
	n.graph.removeNode(n)
	n.logger.Info("Node closed", nil)
	return errors.Join(errs...)
}

func (n *Node) attach(e *Executor) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return errspkg.ErrNodeClosed
	}
	if n.executor != nil {
		return fmt.Errorf("%w: %q", errspkg.ErrNodeAttached, n.name)
	}
	n.executor = e
	for _, t := range n.timers {
		t.armOn(e)
	}
	return nil
}

func (n *Node) detach(e *Executor) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.executor != e {
		return fmt.Errorf("%w: %q", errspkg.ErrNodeNotAttached, n.name)
	}
	for _, t := range n.timers {
		t.disarm()
	}
	n.executor = nil
	return nil
}

func (n *Node) trackService(s ownedEndpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.services = append(n.services, s)
}

func (n *Node) trackClient(c ownedEndpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clients = append(n.clients, c)
}

func (n *Node) forgetTimer(t *Timer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.timers = removeItem(n.timers, t)
}

func (n *Node) forgetSubscription(s *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscriptions = removeItem(n.subscriptions, s)
}

func (n *Node) forgetPublisher(p *Publisher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.publishers = removeItem(n.publishers, p)
}

func (n *Node) forgetService(s ownedEndpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.services = removeItem(n.services, s)
}

func (n *Node) forgetClient(c ownedEndpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clients = removeItem(n.clients, c)
}

func removeItem[T comparable](items []T, item T) []T {
	if i := slices.Index(items, item); i >= 0 {
		return slices.Delete(items, i, i+1)
	}
	return items
}
