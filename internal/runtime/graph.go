package runtime

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/spinflow/internal/runtime/config"
	"github.com/drblury/spinflow/internal/runtime/endpoints"
	errspkg "github.com/drblury/spinflow/internal/runtime/errors"
	idspkg "github.com/drblury/spinflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/spinflow/internal/runtime/logging"
	"github.com/drblury/spinflow/internal/runtime/topics"
)

const tracerName = "github.com/drblury/spinflow"

// GraphDependencies holds the optional collaborators of a Graph. Leave fields
// nil to get the defaults.
type GraphDependencies struct {
	// Clock defaults to the wall clock. Tests pass clock.NewMock().
	Clock clock.Clock
	// Registerer receives the runtime collectors. Nil keeps them unregistered.
	Registerer prometheus.Registerer
	// TracerProvider defaults to the global otel provider.
	TracerProvider trace.TracerProvider
	Hooks          CallbackHooks
}

// Graph owns everything nodes share: the topic registry, the endpoint
// registry, the clock, metrics, tracing and hooks. One process usually has
// one graph; nodes of the same graph talk to each other regardless of which
// executor spins them.
type Graph struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	clock     clock.Clock
	topics    *topics.Registry[Message]
	endpoints *endpoints.Registry[*endpoint]
	metrics   *runtimeMetrics
	tracer    trace.Tracer
	hooks     CallbackHooks
	usage     *usageSampler

	nodesMu sync.RWMutex
	nodes   map[string]*Node
}

// NewGraph validates conf and builds an empty graph.
func NewGraph(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps GraphDependencies) (*Graph, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	metrics, err := newRuntimeMetrics(deps.Registerer)
	if err != nil {
		return nil, fmt.Errorf("spinflow: register metrics: %w", err)
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	log.Info("Creating graph", loggingpkg.LogFields{
		"executor_mode": conf.ExecutorMode,
		"config":        conf,
	})

	return &Graph{
		Conf:      conf,
		Logger:    log,
		clock:     clk,
		topics:    topics.NewRegistry[Message](),
		endpoints: endpoints.NewRegistry[*endpoint](),
		metrics:   metrics,
		tracer:    tp.Tracer(tracerName),
		hooks:     deps.Hooks,
		usage:     newUsageSampler(),
		nodes:     make(map[string]*Node),
	}, nil
}

// Clock returns the clock every node and executor of the graph reads.
func (g *Graph) Clock() clock.Clock { return g.clock }

// Now returns the graph clock's current time.
func (g *Graph) Now() time.Time { return g.clock.Now() }

// NewNode registers a node under a unique name.
func (g *Graph) NewNode(name string) (*Node, error) {
	if name == "" {
		return nil, errspkg.ErrNodeNameRequired
	}

	g.nodesMu.Lock()
	defer g.nodesMu.Unlock()

	if _, exists := g.nodes[name]; exists {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrDuplicateNode, name)
	}

	id := idspkg.CreateULID()
	n := &Node{
		graph:  g,
		name:   name,
		id:     id,
		logger: g.Logger.With(loggingpkg.LogFields{"node": name}),
	}
	g.nodes[name] = n
	n.logger.Debug("Node created", loggingpkg.LogFields{"node_id": id})
	return n, nil
}

// Node looks up a live node by name.
func (g *Graph) Node(name string) (*Node, bool) {
	g.nodesMu.RLock()
	defer g.nodesMu.RUnlock()
	n, ok := g.nodes[name]
	return n, ok
}

// Nodes returns the live nodes sorted by name.
func (g *Graph) Nodes() []*Node {
	g.nodesMu.RLock()
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	g.nodesMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Topics returns the names of topics with at least one subscription or
// publisher.
func (g *Graph) Topics() []string { return g.topics.Topics() }

// SubscriberCount returns the number of live subscriptions on topic.
func (g *Graph) SubscriberCount(topic string) int { return g.topics.SubscriberCount(topic) }

// PublisherCount returns the number of open publishers on topic.
func (g *Graph) PublisherCount(topic string) int { return g.topics.PublisherCount(topic) }

// Endpoints returns the names of served endpoints.
func (g *Graph) Endpoints() []string { return g.endpoints.Names() }

func (g *Graph) removeNode(n *Node) {
	g.nodesMu.Lock()
	defer g.nodesMu.Unlock()
	if g.nodes[n.name] == n {
		delete(g.nodes, n.name)
	}
}
