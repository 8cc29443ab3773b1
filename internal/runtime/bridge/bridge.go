// Package bridge mirrors graph topics onto a watermill transport. Forwarded
// topics leave the process through the transport publisher; ingested topics
// are read by a watermill router and republished inside the graph on the
// bridge node's executor.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/spinflow/internal/runtime"
	idspkg "github.com/drblury/spinflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/spinflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/spinflow/internal/runtime/metadata"
	"github.com/drblury/spinflow/transport"
)

// ErrClosed is returned by operations on a closed bridge.
var ErrClosed = errors.New("spinflow: bridge is closed")

const tracerName = "github.com/drblury/spinflow/bridge"

// KeyCorrelationID is set on every ingested message that arrives without one.
const KeyCorrelationID = "correlation_id"

// Option customises a Bridge.
type Option func(*Bridge)

// WithTracerProvider traces every ingested message.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Bridge) {
		if tp != nil {
			b.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithMetrics registers watermill's router and publisher metrics for the
// bridge on registerer.
func WithMetrics(registerer prometheus.Registerer) Option {
	return func(b *Bridge) { b.registerer = registerer }
}

// WithMessageLogging logs payload and headers of every ingested message at debug.
func WithMessageLogging() Option {
	return func(b *Bridge) { b.logMessages = true }
}

// Bridge connects one node to a transport.
type Bridge struct {
	id        string
	node      *runtime.Node
	transport transport.Transport
	codec     Codec
	logger    loggingpkg.ServiceLogger
	tracer    trace.Tracer
	router    *message.Router

	logMessages bool
	registerer  prometheus.Registerer

	mu         sync.Mutex
	closed     bool
	running    bool
	runCtx     context.Context
	forwards   map[string]*runtime.Subscription
	publishers map[string]*runtime.Publisher

	forwarded atomic.Uint64
	ingested  atomic.Uint64
	dropped   atomic.Uint64
}

// New builds a bridge for node. The node owns the subscriptions and
// publishers the bridge creates, so closing the node also silences it.
func New(node *runtime.Node, tr transport.Transport, codec Codec, logger loggingpkg.ServiceLogger, opts ...Option) (*Bridge, error) {
	if node == nil {
		return nil, errors.New("spinflow: bridge node is required")
	}
	if tr.Publisher == nil || tr.Subscriber == nil {
		return nil, errors.New("spinflow: bridge transport requires a publisher and a subscriber")
	}
	if codec == nil {
		codec = JSONCodec{}
	}
	if logger == nil {
		logger = node.Logger()
	}

	b := &Bridge{
		id:         idspkg.CreateULID(),
		node:       node,
		transport:  tr,
		codec:      codec,
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
		forwards:   make(map[string]*runtime.Subscription),
		publishers: make(map[string]*runtime.Publisher),
	}
	b.logger = logger.With(loggingpkg.LogFields{"bridge_id": b.id, "codec": codec.Name()})
	for _, opt := range opts {
		opt(b)
	}

	router, err := message.NewRouter(message.RouterConfig{}, loggingpkg.NewWatermillAdapter(b.logger))
	if err != nil {
		return nil, fmt.Errorf("spinflow: create bridge router: %w", err)
	}
	router.AddMiddleware(
		middleware.Recoverer,
		b.correlationIDMiddleware(),
		b.tracerMiddleware(),
	)
	if b.logMessages {
		router.AddMiddleware(b.logMessagesMiddleware())
	}
	if b.registerer != nil {
		builder := metrics.NewPrometheusMetricsBuilder(b.registerer, "spinflow", "bridge")
		builder.AddPrometheusRouterMetrics(router)
		pub, err := builder.DecoratePublisher(b.transport.Publisher)
		if err != nil {
			return nil, fmt.Errorf("spinflow: bridge publisher metrics: %w", err)
		}
		b.transport.Publisher = pub
	}
	b.router = router

	b.logger.Info("Bridge created", loggingpkg.LogFields{"node": node.Name()})
	return b, nil
}

// ID identifies this bridge in the origin header of everything it forwards.
func (b *Bridge) ID() string { return b.id }

func (b *Bridge) Forwarded() uint64 { return b.forwarded.Load() }
func (b *Bridge) Ingested() uint64  { return b.ingested.Load() }

// Dropped counts ingested messages discarded as echoes of this bridge.
func (b *Bridge) Dropped() uint64 { return b.dropped.Load() }

// Forward sends every message published on topic inside the graph to the
// transport. Messages that entered the graph through any bridge are skipped.
func (b *Bridge) Forward(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.forwards[topic]; ok {
		return nil
	}

	sub, err := b.node.CreateSubscription(topic, func(ctx context.Context, msg runtime.Message) error {
		return b.forward(topic, msg)
	})
	if err != nil {
		return err
	}
	b.forwards[topic] = sub
	b.logger.Info("Forwarding topic", loggingpkg.LogFields{"topic": topic})
	return nil
}

func (b *Bridge) forward(topic string, msg runtime.Message) error {
	if msg.Header(metadatapkg.KeyBridgeOrigin) != "" {
		return nil
	}
	wm, err := b.codec.Encode(msg)
	if err != nil {
		return err
	}
	wm.Metadata.Set(metadatapkg.KeyBridgeOrigin, b.id)
	for k, v := range metadatapkg.ToWatermill(msg.Metadata()) {
		if wm.Metadata.Get(k) == "" {
			wm.Metadata.Set(k, v)
		}
	}
	if err := b.transport.Publisher.Publish(topic, wm); err != nil {
		return fmt.Errorf("spinflow: forward %s: %w", topic, err)
	}
	b.forwarded.Add(1)
	return nil
}

// Ingest republishes inside the graph every transport message on topic.
// It may be called before or after Run.
func (b *Bridge) Ingest(topic string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if _, ok := b.publishers[topic]; ok {
		b.mu.Unlock()
		return nil
	}

	pub, err := b.node.CreatePublisher(topic)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.publishers[topic] = pub

	b.router.AddNoPublisherHandler(
		"spinflow_ingest_"+topic,
		topic,
		b.transport.Subscriber,
		func(wm *message.Message) error {
			return b.ingest(pub, topic, wm)
		},
	)
	running, runCtx := b.running, b.runCtx
	b.mu.Unlock()

	b.logger.Info("Ingesting topic", loggingpkg.LogFields{"topic": topic})
	if !running {
		return nil
	}

	// Handlers added after the router started need an explicit start.
	select {
	case <-b.router.Running():
	case <-runCtx.Done():
		return runCtx.Err()
	}
	return b.router.RunHandlers(runCtx)
}

func (b *Bridge) ingest(pub *runtime.Publisher, topic string, wm *message.Message) error {
	origin := wm.Metadata.Get(metadatapkg.KeyBridgeOrigin)
	if origin == b.id {
		b.dropped.Add(1)
		return nil
	}

	msg, err := b.codec.Decode(topic, wm)
	if err != nil {
		// A message this bridge cannot decode will not decode on redelivery either.
		b.logger.Error("Dropping undecodable bridge message", err, loggingpkg.LogFields{
			"topic":        topic,
			"message_uuid": wm.UUID,
		})
		return nil
	}
	if origin == "" {
		origin = "external"
	}
	msg = msg.WithMetadata(metadatapkg.KeyBridgeOrigin, origin)
	if cid := wm.Metadata.Get(KeyCorrelationID); cid != "" {
		msg = msg.WithMetadata(KeyCorrelationID, cid)
	}

	err = b.node.Post(wm.Context(), "bridge:"+topic, func(ctx context.Context) error {
		return pub.Publish(ctx, msg)
	})
	if err != nil {
		return err
	}
	b.ingested.Add(1)
	return nil
}

// Run starts the router and blocks until ctx is done or Close is called.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.running = true
	b.runCtx = ctx
	b.mu.Unlock()

	return b.router.Run(ctx)
}

// Running is closed once the router has started its handlers.
func (b *Bridge) Running() chan struct{} { return b.router.Running() }

// Close stops the router, drops the bridge's subscriptions and publishers and
// closes the transport. It is safe to call more than once.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	running := b.running
	forwards := b.forwards
	publishers := b.publishers
	b.forwards = map[string]*runtime.Subscription{}
	b.publishers = map[string]*runtime.Publisher{}
	b.mu.Unlock()

	var errs []error
	// A router that never ran would wait out its close timeout.
	if running {
		if err := b.router.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, sub := range forwards {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, pub := range publishers {
		pub.Close()
	}
	if err := b.transport.Close(); err != nil {
		errs = append(errs, err)
	}

	b.logger.Info("Bridge closed", loggingpkg.LogFields{
		"forwarded": b.forwarded.Load(),
		"ingested":  b.ingested.Load(),
	})
	return errors.Join(errs...)
}

func (b *Bridge) correlationIDMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			if msg.Metadata.Get(KeyCorrelationID) == "" {
				msg.Metadata.Set(KeyCorrelationID, idspkg.CreateULID())
			}
			return h(msg)
		}
	}
}

func (b *Bridge) tracerMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx, span := b.tracer.Start(msg.Context(), "spinflow.bridge.ingest")
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("message.uuid", msg.UUID),
				attribute.String("spinflow.bridge.origin", msg.Metadata.Get(metadatapkg.KeyBridgeOrigin)),
				attribute.String("spinflow.topic", msg.Metadata.Get(metadatapkg.KeyTopic)),
			)
			out, err := h(msg)
			if err != nil {
				span.RecordError(err)
			}
			return out, err
		}
	}
}

func (b *Bridge) logMessagesMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			b.logger.Debug("Processing bridge message", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}
