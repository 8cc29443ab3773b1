// Package demo contains the three example nodes the spinflow command runs: a
// clock publisher, a subscription that asks a service for the time between
// consecutive clock messages, and the service answering it.
package demo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/spinflow/internal/runtime"
	configpkg "github.com/drblury/spinflow/internal/runtime/config"
	errspkg "github.com/drblury/spinflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/spinflow/internal/runtime/logging"
)

// Tick is the payload of clock messages.
type Tick struct {
	Time time.Time `json:"time"`
}

// DiffRequest asks for A - B.
type DiffRequest struct {
	A time.Time `json:"a"`
	B time.Time `json:"b"`
}

type DiffResponse struct {
	Diff time.Duration `json:"diff"`
}

// Clock publishes the node clock on a topic every period.
type Clock struct {
	publisher *runtime.Publisher
	timer     *runtime.Timer
}

// NewClock attaches a clock publisher to node.
func NewClock(node *runtime.Node, topic string, period time.Duration) (*Clock, error) {
	pub, err := node.CreatePublisher(topic)
	if err != nil {
		return nil, err
	}
	timer, err := node.CreateTimer(period, func(ctx context.Context) error {
		return pub.PublishJSON(ctx, Tick{Time: node.Now()}, nil)
	})
	if err != nil {
		pub.Close()
		return nil, err
	}
	return &Clock{publisher: pub, timer: timer}, nil
}

func (c *Clock) Published() uint64 { return c.publisher.Published() }
func (c *Clock) Timer() *runtime.Timer { return c.timer }

// DiffObserver receives every answered diff request.
type DiffObserver func(req DiffRequest, resp DiffResponse, err error)

// DiffOption customises a DiffSubscription.
type DiffOption func(*DiffSubscription)

// WithResultObserver is called from the continuation of every diff call.
func WithResultObserver(fn DiffObserver) DiffOption {
	return func(d *DiffSubscription) { d.observer = fn }
}

// WithTickObserver is called for every clock message received.
func WithTickObserver(fn func(Tick)) DiffOption {
	return func(d *DiffSubscription) { d.onTick = fn }
}

// DiffSubscription listens to clock messages and, from the second one on,
// asks the diff endpoint for the time elapsed since the previous message.
type DiffSubscription struct {
	node         *runtime.Node
	logger       loggingpkg.ServiceLogger
	subscription *runtime.Subscription
	client       *runtime.Client[DiffRequest, DiffResponse]
	observer     DiffObserver
	onTick       func(Tick)

	mu       sync.Mutex
	previous *Tick
}

// NewDiffSubscription subscribes node to topic. With an empty endpoint no
// requests are sent and ticks are only logged.
func NewDiffSubscription(node *runtime.Node, topic, endpoint string, opts ...DiffOption) (*DiffSubscription, error) {
	d := &DiffSubscription{node: node, logger: node.Logger()}
	for _, opt := range opts {
		opt(d)
	}

	if endpoint != "" {
		client, err := runtime.CreateClient[DiffRequest, DiffResponse](node, endpoint)
		if err != nil {
			return nil, err
		}
		d.client = client
	}

	sub, err := node.CreateSubscription(topic, d.onMessage)
	if err != nil {
		if d.client != nil {
			_ = d.client.Close()
		}
		return nil, err
	}
	d.subscription = sub
	return d, nil
}

func (d *DiffSubscription) Received() uint64 { return d.subscription.Received() }

func (d *DiffSubscription) onMessage(ctx context.Context, msg runtime.Message) error {
	var tick Tick
	if err := msg.Decode(&tick); err != nil {
		return fmt.Errorf("decode tick: %w", err)
	}
	d.logger.Info("Tick received", loggingpkg.LogFields{"seconds": tick.Time.Unix()})
	if d.onTick != nil {
		d.onTick(tick)
	}

	d.mu.Lock()
	previous := d.previous
	d.previous = &tick
	d.mu.Unlock()

	if previous == nil || d.client == nil {
		return nil
	}

	req := DiffRequest{A: tick.Time, B: previous.Time}
	_, err := d.client.Call(ctx, req, func(ctx context.Context, resp runtime.Response[DiffResponse], err error) {
		if err != nil {
			d.logger.Error("Diff request failed", err, nil)
		} else {
			d.logger.Info("Diff received", loggingpkg.LogFields{"seconds": resp.Payload.Diff.Seconds()})
		}
		if d.observer != nil {
			d.observer(req, resp.Payload, err)
		}
	})
	if errors.Is(err, errspkg.ErrEndpointNotFound) {
		d.logger.Debug("Diff endpoint not available yet", loggingpkg.LogFields{"endpoint": d.client.EndpointName()})
		return nil
	}
	return err
}

// NewDiffService serves name on node, answering A - B.
func NewDiffService(node *runtime.Node, name string) (*runtime.Service[DiffRequest, DiffResponse], error) {
	return runtime.CreateService[DiffRequest, DiffResponse](node, name, func(ctx context.Context, req runtime.Request[DiffRequest]) (DiffResponse, error) {
		return DiffResponse{Diff: req.Payload.A.Sub(req.Payload.B)}, nil
	})
}

// Nodes is the demo graph wired the way the spinflow command runs it.
type Nodes struct {
	Publisher    *runtime.Node
	Subscription *runtime.Node
	Service      *runtime.Node

	Clock *Clock
	Diff  *DiffSubscription
}

// Build creates the publisher, subscription and service nodes on g.
func Build(g *runtime.Graph, conf configpkg.DemoConfig, opts ...DiffOption) (*Nodes, error) {
	out := &Nodes{}
	var err error

	if out.Publisher, err = g.NewNode("publisher"); err != nil {
		return nil, err
	}
	if out.Clock, err = NewClock(out.Publisher, conf.Topic, conf.PublishPeriod); err != nil {
		return nil, err
	}

	if out.Subscription, err = g.NewNode("subscription"); err != nil {
		return nil, err
	}
	if out.Diff, err = NewDiffSubscription(out.Subscription, conf.Topic, conf.Endpoint, opts...); err != nil {
		return nil, err
	}

	if out.Service, err = g.NewNode("service"); err != nil {
		return nil, err
	}
	if _, err = NewDiffService(out.Service, conf.Endpoint); err != nil {
		return nil, err
	}
	return out, nil
}

// All returns the demo nodes in creation order.
func (n *Nodes) All() []*runtime.Node {
	return []*runtime.Node{n.Publisher, n.Subscription, n.Service}
}

// Close closes every node.
func (n *Nodes) Close() error {
	var errs []error
	for _, node := range n.All() {
		if node != nil {
			errs = append(errs, node.Close())
		}
	}
	return errors.Join(errs...)
}
