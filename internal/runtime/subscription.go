package runtime

import (
	"context"
	"sync/atomic"

	"github.com/drblury/spinflow/internal/runtime/topics"
)

// SubscriptionCallback receives each message published on the subscribed topic.
type SubscriptionCallback func(ctx context.Context, msg Message) error

// Subscription delivers a topic's messages to a callback of its node.
type Subscription struct {
	node     *Node
	topic    string
	cb       SubscriptionCallback
	handle   topics.Handle
	closed   atomic.Bool
	received atomic.Uint64
}

func (s *Subscription) Topic() string { return s.topic }
func (s *Subscription) Node() *Node    { return s.node }

// Received returns the number of messages handed to the callback.
func (s *Subscription) Received() uint64 { return s.received.Load() }

// Close removes the subscription. Deliveries already queued on the
// executor are dropped. Close is idempotent.
func (s *Subscription) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.node.graph.topics.Unsubscribe(s.handle)
	s.node.forgetSubscription(s)
	return nil
}

func (s *Subscription) deliver(ctx context.Context, msg Message) {
	if s.closed.Load() {
		return
	}
	src := callbackSource{kind: KindSubscription, node: s.node, source: s.topic}
	s.node.dispatch(ctx, true, func(ctx context.Context, exec *Executor) {
		if s.closed.Load() {
			return
		}
		s.received.Add(1)
		_ = s.node.graph.run(ctx, exec, src, func(ctx context.Context) error {
			return s.cb(ctx, msg)
		})
	})
}
