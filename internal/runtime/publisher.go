package runtime

import (
	"context"
	"fmt"
	"sync/atomic"

	errspkg "github.com/drblury/spinflow/internal/runtime/errors"
	idspkg "github.com/drblury/spinflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/spinflow/internal/runtime/metadata"
	"github.com/drblury/spinflow/internal/runtime/topics"
)

// Publisher sends messages on one topic on behalf of its node.
type Publisher struct {
	node      *Node
	topic     string
	closed    atomic.Bool
	published atomic.Uint64
}

func (p *Publisher) Topic() string { return p.topic }
func (p *Publisher) Node() *Node    { return p.node }

// Published returns the number of messages sent through p.
func (p *Publisher) Published() uint64 { return p.published.Load() }

// Publish delivers msg to every subscription of the topic. The message takes
// the publisher's topic, and gets an ID, the node as source and the node
// clock's time only when it carries none of them. Subscriptions whose node
// runs on the calling executor (or on no executor) receive it before Publish
// returns; others receive it when their executor drains its queue.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	if p.closed.Load() {
		return errspkg.ErrPublisherClosed
	}

	msg = msg.routed(idspkg.CreateULID(), p.topic, p.node.name, p.node.Now())
	if _, err := p.node.graph.topics.Publish(ctx, p.topic, msg); err != nil {
		return fmt.Errorf("spinflow: publish on %q: %w", p.topic, err)
	}
	p.published.Add(1)
	p.node.graph.metrics.observePublish(p.topic)
	return nil
}

// PublishJSON encodes v and publishes it stamped with the node clock.
func (p *Publisher) PublishJSON(ctx context.Context, v any, md metadatapkg.Metadata) error {
	msg, err := NewJSONMessage(p.node.Now(), v, md)
	if err != nil {
		return err
	}
	return p.Publish(ctx, msg)
}

// Close stops the publisher. Close is idempotent.
func (p *Publisher) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.node.graph.topics.Unadvertise(p.topic)
	p.node.forgetPublisher(p)
}

func validateTopic(topic string) error {
	return topics.ValidateName(topic)
}
