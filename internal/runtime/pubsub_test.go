package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/spinflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/spinflow/internal/runtime/metadata"
)

func TestDetachedDeliveryIsSynchronousAndOrdered(t *testing.T) {
	g := newTestGraph(t)
	pubNode := mustNode(t, g.Graph, "publisher")
	subNode := mustNode(t, g.Graph, "subscription")

	var order recorder[string]
	_, err := subNode.CreateSubscription("test", func(ctx context.Context, msg Message) error {
		order.add("first:" + msg.Header("seq"))
		return nil
	})
	require.NoError(t, err)
	_, err = subNode.CreateSubscription("test", func(ctx context.Context, msg Message) error {
		order.add("second:" + msg.Header("seq"))
		return nil
	})
	require.NoError(t, err)

	pub, err := pubNode.CreatePublisher("test")
	require.NoError(t, err)

	require.NoError(t, pub.Publish(t.Context(), NewMessage(time.Time{}, nil, metadatapkg.New("seq", "1"))))
	require.NoError(t, pub.Publish(t.Context(), NewMessage(time.Time{}, nil, metadatapkg.New("seq", "2"))))

	assert.Equal(t, []string{"first:1", "second:1", "first:2", "second:2"}, order.all())
	assert.Equal(t, uint64(2), pub.Published())
}

func TestPublishStampsRouting(t *testing.T) {
	g := newTestGraph(t)
	n := mustNode(t, g.Graph, "publisher")

	var got Message
	_, err := n.CreateSubscription("test", func(ctx context.Context, msg Message) error {
		got = msg
		return nil
	})
	require.NoError(t, err)

	pub, err := n.CreatePublisher("test")
	require.NoError(t, err)
	require.NoError(t, pub.PublishJSON(t.Context(), stampPayload{Time: n.Now()}, nil))

	assert.NotEmpty(t, got.ID())
	assert.Equal(t, "test", got.Topic())
	assert.Equal(t, "publisher", got.Source())
	assert.Equal(t, g.clock.Now(), got.Stamp())

	var decoded stampPayload
	require.NoError(t, got.Decode(&decoded))
	assert.True(t, decoded.Time.Equal(g.clock.Now()))
}

func TestPublishKeepsRestoredIdentity(t *testing.T) {
	g := newTestGraph(t)
	n := mustNode(t, g.Graph, "relay")

	var got Message
	_, err := n.CreateSubscription("test", func(ctx context.Context, msg Message) error {
		got = msg
		return nil
	})
	require.NoError(t, err)

	pub, err := n.CreatePublisher("test")
	require.NoError(t, err)
	stamp := time.Unix(5, 0)
	require.NoError(t, pub.Publish(t.Context(), RestoreMessage("id-1", "elsewhere", "remote", stamp, []byte("1"), nil)))

	assert.Equal(t, "id-1", got.ID())
	assert.Equal(t, "test", got.Topic())
	assert.Equal(t, "remote", got.Source())
	assert.Equal(t, stamp, got.Stamp())
}

func TestPublishWithoutSubscribersSucceeds(t *testing.T) {
	g := newTestGraph(t)
	pub, err := mustNode(t, g.Graph, "publisher").CreatePublisher("nobody/listens")
	require.NoError(t, err)
	assert.NoError(t, pub.Publish(t.Context(), NewMessage(time.Time{}, nil, nil)))
}

func TestInvalidTopicNames(t *testing.T) {
	g := newTestGraph(t)
	n := mustNode(t, g.Graph, "publisher")

	_, err := n.CreatePublisher("")
	assert.ErrorIs(t, err, errspkg.ErrUnknownTopic)

	_, err = n.CreatePublisher("bad topic")
	assert.ErrorIs(t, err, errspkg.ErrUnknownTopic)

	_, err = n.CreateSubscription("1starts/with/digit", func(ctx context.Context, msg Message) error { return nil })
	assert.ErrorIs(t, err, errspkg.ErrUnknownTopic)

	_, err = n.CreateSubscription("test", nil)
	assert.ErrorIs(t, err, errspkg.ErrCallbackRequired)
}

func TestSameExecutorDeliveryIsInline(t *testing.T) {
	g := newTestGraph(t)
	pubNode := mustNode(t, g.Graph, "publisher")
	subNode := mustNode(t, g.Graph, "subscription")

	var order recorder[string]
	_, err := subNode.CreateSubscription("test", func(ctx context.Context, msg Message) error {
		order.add("delivered")
		return nil
	})
	require.NoError(t, err)

	pub, err := pubNode.CreatePublisher("test")
	require.NoError(t, err)
	_, err = pubNode.CreateTimer(time.Second, func(ctx context.Context) error {
		order.add("before publish")
		if err := pub.Publish(ctx, NewMessage(time.Time{}, nil, nil)); err != nil {
			return err
		}
		order.add("after publish")
		return nil
	})
	require.NoError(t, err)

	exec := mustExecutor(t, g.Graph, "main", pubNode, subNode)
	g.clock.Add(time.Second)

	_, err = exec.SpinOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"before publish", "delivered", "after publish"}, order.all())
	assert.Equal(t, uint64(2), exec.Stats().Callbacks)
	assert.Zero(t, exec.Stats().QueueDepth)
}

func TestCrossExecutorDeliveryIsHandedOff(t *testing.T) {
	g := newTestGraph(t)
	pubNode := mustNode(t, g.Graph, "publisher")
	subNode := mustNode(t, g.Graph, "subscription")

	var delivered recorder[string]
	_, err := subNode.CreateSubscription("test", func(ctx context.Context, msg Message) error {
		current, _ := CurrentExecutor(ctx)
		delivered.add(current.Name())
		return nil
	})
	require.NoError(t, err)

	pub, err := pubNode.CreatePublisher("test")
	require.NoError(t, err)
	_, err = pubNode.CreateTimer(time.Second, func(ctx context.Context) error {
		return pub.Publish(ctx, NewMessage(time.Time{}, nil, nil))
	})
	require.NoError(t, err)

	pubExec := mustExecutor(t, g.Graph, "pub", pubNode)
	subExec := mustExecutor(t, g.Graph, "sub", subNode)

	g.clock.Add(time.Second)
	_, err = pubExec.SpinOnce(t.Context())
	require.NoError(t, err)
	assert.Zero(t, delivered.count())
	assert.Equal(t, 1, subExec.Stats().QueueDepth)

	_, err = subExec.SpinOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"sub"}, delivered.all())
}

func TestClosedSubscriptionStopsReceiving(t *testing.T) {
	g := newTestGraph(t)
	pubNode := mustNode(t, g.Graph, "publisher")
	subNode := mustNode(t, g.Graph, "subscription")
	subExec := mustExecutor(t, g.Graph, "sub", subNode)

	var count int
	sub, err := subNode.CreateSubscription("test", func(ctx context.Context, msg Message) error {
		count++
		return nil
	})
	require.NoError(t, err)
	pub, err := pubNode.CreatePublisher("test")
	require.NoError(t, err)

	require.NoError(t, pub.Publish(t.Context(), NewMessage(time.Time{}, nil, nil)))
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.NoError(t, pub.Publish(t.Context(), NewMessage(time.Time{}, nil, nil)))

	_, err = subExec.SpinOnce(t.Context())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, g.SubscriberCount("test"))
}

func TestClosedPublisherRejectsPublish(t *testing.T) {
	g := newTestGraph(t)
	pub, err := mustNode(t, g.Graph, "publisher").CreatePublisher("test")
	require.NoError(t, err)

	pub.Close()
	pub.Close()
	assert.ErrorIs(t, pub.Publish(t.Context(), NewMessage(time.Time{}, nil, nil)), errspkg.ErrPublisherClosed)
}

func TestSubscriberFailureDoesNotStopOtherSubscribers(t *testing.T) {
	g := newTestGraph(t)
	n := mustNode(t, g.Graph, "subscription")

	_, err := n.CreateSubscription("test", func(ctx context.Context, msg Message) error {
		panic("subscriber bug")
	})
	require.NoError(t, err)
	var second int
	_, err = n.CreateSubscription("test", func(ctx context.Context, msg Message) error {
		second++
		return nil
	})
	require.NoError(t, err)

	pub, err := n.CreatePublisher("test")
	require.NoError(t, err)
	require.NoError(t, pub.Publish(t.Context(), NewMessage(time.Time{}, nil, nil)))

	assert.Equal(t, 1, second)
	errorsLogged := g.logger.entries("error")
	require.Len(t, errorsLogged, 1)
	assert.True(t, errspkg.IsCallbackFailure(errorsLogged[0].err))
	assert.Equal(t, "subscription", errorsLogged[0].fields["node"])
}

func TestTopicsIncludePublisherOnlyTopics(t *testing.T) {
	g := newTestGraph(t)
	n := mustNode(t, g.Graph, "publisher")

	first, err := n.CreatePublisher("status")
	require.NoError(t, err)
	_, err = n.CreatePublisher("status")
	require.NoError(t, err)

	assert.Equal(t, []string{"status"}, g.Topics())
	assert.Equal(t, 2, g.PublisherCount("status"))
	assert.Zero(t, g.SubscriberCount("status"))

	first.Close()
	first.Close()
	assert.Equal(t, 1, g.PublisherCount("status"))

	require.NoError(t, n.Close())
	assert.Zero(t, g.PublisherCount("status"))
	assert.Empty(t, g.Topics())
}
