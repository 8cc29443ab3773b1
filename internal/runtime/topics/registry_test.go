package topics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/spinflow/internal/runtime/errors"
)

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	reg := NewRegistry[int]()
	var got []string

	for _, name := range []string{"a", "b", "c"} {
		name := name
		_, err := reg.Subscribe("test", func(_ context.Context, msg int) {
			got = append(got, fmt.Sprintf("%s%d", name, msg))
		})
		require.NoError(t, err)
	}

	for i := 1; i <= 3; i++ {
		n, err := reg.Publish(context.Background(), "test", i)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	}

	assert.Equal(t, []string{"a1", "b1", "c1", "a2", "b2", "c2", "a3", "b3", "c3"}, got)
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	reg := NewRegistry[string]()
	n, err := reg.Publish(context.Background(), "nobody_listens", "hello")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInvalidNamesFailWithUnknownTopic(t *testing.T) {
	reg := NewRegistry[int]()
	noop := func(context.Context, int) {}

	for _, name := range []string{"", "/", "~", "two words", "9lives", "a//b", "trailing/", "a/1b", "dash-ed"} {
		_, err := reg.Subscribe(name, noop)
		assert.ErrorIs(t, err, errspkg.ErrUnknownTopic, "subscribe %q", name)

		_, err = reg.Publish(context.Background(), name, 1)
		assert.ErrorIs(t, err, errspkg.ErrUnknownTopic, "publish %q", name)
	}

	for _, name := range []string{"test", "/test", "~/private", "robot/odom", "_hidden/x9"} {
		assert.NoError(t, ValidateName(name), name)
	}
}

func TestSubscribeRequiresCallback(t *testing.T) {
	reg := NewRegistry[int]()
	_, err := reg.Subscribe("test", nil)
	assert.True(t, errors.Is(err, errspkg.ErrCallbackRequired))
}

func TestUnsubscribeDuringDeliverySkipsRemovedSubscriber(t *testing.T) {
	reg := NewRegistry[int]()
	var got []string

	var second Handle
	_, err := reg.Subscribe("test", func(_ context.Context, msg int) {
		got = append(got, fmt.Sprintf("first%d", msg))
		if msg == 1 {
			assert.True(t, reg.Unsubscribe(second))
		}
	})
	require.NoError(t, err)
	second, err = reg.Subscribe("test", func(_ context.Context, msg int) {
		got = append(got, fmt.Sprintf("second%d", msg))
	})
	require.NoError(t, err)
	_, err = reg.Subscribe("test", func(_ context.Context, msg int) {
		got = append(got, fmt.Sprintf("third%d", msg))
	})
	require.NoError(t, err)

	n, err := reg.Publish(context.Background(), "test", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = reg.Publish(context.Background(), "test", 2)
	require.NoError(t, err)

	assert.Equal(t, []string{"first1", "third1", "first2", "third2"}, got)
	assert.False(t, reg.Unsubscribe(second), "second removal must report false")
}

func TestSubscribeDuringDeliveryOnlySeesLaterMessages(t *testing.T) {
	reg := NewRegistry[int]()
	var late []int

	_, err := reg.Subscribe("test", func(_ context.Context, msg int) {
		if msg == 1 {
			_, err := reg.Subscribe("test", func(_ context.Context, msg int) {
				late = append(late, msg)
			})
			assert.NoError(t, err)
		}
	})
	require.NoError(t, err)

	n, err := reg.Publish(context.Background(), "test", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = reg.Publish(context.Background(), "test", 2)
	require.NoError(t, err)

	assert.Equal(t, []int{2}, late)
}

func TestUnsubscribeUnknownHandle(t *testing.T) {
	reg := NewRegistry[int]()
	assert.False(t, reg.Unsubscribe(Handle{}))
	assert.False(t, reg.Unsubscribe(Handle{topic: "test", id: 42}))
}

func TestTopicsAndSubscriberCount(t *testing.T) {
	reg := NewRegistry[int]()
	noop := func(context.Context, int) {}

	h1, err := reg.Subscribe("b", noop)
	require.NoError(t, err)
	_, err = reg.Subscribe("a", noop)
	require.NoError(t, err)
	_, err = reg.Subscribe("b", noop)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, reg.Topics())
	assert.Equal(t, 2, reg.SubscriberCount("b"))
	assert.Equal(t, "b", h1.Topic())

	reg.Unsubscribe(h1)
	assert.Equal(t, 1, reg.SubscriberCount("b"))
	assert.Zero(t, reg.SubscriberCount("missing"))
}

func TestAdvertisedPublishersAreListed(t *testing.T) {
	reg := NewRegistry[int]()
	_, err := reg.Subscribe("a", func(context.Context, int) {})
	require.NoError(t, err)

	require.NoError(t, reg.Advertise("c"))
	require.NoError(t, reg.Advertise("c"))
	require.NoError(t, reg.Advertise("a"))
	assert.ErrorIs(t, reg.Advertise("9bad"), errspkg.ErrUnknownTopic)

	assert.Equal(t, []string{"a", "c"}, reg.Topics())
	assert.Equal(t, 2, reg.PublisherCount("c"))
	assert.Equal(t, 1, reg.PublisherCount("a"))
	assert.Zero(t, reg.SubscriberCount("c"))

	assert.True(t, reg.Unadvertise("c"))
	assert.Equal(t, 1, reg.PublisherCount("c"))
	assert.True(t, reg.Unadvertise("c"))
	assert.False(t, reg.Unadvertise("c"))
	assert.Equal(t, []string{"a"}, reg.Topics())
}

func TestPublishPassesContext(t *testing.T) {
	type key struct{}
	reg := NewRegistry[int]()
	var seen any
	_, err := reg.Subscribe("test", func(ctx context.Context, _ int) {
		seen = ctx.Value(key{})
	})
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), key{}, "caller")
	_, err = reg.Publish(ctx, "test", 0)
	require.NoError(t, err)
	assert.Equal(t, "caller", seen)
}
