package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConfig struct {
	transport string
	file      string
}

func (m *mockConfig) GetBridgeTransport() string { return m.transport }
func (m *mockConfig) GetBridgeFile() string      { return m.file }

type mockPublisher struct {
	closed int
}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error {
	return nil
}

func (m *mockPublisher) Close() error {
	m.closed++
	return nil
}

type mockSubscriber struct {
	closed int
}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (m *mockSubscriber) Close() error {
	m.closed++
	return nil
}

// mockPubSub implements both halves, like watermill's gochannel.
type mockPubSub struct {
	mockSubscriber
}

func (m *mockPubSub) Publish(topic string, messages ...*message.Message) error {
	return nil
}

func mockBuilder(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return Transport{
		Publisher:  &mockPublisher{},
		Subscriber: &mockSubscriber{},
	}, nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg)
	assert.Empty(t, reg.Names())
}

func TestRegistry_RegisterWithCapabilities(t *testing.T) {
	reg := NewRegistry()

	reg.RegisterWithCapabilities("test-transport", mockBuilder, Capabilities{
		Name:       "test-transport",
		Persistent: true,
	})

	assert.True(t, reg.Has("test-transport"))
	caps := reg.GetCapabilities("test-transport")
	assert.Equal(t, "test-transport", caps.Name)
	assert.True(t, caps.Persistent)
}

func TestRegistry_GetCapabilities_Unknown(t *testing.T) {
	caps := NewRegistry().GetCapabilities("unknown")
	assert.Equal(t, "unknown", caps.Name)
	assert.False(t, caps.SupportsOrdering)
}

func TestRegistry_Build(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test-transport", mockBuilder)

	tr, err := reg.Build(context.Background(), &mockConfig{transport: "test-transport"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
}

func TestRegistry_Build_Errors(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Build(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "config is required")

	_, err = reg.Build(context.Background(), &mockConfig{transport: "unknown"}, nil)
	assert.ErrorIs(t, err, ErrUnknownTransport)

	expectedErr := errors.New("builder error")
	reg.Register("failing", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, expectedErr
	})
	_, err = reg.Build(context.Background(), &mockConfig{transport: "failing"}, nil)
	assert.Equal(t, expectedErr, err)
}

func TestRegistry_NamesAreSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("io", mockBuilder)
	reg.Register("channel", mockBuilder)
	reg.Register("custom", mockBuilder)

	assert.Equal(t, []string{"channel", "custom", "io"}, reg.Names())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				reg.Register("transport", mockBuilder)
				reg.Has("transport")
				reg.Names()
				reg.GetCapabilities("transport")
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.True(t, reg.Has("transport"))
}

func TestPackageLevelRegisterWithCapabilities(t *testing.T) {
	RegisterWithCapabilities("test-pkg-caps-transport", mockBuilder, Capabilities{
		Name:         "test-pkg-caps-transport",
		CrossProcess: true,
	})

	assert.True(t, DefaultRegistry.Has("test-pkg-caps-transport"))
	assert.True(t, GetCapabilities("test-pkg-caps-transport").CrossProcess)

	_, err := Build(context.Background(), &mockConfig{transport: "nonexistent"}, nil)
	assert.ErrorIs(t, err, ErrUnknownTransport)
}
