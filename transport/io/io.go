// Package io provides a JSON-lines file transport. Every forwarded message is
// appended to one shared file and subscribers tail that file, so two
// processes pointed at the same path can bridge their graphs.
package io

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/spinflow/internal/runtime/jsoncodec"
	"github.com/drblury/spinflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "io"

// DefaultFilePath is the file used when the config leaves bridge_file empty.
const DefaultFilePath = "spinflow-bridge.jsonl"

// TailInterval is how long a subscriber waits at end of file before reading again.
var TailInterval = 50 * time.Millisecond

// ErrClosed is returned when publishing or subscribing after Close.
var ErrClosed = errors.New("spinflow: io transport is closed")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return NewPublisher(filePath, logger), nil
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return NewSubscriber(filePath, logger), nil
}

func init() {
	Register()
}

// Register registers the I/O transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.IOCapabilities)
}

// Build creates a new I/O transport on cfg.GetBridgeFile().
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	filePath := cfg.GetBridgeFile()
	if filePath == "" {
		filePath = DefaultFilePath
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	pub, err := PublisherFactory(filePath, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	sub, err := SubscriberFactory(filePath, logger)
	if err != nil {
		_ = pub.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.IOCapabilities
}

// storedMessage is one line of the bridge file.
type storedMessage struct {
	UUID      string            `json:"uuid"`
	Topic     string            `json:"topic"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Payload   []byte            `json:"payload"`
	WrittenAt time.Time         `json:"written_at"`
}

// Publisher appends messages to a file, one JSON document per line.
type Publisher struct {
	filePath string
	logger   watermill.LoggerAdapter

	mu     sync.Mutex
	closed bool
}

// NewPublisher creates a publisher appending to filePath.
func NewPublisher(filePath string, logger watermill.LoggerAdapter) *Publisher {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Publisher{filePath: filePath, logger: logger}
}

// Publish appends messages for topic. All of them are written with a single
// write call so concurrent readers never see half a batch.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	var buf []byte
	now := time.Now().UTC()
	for _, msg := range messages {
		line, err := jsoncodec.Marshal(storedMessage{
			UUID:      msg.UUID,
			Topic:     topic,
			Metadata:  msg.Metadata,
			Payload:   msg.Payload,
			WrittenAt: now,
		})
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	f, err := os.OpenFile(p.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return err
	}
	p.logger.Trace("Appended messages to bridge file", watermill.LogFields{
		"topic": topic,
		"count": len(messages),
		"file":  p.filePath,
	})
	return f.Close()
}

// Close stops the publisher. Later publishes fail with ErrClosed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Subscriber tails a file and emits the lines written for one topic.
type Subscriber struct {
	filePath string
	logger   watermill.LoggerAdapter

	mu      sync.Mutex
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

// NewSubscriber creates a subscriber tailing filePath.
func NewSubscriber(filePath string, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{filePath: filePath, logger: logger, closing: make(chan struct{})}
}

// Subscribe replays the file from the start and keeps tailing it until ctx
// is done or the subscriber is closed. Each message waits for Ack or Nack
// before the next one is emitted.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	f, err := os.OpenFile(s.filePath, os.O_RDONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	out := make(chan *message.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer f.Close()
		s.tail(ctx, f, topic, out)
	}()
	return out, nil
}

func (s *Subscriber) tail(ctx context.Context, f *os.File, topic string, out chan<- *message.Message) {
	reader := bufio.NewReader(f)
	var partial []byte

	for {
		chunk, err := reader.ReadBytes('\n')
		partial = append(partial, chunk...)

		switch {
		case err == nil:
			line := partial
			partial = nil
			if !s.emit(ctx, line, topic, out) {
				return
			}
			continue
		case errors.Is(err, io.EOF):
			// Incomplete trailing lines stay in partial until the writer finishes them.
		default:
			s.logger.Error("Failed to read bridge file", err, watermill.LogFields{"file": s.filePath})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case <-time.After(TailInterval):
		}
	}
}

func (s *Subscriber) emit(ctx context.Context, line []byte, topic string, out chan<- *message.Message) bool {
	var sm storedMessage
	if err := jsoncodec.Unmarshal(line, &sm); err != nil {
		s.logger.Error("Skipping malformed bridge line", err, watermill.LogFields{"file": s.filePath})
		return true
	}
	if sm.Topic != topic {
		return true
	}

	msg := message.NewMessage(sm.UUID, sm.Payload)
	for k, v := range sm.Metadata {
		msg.Metadata.Set(k, v)
	}
	msg.SetContext(ctx)

	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}

	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		s.logger.Debug("Bridge message nacked", watermill.LogFields{"uuid": msg.UUID, "topic": topic})
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
	return true
}

// Close stops every tailing goroutine and waits for them to exit.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}
