// Package transport defines the backends a spinflow bridge can mirror topics
// through. Each backend lives in its own sub-package and registers itself with
// the transport registry from init, so importing the sub-package is enough to
// make it selectable by name.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both halves. A pub/sub that implements both sides is closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Subscriber != nil && !sameBackend(t.Publisher, t.Subscriber) {
		errs = append(errs, t.Subscriber.Close())
	}
	return errors.Join(errs...)
}

func sameBackend(pub message.Publisher, sub message.Subscriber) bool {
	p, ok := pub.(message.Subscriber)
	return ok && p == sub
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values transports read. It lets backends
// depend on this interface instead of the full config package.
type Config interface {
	// GetBridgeTransport returns the transport name.
	GetBridgeTransport() string
	// GetBridgeFile returns the file used by the io transport.
	GetBridgeFile() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
