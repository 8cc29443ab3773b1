package transport

// Capabilities describes what a transport backend guarantees to a bridge.
type Capabilities struct {
	// Name is the registry name of the transport.
	Name string

	// SupportsOrdering indicates messages of one topic arrive in publish order.
	SupportsOrdering bool

	// SupportsAck indicates the transport waits for an explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates a negative acknowledgment causes redelivery.
	SupportsNack bool

	// Persistent indicates messages survive the process and can be replayed.
	Persistent bool

	// CrossProcess indicates a second process can receive what this one sends.
	CrossProcess bool
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the bundled transports.
var (
	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// IOCapabilities for the JSON-lines file transport.
	IOCapabilities = Capabilities{
		Name:             "io",
		SupportsOrdering: true,
		Persistent:       true,
		CrossProcess:     true,
	}
)

// GetCapabilities returns the capabilities registered for a transport on the
// default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
