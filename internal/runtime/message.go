package runtime

import (
	"fmt"
	"time"

	jsoncodec "github.com/drblury/spinflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/spinflow/internal/runtime/metadata"
)

// Message is the immutable value carried on a topic. The runtime fills in
// ID, Topic and Source when a publisher sends it; accessors hand out copies.
type Message struct {
	id       string
	topic    string
	source   string
	stamp    time.Time
	metadata metadatapkg.Metadata
	payload  []byte
}

// NewMessage builds a message stamped at stamp. A zero stamp is replaced by
// the publishing node's clock.
func NewMessage(stamp time.Time, payload []byte, md metadatapkg.Metadata) Message {
	return Message{
		stamp:    stamp,
		payload:  cloneBytes(payload),
		metadata: cloneMetadata(md),
	}
}

// NewJSONMessage encodes v as the message payload.
func NewJSONMessage(stamp time.Time, v any, md metadatapkg.Metadata) (Message, error) {
	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("spinflow: encode message payload: %w", err)
	}
	return Message{stamp: stamp, payload: payload, metadata: cloneMetadata(md)}, nil
}

// RestoreMessage rebuilds a message that already went through a publisher,
// typically one received from a bridge transport.
func RestoreMessage(id, topic, source string, stamp time.Time, payload []byte, md metadatapkg.Metadata) Message {
	return Message{
		id:       id,
		topic:    topic,
		source:   source,
		stamp:    stamp,
		payload:  cloneBytes(payload),
		metadata: cloneMetadata(md),
	}
}

func (m Message) ID() string       { return m.id }
func (m Message) Topic() string    { return m.topic }
func (m Message) Source() string   { return m.source }
func (m Message) Stamp() time.Time { return m.stamp }

// Payload returns a copy of the raw payload.
func (m Message) Payload() []byte { return cloneBytes(m.payload) }

// Metadata returns a copy of the message headers.
func (m Message) Metadata() metadatapkg.Metadata { return m.metadata.Clone() }

// Header returns a single header value.
func (m Message) Header(key string) string { return m.metadata.Get(key) }

// Decode unmarshals the JSON payload into v.
func (m Message) Decode(v any) error {
	if len(m.payload) == 0 {
		return fmt.Errorf("spinflow: message %s has no payload", m.id)
	}
	if err := jsoncodec.Unmarshal(m.payload, v); err != nil {
		return fmt.Errorf("spinflow: decode message %s: %w", m.id, err)
	}
	return nil
}

// WithMetadata returns a copy of m with key set.
func (m Message) WithMetadata(key, value string) Message {
	m.metadata = m.metadata.With(key, value)
	return m
}

func (m Message) routed(id, topic, source string, stamp time.Time) Message {
	if m.id == "" {
		m.id = id
	}
	m.topic = topic
	if m.source == "" {
		m.source = source
	}
	if m.stamp.IsZero() {
		m.stamp = stamp
	}
	return m
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneMetadata(md metadatapkg.Metadata) metadatapkg.Metadata {
	if md == nil {
		return nil
	}
	return md.Clone()
}
