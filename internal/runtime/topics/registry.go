// Package topics routes messages from publishers to the subscriptions
// registered on a named topic, synchronously and in registration order.
package topics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	errspkg "github.com/drblury/spinflow/internal/runtime/errors"
)

// Callback receives one delivered message.
type Callback[M any] func(ctx context.Context, msg M)

// Handle identifies a registration returned by Subscribe.
type Handle struct {
	topic string
	id    uint64
}

// Topic returns the topic the handle was registered on.
func (h Handle) Topic() string { return h.topic }

// Valid reports whether the handle came from Subscribe.
func (h Handle) Valid() bool { return h.id != 0 }

type entry[M any] struct {
	id      uint64
	cb      Callback[M]
	removed atomic.Bool
}

// Registry maps topic names to ordered subscriber lists and counts the
// publishers advertised on each topic. Publish takes a snapshot of the list,
// so subscriptions added during a delivery only see later messages, and
// subscriptions removed during a delivery are skipped.
type Registry[M any] struct {
	mu         sync.RWMutex
	nextID     uint64
	topics     map[string][]*entry[M]
	publishers map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry[M any]() *Registry[M] {
	return &Registry[M]{
		topics:     make(map[string][]*entry[M]),
		publishers: make(map[string]int),
	}
}

// Advertise records one more publisher on topic.
func (r *Registry[M]) Advertise(topic string) error {
	if err := ValidateName(topic); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishers[topic]++
	return nil
}

// Unadvertise drops one publisher from topic. It returns false when topic
// has no publisher left to drop.
func (r *Registry[M]) Unadvertise(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.publishers[topic]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(r.publishers, topic)
	} else {
		r.publishers[topic] = n - 1
	}
	return true
}

// PublisherCount returns the number of advertised publishers on topic.
func (r *Registry[M]) PublisherCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.publishers[topic]
}

// Subscribe appends cb to the subscribers of topic.
func (r *Registry[M]) Subscribe(topic string, cb Callback[M]) (Handle, error) {
	if err := ValidateName(topic); err != nil {
		return Handle{}, err
	}
	if cb == nil {
		return Handle{}, errspkg.ErrCallbackRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	e := &entry[M]{id: r.nextID, cb: cb}
	r.topics[topic] = append(r.topics[topic], e)
	return Handle{topic: topic, id: e.id}, nil
}

// Unsubscribe removes the registration. It returns false when the handle is
// unknown or was already removed.
func (r *Registry[M]) Unsubscribe(h Handle) bool {
	if !h.Valid() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.topics[h.topic]
	for i, e := range subs {
		if e.id != h.id {
			continue
		}
		e.removed.Store(true)
		// copy so in-flight snapshots keep their own backing array
		next := make([]*entry[M], 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(r.topics, h.topic)
		} else {
			r.topics[h.topic] = next
		}
		return true
	}
	return false
}

// Publish delivers msg to every subscription registered on topic when the
// call starts and returns how many callbacks ran. A topic without
// subscribers is not an error.
func (r *Registry[M]) Publish(ctx context.Context, topic string, msg M) (int, error) {
	if err := ValidateName(topic); err != nil {
		return 0, err
	}

	r.mu.RLock()
	snapshot := r.topics[topic]
	r.mu.RUnlock()

	delivered := 0
	for _, e := range snapshot {
		if e.removed.Load() {
			continue
		}
		e.cb(ctx, msg)
		delivered++
	}
	return delivered, nil
}

// SubscriberCount returns the number of live subscriptions on topic.
func (r *Registry[M]) SubscriberCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

// Topics returns the sorted names of topics with at least one subscriber or
// publisher.
func (r *Registry[M]) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.topics)+len(r.publishers))
	for name := range r.topics {
		names = append(names, name)
	}
	for name := range r.publishers {
		if _, ok := r.topics[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ValidateName accepts names made of "/"-separated segments of
// [A-Za-z_][A-Za-z0-9_]*, optionally starting with "/" or "~/".
func ValidateName(name string) error {
	if !validName(name) {
		return fmt.Errorf("%w: %q", errspkg.ErrUnknownTopic, name)
	}
	return nil
}

func validName(name string) bool {
	switch {
	case len(name) >= 2 && name[0] == '~' && name[1] == '/':
		name = name[2:]
	case len(name) >= 1 && name[0] == '/':
		name = name[1:]
	}
	if name == "" {
		return false
	}

	segmentStart := true
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '/':
			if segmentStart {
				return false
			}
			segmentStart = true
		case c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
			segmentStart = false
		case c >= '0' && c <= '9':
			if segmentStart {
				return false
			}
		default:
			return false
		}
	}
	return !segmentStart
}
