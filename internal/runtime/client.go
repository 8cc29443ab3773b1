package runtime

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	errspkg "github.com/drblury/spinflow/internal/runtime/errors"
	idspkg "github.com/drblury/spinflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/spinflow/internal/runtime/logging"
)

// Continuation receives the outcome of a call on the client node's executor.
// err is nil on success, the handler's *CallbackError when the service
// failed, wraps ErrCallTimeout, or wraps ErrEndpointNotFound when the service
// node closed or its executor stopped before the request ran.
type Continuation[Resp any] func(ctx context.Context, resp Response[Resp], err error)

// ClientOption customises a client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	timeout    time.Duration
	timeoutSet bool
}

// WithCallTimeout overrides the configured default call timeout. Zero
// disables the timeout.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.timeout = d
		o.timeoutSet = true
	}
}

// PendingCall tracks an outstanding request.
type PendingCall struct {
	id       uint64
	endpoint string
	cancel   func(id uint64) bool
}

func (p *PendingCall) ID() uint64       { return p.id }
func (p *PendingCall) Endpoint() string { return p.endpoint }

// Cancel guarantees the continuation will not run. It returns false when the
// call already completed or was cancelled.
func (p *PendingCall) Cancel() bool { return p.cancel(p.id) }

type pendingEntry[Resp any] struct {
	call    *PendingCall
	cont    Continuation[Resp]
	timeout *Timer
}

// Client sends requests to a named endpoint and routes each response to the
// continuation supplied with the call.
type Client[Req, Resp any] struct {
	node     *Node
	endpoint string
	id       string
	timeout  time.Duration
	seq      idspkg.Sequence

	mu      sync.Mutex
	closed  bool
	pending map[uint64]*pendingEntry[Resp]
}

// CreateClient binds a client on n to endpoint. The endpoint need not be
// served yet; it is looked up on every call.
func CreateClient[Req, Resp any](n *Node, endpoint string, opts ...ClientOption) (*Client[Req, Resp], error) {
	if n == nil {
		return nil, errspkg.ErrNodeRequired
	}
	if err := validateEndpoint(endpoint); err != nil {
		return nil, err
	}
	if n.Closed() {
		return nil, errspkg.ErrNodeClosed
	}

	options := clientOptions{timeout: n.graph.Conf.CallTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	c := &Client[Req, Resp]{
		node:     n,
		endpoint: endpoint,
		id:       idspkg.CreateULID(),
		timeout:  options.timeout,
		pending:  make(map[uint64]*pendingEntry[Resp]),
	}
	n.trackClient(c)
	n.logger.Debug("Client created", loggingpkg.LogFields{
		"endpoint":  endpoint,
		"client_id": c.id,
		"timeout":   c.timeout.String(),
	})
	return c, nil
}

// EndpointName returns the endpoint the client calls.
func (c *Client[Req, Resp]) EndpointName() string { return c.endpoint }

// ID returns the client identity carried in requests.
func (c *Client[Req, Resp]) ID() string { return c.id }

// Ready reports whether a service currently serves the endpoint.
func (c *Client[Req, Resp]) Ready() bool {
	_, ok := c.node.graph.endpoints.Lookup(c.endpoint)
	return ok
}

// Pending returns the number of calls awaiting a response.
func (c *Client[Req, Resp]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call sends payload to the endpoint using the client's default timeout.
// It fails with ErrEndpointNotFound when nothing serves the endpoint, in which
// case cont is never invoked. Otherwise cont runs exactly once unless the
// call is cancelled first.
func (c *Client[Req, Resp]) Call(ctx context.Context, payload Req, cont Continuation[Resp]) (*PendingCall, error) {
	return c.call(ctx, payload, c.timeout, cont)
}

// CallWithTimeout is Call with an explicit timeout. When it elapses before
// the response arrives the continuation receives ErrCallTimeout and a late
// response is dropped. The timeout is measured on the client node's executor.
func (c *Client[Req, Resp]) CallWithTimeout(ctx context.Context, payload Req, timeout time.Duration, cont Continuation[Resp]) (*PendingCall, error) {
	return c.call(ctx, payload, timeout, cont)
}

func (c *Client[Req, Resp]) call(ctx context.Context, payload Req, timeout time.Duration, cont Continuation[Resp]) (*PendingCall, error) {
	if cont == nil {
		return nil, errspkg.ErrCallbackRequired
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errspkg.ErrClientClosed
	}

	ep, ok := c.node.graph.endpoints.Lookup(c.endpoint)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrEndpointNotFound, c.endpoint)
	}
	if ep.reqType != reflect.TypeFor[Req]() || ep.respType != reflect.TypeFor[Resp]() {
		return nil, fmt.Errorf("%w: %q serves %s -> %s", errspkg.ErrRequestTypeMismatch, c.endpoint, ep.reqType, ep.respType)
	}

	id := c.seq.Next()
	pc := &PendingCall{id: id, endpoint: c.endpoint, cancel: c.cancel}
	entry := &pendingEntry[Resp]{call: pc, cont: cont}

	c.mu.Lock()
	c.pending[id] = entry
	c.mu.Unlock()
	c.node.graph.metrics.pendingCalls.Inc()

	if timeout > 0 {
		t, err := c.node.createOneShot(timeout, func(ctx context.Context) error {
			c.expire(ctx, id)
			return nil
		})
		if err != nil {
			c.take(id)
			return nil, err
		}
		c.mu.Lock()
		if e, ok := c.pending[id]; ok {
			e.timeout = t
		}
		c.mu.Unlock()
	}

	ep.receive(ctx, requestEnvelope{
		id:       id,
		client:   c.id,
		endpoint: c.endpoint,
		payload:  payload,
		reply: func(ctx context.Context, resp any, err error) {
			c.reply(ctx, id, resp, err)
		},
	})
	return pc, nil
}

func (c *Client[Req, Resp]) reply(ctx context.Context, id uint64, resp any, callErr error) {
	src := callbackSource{kind: KindContinuation, node: c.node, source: c.endpoint}
	c.node.dispatch(ctx, false, func(ctx context.Context, exec *Executor) {
		entry := c.take(id)
		if entry == nil {
			c.node.logger.Debug("Dropping response for finished call", loggingpkg.LogFields{
				"endpoint":       c.endpoint,
				"correlation_id": id,
			})
			return
		}
		payload, _ := resp.(Resp)
		response := Response[Resp]{CorrelationID: id, Endpoint: c.endpoint, Payload: payload}
		_ = c.node.graph.run(ctx, exec, src, func(ctx context.Context) error {
			entry.cont(ctx, response, callErr)
			return nil
		})
	})
}

func (c *Client[Req, Resp]) expire(ctx context.Context, id uint64) {
	entry := c.take(id)
	if entry == nil {
		return
	}
	c.node.logger.Info("Call timed out", loggingpkg.LogFields{
		"endpoint":       c.endpoint,
		"correlation_id": id,
	})
	entry.cont(ctx, Response[Resp]{CorrelationID: id, Endpoint: c.endpoint},
		fmt.Errorf("%w: %q call %d", errspkg.ErrCallTimeout, c.endpoint, id))
}

func (c *Client[Req, Resp]) cancel(id uint64) bool {
	return c.take(id) != nil
}

// take removes a pending call and stops its timeout. Exactly one caller wins.
func (c *Client[Req, Resp]) take(id uint64) *pendingEntry[Resp] {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	c.node.graph.metrics.pendingCalls.Dec()
	if entry.timeout != nil {
		entry.timeout.Cancel()
	}
	return entry
}

// Close drops every pending call without invoking continuations.
func (c *Client[Req, Resp]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ids := make([]uint64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.take(id)
	}
	c.node.forgetClient(c)
	return nil
}
