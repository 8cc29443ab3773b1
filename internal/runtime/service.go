package runtime

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/drblury/spinflow/internal/runtime/endpoints"
	errspkg "github.com/drblury/spinflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/spinflow/internal/runtime/logging"
)

// Request is what a service handler receives.
type Request[T any] struct {
	// CorrelationID is unique per client, starting at 1.
	CorrelationID uint64
	Endpoint      string
	// Client identifies the calling client.
	Client  string
	Payload T
}

// Response is what a client continuation receives.
type Response[T any] struct {
	CorrelationID uint64
	Endpoint      string
	Payload       T
}

// ServiceHandler answers one request. A returned error (or a panic) is
// reported as a callback failure and completes the call with that error.
type ServiceHandler[Req, Resp any] func(ctx context.Context, req Request[Req]) (Resp, error)

// requestEnvelope carries a call from a client to an endpoint without the
// endpoint knowing the client's type parameters.
type requestEnvelope struct {
	id       uint64
	client   string
	endpoint string
	payload  any
	reply    func(ctx context.Context, resp any, err error)
}

// endpoint is the type-erased registration stored in the graph.
type endpoint struct {
	node     *Node
	name     string
	reqType  reflect.Type
	respType reflect.Type
	serve    func(ctx context.Context, env requestEnvelope) (any, error)
}

func (ep *endpoint) receive(ctx context.Context, env requestEnvelope) {
	src := callbackSource{kind: KindService, node: ep.node, source: ep.name}
	ep.node.dispatchOrDrop(ctx, false, func(ctx context.Context, exec *Executor) {
		var resp any
		err := ep.node.graph.run(ctx, exec, src, func(ctx context.Context) error {
			r, err := ep.serve(ctx, env)
			resp = r
			return err
		})
		env.reply(ctx, resp, err)
	}, func(ctx context.Context) {
		ep.node.logger.Debug("Request dropped before the service ran", loggingpkg.LogFields{
			"endpoint":       ep.name,
			"correlation_id": env.id,
		})
		env.reply(ctx, nil, fmt.Errorf("%w: %q went away before answering call %d", errspkg.ErrEndpointNotFound, ep.name, env.id))
	})
}

// Service answers requests sent to a named endpoint. At most one service
// serves a given name at a time.
type Service[Req, Resp any] struct {
	node    *Node
	name    string
	token   endpoints.Token
	handler ServiceHandler[Req, Resp]
	closed  atomic.Bool
	served  atomic.Uint64
}

// CreateService registers handler under name on n.
func CreateService[Req, Resp any](n *Node, name string, handler ServiceHandler[Req, Resp]) (*Service[Req, Resp], error) {
	if n == nil {
		return nil, errspkg.ErrNodeRequired
	}
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if n.Closed() {
		return nil, errspkg.ErrNodeClosed
	}

	s := &Service[Req, Resp]{node: n, name: name, handler: handler}
	ep := &endpoint{
		node:     n,
		name:     name,
		reqType:  reflect.TypeFor[Req](),
		respType: reflect.TypeFor[Resp](),
		serve:    s.serve,
	}
	token, err := n.graph.endpoints.Serve(name, ep)
	if err != nil {
		return nil, err
	}
	s.token = token
	n.trackService(s)
	n.logger.Info("Service registered", loggingpkg.LogFields{
		"endpoint":      name,
		"request_type":  ep.reqType.String(),
		"response_type": ep.respType.String(),
	})
	return s, nil
}

// EndpointName returns the served endpoint.
func (s *Service[Req, Resp]) EndpointName() string { return s.name }

// Served returns the number of requests handled.
func (s *Service[Req, Resp]) Served() uint64 { return s.served.Load() }

// Close unregisters the endpoint. Requests already queued still run.
func (s *Service[Req, Resp]) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.node.graph.endpoints.Remove(s.name, s.token)
	s.node.forgetService(s)
	s.node.logger.Debug("Service closed", loggingpkg.LogFields{"endpoint": s.name})
	return nil
}

func (s *Service[Req, Resp]) serve(ctx context.Context, env requestEnvelope) (any, error) {
	payload, ok := env.payload.(Req)
	if !ok && env.payload != nil {
		return nil, fmt.Errorf("%w: %q expects %s, got %T", errspkg.ErrRequestTypeMismatch, s.name, reflect.TypeFor[Req](), env.payload)
	}
	s.served.Add(1)
	return s.handler(ctx, Request[Req]{
		CorrelationID: env.id,
		Endpoint:      env.endpoint,
		Client:        env.client,
		Payload:       payload,
	})
}

func validateEndpoint(name string) error {
	return endpoints.ValidateName(name)
}
