// Package spinflow is a single-process messaging core: named nodes publish
// and subscribe on topics, serve and call request/reply endpoints, and run
// periodic timers. All of their callbacks are executed by cooperative
// executors, one callback at a time per executor.
//
// A minimal setup creates a Graph from a Config and a ServiceLogger, adds
// nodes, wires publishers, subscriptions, timers, services and clients on
// them, adds the nodes to an Executor and calls Spin:
//
//	g, _ := spinflow.NewGraph(spinflow.DefaultConfig(), logger, spinflow.Dependencies{})
//	node, _ := g.NewNode("publisher")
//	pub, _ := node.CreatePublisher("clock")
//	node.CreateTimer(time.Second, func(ctx context.Context) error {
//		return pub.PublishJSON(ctx, map[string]any{"time": node.Now()}, nil)
//	})
//	exec, _ := spinflow.NewExecutor(g)
//	exec.AddNode(node)
//	exec.Spin(ctx)
//
// # Delivery
//
// Publishing delivers to every subscription of the topic in subscription
// order. A subscriber whose node belongs to the executor running the
// publisher is invoked inline; other subscribers get the message handed to
// their own executor. Service requests and client continuations are always
// handed off, so a reply never runs inside the request that produced it.
//
// # Executors
//
// An Executor is Idle until Spin, SpinOnce or SpinAll is called, Running
// while it spins and Stopped after Stop. Each iteration fires due timers and
// then drains a snapshot of the hand-off queue. Idle executors either sleep
// until the next deadline or hand-off (events mode) or re-check every poll
// interval (polling mode).
//
// # Observability
//
// Dependencies accepts a Prometheus registerer, an OpenTelemetry tracer
// provider, a clock and CallbackHooks. Every callback gets a span, a duration
// observation and the start/done/error hooks. NewIntrospectionHandler serves
// a JSON snapshot of nodes, topics, endpoints and executors.
//
// # Bridges
//
// A Bridge mirrors topics of one node onto a watermill transport built from
// the transport registry (channel or io), using the json or proto codec.
package spinflow
