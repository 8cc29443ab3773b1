/*
Package runtime implements the graph, nodes and executors behind spinflow.

# Package Structure

## Graph (graph.go)

A Graph owns the configuration, logger, clock, metrics and tracer shared by
its nodes, plus the topic registry and the endpoint registry. Node names are
unique per graph.

## Nodes (node.go)

A Node creates publishers, subscriptions, timers, services and clients. It
belongs to at most one Executor at a time; Close releases everything it owns.

## Messaging (publisher.go, subscription.go, message.go)

Publishers stamp every message with an ID, the topic, the source node and the
node clock before fanning it out through the topic registry.

## Request/Reply (service.go, client.go)

Services register on the endpoint registry. Clients keep a table of pending
calls keyed by a per-client sequence and complete each one exactly once:
with the response, the handler failure, or ErrCallTimeout.

## Executor (executor.go)

The Executor is a cooperative loop. Each iteration fires due timers, then
drains a snapshot of its hand-off queue. Waiting is pluggable: the events
strategy sleeps until the next deadline or a wake-up, the polling strategy
re-checks on a fixed interval.

## Callbacks (callback.go, hooks.go, metrics.go)

Every callback runs through one wrapper that recovers panics, opens a span,
records Prometheus metrics and calls the configured CallbackHooks.

## Introspection (introspect.go)

Graph.Snapshot and NewIntrospectionHandler expose the live structure of the
graph as JSON.

# Subpackages

  - bridge: mirrors topics onto a watermill transport
  - config: configuration loading and validation
  - endpoints, topics, timers: the registries the graph is built on
  - errors: sentinel errors and CallbackError
  - ids: ULIDs and correlation sequences
  - jsoncodec: sonic-backed JSON helpers
  - logging: ServiceLogger and its slog/watermill adapters
  - metadata: message header helpers
*/
package runtime
