package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/spinflow/internal/runtime/logging"
)

// Callback kinds reported in CallbackContext.Kind and on metrics.
const (
	KindTimer        = "timer"
	KindSubscription = "subscription"
	KindService      = "service"
	KindContinuation = "continuation"
	KindPosted       = "posted"
)

// CallbackContext describes one callback invocation to hooks.
type CallbackContext struct {
	// Kind is one of the Kind* constants.
	Kind string
	// Node is the name of the node owning the callback.
	Node string
	// Source names the timer, topic or endpoint that triggered it.
	Source string
	// Executor is empty when the node was not attached to an executor.
	Executor string
	// Context is the context handed to the callback.
	Context context.Context
	// StartedAt is read from the graph clock.
	StartedAt time.Time
	// Duration is only set in OnCallbackDone and OnCallbackError.
	Duration time.Duration
}

// CallbackHooks observe callback execution. All hooks are optional.
// Hooks run on the executor goroutine and must not block.
type CallbackHooks struct {
	OnCallbackStart func(ctx CallbackContext)
	OnCallbackDone  func(ctx CallbackContext)
	// OnCallbackError receives a *CallbackError.
	OnCallbackError func(ctx CallbackContext, err error)
}

// Merge combines two CallbackHooks. The hooks from other run after the hooks from h.
func (h CallbackHooks) Merge(other CallbackHooks) CallbackHooks {
	return CallbackHooks{
		OnCallbackStart: chainHooks(h.OnCallbackStart, other.OnCallbackStart),
		OnCallbackDone:  chainHooks(h.OnCallbackDone, other.OnCallbackDone),
		OnCallbackError: chainErrorHooks(h.OnCallbackError, other.OnCallbackError),
	}
}

func chainHooks(a, b func(CallbackContext)) func(CallbackContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CallbackContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(CallbackContext, error)) func(CallbackContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CallbackContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingHooks returns pre-built hooks that log callback lifecycle events at debug level.
func LoggingHooks(logger loggingpkg.ServiceLogger) CallbackHooks {
	return CallbackHooks{
		OnCallbackStart: func(ctx CallbackContext) {
			logger.Debug("Callback started", loggingpkg.LogFields{
				"kind":     ctx.Kind,
				"node":     ctx.Node,
				"source":   ctx.Source,
				"executor": ctx.Executor,
			})
		},
		OnCallbackDone: func(ctx CallbackContext) {
			logger.Debug("Callback completed", loggingpkg.LogFields{
				"kind":        ctx.Kind,
				"node":        ctx.Node,
				"source":      ctx.Source,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// AlertingHooks returns hooks that call alertFunc for every failed callback.
func AlertingHooks(alertFunc func(ctx CallbackContext, err error)) CallbackHooks {
	return CallbackHooks{
		OnCallbackError: alertFunc,
	}
}
