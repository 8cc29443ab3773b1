package runtime

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/spinflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/spinflow/internal/runtime/logging"
)

type executorKey struct{}

// CurrentExecutor returns the executor running the callback that received ctx.
func CurrentExecutor(ctx context.Context) (*Executor, bool) {
	e, ok := ctx.Value(executorKey{}).(*Executor)
	return e, ok && e != nil
}

func withExecutor(ctx context.Context, e *Executor) context.Context {
	return context.WithValue(ctx, executorKey{}, e)
}

// callbackSource identifies what triggered a callback.
type callbackSource struct {
	kind   string
	node   *Node
	source string
}

// run invokes fn with tracing, hooks, metrics and panic recovery. exec is
// nil when the owning node is detached. Failures are reported here and
// returned as *CallbackError; they never propagate further.
func (g *Graph) run(ctx context.Context, exec *Executor, src callbackSource, fn func(context.Context) error) error {
	execName := ""
	if exec != nil {
		execName = exec.name
		ctx = withExecutor(ctx, exec)
	}

	ctx, span := g.tracer.Start(ctx, "spinflow."+src.kind,
		trace.WithAttributes(
			attribute.String("spinflow.node", src.node.name),
			attribute.String("spinflow.source", src.source),
			attribute.String("spinflow.executor", execName),
		))
	defer span.End()

	cbCtx := CallbackContext{
		Kind:      src.kind,
		Node:      src.node.name,
		Source:    src.source,
		Executor:  execName,
		Context:   ctx,
		StartedAt: g.clock.Now(),
	}
	if g.hooks.OnCallbackStart != nil {
		g.hooks.OnCallbackStart(cbCtx)
	}

	start := time.Now()
	recovered, err := invokeRecovering(ctx, fn)
	cbCtx.Duration = time.Since(start)

	failed := err != nil
	g.metrics.observeCallback(src.kind, cbCtx.Duration, failed)
	if exec != nil {
		exec.callbacks.Add(1)
		if failed {
			exec.failures.Add(1)
		}
	}

	if !failed {
		if g.hooks.OnCallbackDone != nil {
			g.hooks.OnCallbackDone(cbCtx)
		}
		return nil
	}

	cbErr := &errspkg.CallbackError{
		Kind:   src.kind,
		Node:   src.node.name,
		Source: src.source,
		Panic:  recovered,
		Err:    err,
	}
	span.RecordError(cbErr)
	span.SetStatus(codes.Error, cbErr.Error())
	src.node.logger.Error("Callback failed", cbErr, loggingpkg.LogFields{
		"kind":     src.kind,
		"source":   src.source,
		"executor": execName,
	})
	if g.hooks.OnCallbackError != nil {
		g.hooks.OnCallbackError(cbCtx, cbErr)
	}
	return cbErr
}

func invokeRecovering(ctx context.Context, fn func(context.Context) error) (recovered any, err error) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return nil, fn(ctx)
}
