package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired   = sterrors.New("spinflow: configuration is required")
	ErrLoggerRequired   = sterrors.New("spinflow: logger is required")
	ErrGraphRequired    = sterrors.New("spinflow: graph is required")
	ErrNodeRequired     = sterrors.New("spinflow: node is required")
	ErrNodeNameRequired = sterrors.New("spinflow: node name is required")
	ErrCallbackRequired = sterrors.New("spinflow: callback is required")
	ErrHandlerRequired  = sterrors.New("spinflow: handler function is required")
	ErrInvalidPeriod    = sterrors.New("spinflow: timer period must be positive")

	// ErrUnknownTopic is returned for empty or malformed topic names.
	ErrUnknownTopic = sterrors.New("spinflow: unknown topic")

	ErrInvalidEndpointName = sterrors.New("spinflow: invalid endpoint name")
	ErrEndpointNotFound    = sterrors.New("spinflow: endpoint not found")
	ErrDuplicateEndpoint   = sterrors.New("spinflow: endpoint already registered")
	ErrRequestTypeMismatch = sterrors.New("spinflow: request type does not match endpoint")

	ErrDuplicateNode   = sterrors.New("spinflow: node name already in use")
	ErrNodeClosed      = sterrors.New("spinflow: node is closed")
	ErrNodeAttached    = sterrors.New("spinflow: node already belongs to an executor")
	ErrNodeNotAttached = sterrors.New("spinflow: node does not belong to this executor")

	ErrExecutorStopped = sterrors.New("spinflow: executor is stopped")
	ErrExecutorRunning = sterrors.New("spinflow: executor is already spinning")

	ErrPublisherClosed = sterrors.New("spinflow: publisher is closed")
	ErrClientClosed    = sterrors.New("spinflow: client is closed")
	ErrCallTimeout     = sterrors.New("spinflow: call timed out")
)

// ConfigValidationError wraps the aggregated result of Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "spinflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// CallbackError reports a callback that returned an error or panicked while
// an executor (or a detached node) was running it.
type CallbackError struct {
	Kind   string
	Node   string
	Source string
	Panic  any
	Err    error
}

func (e *CallbackError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("spinflow: %s callback %q on node %q panicked: %v", e.Kind, e.Source, e.Node, e.Panic)
	}
	return fmt.Sprintf("spinflow: %s callback %q on node %q failed: %v", e.Kind, e.Source, e.Node, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// IsCallbackFailure reports whether err carries a CallbackError.
func IsCallbackFailure(err error) bool {
	var cbErr *CallbackError
	return sterrors.As(err, &cbErr)
}
