package spinflow

import (
	"time"

	runtimepkg "github.com/drblury/spinflow/internal/runtime"
	bridgepkg "github.com/drblury/spinflow/internal/runtime/bridge"
	configpkg "github.com/drblury/spinflow/internal/runtime/config"
	errspkg "github.com/drblury/spinflow/internal/runtime/errors"
	idspkg "github.com/drblury/spinflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/spinflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/spinflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/spinflow/internal/runtime/metadata"
	transportpkg "github.com/drblury/spinflow/transport"
)

type (
	Config       = configpkg.Config
	DemoConfig   = configpkg.DemoConfig
	Graph        = runtimepkg.Graph
	Dependencies = runtimepkg.GraphDependencies
	Node         = runtimepkg.Node
	Message      = runtimepkg.Message
	Metadata     = metadatapkg.Metadata

	Publisher            = runtimepkg.Publisher
	Subscription         = runtimepkg.Subscription
	SubscriptionCallback = runtimepkg.SubscriptionCallback
	Timer                = runtimepkg.Timer
	TimerCallback        = runtimepkg.TimerCallback

	Request[T any]                = runtimepkg.Request[T]
	Response[T any]               = runtimepkg.Response[T]
	ServiceHandler[Req, Resp any] = runtimepkg.ServiceHandler[Req, Resp]
	Service[Req, Resp any]        = runtimepkg.Service[Req, Resp]
	Client[Req, Resp any]         = runtimepkg.Client[Req, Resp]
	Continuation[Resp any]        = runtimepkg.Continuation[Resp]
	ClientOption                  = runtimepkg.ClientOption
	PendingCall                   = runtimepkg.PendingCall

	Executor       = runtimepkg.Executor
	ExecutorOption = runtimepkg.ExecutorOption
	ExecutorState  = runtimepkg.ExecutorState
	ExecutorStats  = runtimepkg.ExecutorStats

	// Callback lifecycle hooks
	CallbackContext = runtimepkg.CallbackContext
	CallbackHooks   = runtimepkg.CallbackHooks

	// Introspection
	GraphSnapshot = runtimepkg.GraphSnapshot
	NodeSnapshot  = runtimepkg.NodeSnapshot
	TopicSnapshot = runtimepkg.TopicSnapshot
	TimerSnapshot = runtimepkg.TimerSnapshot

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	CallbackError         = errspkg.CallbackError
	ConfigValidationError = errspkg.ConfigValidationError

	// Bridge
	Bridge       = bridgepkg.Bridge
	BridgeCodec  = bridgepkg.Codec
	BridgeOption = bridgepkg.Option

	// Transports
	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

const (
	ExecutorIdle    = runtimepkg.ExecutorIdle
	ExecutorRunning = runtimepkg.ExecutorRunning
	ExecutorStopped = runtimepkg.ExecutorStopped

	KindTimer        = runtimepkg.KindTimer
	KindSubscription = runtimepkg.KindSubscription
	KindService      = runtimepkg.KindService
	KindContinuation = runtimepkg.KindContinuation
	KindPosted       = runtimepkg.KindPosted

	ExecutorModeEvents  = configpkg.ExecutorModeEvents
	ExecutorModePolling = configpkg.ExecutorModePolling
	CodecJSON           = configpkg.CodecJSON
	CodecProto          = configpkg.CodecProto
)

// Metadata keys set by the runtime on every published message.
const (
	MetadataKeyMessageID    = metadatapkg.KeyMessageID
	MetadataKeyTopic        = metadatapkg.KeyTopic
	MetadataKeySourceNode   = metadatapkg.KeySourceNode
	MetadataKeyStamp        = metadatapkg.KeyStamp
	MetadataKeyBridgeOrigin = metadatapkg.KeyBridgeOrigin
)

var (
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewGraph       = runtimepkg.NewGraph
	NewExecutor    = runtimepkg.NewExecutor
	NewMessage     = runtimepkg.NewMessage
	NewJSONMessage = runtimepkg.NewJSONMessage

	WithExecutorName = runtimepkg.WithExecutorName
	WithEventsWait   = runtimepkg.WithEventsWait
	WithPollingWait  = runtimepkg.WithPollingWait
	WithCallTimeout  = runtimepkg.WithCallTimeout
	CurrentExecutor  = runtimepkg.CurrentExecutor

	LoggingHooks  = runtimepkg.LoggingHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewIntrospectionHandler = runtimepkg.NewIntrospectionHandler

	NewBridge             = bridgepkg.New
	BridgeCodecFor        = bridgepkg.CodecFor
	WithBridgeTracing     = bridgepkg.WithTracerProvider
	WithBridgeMessageLogs = bridgepkg.WithMessageLogging

	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrGraphRequired       = errspkg.ErrGraphRequired
	ErrNodeRequired        = errspkg.ErrNodeRequired
	ErrNodeNameRequired    = errspkg.ErrNodeNameRequired
	ErrCallbackRequired    = errspkg.ErrCallbackRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrInvalidPeriod       = errspkg.ErrInvalidPeriod
	ErrUnknownTopic        = errspkg.ErrUnknownTopic
	ErrInvalidEndpointName = errspkg.ErrInvalidEndpointName
	ErrEndpointNotFound    = errspkg.ErrEndpointNotFound
	ErrDuplicateEndpoint   = errspkg.ErrDuplicateEndpoint
	ErrRequestTypeMismatch = errspkg.ErrRequestTypeMismatch
	ErrDuplicateNode       = errspkg.ErrDuplicateNode
	ErrNodeClosed          = errspkg.ErrNodeClosed
	ErrNodeAttached        = errspkg.ErrNodeAttached
	ErrNodeNotAttached     = errspkg.ErrNodeNotAttached
	ErrExecutorStopped     = errspkg.ErrExecutorStopped
	ErrExecutorRunning     = errspkg.ErrExecutorRunning
	ErrPublisherClosed     = errspkg.ErrPublisherClosed
	ErrClientClosed        = errspkg.ErrClientClosed
	ErrCallTimeout         = errspkg.ErrCallTimeout
	IsCallbackFailure      = errspkg.IsCallbackFailure

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// CreateService registers handler under name on n.
func CreateService[Req, Resp any](n *Node, name string, handler ServiceHandler[Req, Resp]) (*Service[Req, Resp], error) {
	return runtimepkg.CreateService(n, name, handler)
}

// CreateClient creates a client of endpoint on n. The endpoint does not need
// to exist yet.
func CreateClient[Req, Resp any](n *Node, endpoint string, opts ...ClientOption) (*Client[Req, Resp], error) {
	return runtimepkg.CreateClient[Req, Resp](n, endpoint, opts...)
}

// RestoreMessage rebuilds a message received from outside the graph while
// keeping its identity.
func RestoreMessage(id, topic, source string, stamp time.Time, payload []byte, md Metadata) Message {
	return runtimepkg.RestoreMessage(id, topic, source, stamp, payload, md)
}
