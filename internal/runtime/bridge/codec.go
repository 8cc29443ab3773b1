package bridge

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/drblury/spinflow/internal/runtime"
	configpkg "github.com/drblury/spinflow/internal/runtime/config"
	jsoncodec "github.com/drblury/spinflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/spinflow/internal/runtime/metadata"
)

// Codec turns graph messages into transport messages and back.
type Codec interface {
	Name() string
	Encode(msg runtime.Message) (*message.Message, error)
	Decode(topic string, wm *message.Message) (runtime.Message, error)
}

// CodecFor returns the codec registered under name. Empty means json.
func CodecFor(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", configpkg.CodecJSON:
		return JSONCodec{}, nil
	case configpkg.CodecProto:
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("spinflow: unknown bridge codec %q", name)
	}
}

// jsonEnvelope is the wire form of the json codec.
type jsonEnvelope struct {
	ID       string               `json:"id"`
	Topic    string               `json:"topic"`
	Source   string               `json:"source"`
	Stamp    time.Time            `json:"stamp"`
	Metadata metadatapkg.Metadata `json:"metadata,omitempty"`
	Payload  []byte               `json:"payload"`
}

// JSONCodec wraps each message in a JSON envelope. The payload travels as
// base64 so non-JSON payloads survive unchanged.
type JSONCodec struct{}

func (JSONCodec) Name() string { return configpkg.CodecJSON }

func (JSONCodec) Encode(msg runtime.Message) (*message.Message, error) {
	body, err := jsoncodec.Marshal(jsonEnvelope{
		ID:       msg.ID(),
		Topic:    msg.Topic(),
		Source:   msg.Source(),
		Stamp:    msg.Stamp(),
		Metadata: msg.Metadata(),
		Payload:  msg.Payload(),
	})
	if err != nil {
		return nil, fmt.Errorf("spinflow: encode bridge envelope: %w", err)
	}
	return newTransportMessage(msg, body), nil
}

func (JSONCodec) Decode(topic string, wm *message.Message) (runtime.Message, error) {
	var env jsonEnvelope
	if err := jsoncodec.Unmarshal(wm.Payload, &env); err != nil {
		return runtime.Message{}, fmt.Errorf("spinflow: decode bridge envelope: %w", err)
	}
	if env.ID == "" {
		env.ID = wm.UUID
	}
	return runtime.RestoreMessage(env.ID, topic, env.Source, env.Stamp, env.Payload, env.Metadata), nil
}

// ProtoCodec encodes the envelope as a binary google.protobuf.Struct. JSON
// payloads are carried as structured values and anything else as base64.
type ProtoCodec struct{}

const (
	fieldID         = "id"
	fieldSource     = "source"
	fieldSeconds    = "stamp_seconds"
	fieldNanos      = "stamp_nanos"
	fieldMetadata   = "metadata"
	fieldPayload    = "payload"
	fieldPayloadRaw = "payload_raw"
)

func (ProtoCodec) Name() string { return configpkg.CodecProto }

func (ProtoCodec) Encode(msg runtime.Message) (*message.Message, error) {
	ts := timestamppb.New(msg.Stamp())

	md := make(map[string]any, len(msg.Metadata()))
	for k, v := range msg.Metadata() {
		md[k] = v
	}

	env, err := structpb.NewStruct(map[string]any{
		fieldID:       msg.ID(),
		fieldSource:   msg.Source(),
		fieldSeconds:  float64(ts.GetSeconds()),
		fieldNanos:    float64(ts.GetNanos()),
		fieldMetadata: md,
	})
	if err != nil {
		return nil, fmt.Errorf("spinflow: build proto envelope: %w", err)
	}

	payload := msg.Payload()
	value := &structpb.Value{}
	if len(payload) > 0 && jsoncodec.Valid(payload) && value.UnmarshalJSON(payload) == nil {
		env.Fields[fieldPayload] = value
	} else {
		env.Fields[fieldPayloadRaw] = structpb.NewStringValue(base64.StdEncoding.EncodeToString(payload))
	}

	body, err := proto.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("spinflow: encode proto envelope: %w", err)
	}
	return newTransportMessage(msg, body), nil
}

func (ProtoCodec) Decode(topic string, wm *message.Message) (runtime.Message, error) {
	env := &structpb.Struct{}
	if err := proto.Unmarshal(wm.Payload, env); err != nil {
		return runtime.Message{}, fmt.Errorf("spinflow: decode proto envelope: %w", err)
	}
	fields := env.GetFields()

	stamp := (&timestamppb.Timestamp{
		Seconds: int64(fields[fieldSeconds].GetNumberValue()),
		Nanos:   int32(fields[fieldNanos].GetNumberValue()),
	}).AsTime()

	md := metadatapkg.Metadata{}
	for k, v := range fields[fieldMetadata].GetStructValue().GetFields() {
		md[k] = v.GetStringValue()
	}

	var payload []byte
	if v, ok := fields[fieldPayload]; ok {
		b, err := v.MarshalJSON()
		if err != nil {
			return runtime.Message{}, fmt.Errorf("spinflow: decode proto payload: %w", err)
		}
		payload = b
	} else {
		b, err := base64.StdEncoding.DecodeString(fields[fieldPayloadRaw].GetStringValue())
		if err != nil {
			return runtime.Message{}, fmt.Errorf("spinflow: decode raw payload: %w", err)
		}
		payload = b
	}

	id := fields[fieldID].GetStringValue()
	if id == "" {
		id = wm.UUID
	}
	return runtime.RestoreMessage(id, topic, fields[fieldSource].GetStringValue(), stamp, payload, md), nil
}

func newTransportMessage(msg runtime.Message, body []byte) *message.Message {
	wm := message.NewMessage(msg.ID(), body)
	wm.Metadata.Set(metadatapkg.KeyMessageID, msg.ID())
	wm.Metadata.Set(metadatapkg.KeyTopic, msg.Topic())
	wm.Metadata.Set(metadatapkg.KeySourceNode, msg.Source())
	wm.Metadata.Set(metadatapkg.KeyStamp, msg.Stamp().UTC().Format(time.RFC3339Nano))
	return wm
}
