// Package codec encodes statesync messages for byte-oriented transports.
//
// Two codecs are provided: JSON, which produces text frames, and Proto, which
// encodes the envelope as a protobuf Struct and produces binary frames. Both
// carry the serialized action verbatim and the register filter in its wire
// form (true, nested objects, or the name of a dynamic shape).
package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jilio/statesync"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Codec converts messages to and from frames.
type Codec interface {
	// Name identifies the codec in configuration.
	Name() string
	// Binary reports whether frames are binary rather than text.
	Binary() bool
	Marshal(msg *statesync.Message) ([]byte, error)
	Unmarshal(data []byte, msg *statesync.Message) error
}

var (
	// JSON encodes messages as JSON documents.
	JSON Codec = jsonCodec{}
	// Proto encodes messages as protobuf Struct values.
	Proto Codec = protoCodec{}
)

// ByName returns the codec registered under name ("json" or "proto").
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON, nil
	case "proto", "protobuf":
		return Proto, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Marshal(msg *statesync.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal json: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, msg *statesync.Message) error {
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("codec: unmarshal json: %w", err)
	}
	return nil
}

const (
	fieldKind           = "kind"
	fieldClientID       = "clientId"
	fieldFilter         = "filter"
	fieldAction         = "action"
	fieldSourceClientID = "sourceClientId"
)

type protoCodec struct{}

func (protoCodec) Name() string { return "proto" }
func (protoCodec) Binary() bool { return true }

func (protoCodec) Marshal(msg *statesync.Message) ([]byte, error) {
	fields := map[string]any{
		fieldKind: string(msg.Kind),
	}
	if msg.ClientID != "" {
		fields[fieldClientID] = msg.ClientID
	}
	if msg.Action != "" {
		fields[fieldAction] = msg.Action
	}
	if msg.SourceClientID != "" {
		fields[fieldSourceClientID] = msg.SourceClientID
	}
	if msg.Filter != nil {
		filter, err := msg.Filter.Value()
		if err != nil {
			return nil, fmt.Errorf("codec: marshal filter: %w", err)
		}
		fields[fieldFilter] = filter
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("codec: build struct: %w", err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal proto: %w", err)
	}
	return data, nil
}

func (protoCodec) Unmarshal(data []byte, msg *statesync.Message) error {
	st := &structpb.Struct{}
	if err := proto.Unmarshal(data, st); err != nil {
		return fmt.Errorf("codec: unmarshal proto: %w", err)
	}

	fields := st.GetFields()
	*msg = statesync.Message{
		Kind:           statesync.MessageKind(fields[fieldKind].GetStringValue()),
		ClientID:       fields[fieldClientID].GetStringValue(),
		Action:         fields[fieldAction].GetStringValue(),
		SourceClientID: fields[fieldSourceClientID].GetStringValue(),
	}
	if filter, ok := fields[fieldFilter]; ok {
		shape, err := statesync.ShapeOf(filter.AsInterface())
		if err != nil {
			return fmt.Errorf("codec: unmarshal filter: %w", err)
		}
		msg.Filter = &shape
	}
	return nil
}
