package xrsocket

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"gopkg.in/yaml.v3"
)

// Codec is the Strategy for encoding/decoding payloads on the wire.
// Name returns the MIME type the codec is registered under.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default data codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return MimeJSON }

// YAMLCodec encodes payloads as YAML documents.
type YAMLCodec struct{}

func (YAMLCodec) Marshal(v any) ([]byte, error)   { return yaml.Marshal(v) }
func (YAMLCodec) Unmarshal(b []byte, v any) error { return yaml.Unmarshal(b, v) }
func (YAMLCodec) Name() string                    { return MimeYAML }

// ProtobufCodec encodes proto.Message values in the protobuf binary format.
type ProtobufCodec struct{}

func (ProtobufCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("protobuf codec: %T is not a proto.Message", v)
	}
	return proto.Marshal(m)
}

func (ProtobufCodec) Unmarshal(b []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("protobuf codec: %T is not a proto.Message", v)
	}
	return proto.Unmarshal(b, m)
}

func (ProtobufCodec) Name() string { return MimeProtobuf }

// TextCodec handles text/plain payloads as strings.
type TextCodec struct{}

func (TextCodec) Marshal(v any) ([]byte, error) {
	switch s := v.(type) {
	case string:
		return []byte(s), nil
	case []byte:
		return s, nil
	case fmt.Stringer:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("text codec: cannot encode %T", v)
	}
}

func (TextCodec) Unmarshal(b []byte, v any) error {
	switch p := v.(type) {
	case *string:
		*p = string(b)
	case *[]byte:
		*p = append((*p)[:0], b...)
	case *any:
		*p = string(b)
	default:
		return fmt.Errorf("text codec: cannot decode into %T", v)
	}
	return nil
}

func (TextCodec) Name() string { return MimeText }

// BytesCodec passes raw bytes through unchanged.
type BytesCodec struct{}

func (BytesCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return nil, fmt.Errorf("octet-stream codec: cannot encode %T", v)
	}
}

func (BytesCodec) Unmarshal(b []byte, v any) error {
	switch p := v.(type) {
	case *[]byte:
		*p = append((*p)[:0], b...)
	case *any:
		*p = append([]byte(nil), b...)
	default:
		return fmt.Errorf("octet-stream codec: cannot decode into %T", v)
	}
	return nil
}

func (BytesCodec) Name() string { return MimeOctetStream }
