// Package dynamic builds method descriptors and codecs from protobuf
// descriptors known only at run time (.proto files or server reflection).
package dynamic

import (
	"fmt"

	"github.com/goccy/go-json"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/ozontech/callflow/status"
)

// Codec puts messages of one descriptor on the wire in protobuf binary form.
//
// On the Go side it accepts:
//   - proto.Message, encoded as is;
//   - []byte, string and json.RawMessage holding protojson;
//   - any other value, converted through its JSON form.
type Codec struct {
	md protoreflect.MessageDescriptor
}

func NewCodec(md protoreflect.MessageDescriptor) Codec { return Codec{md} }

// Name is "proto": the wire form is plain protobuf.
func (Codec) Name() string { return "proto" }

func (c Codec) Descriptor() protoreflect.MessageDescriptor { return c.md }

// New returns an empty message of the codec type.
func (c Codec) New() *dynamicpb.Message { return dynamicpb.NewMessage(c.md) }

func (c Codec) errorf(format string, a ...any) error {
	return status.Errorf(codes.Internal, "codec %s: %s", c.md.FullName(), fmt.Sprintf(format, a...))
}

func (c Codec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		if got := m.ProtoReflect().Descriptor().FullName(); got != c.md.FullName() {
			return nil, c.errorf("marshal %s", got)
		}
		b, err := proto.Marshal(m)
		if err != nil {
			return nil, c.errorf("marshal: %v", err)
		}
		return b, nil
	}

	var js []byte
	switch b := v.(type) {
	case []byte:
		js = b
	case *[]byte:
		js = *b
	case string:
		js = []byte(b)
	case json.RawMessage:
		js = b
	case *json.RawMessage:
		js = *b
	default:
		var err error
		if js, err = json.Marshal(v); err != nil {
			return nil, c.errorf("marshal %T: %v", v, err)
		}
	}

	m := c.New()
	if err := protojson.Unmarshal(js, m); err != nil {
		return nil, c.errorf("parse json: %v", err)
	}
	b, err := proto.Marshal(m)
	if err != nil {
		return nil, c.errorf("marshal: %v", err)
	}
	return b, nil
}

func (c Codec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		if got := m.ProtoReflect().Descriptor().FullName(); got != c.md.FullName() {
			return c.errorf("unmarshal into %s", got)
		}
		if err := proto.Unmarshal(data, m); err != nil {
			return c.errorf("unmarshal: %v", err)
		}
		return nil
	}

	m := c.New()
	if err := proto.Unmarshal(data, m); err != nil {
		return c.errorf("unmarshal: %v", err)
	}
	js, err := protojson.Marshal(m)
	if err != nil {
		return c.errorf("format json: %v", err)
	}

	switch b := v.(type) {
	case *[]byte:
		*b = append((*b)[:0], js...)
	case *json.RawMessage:
		*b = append((*b)[:0], js...)
	default:
		if err := json.Unmarshal(js, v); err != nil {
			return c.errorf("unmarshal %T: %v", v, err)
		}
	}
	return nil
}
