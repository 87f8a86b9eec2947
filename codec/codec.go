// Package codec converts application messages to and from the bytes carried
// by a call.
package codec

import (
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/ozontech/callflow/status"
)

// Codec serializes messages. Unmarshal must fail loudly on malformed input.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type marshaler interface {
	Marshal() ([]byte, error)
}

type unmarshaler interface {
	Unmarshal([]byte) error
}

func marshalErr(c Codec, v any, err error) error {
	return status.Errorf(codes.Internal, "codec %s: marshal %T: %v", c.Name(), v, err)
}

func unmarshalErr(c Codec, v any, err error) error {
	return status.Errorf(codes.Internal, "codec %s: unmarshal %T: %v", c.Name(), v, err)
}

// Proto encodes protobuf messages. Types that only implement
// Marshal/Unmarshal (dynamic messages) are supported as well.
type Proto struct{}

func (Proto) Name() string { return "proto" }

func (c Proto) Marshal(v any) ([]byte, error) {
	var (
		b   []byte
		err error
	)
	switch m := v.(type) {
	case proto.Message:
		b, err = proto.Marshal(m)
	case marshaler:
		b, err = m.Marshal()
	default:
		err = fmt.Errorf("not a proto message")
	}
	if err != nil {
		return nil, marshalErr(c, v, err)
	}
	return b, nil
}

func (c Proto) Unmarshal(data []byte, v any) error {
	var err error
	switch m := v.(type) {
	case proto.Message:
		err = proto.Unmarshal(data, m)
	case unmarshaler:
		err = m.Unmarshal(data)
	default:
		err = fmt.Errorf("not a proto message")
	}
	if err != nil {
		return unmarshalErr(c, v, err)
	}
	return nil
}

// JSON encodes protobuf messages with protojson and everything else with
// go-json.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (c JSON) Marshal(v any) ([]byte, error) {
	var (
		b   []byte
		err error
	)
	if m, ok := v.(proto.Message); ok {
		b, err = protojson.Marshal(m)
	} else {
		b, err = json.Marshal(v)
	}
	if err != nil {
		return nil, marshalErr(c, v, err)
	}
	return b, nil
}

func (c JSON) Unmarshal(data []byte, v any) error {
	var err error
	if m, ok := v.(proto.Message); ok {
		err = protojson.Unmarshal(data, m)
	} else {
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return unmarshalErr(c, v, err)
	}
	return nil
}

// Raw passes []byte through untouched. name is the content-subtype the bytes
// are already encoded with.
func Raw(name string) Codec { return raw{name} }

type raw struct{ name string }

func (c raw) Name() string { return c.name }

func (c raw) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	case string:
		return []byte(b), nil
	}
	return nil, marshalErr(c, v, fmt.Errorf("raw codec expects []byte"))
}

func (c raw) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return unmarshalErr(c, v, fmt.Errorf("raw codec expects *[]byte"))
	}
	*b = append((*b)[:0], data...)
	return nil
}

const baseContentType = "application/grpc"

// ContentType returns the HTTP content-type for a codec name.
func ContentType(name string) string {
	if name == "" || name == "proto" {
		return baseContentType
	}
	return baseContentType + "+" + name
}

// SubtypeFromContentType extracts the codec name from a gRPC content-type.
// "application/grpc" yields "proto".
func SubtypeFromContentType(ct string) (string, bool) {
	if !strings.HasPrefix(ct, baseContentType) {
		return "", false
	}
	rest := ct[len(baseContentType):]
	if rest == "" || rest[0] == ';' {
		return "proto", true
	}
	if rest[0] != '+' {
		return "", false
	}
	rest = rest[1:]
	if i := strings.IndexByte(rest, ';'); i != -1 {
		rest = rest[:i]
	}
	return rest, true
}

// Registry maps codec names to codecs.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{codecs: make(map[string]Codec, len(codecs))}
	for _, c := range codecs {
		r.Register(c)
	}
	return r
}

// Default returns a registry with the proto and JSON codecs.
func Default() *Registry {
	return NewRegistry(Proto{}, JSON{})
}

func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[strings.ToLower(c.Name())] = c
}

func (r *Registry) Get(name string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[strings.ToLower(name)]
	return c, ok
}
