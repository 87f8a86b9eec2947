package call

import (
	"fmt"
	"strings"

	"github.com/ozontech/callflow/codec"
)

// Kind is the streaming shape of a method.
type Kind uint8

const (
	Unary Kind = iota
	ClientStreaming
	ServerStreaming
	BidiStreaming
)

func KindOf(clientStreams, serverStreams bool) Kind {
	switch {
	case clientStreams && serverStreams:
		return BidiStreaming
	case clientStreams:
		return ClientStreaming
	case serverStreams:
		return ServerStreaming
	}
	return Unary
}

func (k Kind) ClientStreams() bool { return k == ClientStreaming || k == BidiStreaming }
func (k Kind) ServerStreams() bool { return k == ServerStreaming || k == BidiStreaming }

func (k Kind) String() string {
	switch k {
	case Unary:
		return "unary"
	case ClientStreaming:
		return "client_streaming"
	case ServerStreaming:
		return "server_streaming"
	case BidiStreaming:
		return "bidi_streaming"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MethodDescriptor is an immutable description of one RPC method.
// It is created once and shared by every call of the method.
type MethodDescriptor struct {
	fullMethod    string
	service       string
	method        string
	kind          Kind
	requestCodec  codec.Codec
	responseCodec codec.Codec
}

func NewMethodDescriptor(fullMethod string, kind Kind, req, resp codec.Codec) (*MethodDescriptor, error) {
	service, method, err := SplitMethod(fullMethod)
	if err != nil {
		return nil, err
	}
	if req == nil || resp == nil {
		return nil, fmt.Errorf("method %s: nil codec", fullMethod)
	}
	if kind > BidiStreaming {
		return nil, fmt.Errorf("method %s: unknown kind %d", fullMethod, kind)
	}
	return &MethodDescriptor{
		fullMethod:    fullMethod,
		service:       service,
		method:        method,
		kind:          kind,
		requestCodec:  req,
		responseCodec: resp,
	}, nil
}

// MustMethodDescriptor is like NewMethodDescriptor but panics on error.
func MustMethodDescriptor(fullMethod string, kind Kind, req, resp codec.Codec) *MethodDescriptor {
	d, err := NewMethodDescriptor(fullMethod, kind, req, resp)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *MethodDescriptor) FullMethod() string         { return d.fullMethod }
func (d *MethodDescriptor) Service() string            { return d.service }
func (d *MethodDescriptor) Method() string             { return d.method }
func (d *MethodDescriptor) Kind() Kind                 { return d.kind }
func (d *MethodDescriptor) RequestCodec() codec.Codec  { return d.requestCodec }
func (d *MethodDescriptor) ResponseCodec() codec.Codec { return d.responseCodec }

// SplitMethod splits "/{service}/{method}".
func SplitMethod(fullMethod string) (service, method string, err error) {
	if !strings.HasPrefix(fullMethod, "/") {
		return "", "", fmt.Errorf("malformed method path %q: must start with '/'", fullMethod)
	}
	rest := fullMethod[1:]
	i := strings.IndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 || strings.IndexByte(rest[i+1:], '/') != -1 {
		return "", "", fmt.Errorf("malformed method path %q: want /{service}/{method}", fullMethod)
	}
	return rest[:i], rest[i+1:], nil
}

// NormalizeMethod converts "package.Service.Call" to "/package.Service/Call".
// Paths that already start with '/' are returned as is.
func NormalizeMethod(method string) string {
	if method == "" || method[0] == '/' {
		return method
	}
	ind := strings.LastIndexByte(method, '.')
	if ind == -1 {
		return "/" + method
	}
	return "/" + method[:ind] + "/" + method[ind+1:]
}
