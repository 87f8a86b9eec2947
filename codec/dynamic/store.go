package dynamic

import (
	"slices"

	"github.com/jhump/protoreflect/desc"
	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/status"
)

// Store holds the methods of the fetched services keyed by
// "/package.Service/Method".
type Store struct {
	methods map[string]*call.MethodDescriptor
	descs   map[string]*desc.MethodDescriptor
}

func NewStore(descriptors []*desc.MethodDescriptor) (*Store, error) {
	s := &Store{
		methods: make(map[string]*call.MethodDescriptor, len(descriptors)),
		descs:   make(map[string]*desc.MethodDescriptor, len(descriptors)),
	}
	for _, d := range descriptors {
		fqn := call.NormalizeMethod(d.GetFullyQualifiedName())
		md, err := call.NewMethodDescriptor(
			fqn,
			call.KindOf(d.IsClientStreaming(), d.IsServerStreaming()),
			NewCodec(d.GetInputType().UnwrapMessage()),
			NewCodec(d.GetOutputType().UnwrapMessage()),
		)
		if err != nil {
			return nil, err
		}
		s.methods[fqn] = md
		s.descs[fqn] = d
	}
	return s, nil
}

// Method accepts both "/package.Service/Method" and "package.Service.Method".
func (s *Store) Method(name string) (*call.MethodDescriptor, error) {
	md, ok := s.methods[call.NormalizeMethod(name)]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "method %s not found", name)
	}
	return md, nil
}

// Descriptor returns the protobuf descriptor of a method or nil.
func (s *Store) Descriptor(name string) *desc.MethodDescriptor {
	return s.descs[call.NormalizeMethod(name)]
}

// Methods returns the sorted method paths.
func (s *Store) Methods() []string {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// All returns every method descriptor ordered by path.
func (s *Store) All() []*call.MethodDescriptor {
	names := s.Methods()
	out := make([]*call.MethodDescriptor, len(names))
	for i, name := range names {
		out[i] = s.methods[name]
	}
	return out
}
