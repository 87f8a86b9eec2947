package dynamic

import (
	"context"
	"fmt"
	"sync"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"github.com/jhump/protoreflect/grpcreflect"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

type Fetcher interface {
	Fetch(ctx context.Context) (*Store, error)
}

type ErrFetcher struct {
	err error
}

func NewErrFetcher(err error) *ErrFetcher {
	return &ErrFetcher{err}
}

func (f *ErrFetcher) Fetch(context.Context) (*Store, error) {
	return nil, f.err
}

// CachedFetcher fetches once and then returns the same result.
type CachedFetcher struct {
	next  Fetcher
	once  sync.Once
	store *Store
	err   error
}

func NewCachedFetcher(next Fetcher) *CachedFetcher {
	return &CachedFetcher{next: next}
}

func (f *CachedFetcher) Fetch(ctx context.Context) (*Store, error) {
	f.once.Do(func() {
		f.store, f.err = f.next.Fetch(ctx)
	})
	return f.store, f.err
}

// LocalFetcher parses .proto files.
type LocalFetcher struct {
	filenames, importPaths []string
	accessor               protoparse.FileAccessor
}

func NewLocalFetcher(filenames, importPaths []string) LocalFetcher {
	return LocalFetcher{filenames: filenames, importPaths: importPaths}
}

// NewSourceFetcher parses .proto sources held in memory, keyed by file name.
func NewSourceFetcher(sources map[string]string) LocalFetcher {
	filenames := make([]string, 0, len(sources))
	for name := range sources {
		filenames = append(filenames, name)
	}
	return LocalFetcher{filenames: filenames, accessor: protoparse.FileContentsFromMap(sources)}
}

func (f LocalFetcher) Fetch(context.Context) (*Store, error) {
	fds, err := protoparse.Parser{
		LookupImport: desc.LoadFileDescriptor,
		ImportPaths:  f.importPaths,
		Accessor:     f.accessor,
	}.ParseFiles(f.filenames...)
	if err != nil {
		return nil, fmt.Errorf("can't parse proto files: %w", err)
	}

	var methods []*desc.MethodDescriptor
	for _, fs := range fds {
		for _, service := range fs.GetServices() {
			methods = append(methods, service.GetMethods()...)
		}
	}
	return NewStore(methods)
}

// RemoteFetcher asks a server for its services through gRPC reflection.
type RemoteFetcher struct {
	conn grpc.ClientConnInterface
	log  *zap.Logger
}

func NewRemoteFetcher(conn grpc.ClientConnInterface, log *zap.Logger) *RemoteFetcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &RemoteFetcher{conn, log.Named("reflection")}
}

// Fetch skips services that can not be resolved.
func (f *RemoteFetcher) Fetch(ctx context.Context) (*Store, error) {
	refClient := grpcreflect.NewClientAuto(ctx, f.conn)
	defer refClient.Reset()

	listServices, err := refClient.ListServices()
	if err != nil {
		return nil, fmt.Errorf("reflection fetching: %w", err)
	}

	var methods []*desc.MethodDescriptor
	for _, s := range listServices {
		service, err := refClient.ResolveService(s)
		if err != nil {
			f.log.Warn("service not found", zap.String("service", s), zap.Error(err))
			continue
		}
		methods = append(methods, service.GetMethods()...)
	}
	return NewStore(methods)
}
