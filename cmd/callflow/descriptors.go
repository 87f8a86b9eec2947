package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/codec/dynamic"
	"github.com/ozontech/callflow/consts"
	"github.com/ozontech/callflow/examples/mathsvc"
	"github.com/ozontech/callflow/metadata"
)

const fetchTimeout = 5 * time.Second

// DescriptorFlags choose where method descriptors come from. Without flags
// the built-in Math service descriptors are used.
type DescriptorFlags struct {
	ReflectionAddr string   `group:"reflection" xor:"reflection" placeholder:"host:port" help:"Fetch descriptors with gRPC server reflection from this address."`
	Proto          []string `group:"reflection" xor:"reflection" type:"existingfile" placeholder:"service1.proto,service2.proto" help:"Proto files"`
	ImportPath     []string `group:"reflection" type:"existingdir" placeholder:"./api/,./vendor/" help:"Proto import paths"`
}

func (f DescriptorFlags) resolve(ctx context.Context, log *zap.Logger, method string) (*call.MethodDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	var fetcher dynamic.Fetcher
	switch {
	case f.ReflectionAddr != "":
		conn, err := grpc.NewClient(
			f.ReflectionAddr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithUserAgent(consts.UserAgent),
		)
		if err != nil {
			return nil, fmt.Errorf("create reflection conn: %w", err)
		}
		defer conn.Close()
		fetcher = dynamic.NewRemoteFetcher(conn, log)
	case len(f.Proto) != 0:
		fetcher = dynamic.NewLocalFetcher(f.Proto, f.ImportPath)
	default:
		fetcher = mathsvc.Fetcher()
	}

	store, err := fetcher.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("descriptors fetching: %w", err)
	}
	desc, err := store.Method(method)
	if err != nil {
		return nil, fmt.Errorf("%w (known methods: %s)", err, strings.Join(store.Methods(), ", "))
	}
	return desc, nil
}

// parseHeaders parses "key: value" pairs.
func parseHeaders(headers []string) (*metadata.MD, error) {
	md := metadata.New()
	for _, h := range headers {
		k, v, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header %q: want key:value", h)
		}
		if err := md.Add(strings.TrimSpace(k), strings.TrimSpace(v)); err != nil {
			return nil, err
		}
	}
	return md, nil
}
