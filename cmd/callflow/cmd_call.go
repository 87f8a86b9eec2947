package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/client"
	"github.com/ozontech/callflow/metadata"
	"github.com/ozontech/callflow/registry"
	"github.com/ozontech/callflow/status"
	"github.com/ozontech/callflow/transport/h2"
)

type CallCommand struct {
	Addr       string        `required:"" help:"Address of the server."`
	Method     string        `arg:"" help:"Method, /package.Service/Method or package.Service.Method."`
	Data       string        `arg:"" optional:"" default:"{}" help:"Request JSON. Client streaming methods take several JSON values."`
	Header     []string      `short:"H" placeholder:"key:value" help:"Request metadata."`
	Timeout    time.Duration `default:"10s" help:"Call deadline."`
	Compressor string        `enum:"identity,gzip,zstd,snappy" default:"identity" help:"Request compression: ${enum}."`
	Metadata   bool          `help:"Print response header and trailer."`

	DescriptorFlags `embed:""`
}

func (c *CallCommand) Run(ctx context.Context, log *zap.Logger, out io.Writer) error {
	desc, err := c.resolve(ctx, log, c.Method)
	if err != nil {
		return err
	}
	md, err := parseHeaders(c.Header)
	if err != nil {
		return err
	}
	reqs, err := splitJSON(c.Data)
	if err != nil {
		return err
	}
	if !desc.Kind().ClientStreams() && len(reqs) != 1 {
		return status.Errorf(codes.InvalidArgument,
			"%s method %s takes exactly one request, got %d", desc.Kind(), desc.FullMethod(), len(reqs))
	}

	reg := registry.New(1,
		registry.WithLogger(log),
		registry.WithDialer(registry.H2Dialer(h2.WithLogger(log))),
	)
	defer reg.Close()
	tr, err := reg.Get(ctx, c.Addr)
	if err != nil {
		return err
	}

	inv := client.NewInvoker(tr,
		client.WithLogger(log),
		client.WithDefaultTimeout(c.Timeout),
		client.WithDefaultCompressor(c.Compressor),
	)
	cl, _ := inv.StartCall(ctx, desc, client.WithHeader(md))
	for _, req := range reqs {
		if err := cl.SendMsg(req); err != nil {
			break
		}
	}
	_ = cl.CloseSend()

	for {
		var resp []byte
		// io.EOF или ошибка вызова, статус ниже
		if err := cl.RecvMsg(&resp); err != nil {
			break
		}
		if _, err := fmt.Fprintf(out, "%s\n", resp); err != nil {
			cl.Cancel()
			return err
		}
	}
	<-cl.Done()

	if c.Metadata {
		if err := printMetadata(out, "header", cl.ResponseHeader()); err != nil {
			return err
		}
		if err := printMetadata(out, "trailer", cl.Trailer()); err != nil {
			return err
		}
	}
	return cl.Err()
}

func printMetadata(out io.Writer, name string, md *metadata.MD) error {
	if md == nil {
		md = metadata.New()
	}
	b, err := md.MarshalJSON()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s: %s\n", name, b)
	return err
}

// splitJSON splits a sequence of JSON values.
func splitJSON(data string) ([]json.RawMessage, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	var msgs []json.RawMessage
	for {
		var m json.RawMessage
		err := dec.Decode(&m)
		if errors.Is(err, io.EOF) {
			return msgs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("request json: %w", err)
		}
		msgs = append(msgs, m)
	}
}
