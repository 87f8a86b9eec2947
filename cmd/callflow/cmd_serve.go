package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/callflow/examples/mathsvc"
	"github.com/ozontech/callflow/server"
	"github.com/ozontech/callflow/server/otelhook"
	"github.com/ozontech/callflow/transport/h2"
)

type ServeCommand struct {
	Addr                 string        `default:":9090" help:"Listen address."`
	MaxConcurrentStreams uint32        `default:"100" help:"HTTP/2 streams per connection (0 is unlimited)."`
	MaxConcurrentCalls   int           `default:"0" help:"Calls served at once (0 is unlimited)."`
	MaxRecvMessageSize   int           `default:"4194304" help:"Largest accepted request message."`
	Otel                 bool          `help:"Trace and measure calls with the global OpenTelemetry providers."`
	Grace                time.Duration `default:"10s" help:"How long to wait for running calls on shutdown."`
	ReflectionAddr       string        `placeholder:"host:port" help:"Serve gRPC server reflection for the Math service on this address."`
}

func (c *ServeCommand) Run(ctx context.Context, log *zap.Logger) error {
	lis, err := net.Listen("tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	var reflLis net.Listener
	if c.ReflectionAddr != "" {
		reflLis, err = net.Listen("tcp", c.ReflectionAddr)
		if err != nil {
			lis.Close()
			return fmt.Errorf("listen reflection: %w", err)
		}
	}
	return c.serve(ctx, log, lis, reflLis)
}

// serve обслуживает lis, а если reflLis не nil, то и reflection на нем.
func (c *ServeCommand) serve(ctx context.Context, log *zap.Logger, lis, reflLis net.Listener) error {
	methods, err := mathsvc.LoadMethods(ctx)
	if err != nil {
		return fmt.Errorf("math descriptors: %w", err)
	}

	opts := []server.Option{
		server.WithLogger(log),
		server.WithMaxConcurrentCalls(c.MaxConcurrentCalls),
	}
	if c.Otel {
		opts = append(opts, server.WithHook(otelhook.New(otelhook.DefaultConfig())))
	}
	d := server.NewDispatcher(opts...)
	if err := mathsvc.New(log).Register(d, methods); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := d.Start(); err != nil {
		return err
	}

	srv := h2.NewServer(d,
		h2.WithLogger(log),
		h2.WithMaxConcurrentStreams(c.MaxConcurrentStreams),
		h2.WithMaxRecvMessageSize(c.MaxRecvMessageSize),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// соединения переживают ctx, их закрывает Shutdown
		return srv.Serve(context.WithoutCancel(gctx), lis)
	})
	if reflLis != nil {
		refl, err := mathsvc.NewReflectionServer()
		if err != nil {
			return err
		}
		g.Go(func() error {
			log.Info("serving reflection", zap.Stringer("addr", reflLis.Addr()))
			return refl.Serve(reflLis)
		})
		g.Go(func() error {
			<-gctx.Done()
			refl.GracefulStop()
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", zap.Duration("grace", c.Grace))
		sctx, cancel := context.WithTimeout(context.Background(), c.Grace)
		defer cancel()
		return multierr.Combine(
			srv.Shutdown(sctx),
			d.GracefulStop(sctx),
		)
	})
	return g.Wait()
}
