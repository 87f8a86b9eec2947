// dumb-server отвечает на любой метод пустым сообщением и статусом OK.
// Нужен, чтобы мерить сам callflow, а не обработчики.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/examples/mathsvc"
	"github.com/ozontech/callflow/status"
	"github.com/ozontech/callflow/transport"
	"github.com/ozontech/callflow/transport/h2"
)

const (
	grpcListenAddr       = ":9090"
	reflectionListenAddr = ":9091"
	debugListenAddr      = ":8080"
)

var (
	bytesIN  atomic.Uint64
	bytesOUT atomic.Uint64

	requestsIN  atomic.Uint64
	requestsOUT atomic.Uint64
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return run(ctx, log) })
	g.Go(func() error { return runReflection(ctx) })
	g.Go(func() error { return printStats(ctx) })
	go func() {
		//nolint:errcheck,gosec
		http.ListenAndServe(debugListenAddr, nil)
	}()

	if err := g.Wait(); err != nil {
		fmt.Println("server exited: " + err.Error())
		os.Exit(1)
	}
}

// runReflection позволяет натравить на сервер callflow bench --reflection-addr.
func runReflection(ctx context.Context) error {
	//nolint:gosec
	l, err := net.Listen("tcp", reflectionListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s, err := mathsvc.NewReflectionServer()
	if err != nil {
		l.Close()
		return err
	}
	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()
	return s.Serve(l)
}

func run(ctx context.Context, log *zap.Logger) error {
	//nolint:gosec
	l, err := net.Listen("tcp", grpcListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	srv := h2.NewServer(transport.HandlerFunc(handle), h2.WithLogger(log))
	served := make(chan error, 1)
	go func() { served <- srv.Serve(context.WithoutCancel(ctx), l) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return multierr.Combine(srv.Shutdown(sctx), <-served)
}

// handle вызывается из читающей горутины соединения, блокироваться в нем нельзя.
func handle(c *call.Call) {
	requestsIN.Add(1)
	go func() {
		for {
			b, err := c.ReadMsg()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					return
				}
				break
			}
			bytesIN.Add(uint64(len(b)))
		}
		// пустое сообщение = любое сообщение со всеми пустыми полями
		if err := c.WriteMsg(nil); err != nil {
			return
		}
		if c.Complete(status.OK()) {
			requestsOUT.Add(1)
			bytesOUT.Add(uint64(c.Stats().SentBytes))
		}
	}()
}

func printStats(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if requestsIN.Load() == 0 {
				continue
			}
			fmt.Println(
				"bytesIN:", humanize.Bytes(bytesIN.Swap(0)),
				"bytesOUT:", humanize.Bytes(bytesOUT.Swap(0)),
				"requestsIN:", humanize.Comma(int64(requestsIN.Swap(0))),
				"requestsOUT:", humanize.Comma(int64(requestsOUT.Swap(0))),
			)
		}
	}
}
