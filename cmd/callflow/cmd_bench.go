package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/client"
	"github.com/ozontech/callflow/codec"
	"github.com/ozontech/callflow/consts"
	"github.com/ozontech/callflow/registry"
	"github.com/ozontech/callflow/report"
	"github.com/ozontech/callflow/report/multi"
	"github.com/ozontech/callflow/report/noop"
	phoutReporter "github.com/ozontech/callflow/report/phout"
	simpleReporter "github.com/ozontech/callflow/report/simple"
	"github.com/ozontech/callflow/scheduler"
	"github.com/ozontech/callflow/transport"
	"github.com/ozontech/callflow/transport/h2"
)

type RPSConst struct {
	Freq     uint64        `arg:"" required:"" help:"Value req/s."`
	Duration time.Duration `help:"Limit duration (10s, 2h...)."`
}

func (r RPSConst) AfterApply(kongCtx *kong.Context) error {
	var sched scheduler.Scheduler
	sched, err := scheduler.NewConstant(r.Freq)
	if err != nil {
		return err
	}
	kongCtx.BindTo(sched, (*scheduler.Scheduler)(nil))
	if r.Duration != 0 {
		kongCtx.Bind(DurationLimit{r.Duration})
	}
	return nil
}

type RPSLine struct {
	From     float64       `arg:"" required:"" help:"Starting req/s."`
	To       float64       `arg:"" required:"" help:"Ending req/s."`
	Duration time.Duration `arg:"" required:"" help:"Duration (10s, 2h...)."`
}

func (r RPSLine) AfterApply(kongCtx *kong.Context) error {
	sched, err := scheduler.NewLine(r.From, r.To, r.Duration)
	if err != nil {
		return err
	}
	kongCtx.BindTo(sched, (*scheduler.Scheduler)(nil))
	kongCtx.Bind(DurationLimit{r.Duration})
	return nil
}

type RPSUnlimited struct {
	Duration time.Duration `help:"Limit duration (10s, 2h...)."`
	Count    uint64        `help:"Limit requests count"`
}

func (r RPSUnlimited) AfterApply(kongCtx *kong.Context) error {
	kongCtx.BindTo(r.scheduler(), (*scheduler.Scheduler)(nil))
	if r.Duration != 0 {
		kongCtx.Bind(DurationLimit{r.Duration})
	}
	return nil
}

func (r RPSUnlimited) scheduler() scheduler.Scheduler {
	var sched scheduler.Scheduler = scheduler.Unlimited{}
	if r.Count != 0 {
		sched = scheduler.NewCountLimiter(sched, int64(r.Count))
	}
	return sched
}

type RPS struct {
	Const     RPSConst     `cmd:"" group:"rps" help:"Const rps."`
	Line      RPSLine      `cmd:"" group:"rps" help:"Linear rps."`
	Unlimited RPSUnlimited `cmd:"" group:"rps" help:"Unlimited rps (default one)." default:""`
}

type DurationLimit struct {
	Duration time.Duration
}

type BenchCommand struct {
	Addr   string `required:"" help:"Address of system under test"`
	Method string `required:"" help:"Method, /package.Service/Method or package.Service.Method."`
	Data   string `required:"" help:"Request JSON sent by every call."`

	Clients int           `default:"16" help:"Calls in flight."`
	Conns   int           `default:"1" help:"HTTP/2 connections."`
	Timeout time.Duration `default:"11s" help:"Call deadline."`
	Phout   string        `help:"Phout report file." type:"path"`
	Quiet   bool          `help:"Do not print stats."`

	DescriptorFlags `embed:""`
	RPS
}

func (c *BenchCommand) Run(
	ctx context.Context,
	log *zap.Logger,
	out io.Writer,
	sched scheduler.Scheduler,
	d DurationLimit,
) (err error) {
	desc, err := c.resolve(ctx, log, c.Method)
	if err != nil {
		return err
	}
	payload, err := desc.RequestCodec().Marshal([]byte(c.Data))
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	// запрос сериализуется один раз, ответы не разбираются
	rawDesc, err := call.NewMethodDescriptor(desc.FullMethod(), desc.Kind(), codec.Raw("proto"), codec.Raw("proto"))
	if err != nil {
		return err
	}

	var reporter report.Reporter = simpleReporter.New(out)
	if c.Quiet {
		reporter = noop.New()
	}
	if c.Phout != "" {
		f, err := os.Create(c.Phout)
		if err != nil {
			return fmt.Errorf("creating phout file(%s): %w", c.Phout, err)
		}
		defer f.Close()
		reporter = multi.New(phoutReporter.New(f, c.Timeout), reporter)
	}

	conns := max(c.Conns, 1)
	reg := registry.New(conns, registry.WithLogger(log), registry.WithDialer(connDialer(log)))
	defer func() {
		err = multierr.Append(err, reg.Close())
	}()
	transports := make([]transport.ClientTransport, conns)
	for i := range transports {
		transports[i], err = reg.Get(ctx, c.Addr+"#"+strconv.Itoa(i))
		if err != nil {
			return fmt.Errorf("dialing: %w", err)
		}
	}

	g := new(errgroup.Group)
	g.Go(reporter.Run)

	pacer := scheduler.NewPacer(sched, d.Duration)
	var wg sync.WaitGroup
	for i := range max(c.Clients, 1) {
		inv := client.NewInvoker(transports[i%conns],
			client.WithLogger(log),
			client.WithDefaultTimeout(c.Timeout),
			client.WithObserver(reporter),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, ok := pacer.Wait(ctx); !ok {
					return
				}
				benchCall(ctx, inv, rawDesc, payload)
			}
		}()
	}
	wg.Wait()

	if err := reporter.Close(); err != nil {
		return fmt.Errorf("close reporter: %w", err)
	}
	defer memStats(log)
	return g.Wait()
}

// connDialer dials addr for targets of the form addr#n so that every n gets
// its own connection.
func connDialer(log *zap.Logger) registry.Dialer {
	dial := registry.H2Dialer(h2.WithLogger(log), h2.WithUserAgent(consts.UserAgent+" bench"))
	return func(ctx context.Context, target string) (transport.ClientTransport, error) {
		addr, _, _ := strings.Cut(target, "#")
		return dial(ctx, addr)
	}
}

func benchCall(ctx context.Context, inv *client.Invoker, desc *call.MethodDescriptor, payload []byte) {
	c, err := inv.StartCall(ctx, desc)
	if err != nil {
		return
	}
	if err := c.WriteMsg(payload); err == nil {
		_ = c.CloseSend()
	}
	for {
		// ReadMsg возвращает ошибку только после io.EOF или завершения вызова
		if _, err := c.ReadMsg(); err != nil {
			break
		}
	}
	<-c.Done()
}

func memStats(log *zap.Logger) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	log.Info(
		"memory stats",
		zap.Uint64("Alloc (MiB)", bToMb(m.Alloc)),
		zap.Uint64("TotalAlloc (MiB)", bToMb(m.TotalAlloc)),
		zap.Uint64("Sys (MiB)", bToMb(m.Sys)),
		zap.Uint64("HeapInuse (MiB)", bToMb(m.HeapInuse)),
		zap.Uint32("NumGC (count)", m.NumGC),
	)
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}
