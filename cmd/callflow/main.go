package main

import (
	"context"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof" //nolint:gosec
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	mangokong "github.com/alecthomas/mango-kong"
	"go.uber.org/zap"
)

type VerboseFlag bool

func (v VerboseFlag) AfterApply(kongCtx *kong.Context) error {
	if !v {
		return nil
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	kongCtx.Bind(log)
	return nil
}

type DebugAddrFlag string

func (a DebugAddrFlag) AfterApply() error {
	if a == "" {
		return nil
	}
	go func() {
		http.ListenAndServe(string(a), nil) //nolint:errcheck,gosec
	}()
	return nil
}

var CLI struct {
	Serve     ServeCommand      `cmd:"" help:"Serve the Math service over HTTP/2."`
	Call      CallCommand       `cmd:"" help:"Make one call and print the responses as JSON."`
	Bench     BenchCommand      `cmd:"" help:"Generate load and report codes and response times."`
	Man       mangokong.ManFlag `help:"Write man page." hidden:""`
	Verbose   VerboseFlag       `help:"Verbose output."`
	DebugAddr DebugAddrFlag     `help:"Address of the pprof debug server." placeholder:":8081"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(
		&CLI,
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.BindTo(io.Writer(os.Stdout), (*io.Writer)(nil)),
		kong.Bind(zap.NewNop()),
		kong.Bind(DurationLimit{Duration: math.MaxInt64}),
		kong.Groups(map[string]string{
			"reflection": `Reflection flags:`,
			"rps":        `Rate flags:`,
		}),
		kong.ConfigureHelp(kong.HelpOptions{
			Tree:    true,
			Compact: true,
		}),
		kong.Description(`gRPC calls over HTTP/2 from the command line

callflow serves the Math example service, makes single calls with JSON requests and responses, and generates load.
		`),
	)
	err := kongCtx.Run()
	kongCtx.FatalIfErrorf(err)
}
