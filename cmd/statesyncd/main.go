package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/jilio/statesync/internal/telemetry"
)

const serviceName = "statesyncd"

const LocalVersion = "0.0.0-local"

func main() {
	usage := fmt.Sprintf(
		`Statesync daemon.

Runs the primary holding the authoritative counter state, or a replica
mirroring it over a websocket. Settings are read from STATESYNC_* environment
variables; flags take precedence.

The default urls are:
    addr: %s
    url: %s

Usage:
    statesyncd primary [--addr=<addr>] [--codec=<codec>] [--tick=<tick>] [--v=<level>]
    statesyncd replica --owner=<owner> [--url=<url>] [--codec=<codec>]
        [--filter=<filter>] [--async] [--add=<amount>] [--every=<every>] [--v=<level>]
    statesyncd -h | --help
    statesyncd --version

Options:
    -h --help             Show this screen.
    --version             Show version.
    --addr=<addr>         Primary listen address.
    --url=<url>           Primary base url.
    --codec=<codec>       Wire codec, json or proto.
    --tick=<tick>         Interval between clock ticks on the primary, 0 disables them.
    --owner=<owner>       Window id owning the replica.
    --filter=<filter>     JSON filter, e.g. true, {"counter":true} or "counter-only".
    --async               Wait for the primary instead of applying actions locally.
    --add=<amount>        Amount added to the counter on every interval.
    --every=<every>       Interval between additions [default: 1s].
    --v=<level>           Log verbosity [default: 0].`,
		defaultAddr,
		defaultURL,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		exitf("%s", err)
	}
	if err := cfg.apply(opts); err != nil {
		exitf("%s", err)
	}

	setupGlog(opts)
	defer glog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, serviceName, cfg.Telemetry)
	if err != nil {
		exitf("telemetry: %s", err)
	}
	defer shutdown(context.Background())

	if primary_, _ := opts.Bool("primary"); primary_ {
		err = runPrimary(ctx, cfg)
	} else if replica_, _ := opts.Bool("replica"); replica_ {
		err = runReplica(ctx, cfg, opts)
	}
	if err != nil && ctx.Err() == nil {
		glog.Errorf("[statesyncd]%s\n", err)
		glog.Flush()
		os.Exit(1)
	}
}

// glog reads its settings from the standard flag set, which docopt bypasses.
func setupGlog(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	if level, err := opts.String("--v"); err == nil {
		flag.Set("v", level)
	}
	flag.CommandLine.Parse([]string{})
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func RequireVersion() string {
	if version := os.Getenv("STATESYNC_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
