// Command kflash builds and flashes Klipper/Kalico firmware onto the MCUs
// registered on this host.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"kalico-flash/config"
	"kalico-flash/internal/logger"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

const usage = `Usage: kflash [-config path] <command> [flags]

Commands:
  flash <key> [-yes]                  build and flash one device
  flash-all [-yes] [-outdated-only]   flash every eligible device
  list [-json]                        show registered devices and their status
  serve                               run the read-only status API
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("kflash", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", config.DefaultPath(), "path to kflash.yaml")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitFailure
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitFailure
	}
	if os.Geteuid() == 0 {
		fmt.Fprintln(stderr, "kflash must not run as root; it uses sudo only for service control")
		return exitFailure
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration from %s: %v\n", *configPath, err)
		return exitFailure
	}
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintf(stderr, "invalid log configuration: %v\n", err)
		return exitFailure
	}
	log := logger.GetLogger()
	log.Debug().Str("config", *configPath).Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := newApp(cfg, stdout, stderr, log)
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	var ok bool
	switch cmd {
	case "flash":
		ok, err = a.flash(ctx, rest)
	case "flash-all":
		ok, err = a.flashAll(ctx, rest)
	case "list":
		ok, err = a.list(ctx, rest)
	case "serve":
		ok, err = a.serve(ctx, rest)
	case "help":
		fs.Usage()
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		fs.Usage()
		return exitFailure
	}

	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
	}
	switch {
	case ctx.Err() != nil && cmd != "serve":
		return exitInterrupted
	case err != nil || !ok:
		return exitFailure
	}
	return exitOK
}
