package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"kalico-flash/config"
	"kalico-flash/internal/api"
	"kalico-flash/internal/batch"
	"kalico-flash/internal/build"
	"kalico-flash/internal/configcache"
	"kalico-flash/internal/discovery"
	"kalico-flash/internal/flasher"
	"kalico-flash/internal/model"
	"kalico-flash/internal/moonraker"
	"kalico-flash/internal/orchestrator"
	"kalico-flash/internal/runner"
	"kalico-flash/internal/safety"
	"kalico-flash/internal/service"
	"kalico-flash/internal/status"
	"kalico-flash/internal/store"
	"kalico-flash/internal/ui"
)

// app wires the components for one invocation.
type app struct {
	cfg    *config.Config
	stdout io.Writer
	stderr io.Writer
	log    zerolog.Logger

	run       runner.Runner
	store     store.Store
	scanner   *discovery.Scanner
	moonraker *moonraker.Client
	gate      *safety.Gate
	service   *service.Systemctl
	configs   *configcache.Cache
}

func newApp(cfg *config.Config, stdout, stderr io.Writer, log zerolog.Logger) *app {
	run := runner.NewExecRunner(log)
	mr := moonraker.NewClient(cfg.Moonraker.URL, cfg.Moonraker.Timeout, cfg.Moonraker.CacheTTL, log)
	return &app{
		cfg:    cfg,
		stdout: stdout,
		stderr: stderr,
		log:    log,
		run:    run,
		store:  store.NewJSONStore(store.DefaultPath(), log),
		scanner: discovery.NewScanner(discovery.Options{
			SerialDir:    cfg.Paths.SerialDir,
			SysfsNet:     cfg.Paths.SysfsNet,
			PollInterval: cfg.Poll.Interval,
		}, run, log),
		moonraker: mr,
		gate:      safety.NewGate(mr, log),
		service:   service.NewSystemctl(cfg.Service.Name, *cfg.Service.UseSudo, cfg.Service.Timeout, run, log),
		configs:   configcache.New(configcache.DefaultRoot(), log),
	}
}

func (a *app) hostVersion(ctx context.Context, klipperDir string) (string, error) {
	return safety.HostVersion(ctx, a.run, klipperDir)
}

func (a *app) prompter(yes bool) orchestrator.Prompter {
	interactive := ui.Interactive(os.Stdin) && ui.Interactive(os.Stdout)
	switch {
	case yes && interactive:
		return &ui.AutoPrompter{Yes: true, Inner: ui.NewPrompter(os.Stdin, os.Stdout)}
	case yes:
		return &ui.AutoPrompter{Yes: true}
	case interactive:
		return ui.NewPrompter(os.Stdin, os.Stdout)
	}
	return &ui.AutoPrompter{}
}

// orchestrator builds the per-device engine against the registry's
// source-tree settings.
func (a *app) orchestrator(settings model.Settings, yes bool) *orchestrator.Orchestrator {
	t := a.cfg.Timeouts
	ccache := build.NewCcache(build.DefaultBinDir(), a.run, a.log)
	fl := flasher.New(flasher.Options{
		KlipperDir:  config.ExpandHome(settings.KlipperDir),
		KatapultDir: config.ExpandHome(settings.KatapultDir),
		Timeouts: flasher.Timeouts{
			BootloaderCommand: t.BootloaderCommand,
			Reenumeration:     t.Reenumeration,
			USBFlash:          t.USBFlash,
			CANFlash:          t.CANFlash,
			UF2Mount:          t.UF2Mount,
		},
		Settle: time.Duration(settings.StaggerDelay * float64(time.Second)),
		Poll:   a.cfg.Poll.Interval,
		Stream: a.stdout,
	}, a.run, a.scanner, a.log)

	return orchestrator.New(orchestrator.Deps{
		Store:       a.store,
		Gate:        a.gate,
		Locator:     a.scanner,
		Builder:     build.NewEngine(a.run, ccache, a.log),
		Ccache:      ccache,
		Flasher:     fl,
		Verifier:    a.scanner,
		CAN:         a.scanner,
		Configs:     a.configs,
		Service:     a.service,
		Versions:    a.moonraker,
		HostVersion: a.hostVersion,
		Prompter:    a.prompter(yes),
	}, orchestrator.Options{
		Timeouts:          t,
		CANVerifyInterval: a.cfg.Poll.CANVerifyInterval,
		BuildStream:       a.stdout,
	}, a.log)
}

func (a *app) flash(ctx context.Context, args []string) (bool, error) {
	fs := flag.NewFlagSet("flash", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	yes := fs.Bool("yes", false, "answer yes to confirmations")
	if err := fs.Parse(args); err != nil {
		return false, err
	}
	if fs.NArg() != 1 {
		return false, fmt.Errorf("usage: kflash flash <key> [-yes]")
	}

	reg, err := a.store.Load()
	if err != nil {
		return false, err
	}
	res := a.orchestrator(reg.Settings, *yes).Flash(ctx, fs.Arg(0))
	fmt.Fprint(a.stdout, ui.NewRenderer(a.stdout).Result(res))
	return res.OK(), nil
}

func (a *app) flashAll(ctx context.Context, args []string) (bool, error) {
	fs := flag.NewFlagSet("flash-all", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	yes := fs.Bool("yes", false, "answer yes to confirmations")
	outdated := fs.Bool("outdated-only", false, "skip devices already running the host version")
	if err := fs.Parse(args); err != nil {
		return false, err
	}

	reg, err := a.store.Load()
	if err != nil {
		return false, err
	}
	sched := batch.New(batch.Deps{
		Store:       a.store,
		Runner:      a.orchestrator(reg.Settings, *yes),
		Scanner:     a.scanner,
		CAN:         a.scanner,
		Toolchain:   build.NewEngine(a.run, nil, a.log),
		Configs:     a.configs,
		Service:     a.service,
		Versions:    a.moonraker,
		HostVersion: a.hostVersion,
	}, a.log)

	rep := sched.Run(ctx, batch.Options{OutdatedOnly: *outdated})
	fmt.Fprint(a.stdout, ui.NewRenderer(a.stdout).Report(rep))
	return rep.OK(), nil
}

func (a *app) lister() *status.Lister {
	return status.New(status.Deps{
		Store:       a.store,
		Scanner:     a.scanner,
		CAN:         a.scanner,
		Configs:     a.configs,
		Versions:    a.moonraker,
		Service:     a.service,
		HostVersion: a.hostVersion,
	}, a.log)
}

func (a *app) list(ctx context.Context, args []string) (bool, error) {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	asJSON := fs.Bool("json", false, "print the listing as JSON")
	if err := fs.Parse(args); err != nil {
		return false, err
	}

	listing, err := a.lister().List(ctx)
	if err != nil {
		return false, err
	}
	if *asJSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return true, enc.Encode(listing)
	}
	fmt.Fprint(a.stdout, ui.NewRenderer(a.stdout).Listing(listing))
	return true, nil
}

func (a *app) serve(ctx context.Context, args []string) (bool, error) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	addr := fs.String("addr", a.cfg.Server.Addr, "listen address")
	if err := fs.Parse(args); err != nil {
		return false, err
	}

	gin.SetMode(gin.ReleaseMode)
	h := api.NewHandler(a.lister(), a.gate, a.log)
	router := api.NewRouter(h, api.RouterOptions{
		RateLimit: a.cfg.Server.RateLimitPerSec,
		CacheTTL:  time.Duration(a.cfg.Server.CacheTTLSeconds) * time.Second,
	}, a.log)
	if err := api.Serve(ctx, *addr, router, a.log); err != nil {
		return false, err
	}
	return true, nil
}
