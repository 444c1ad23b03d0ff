// Package build compiles firmware in the Klipper/Kalico source tree under
// a hard deadline, optionally through ccache.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"

	"kalico-flash/internal/flasherr"
	"kalico-flash/internal/runner"
)

// SuspiciousSize is the artifact size below which a warning is raised.
const SuspiciousSize = 16 * 1024

// DefaultTimeout bounds clean plus compile.
const DefaultTimeout = 300 * time.Second

// Request describes one build.
type Request struct {
	KlipperDir string
	Accelerate bool
	Timeout    time.Duration
	Stream     io.Writer
}

// Outcome is a successful build.
type Outcome struct {
	Firmware    string        `json:"firmware"`
	Size        int64         `json:"size"`
	Duration    time.Duration `json:"duration"`
	Output      string        `json:"-"`
	Accelerated bool          `json:"accelerated"`
	Stats       *Stats        `json:"ccache,omitempty"`
	Warnings    []string      `json:"warnings,omitempty"`
}

// Builder is what the orchestrator needs from the build engine.
type Builder interface {
	Preflight(klipperDir string) error
	Build(ctx context.Context, req Request) (*Outcome, error)
}

// Engine runs make in the source tree.
type Engine struct {
	run    runner.Runner
	ccache *Ccache
	jobs   int
	log    zerolog.Logger
}

// NewEngine creates an engine. ccache may be nil, in which case
// accelerated requests fail with AccelerationUnavailable.
func NewEngine(run runner.Runner, ccache *Ccache, log zerolog.Logger) *Engine {
	jobs, err := cpu.Counts(true)
	if err != nil || jobs < 1 {
		jobs = 1
	}
	return &Engine{run: run, ccache: ccache, jobs: jobs, log: log.With().Str("component", "build").Logger()}
}

// Jobs is the make -j value.
func (e *Engine) Jobs() int { return e.jobs }

// Preflight checks the source tree and toolchain. Every problem is
// reported at once.
func (e *Engine) Preflight(klipperDir string) error {
	var problems []string
	if st, err := os.Stat(klipperDir); err != nil || !st.IsDir() {
		problems = append(problems, fmt.Sprintf("Klipper directory not found: %s", klipperDir))
	} else if _, err := os.Stat(filepath.Join(klipperDir, "Makefile")); err != nil {
		problems = append(problems, fmt.Sprintf("Klipper Makefile not found in: %s", klipperDir))
	}
	if _, err := e.run.LookPath("make"); err != nil {
		problems = append(problems, "`make` not found in PATH")
	}
	if _, err := e.run.LookPath("arm-none-eabi-gcc"); err != nil {
		problems = append(problems, "`arm-none-eabi-gcc` not found in PATH (install: sudo apt install gcc-arm-none-eabi)")
	}
	if len(problems) > 0 {
		return flasherr.New(flasherr.PreflightFailed, "preflight", strings.Join(problems, "; "))
	}
	return nil
}

// Build runs make clean and make -jN. Both steps share req.Timeout; when
// it expires the process tree is killed and BuildTimeout is returned.
func (e *Engine) Build(ctx context.Context, req Request) (*Outcome, error) {
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	start := time.Now()
	deadline := start.Add(req.Timeout)
	out := &Outcome{}

	var env []string
	var before Stats
	var haveBefore bool
	if req.Accelerate {
		if e.ccache == nil {
			return nil, flasherr.New(flasherr.AccelerationUnavailable, "build", "ccache not configured")
		}
		var err error
		if env, err = e.ccache.Setup(ctx); err != nil {
			return nil, err
		}
		out.Accelerated = true
		before, haveBefore = e.ccache.Stats(ctx)
	}

	var output strings.Builder
	for _, args := range [][]string{{"clean"}, {"-j" + strconv.Itoa(e.jobs)}} {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, flasherr.Newf(flasherr.BuildTimeout, "build", "build exceeded %s", req.Timeout).WithOutput(output.String())
		}
		cmd := runner.Command{Name: "make", Args: args, Dir: req.KlipperDir, Env: env, Stream: req.Stream, Timeout: remaining}
		res, err := e.run.Run(ctx, cmd)
		output.WriteString(res.Output)
		switch {
		case errors.Is(err, runner.ErrTimeout):
			return nil, flasherr.Wrap(err, flasherr.BuildTimeout, "build", fmt.Sprintf("%s exceeded %s", cmd, req.Timeout)).WithOutput(output.String())
		case ctx.Err() != nil:
			return nil, flasherr.Wrap(ctx.Err(), flasherr.Cancelled, "build", "build interrupted")
		case err != nil:
			return nil, flasherr.Wrap(err, flasherr.BuildFailed, "build", cmd.String()).WithOutput(output.String())
		case !res.OK():
			return nil, flasherr.Newf(flasherr.BuildFailed, "build", "%s failed with exit code %d", cmd, res.ExitCode).WithOutput(output.String())
		}
	}
	out.Output = output.String()
	out.Duration = time.Since(start)

	firmware, size, err := Artifact(req.KlipperDir)
	if err != nil {
		return nil, err
	}
	out.Firmware, out.Size = firmware, size
	if size < SuspiciousSize {
		out.Warnings = append(out.Warnings, fmt.Sprintf("firmware file is unusually small (%d bytes): %s", size, firmware))
	}

	if out.Accelerated {
		if after, ok := e.ccache.Stats(ctx); ok {
			stats := after
			if haveBefore {
				stats = before.Delta(after)
			}
			out.Stats = &stats
		}
	}

	e.log.Info().Str("firmware", firmware).Int64("size", size).Dur("took", out.Duration).Bool("ccache", out.Accelerated).Msg("Build complete")
	return out, nil
}

// Artifact locates out/klipper.bin, else out/klipper.uf2. An empty file
// is a build failure.
func Artifact(klipperDir string) (string, int64, error) {
	for _, name := range []string{"klipper.bin", "klipper.uf2"} {
		p := filepath.Join(klipperDir, "out", name)
		st, err := os.Stat(p)
		if err != nil || st.IsDir() {
			continue
		}
		if st.Size() <= 0 {
			return "", 0, flasherr.Newf(flasherr.BuildFailed, "build", "firmware file is empty: %s", p)
		}
		return p, st.Size(), nil
	}
	return "", 0, flasherr.Newf(flasherr.BuildFailed, "build", "build succeeded but firmware not found in %s", filepath.Join(klipperDir, "out"))
}
