// Package service controls the host firmware service through systemctl and
// provides a hold that restarts it on every exit path.
package service

//go:generate mockgen -destination=mock_service.go -package=service kalico-flash/internal/service Controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"kalico-flash/internal/flasherr"
	"kalico-flash/internal/runner"
)

const (
	statusTimeout = 5 * time.Second
	phase         = "service"
)

// Controller starts, stops and queries one named service.
type Controller interface {
	Name() string
	IsActive(ctx context.Context) (bool, error)
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// Systemctl drives a systemd unit, optionally through sudo -n.
type Systemctl struct {
	name    string
	useSudo bool
	timeout time.Duration
	run     runner.Runner
	log     zerolog.Logger
}

// NewSystemctl creates a controller for the named unit.
func NewSystemctl(name string, useSudo bool, timeout time.Duration, run runner.Runner, log zerolog.Logger) *Systemctl {
	return &Systemctl{
		name:    name,
		useSudo: useSudo,
		timeout: timeout,
		run:     run,
		log:     log.With().Str("component", "service").Str("unit", name).Logger(),
	}
}

func (s *Systemctl) Name() string { return s.name }

// IsActive runs systemctl is-active. When the state cannot be determined it
// reports active alongside the error so callers restart rather than strand
// the service.
func (s *Systemctl) IsActive(ctx context.Context) (bool, error) {
	res, err := s.run.Run(ctx, runner.Command{
		Name:    "systemctl",
		Args:    []string{"is-active", s.name},
		Timeout: statusTimeout,
	})
	if err != nil {
		return true, fmt.Errorf("failed to query %s state: %w", s.name, err)
	}
	return strings.TrimSpace(res.Output) == "active", nil
}

// Status returns the raw is-active word, or "unknown".
func (s *Systemctl) Status(ctx context.Context) string {
	res, err := s.run.Run(ctx, runner.Command{
		Name:    "systemctl",
		Args:    []string{"is-active", s.name},
		Timeout: statusTimeout,
	})
	status := strings.TrimSpace(res.Output)
	if err != nil || status == "" {
		return "unknown"
	}
	return status
}

func (s *Systemctl) Stop(ctx context.Context) error {
	return s.control(ctx, "stop")
}

func (s *Systemctl) Start(ctx context.Context) error {
	return s.control(ctx, "start")
}

func (s *Systemctl) control(ctx context.Context, verb string) error {
	cmd := runner.Command{Name: "systemctl", Args: []string{verb, s.name}, Timeout: s.timeout}
	if s.useSudo {
		cmd = runner.Command{Name: "sudo", Args: append([]string{"-n", "systemctl"}, cmd.Args...), Timeout: s.timeout}
	}

	s.log.Info().Str("action", verb).Msg("Changing service state")
	res, err := s.run.Run(ctx, cmd)
	if err != nil {
		return flasherr.Wrap(err, flasherr.ServiceControlFailed, phase, fmt.Sprintf("%s %s", verb, s.name)).WithOutput(res.Output)
	}
	if !res.OK() {
		return flasherr.Newf(flasherr.ServiceControlFailed, phase, "%s %s exited %d", verb, s.name, res.ExitCode).WithOutput(res.Output)
	}
	return nil
}

// PasswordlessSudo reports whether sudo -n works without a prompt.
func PasswordlessSudo(ctx context.Context, run runner.Runner) bool {
	res, err := run.Run(ctx, runner.Command{Name: "sudo", Args: []string{"-n", "true"}, Timeout: statusTimeout})
	return err == nil && res.OK()
}
