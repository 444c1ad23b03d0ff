package service

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"kalico-flash/internal/flasherr"
)

// Outcome summarises what a hold did to the service.
type Outcome struct {
	WasActive  bool
	Restarted  bool
	RestartErr error
}

// Degraded reports a service left down after the hold was released.
func (o Outcome) Degraded() bool {
	return o.WasActive && !o.Restarted
}

// Hold keeps the service stopped until Release. Release must be deferred
// immediately after Acquire succeeds; it restarts the service even when the
// caller's context is already cancelled.
type Hold struct {
	ctrl    Controller
	log     zerolog.Logger
	once    sync.Once
	outcome Outcome
}

// Acquire stops the service if it is running. If the running state cannot
// be determined it is treated as running.
func Acquire(ctx context.Context, ctrl Controller, log zerolog.Logger) (*Hold, error) {
	h := &Hold{ctrl: ctrl, log: log.With().Str("component", "service").Str("unit", ctrl.Name()).Logger()}

	active, err := ctrl.IsActive(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("Could not determine service state; assuming active")
	}
	h.outcome.WasActive = active
	if !active {
		h.log.Info().Msg("Service not running; nothing to stop")
		return h, nil
	}

	if err := ctrl.Stop(ctx); err != nil {
		h.log.Error().Err(err).Msg("Failed to stop service")
		if still, _ := ctrl.IsActive(context.WithoutCancel(ctx)); !still {
			h.Release(ctx)
		}
		return nil, err
	}
	h.log.Info().Msg("Service stopped")
	return h, nil
}

// Release restarts the service if it was running before Acquire. It is
// safe to call more than once; only the first call acts.
func (h *Hold) Release(ctx context.Context) Outcome {
	h.once.Do(func() {
		if !h.outcome.WasActive {
			return
		}
		if err := h.ctrl.Start(context.WithoutCancel(ctx)); err != nil {
			h.outcome.RestartErr = err
			h.log.Error().Err(err).Msg("Service restart failed; host left without the service running")
			return
		}
		h.outcome.Restarted = true
		h.log.Info().Msg("Service restarted")
	})
	return h.outcome
}

// Outcome returns the current state without acting.
func (h *Hold) Outcome() Outcome {
	return h.outcome
}

// Held reports whether the service is currently stopped by this hold.
func (h *Hold) Held() bool {
	return h.outcome.WasActive && !h.outcome.Restarted && h.outcome.RestartErr == nil
}

// Err returns the restart failure as a ServiceControlFailed error.
func (o Outcome) Err() error {
	if o.RestartErr == nil {
		return nil
	}
	if flasherr.Is(o.RestartErr, flasherr.ServiceControlFailed) {
		return o.RestartErr
	}
	return flasherr.Wrap(o.RestartErr, flasherr.ServiceControlFailed, phase, "restart")
}
