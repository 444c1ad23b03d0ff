// Package safety decides whether it is safe to touch printer MCUs and
// compares host and MCU firmware versions.
package safety

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"kalico-flash/internal/flasherr"
	"kalico-flash/internal/moonraker"
)

// Decision is the gate's verdict.
type Decision int

const (
	Allow Decision = iota
	Confirm
	Block
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Confirm:
		return "confirm"
	case Block:
		return "block"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// MarshalText renders the decision by name.
func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

var blockingStates = map[string]bool{
	"printing": true,
	"paused":   true,
	"startup":  true,
}

// Verdict is a gate decision with the state it was based on.
type Verdict struct {
	Decision    Decision               `json:"decision"`
	Reason      string                 `json:"reason,omitempty"`
	Reachable   bool                   `json:"reachable"`
	PrintStatus *moonraker.PrintStatus `json:"printStatus,omitempty"`
}

// Err converts a Block verdict into SafetyBlocked and an unreachable
// Confirm into SafetyUnreachable. Allow and reachable Confirm return nil.
func (v Verdict) Err() error {
	switch {
	case v.Decision == Block:
		return flasherr.New(flasherr.SafetyBlocked, "safety", v.Reason)
	case v.Decision == Confirm && !v.Reachable:
		return flasherr.New(flasherr.SafetyUnreachable, "safety", v.Reason)
	}
	return nil
}

// StatusSource is the part of Moonraker the gate needs.
type StatusSource interface {
	PrintStatus(ctx context.Context) (*moonraker.PrintStatus, error)
}

// Gate maps printer state to a Decision.
type Gate struct {
	src StatusSource
	log zerolog.Logger
}

// NewGate creates a gate over src.
func NewGate(src StatusSource, log zerolog.Logger) *Gate {
	return &Gate{src: src, log: log.With().Str("component", "safety").Logger()}
}

// Check queries the printer once. An unreachable Moonraker yields Confirm,
// never an error.
func (g *Gate) Check(ctx context.Context) Verdict {
	status, err := g.src.PrintStatus(ctx)
	if err != nil {
		g.log.Warn().Err(err).Msg("Moonraker unreachable; print state unknown")
		return Verdict{
			Decision: Confirm,
			Reason:   "Moonraker unreachable; print status and version check unavailable",
		}
	}

	v := Evaluate(status.State)
	v.Reachable = true
	v.PrintStatus = status
	if v.Decision == Block && status.Filename != "" {
		v.Reason = fmt.Sprintf("%s (%s, %.0f%%)", v.Reason, status.Filename, status.Progress*100)
	}
	g.log.Debug().Str("state", status.State).Stringer("decision", v.Decision).Msg("Safety gate evaluated")
	return v
}

// Evaluate maps a print_stats state to a decision.
func Evaluate(state string) Verdict {
	switch {
	case blockingStates[state]:
		return Verdict{Decision: Block, Reason: fmt.Sprintf("printer is %s", state)}
	case state == "error":
		return Verdict{Decision: Confirm, Reason: "printer reports an error state"}
	}
	return Verdict{Decision: Allow}
}
