package api

import (
	"context"

	"github.com/rs/zerolog"

	"kalico-flash/internal/safety"
	"kalico-flash/internal/status"
)

// Lister produces the device status listing.
type Lister interface {
	List(ctx context.Context) (*status.Listing, error)
}

// Gate evaluates whether flashing would be safe right now.
type Gate interface {
	Check(ctx context.Context) safety.Verdict
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	lister Lister
	gate   Gate
	log    zerolog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(lister Lister, gate Gate, log zerolog.Logger) *Handler {
	return &Handler{
		lister: lister,
		gate:   gate,
		log:    log,
	}
}
