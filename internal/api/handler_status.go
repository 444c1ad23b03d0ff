package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"kalico-flash/internal/safety"
)

// GetDevices handles GET /api/devices.
func (h *Handler) GetDevices(c *gin.Context) {
	listing, err := h.lister.List(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Device listing failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
		return
	}
	c.JSON(http.StatusOK, listing)
}

// GetDevice handles GET /api/devices/:key.
func (h *Handler) GetDevice(c *gin.Context) {
	listing, err := h.lister.List(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Device listing failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
		return
	}
	key := c.Param("key")
	for _, row := range listing.Devices {
		if row.Key == key {
			c.JSON(http.StatusOK, row)
			return
		}
	}
	c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "device not registered"})
}

// printerResponse pairs the gate decision with whether a flash would
// proceed without asking.
type printerResponse struct {
	safety.Verdict
	SafeToFlash bool `json:"safeToFlash"`
}

// GetPrinter handles GET /api/printer. An unreachable Moonraker is still
// a 200: the verdict itself says so.
func (h *Handler) GetPrinter(c *gin.Context) {
	v := h.gate.Check(c.Request.Context())
	c.JSON(http.StatusOK, printerResponse{Verdict: v, SafeToFlash: v.Decision == safety.Allow})
}

// GetHealth handles GET /api/healthz.
func (h *Handler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
