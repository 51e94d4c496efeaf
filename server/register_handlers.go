package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rewardtunnel/tunneld/pkg/tunnel"
)

func (s *Server) registerDeviceRoutes(r *gin.Engine) {
	r.POST("/v1/device/register", s.handleDeviceRegister)
}

// handleDeviceRegister syncs a device's shared secret. First registration,
// idempotent re-hit, and reinstall key overwrite all answer with the same
// success shape; only the message differs.
func (s *Server) handleDeviceRegister(c *gin.Context) {
	var req tunnel.RegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "malformed registration payload", s.logger)
		return
	}

	missing := ""
	switch {
	case req.DeviceID == "":
		missing = "device_id"
	case req.DeviceKey == "":
		missing = "device_key"
	case req.DeviceFingerprint == "":
		missing = "device_fingerprint"
	case req.AppHash == "":
		missing = "app_hash"
	}
	if missing != "" {
		respondError(c, http.StatusBadRequest, "missing field: "+missing, s.logger)
		return
	}
	// Same format gate as the challenge endpoint: a device that registers
	// here must be able to pass every other identity check later.
	if len(req.DeviceID) < s.cfg.Tunnel.MinDeviceIDLen || !tunnel.ValidDeviceID(req.DeviceID) {
		respondError(c, http.StatusBadRequest, "invalid device_id", s.logger)
		return
	}

	if s.guard.IsBlocked(c.Request.Context(), c.ClientIP(), req.DeviceID) {
		respondRejection(c, reject(tunnel.KindBlocked, "subject is blocked"), 0, s.logger)
		return
	}

	resp, err := s.registry.Register(&req)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "registration failed", s.logger)
		return
	}

	logger := requestLogger(c, s.logger)
	logger.Info().
		Str("device_id", req.DeviceID).
		Str("outcome", resp.Message).
		Msg("Device registration")

	c.JSON(http.StatusOK, resp)
}
