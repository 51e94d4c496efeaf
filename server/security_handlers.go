package main

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rewardtunnel/tunneld/pkg/tunnel"
)

func (s *Server) registerSecurityRoutes(r *gin.Engine) {
	r.POST("/v1/security/challenge", s.handleIssueChallenge)
	r.POST("/v1/security/verify", s.handleVerifyChallenge)

	admin := r.Group("/v1/security/admin", s.requireAdmin)
	admin.GET("/status", s.handleSecurityStatus)
	admin.GET("/devices", s.handleListDevices)
	admin.POST("/unblock", s.handleUnblock)
}

func (s *Server) requireAdmin(c *gin.Context) {
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	token := strings.TrimPrefix(authz, "Bearer ")
	if s.cfg.Server.AdminToken == "" || !secureCompare(token, s.cfg.Server.AdminToken) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid bearer token"})
		return
	}
	c.Next()
}

func (s *Server) handleIssueChallenge(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.DeviceID == "" {
		respondError(c, http.StatusBadRequest, "device_id is required", s.logger)
		return
	}
	if !tunnel.ValidDeviceID(req.DeviceID) {
		respondError(c, http.StatusBadRequest, "invalid device_id format", s.logger)
		return
	}

	if s.guard.IsBlocked(c.Request.Context(), c.ClientIP(), req.DeviceID) {
		respondRejection(c, reject(tunnel.KindBlocked, "subject is blocked"), 0, s.logger)
		return
	}

	challenge, err := s.guard.IssueChallenge(req.DeviceID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to create challenge", s.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"challenge":  challenge.Challenge,
		"expires_at": challenge.ExpiresAt.UnixMilli(),
		"difficulty": challenge.Difficulty,
	})
}

func (s *Server) handleVerifyChallenge(c *gin.Context) {
	var req struct {
		DeviceID  string `json:"device_id"`
		Challenge string `json:"challenge"`
		Solution  string `json:"solution"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.DeviceID == "" || req.Challenge == "" || req.Solution == "" {
		respondError(c, http.StatusBadRequest, "device_id, challenge and solution are required", s.logger)
		return
	}

	if rej := s.guard.VerifyChallenge(req.DeviceID, req.Challenge, req.Solution); rej != nil {
		s.guard.RecordViolation(c.Request.Context(), c.ClientIP(), req.DeviceID, string(rej.Kind), rej.Message)
		respondRejection(c, rej, 0, s.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (s *Server) handleSecurityStatus(c *gin.Context) {
	stats, err := s.guard.Stats()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load stats", s.logger)
		return
	}
	nonces, err := s.nonces.Count()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load stats", s.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"guard":        stats,
		"nonce_ledger": nonces,
		"rate_limiter": s.limiter.Stats(),
		"routes":       s.router.Paths(),
	})
}

func (s *Server) handleListDevices(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		respondError(c, http.StatusBadRequest, "invalid limit", s.logger)
		return
	}

	devices, err := s.registry.ListDevices(limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list devices", s.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *Server) handleUnblock(c *gin.Context) {
	var req struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Type == "" || req.Value == "" {
		respondError(c, http.StatusBadRequest, "type and value are required", s.logger)
		return
	}

	removed, err := s.guard.Unblock(c.Request.Context(), req.Type, req.Value)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	message := "not found in blocklist"
	if removed {
		message = "unblocked successfully"
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": message})
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
