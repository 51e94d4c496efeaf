package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rewardtunnel/tunneld/pkg/dispatch"
	"github.com/rewardtunnel/tunneld/pkg/tunnel"
)

func (s *Server) registerTunnelRoutes(r *gin.Engine) {
	r.POST("/v1/tunnel", s.handleTunnel)
}

// handleTunnel is the single entry point for encrypted client traffic:
// gate → authenticate → decrypt → dispatch → encrypt. Pre-authentication
// failures answer in plain JSON; anything after a valid signature answers
// inside an encrypted envelope.
func (s *Server) handleTunnel(c *gin.Context) {
	logger := requestLogger(c, s.logger)
	ctx := c.Request.Context()

	if c.GetHeader(tunnel.MarkerHeader) != "true" {
		respondRejection(c, reject(tunnel.KindInvalidFormat, "not a tunnel request"), 0, s.logger)
		return
	}

	var req tunnel.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondRejection(c, reject(tunnel.KindInvalidFormat, "malformed tunnel payload"), 0, s.logger)
		return
	}

	ip := c.ClientIP()

	if !s.limiter.Allow(ip) {
		respondError(c, http.StatusTooManyRequests, "rate limit exceeded", s.logger)
		return
	}

	// Blocklist check precedes every registry lookup and all crypto work.
	if s.guard.IsBlocked(ctx, ip, req.DeviceID) {
		respondRejection(c, reject(tunnel.KindBlocked, "subject is blocked"), 0, s.logger)
		return
	}

	auth, rej := s.auth.Authenticate(&req)
	if rej != nil {
		if rej.Kind.Suspicious() {
			s.guard.RecordViolation(ctx, ip, req.DeviceID, string(rej.Kind), rej.Message)
		}
		respondRejection(c, rej, s.clock.NowMillis(), s.logger)
		return
	}

	plaintext, err := tunnel.Open(auth.EphemeralKey, req.EncryptedData, req.Timestamp)
	if err != nil {
		s.guard.RecordViolation(ctx, ip, req.DeviceID, string(tunnel.KindDecryptError), "envelope open failed")
		s.respondSealed(c, auth, reject(tunnel.KindDecryptError, "payload decryption failed"), nil)
		return
	}

	var desc dispatch.Request
	if err := json.Unmarshal(plaintext, &desc); err != nil {
		s.guard.RecordViolation(ctx, ip, req.DeviceID, string(tunnel.KindInvalidFormat), "bad descriptor")
		s.respondSealed(c, auth, reject(tunnel.KindInvalidFormat, "malformed request descriptor"), nil)
		return
	}
	if desc.Headers == nil {
		desc.Headers = make(map[string]string)
	}
	desc.Headers["X-Device-Fingerprint"] = req.DeviceFingerprint
	desc.Headers["X-App-Hash"] = req.AppHash
	desc.Headers["X-Device-ID"] = req.DeviceID

	invokeCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.Server.RequestDeadline)*time.Second)
	defer cancel()

	result, err := s.router.Invoke(invokeCtx, desc)
	if err != nil {
		var handlerErr *dispatch.HandlerError
		switch {
		case errors.Is(err, dispatch.ErrNotFound):
			s.guard.RecordViolation(ctx, ip, req.DeviceID, string(tunnel.KindHandlerNotFound), desc.Path)
			s.respondSealed(c, auth, reject(tunnel.KindHandlerNotFound, "unknown virtual path"), nil)
		case errors.As(err, &handlerErr):
			// Full detail stays server-side; the client sees a generic code.
			logger.Error().Str("virtual_path", desc.Path).Str("detail", handlerErr.Message).Msg("Handler failed")
			s.respondSealed(c, auth, reject(tunnel.KindHandlerError, "handler failed"), nil)
		default:
			logger.Error().Err(err).Str("virtual_path", desc.Path).Msg("Dispatch failed")
			s.respondSealed(c, auth, reject(tunnel.KindHandlerError, "handler failed"), nil)
		}
		return
	}

	body, err := json.Marshal(result)
	if err != nil {
		logger.Error().Err(err).Str("virtual_path", desc.Path).Msg("Handler result not serializable")
		s.respondSealed(c, auth, reject(tunnel.KindHandlerError, "handler failed"), nil)
		return
	}

	s.respondSealed(c, auth, nil, body)
}

// respondSealed encrypts either a success body or a post-authentication
// rejection with the key of the window the response timestamp falls in. The
// response timestamp is always fresh, never the request's, so repeated
// identical requests produce distinct envelopes.
func (s *Server) respondSealed(c *gin.Context, auth *AuthResult, rej *Rejection, body []byte) {
	respTs := s.clock.NowMillis()

	status := http.StatusOK
	outcome := "success"
	if rej != nil {
		status = rej.Kind.HTTPStatus()
		outcome = "error"
		errBody, err := json.Marshal(tunnel.ErrorBody{Error: rej.Message, Code: rej.Kind})
		if err != nil {
			respondError(c, http.StatusInternalServerError, "internal error", s.logger)
			return
		}
		body = errBody
		logRejection(c, status, rej, s.logger)
	}

	key, err := s.auth.ResponseKey(auth.Device, respTs)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal error", s.logger)
		return
	}
	envelope, err := tunnel.Seal(key, body, respTs)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal error", s.logger)
		return
	}

	c.JSON(status, tunnel.Response{
		EncryptedResponse: envelope,
		Timestamp:         respTs,
		Status:            outcome,
	})
}
