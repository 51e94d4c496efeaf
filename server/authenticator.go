package main

import (
	"errors"

	"gorm.io/gorm"

	"github.com/rewardtunnel/tunneld/pkg/config"
	"github.com/rewardtunnel/tunneld/pkg/tunnel"
)

// AuthResult is what a request that survived every gate gets back: the
// window's ephemeral key for envelope work plus the device record. The raw
// shared secret never leaves this package's callers.
type AuthResult struct {
	Device       *DeviceKey
	EphemeralKey []byte
	KeyWindow    int64
}

// Rejection is a terminal authentication failure. Kind is the stable wire
// code; Message is safe to surface.
type Rejection struct {
	Kind    tunnel.ErrorKind
	Message string
}

func (r *Rejection) Error() string {
	return string(r.Kind) + ": " + r.Message
}

func reject(kind tunnel.ErrorKind, msg string) *Rejection {
	return &Rejection{Kind: kind, Message: msg}
}

// Authenticator turns a raw tunnel request into an authenticated session key
// or a rejection. Checks are ordered cheapest first and every failure is
// terminal; the only state committed on success is the nonce ledger entry and
// a best-effort usage touch.
type Authenticator struct {
	registry *DeviceRegistry
	nonces   *NonceStore
	clock    tunnel.Clock
	cfg      config.TunnelConfig
}

func NewAuthenticator(registry *DeviceRegistry, nonces *NonceStore, clock tunnel.Clock, cfg config.TunnelConfig) *Authenticator {
	return &Authenticator{registry: registry, nonces: nonces, clock: clock, cfg: cfg}
}

// Authenticate runs the full gate sequence on req.
func (a *Authenticator) Authenticate(req *tunnel.Request) (*AuthResult, *Rejection) {
	// Structural checks run before any store or crypto work.
	if kind, field := req.Validate(a.cfg.MinDeviceIDLen); kind != "" {
		return nil, reject(kind, "invalid request field: "+field)
	}

	now := a.clock.NowMillis()
	if !tunnel.IsFresh(req.Timestamp, now, a.cfg.MaxSkewMillis) {
		return nil, reject(tunnel.KindTimestampExpired, "request timestamp outside freshness window")
	}

	serverWindow := tunnel.WindowIndex(now, a.cfg.WindowMillis)
	declaredWindow := req.KeyWindow
	if diff := serverWindow - declaredWindow; diff > a.cfg.WindowTolerance || diff < -a.cfg.WindowTolerance {
		return nil, reject(tunnel.KindTimestampExpired, "declared key window outside tolerance")
	}

	device, err := a.registry.Lookup(req.DeviceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, reject(tunnel.KindDeviceNotFound, "device not registered")
		}
		return nil, reject(tunnel.KindHandlerError, "device lookup failed")
	}
	if device.IsBlocked {
		return nil, reject(tunnel.KindBlocked, "device is blocked")
	}

	secret := []byte(device.DeviceKey)

	// Fast-path consistency check on the declared rotating key before the
	// signature. The match also pins which neighbouring window the client
	// actually derived from.
	offset, ok := tunnel.MatchRotatingKey(secret, req.RotatingKey, declaredWindow, a.cfg.WindowTolerance)
	if !ok {
		return nil, reject(tunnel.KindSignatureInvalid, "rotating key mismatch")
	}
	window := declaredWindow + offset

	key, err := tunnel.DeriveKey(secret, window)
	if err != nil {
		return nil, reject(tunnel.KindHandlerError, "key derivation failed")
	}

	if !tunnel.VerifySignature(key, req.DeviceID, req.Timestamp, req.Nonce, req.EncryptedData, req.Signature) {
		return nil, reject(tunnel.KindSignatureInvalid, "request signature invalid")
	}

	// The one correctness-critical write: atomic insert-or-fail.
	if err := a.nonces.CheckAndStore(req.DeviceID, req.Nonce, window); err != nil {
		if errors.Is(err, ErrNonceReused) {
			return nil, reject(tunnel.KindNonceReused, "nonce already used")
		}
		return nil, reject(tunnel.KindHandlerError, "nonce ledger unavailable")
	}

	a.registry.Touch(req.DeviceID)

	return &AuthResult{Device: device, EphemeralKey: key, KeyWindow: window}, nil
}

// ResponseKey derives the key for sealing a response at tsMillis, which may
// fall in a later window than the request.
func (a *Authenticator) ResponseKey(device *DeviceKey, tsMillis int64) ([]byte, error) {
	window := tunnel.WindowIndex(tsMillis, a.cfg.WindowMillis)
	return tunnel.DeriveKey([]byte(device.DeviceKey), window)
}
