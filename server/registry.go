package main

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/rewardtunnel/tunneld/pkg/tunnel"
)

// Registration outcome messages. The wire response is identical across the
// three paths; only the message differs.
const (
	msgRegistered        = "Device registered successfully"
	msgAlreadyRegistered = "Device already registered"
	msgKeyUpdated        = "Device key updated"
)

// DeviceRegistry owns the device secret lifecycle.
type DeviceRegistry struct {
	db *gorm.DB
}

func NewDeviceRegistry(db *gorm.DB) *DeviceRegistry {
	return &DeviceRegistry{db: db}
}

// Register creates or refreshes a device record. A matching secret is an
// idempotent re-hit; a differing secret is treated as a reinstall and
// overwritten without error. A reinstall is indistinguishable from secret
// theft here; the guard's blocklists carry that risk.
func (r *DeviceRegistry) Register(req *tunnel.RegistrationRequest) (*tunnel.RegistrationResponse, error) {
	now := time.Now().UTC()
	info := "{}"
	if req.DeviceInfo != nil {
		if data, err := json.Marshal(req.DeviceInfo); err == nil {
			info = string(data)
		}
	}

	var existing DeviceKey
	err := r.db.Where("device_id = ?", req.DeviceID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		record := DeviceKey{
			DeviceID:          req.DeviceID,
			DeviceKey:         req.DeviceKey,
			DeviceFingerprint: req.DeviceFingerprint,
			AppHash:           req.AppHash,
			DeviceInfo:        info,
			CreatedAt:         now,
			LastSeen:          now,
			RequestCount:      1,
		}
		if err := r.db.Create(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// Lost a create race; the concurrent registration wins and
				// this call degrades to the update path.
				return r.Register(req)
			}
			return nil, err
		}
		return registrationOK(req.DeviceID, msgRegistered), nil

	case err != nil:
		return nil, err
	}

	if existing.DeviceKey == req.DeviceKey {
		r.Touch(req.DeviceID)
		return registrationOK(req.DeviceID, msgAlreadyRegistered), nil
	}

	// Reinstall: overwrite secret and identity material, stamp the update.
	updates := map[string]any{
		"device_key":         req.DeviceKey,
		"device_fingerprint": req.DeviceFingerprint,
		"app_hash":           req.AppHash,
		"device_info":        info,
		"last_seen":          now,
		"key_updated_at":     now,
	}
	if err := r.db.Model(&DeviceKey{}).Where("device_id = ?", req.DeviceID).Updates(updates).Error; err != nil {
		return nil, err
	}
	log.Info().Str("device_id", req.DeviceID).Msg("Device key overwritten on re-registration")
	return registrationOK(req.DeviceID, msgKeyUpdated), nil
}

// Lookup fetches the current record straight from the store. No caching:
// the authenticator must always see the most recently committed secret.
func (r *DeviceRegistry) Lookup(deviceID string) (*DeviceKey, error) {
	var record DeviceKey
	if err := r.db.Where("device_id = ?", deviceID).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// DeviceSummary is the admin-facing view of a device record. The shared
// secret never leaves the registry.
type DeviceSummary struct {
	DeviceID          string     `json:"device_id"`
	DeviceFingerprint string     `json:"device_fingerprint"`
	AppHash           string     `json:"app_hash"`
	CreatedAt         time.Time  `json:"created_at"`
	LastSeen          time.Time  `json:"last_seen"`
	KeyUpdatedAt      *time.Time `json:"key_updated_at,omitempty"`
	RequestCount      int64      `json:"request_count"`
	IsBlocked         bool       `json:"is_blocked"`
}

const maxDeviceListLimit = 1000

// ListDevices returns summaries ordered by most recent activity.
func (r *DeviceRegistry) ListDevices(limit int) ([]DeviceSummary, error) {
	if limit <= 0 || limit > maxDeviceListLimit {
		limit = maxDeviceListLimit
	}

	var records []DeviceKey
	if err := r.db.Order("last_seen DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}

	out := make([]DeviceSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, DeviceSummary{
			DeviceID:          rec.DeviceID,
			DeviceFingerprint: rec.DeviceFingerprint,
			AppHash:           rec.AppHash,
			CreatedAt:         rec.CreatedAt,
			LastSeen:          rec.LastSeen,
			KeyUpdatedAt:      rec.KeyUpdatedAt,
			RequestCount:      rec.RequestCount,
			IsBlocked:         rec.IsBlocked,
		})
	}
	return out, nil
}

// Touch bumps usage counters. Best effort; failures are logged and never
// surfaced to the caller.
func (r *DeviceRegistry) Touch(deviceID string) {
	err := r.db.Model(&DeviceKey{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]any{
			"last_seen":     time.Now().UTC(),
			"request_count": gorm.Expr("request_count + 1"),
		}).Error
	if err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("Failed updating device last seen")
	}
}

func registrationOK(deviceID, message string) *tunnel.RegistrationResponse {
	return &tunnel.RegistrationResponse{
		Status:   "success",
		Message:  message,
		DeviceID: deviceID,
		KeyValid: true,
	}
}
