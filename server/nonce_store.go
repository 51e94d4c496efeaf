package main

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrNonceReused signals a replayed (device, nonce) pair.
var ErrNonceReused = errors.New("nonce already used")

// NonceStore provides persistent replay protection. Correctness rests
// entirely on the composite unique index: the insert either commits or fails
// on duplicate, never a read-then-write.
type NonceStore struct {
	db        *gorm.DB
	retention time.Duration
}

func NewNonceStore(db *gorm.DB, retention time.Duration) *NonceStore {
	return &NonceStore{db: db, retention: retention}
}

// CheckAndStore atomically records a nonce for a device, returning
// ErrNonceReused when the pair was already seen. Safe under concurrent
// duplicate submissions across instances.
func (s *NonceStore) CheckAndStore(deviceID, nonce string, keyWindow int64) error {
	if deviceID == "" || nonce == "" {
		return errors.New("missing device or nonce")
	}

	record := TunnelNonce{
		DeviceID:  deviceID,
		Nonce:     nonce,
		KeyWindow: keyWindow,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrNonceReused
		}
		return err
	}
	return nil
}

// Prune drops entries past the retention horizon. Retention is validated at
// config load to exceed the freshness window, so a pruned nonce can never be
// replayed with a still-fresh timestamp.
func (s *NonceStore) Prune() error {
	cutoff := time.Now().UTC().Add(-s.retention)
	return s.db.Where("created_at < ?", cutoff).Delete(&TunnelNonce{}).Error
}

// Count reports ledger size, for the admin status surface.
func (s *NonceStore) Count() (int64, error) {
	var n int64
	err := s.db.Model(&TunnelNonce{}).Count(&n).Error
	return n, err
}
