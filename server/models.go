package main

import "time"

// DeviceKey is the registered identity of one client installation. A device
// has exactly one active secret; re-registration with a different secret is
// an identity reset (app reinstall), not a rotation.
type DeviceKey struct {
	ID                uint   `gorm:"primaryKey"`
	DeviceID          string `gorm:"uniqueIndex"`
	DeviceKey         string
	DeviceFingerprint string
	AppHash           string
	DeviceInfo        string `gorm:"type:text"`
	CreatedAt         time.Time
	LastSeen          time.Time
	KeyUpdatedAt      *time.Time
	RequestCount      int64
	IsBlocked         bool
	BlockedReason     string
	BlockedAt         *time.Time
}

// TunnelNonce is one replay-protection ledger entry. The composite unique
// index is what makes the anti-replay insert atomic.
type TunnelNonce struct {
	ID        uint   `gorm:"primaryKey"`
	DeviceID  string `gorm:"uniqueIndex:device_nonce"`
	Nonce     string `gorm:"uniqueIndex:device_nonce"`
	KeyWindow int64
	CreatedAt time.Time `gorm:"index"`
}

// BlockedSubject is a time-bounded denylist entry for an IP or a device.
// A block is active iff BlockedUntil is in the future.
type BlockedSubject struct {
	ID           uint   `gorm:"primaryKey"`
	SubjectType  string `gorm:"uniqueIndex:subject"`
	SubjectValue string `gorm:"uniqueIndex:subject"`
	BlockedUntil time.Time `gorm:"index"`
	Reason       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SecurityViolation is the audit trail of rejected requests feeding block
// decisions.
type SecurityViolation struct {
	ID            uint   `gorm:"primaryKey"`
	IPAddress     string `gorm:"index"`
	DeviceID      string `gorm:"index"`
	ViolationType string
	Detail        string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"index"`
}

// SecurityChallenge is a pending proof-of-work challenge. One live challenge
// per device; issuing a new one replaces it.
type SecurityChallenge struct {
	ID         uint   `gorm:"primaryKey"`
	DeviceID   string `gorm:"uniqueIndex"`
	Challenge  string
	Difficulty int
	ExpiresAt  time.Time `gorm:"index"`
	Solved     bool
	CreatedAt  time.Time
}
