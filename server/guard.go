package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rewardtunnel/tunneld/pkg/config"
	"github.com/rewardtunnel/tunneld/pkg/tunnel"
)

const (
	SubjectIP     = "ip"
	SubjectDevice = "device"

	blockCachePrefix = "tunneld:block:" // tunneld:block:{type}:{value}
)

// Guard is the anti-abuse gate: blocklists checked before any crypto work,
// a violation ledger with tiered auto-blocking, and proof-of-work challenges.
// The challenge is cost-imposing only, never the sole gate for anything
// sensitive.
type Guard struct {
	db    *gorm.DB
	cache *redis.Client // optional hot-path block cache
	cfg   config.GuardConfig
}

func NewGuard(db *gorm.DB, cache *redis.Client, cfg config.GuardConfig) *Guard {
	return &Guard{db: db, cache: cache, cfg: cfg}
}

// IsBlocked reports whether the IP or the device is currently denied. It is
// the first gate on every tunnel request; a hit short-circuits all further
// processing.
func (g *Guard) IsBlocked(ctx context.Context, ip, deviceID string) bool {
	if g.subjectBlocked(ctx, SubjectIP, ip) {
		return true
	}
	if deviceID != "" && g.subjectBlocked(ctx, SubjectDevice, deviceID) {
		return true
	}
	return false
}

func (g *Guard) subjectBlocked(ctx context.Context, subjectType, value string) bool {
	if value == "" {
		return false
	}

	if g.cache != nil {
		hit, err := g.cache.Exists(ctx, blockCacheKey(subjectType, value)).Result()
		if err == nil && hit > 0 {
			return true
		}
		// Cache miss or redis down: fall through to the store.
	}

	var entry BlockedSubject
	err := g.db.Where("subject_type = ? AND subject_value = ? AND blocked_until > ?",
		subjectType, value, time.Now().UTC()).First(&entry).Error
	return err == nil
}

// RecordViolation appends to the audit ledger and applies tiered auto-blocks
// when the subject's recent violation count crosses a threshold. Best effort:
// a ledger failure never fails the caller.
func (g *Guard) RecordViolation(ctx context.Context, ip, deviceID, violationType, detail string) {
	violation := SecurityViolation{
		IPAddress:     ip,
		DeviceID:      deviceID,
		ViolationType: violationType,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}
	if err := g.db.Create(&violation).Error; err != nil {
		log.Warn().Err(err).Msg("Failed recording security violation")
		return
	}

	since := time.Now().UTC().Add(-time.Duration(g.cfg.WindowSeconds) * time.Second)
	var count int64
	err := g.db.Model(&SecurityViolation{}).
		Where("(ip_address = ? OR (device_id <> '' AND device_id = ?)) AND created_at > ?", ip, deviceID, since).
		Count(&count).Error
	if err != nil {
		log.Warn().Err(err).Msg("Failed counting violations")
		return
	}

	var blockFor time.Duration
	for _, tier := range g.cfg.Thresholds {
		if count >= int64(tier.Violations) {
			blockFor = time.Duration(tier.BlockSeconds) * time.Second
		}
	}
	if blockFor == 0 {
		return
	}

	g.Block(ctx, SubjectIP, ip, blockFor, "repeated security violations")
	if deviceID != "" {
		g.Block(ctx, SubjectDevice, deviceID, blockFor, "repeated security violations")
	}
}

// Block denies a subject until now+d. Re-blocking extends the horizon.
func (g *Guard) Block(ctx context.Context, subjectType, value string, d time.Duration, reason string) {
	if value == "" {
		return
	}
	until := time.Now().UTC().Add(d)
	entry := BlockedSubject{
		SubjectType:  subjectType,
		SubjectValue: value,
		BlockedUntil: until,
		Reason:       reason,
	}
	err := g.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subject_type"}, {Name: "subject_value"}},
		DoUpdates: clause.AssignmentColumns([]string{"blocked_until", "reason"}),
	}).Create(&entry).Error
	if err != nil {
		log.Warn().Err(err).Str("subject", value).Msg("Failed persisting block")
		return
	}

	if subjectType == SubjectDevice {
		g.stampDeviceBlock(value, true, reason)
	}

	if g.cache != nil {
		if err := g.cache.Set(ctx, blockCacheKey(subjectType, value), reason, d).Err(); err != nil {
			log.Warn().Err(err).Msg("Failed caching block entry")
		}
	}

	log.Info().Str("type", subjectType).Str("subject", value).Dur("for", d).Msg("Subject blocked")
}

// stampDeviceBlock mirrors a device block onto the registry record so the
// authenticator's IsBlocked flag agrees with the blocklist. Best effort: a
// device that never registered has no record to stamp.
func (g *Guard) stampDeviceBlock(deviceID string, blocked bool, reason string) {
	updates := map[string]any{
		"is_blocked":     blocked,
		"blocked_reason": reason,
	}
	if blocked {
		updates["blocked_at"] = time.Now().UTC()
	} else {
		updates["blocked_at"] = nil
	}
	err := g.db.Model(&DeviceKey{}).Where("device_id = ?", deviceID).Updates(updates).Error
	if err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("Failed stamping device block flag")
	}
}

// Unblock lifts a block. Idempotent: unblocking an unknown subject reports
// false with no error.
func (g *Guard) Unblock(ctx context.Context, subjectType, value string) (bool, error) {
	if subjectType != SubjectIP && subjectType != SubjectDevice {
		return false, errors.New("invalid subject type")
	}
	res := g.db.Where("subject_type = ? AND subject_value = ?", subjectType, value).Delete(&BlockedSubject{})
	if res.Error != nil {
		return false, res.Error
	}
	if subjectType == SubjectDevice {
		g.stampDeviceBlock(value, false, "")
	}
	if g.cache != nil {
		if err := g.cache.Del(ctx, blockCacheKey(subjectType, value)).Err(); err != nil {
			log.Warn().Err(err).Msg("Failed evicting block cache entry")
		}
	}
	return res.RowsAffected > 0, nil
}

// IssueChallenge creates (or replaces) the device's proof-of-work challenge.
func (g *Guard) IssueChallenge(deviceID string) (*SecurityChallenge, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	challenge := SecurityChallenge{
		DeviceID:   deviceID,
		Challenge:  hex.EncodeToString(raw),
		Difficulty: g.cfg.PoWDifficulty,
		ExpiresAt:  now.Add(time.Duration(g.cfg.ChallengeTTL) * time.Second),
		Solved:     false,
		CreatedAt:  now,
	}
	err := g.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"challenge", "difficulty", "expires_at", "solved", "created_at"}),
	}).Create(&challenge).Error
	if err != nil {
		return nil, err
	}
	return &challenge, nil
}

// VerifyChallenge checks a candidate solution: sha256(challenge + device_id +
// candidate) must carry the difficulty's leading zero hex digits. A solved or
// expired challenge is consumed either way.
func (g *Guard) VerifyChallenge(deviceID, challengeValue, candidate string) *Rejection {
	var record SecurityChallenge
	err := g.db.Where("device_id = ? AND challenge = ?", deviceID, challengeValue).First(&record).Error
	if err != nil {
		return reject(tunnel.KindChallengeInvalid, "no such challenge")
	}
	if record.Solved {
		return reject(tunnel.KindChallengeInvalid, "challenge already consumed")
	}
	if time.Now().UTC().After(record.ExpiresAt) {
		g.db.Delete(&record)
		return reject(tunnel.KindChallengeExpired, "challenge expired")
	}

	if !powSatisfied(record.Challenge, deviceID, candidate, record.Difficulty) {
		return reject(tunnel.KindChallengeInvalid, "solution does not meet difficulty")
	}

	if err := g.db.Model(&record).Update("solved", true).Error; err != nil {
		return reject(tunnel.KindHandlerError, "failed consuming challenge")
	}
	return nil
}

func powSatisfied(challenge, deviceID, candidate string, difficulty int) bool {
	sum := sha256.Sum256([]byte(challenge + deviceID + candidate))
	digest := hex.EncodeToString(sum[:])
	return strings.HasPrefix(digest, strings.Repeat("0", difficulty))
}

// Stats summarizes guard state for the admin surface.
type GuardStats struct {
	BlockedIPs        int64 `json:"blocked_ips"`
	BlockedDevices    int64 `json:"blocked_devices"`
	RecentViolations  int64 `json:"recent_violations"`
	PendingChallenges int64 `json:"pending_challenges"`
}

func (g *Guard) Stats() (*GuardStats, error) {
	now := time.Now().UTC()
	since := now.Add(-time.Duration(g.cfg.WindowSeconds) * time.Second)

	var stats GuardStats
	if err := g.db.Model(&BlockedSubject{}).
		Where("subject_type = ? AND blocked_until > ?", SubjectIP, now).
		Count(&stats.BlockedIPs).Error; err != nil {
		return nil, err
	}
	if err := g.db.Model(&BlockedSubject{}).
		Where("subject_type = ? AND blocked_until > ?", SubjectDevice, now).
		Count(&stats.BlockedDevices).Error; err != nil {
		return nil, err
	}
	if err := g.db.Model(&SecurityViolation{}).
		Where("created_at > ?", since).
		Count(&stats.RecentViolations).Error; err != nil {
		return nil, err
	}
	if err := g.db.Model(&SecurityChallenge{}).
		Where("solved = ? AND expires_at > ?", false, now).
		Count(&stats.PendingChallenges).Error; err != nil {
		return nil, err
	}
	return &stats, nil
}

// PruneExpired clears consumed or expired challenges and long-expired blocks.
// Active replay or validity horizons are never touched here.
func (g *Guard) PruneExpired() error {
	now := time.Now().UTC()
	if err := g.db.Where("expires_at < ?", now).Delete(&SecurityChallenge{}).Error; err != nil {
		return err
	}
	// Keep expired blocks around for a day for the audit trail, then drop.
	return g.db.Where("blocked_until < ?", now.Add(-24*time.Hour)).Delete(&BlockedSubject{}).Error
}

func blockCacheKey(subjectType, value string) string {
	return blockCachePrefix + subjectType + ":" + value
}
