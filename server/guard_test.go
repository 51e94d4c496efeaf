package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rewardtunnel/tunneld/pkg/config"
	"github.com/rewardtunnel/tunneld/pkg/tunnel"
)

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	cfg := config.Default().Guard
	cfg.PoWDifficulty = 1
	return NewGuard(openTestDB(t, "guard"), nil, cfg)
}

// solvePoW brute-forces a candidate for low test difficulties.
func solvePoW(t *testing.T, challenge, deviceID string, difficulty int) string {
	t.Helper()
	prefix := strings.Repeat("0", difficulty)
	for i := 0; i < 1<<20; i++ {
		candidate := fmt.Sprintf("%d", i)
		sum := sha256.Sum256([]byte(challenge + deviceID + candidate))
		if strings.HasPrefix(hex.EncodeToString(sum[:]), prefix) {
			return candidate
		}
	}
	t.Fatal("no solution found at test difficulty")
	return ""
}

func TestGuardBlockAndUnblock(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	require.False(t, g.IsBlocked(ctx, "203.0.113.9", testDeviceID))

	g.Block(ctx, SubjectIP, "203.0.113.9", time.Hour, "manual")
	require.True(t, g.IsBlocked(ctx, "203.0.113.9", ""))
	require.False(t, g.IsBlocked(ctx, "203.0.113.10", testDeviceID))

	removed, err := g.Unblock(ctx, SubjectIP, "203.0.113.9")
	require.NoError(t, err)
	require.True(t, removed)
	require.False(t, g.IsBlocked(ctx, "203.0.113.9", ""))

	// Unblocking again reports nothing to remove, without error.
	removed, err = g.Unblock(ctx, SubjectIP, "203.0.113.9")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestGuardUnblockRejectsUnknownSubjectType(t *testing.T) {
	g := newTestGuard(t)
	_, err := g.Unblock(context.Background(), "email", "nobody@example.com")
	require.Error(t, err)
}

func TestGuardExpiredBlockNotEnforced(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	g.Block(ctx, SubjectDevice, testDeviceID, -time.Minute, "already over")
	require.False(t, g.IsBlocked(ctx, "203.0.113.9", testDeviceID))
}

func TestGuardReblockExtendsHorizon(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	g.Block(ctx, SubjectDevice, testDeviceID, -time.Minute, "expired")
	g.Block(ctx, SubjectDevice, testDeviceID, time.Hour, "renewed")
	require.True(t, g.IsBlocked(ctx, "203.0.113.9", testDeviceID))

	var entries int64
	require.NoError(t, g.db.Model(&BlockedSubject{}).
		Where("subject_value = ?", testDeviceID).Count(&entries).Error)
	require.Equal(t, int64(1), entries, "re-blocking upserts, never duplicates")
}

func TestGuardBlockStampsDeviceRecord(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	require.NoError(t, g.db.Create(&DeviceKey{
		DeviceID:  testDeviceID,
		DeviceKey: "c2VjcmV0",
		CreatedAt: time.Now().UTC(),
		LastSeen:  time.Now().UTC(),
	}).Error)

	g.Block(ctx, SubjectDevice, testDeviceID, time.Hour, "abuse")

	var record DeviceKey
	require.NoError(t, g.db.Where("device_id = ?", testDeviceID).First(&record).Error)
	require.True(t, record.IsBlocked)
	require.Equal(t, "abuse", record.BlockedReason)
	require.NotNil(t, record.BlockedAt)

	removed, err := g.Unblock(ctx, SubjectDevice, testDeviceID)
	require.NoError(t, err)
	require.True(t, removed)

	// Re-read into a fresh struct: gorm's First does not overwrite a
	// populated *time.Time field when the column is NULL.
	var after DeviceKey
	require.NoError(t, g.db.Where("device_id = ?", testDeviceID).First(&after).Error)
	require.False(t, after.IsBlocked)
	require.Empty(t, after.BlockedReason)
	require.Nil(t, after.BlockedAt)
}

func TestGuardBlockUnknownDeviceStillListed(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	// Blocking a device id with no registry record must still deny it.
	g.Block(ctx, SubjectDevice, testDeviceID, time.Hour, "pre-registration abuse")
	require.True(t, g.IsBlocked(ctx, "203.0.113.9", testDeviceID))
}

func TestGuardTieredAutoBlock(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()
	ip := "198.51.100.7"

	firstTier := g.cfg.Thresholds[0].Violations
	for i := 0; i < firstTier-1; i++ {
		g.RecordViolation(ctx, ip, testDeviceID, string(tunnel.KindSignatureInvalid), "bad signature")
		require.False(t, g.IsBlocked(ctx, ip, testDeviceID), "below threshold after %d violations", i+1)
	}

	g.RecordViolation(ctx, ip, testDeviceID, string(tunnel.KindSignatureInvalid), "bad signature")
	require.True(t, g.IsBlocked(ctx, ip, ""), "ip blocked at threshold")
	require.True(t, g.IsBlocked(ctx, "203.0.113.99", testDeviceID), "device blocked at threshold")
}

func TestGuardViolationCountSpansIPAndDevice(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	// Same device rotating through IPs still accumulates toward the tier.
	firstTier := g.cfg.Thresholds[0].Violations
	for i := 0; i < firstTier; i++ {
		ip := fmt.Sprintf("198.51.100.%d", i+1)
		g.RecordViolation(ctx, ip, testDeviceID, string(tunnel.KindNonceReused), "replay")
	}
	require.True(t, g.IsBlocked(ctx, "203.0.113.99", testDeviceID))
}

func TestGuardChallengeLifecycle(t *testing.T) {
	g := newTestGuard(t)

	ch, err := g.IssueChallenge(testDeviceID)
	require.NoError(t, err)
	require.Len(t, ch.Challenge, 32)
	require.Equal(t, 1, ch.Difficulty)
	require.False(t, ch.Solved)

	solution := solvePoW(t, ch.Challenge, testDeviceID, ch.Difficulty)
	require.Nil(t, g.VerifyChallenge(testDeviceID, ch.Challenge, solution))

	// A consumed challenge cannot be replayed.
	rej := g.VerifyChallenge(testDeviceID, ch.Challenge, solution)
	require.NotNil(t, rej)
	require.Equal(t, tunnel.KindChallengeInvalid, rej.Kind)
}

func TestGuardChallengeWrongSolution(t *testing.T) {
	g := newTestGuard(t)
	g.cfg.PoWDifficulty = 8 // no short candidate will satisfy this

	ch, err := g.IssueChallenge(testDeviceID)
	require.NoError(t, err)

	rej := g.VerifyChallenge(testDeviceID, ch.Challenge, "0")
	require.NotNil(t, rej)
	require.Equal(t, tunnel.KindChallengeInvalid, rej.Kind)
}

func TestGuardChallengeExpired(t *testing.T) {
	g := newTestGuard(t)

	ch, err := g.IssueChallenge(testDeviceID)
	require.NoError(t, err)
	require.NoError(t, g.db.Model(&SecurityChallenge{}).
		Where("device_id = ?", testDeviceID).
		Update("expires_at", time.Now().UTC().Add(-time.Minute)).Error)

	solution := solvePoW(t, ch.Challenge, testDeviceID, ch.Difficulty)
	rej := g.VerifyChallenge(testDeviceID, ch.Challenge, solution)
	require.NotNil(t, rej)
	require.Equal(t, tunnel.KindChallengeExpired, rej.Kind)

	// Expiry consumes the record entirely.
	var remaining int64
	require.NoError(t, g.db.Model(&SecurityChallenge{}).Count(&remaining).Error)
	require.Zero(t, remaining)
}

func TestGuardReissueReplacesChallenge(t *testing.T) {
	g := newTestGuard(t)

	first, err := g.IssueChallenge(testDeviceID)
	require.NoError(t, err)
	second, err := g.IssueChallenge(testDeviceID)
	require.NoError(t, err)
	require.NotEqual(t, first.Challenge, second.Challenge)

	rej := g.VerifyChallenge(testDeviceID, first.Challenge, "anything")
	require.NotNil(t, rej, "a replaced challenge is gone")

	var count int64
	require.NoError(t, g.db.Model(&SecurityChallenge{}).Where("device_id = ?", testDeviceID).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestGuardStatsAndPrune(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	g.Block(ctx, SubjectIP, "203.0.113.1", time.Hour, "active")
	g.Block(ctx, SubjectDevice, testDeviceID, time.Hour, "active")
	g.RecordViolation(ctx, "203.0.113.1", "", string(tunnel.KindDecryptError), "noise")
	_, err := g.IssueChallenge(testDeviceID)
	require.NoError(t, err)

	stats, err := g.Stats()
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.BlockedIPs)
	require.Equal(t, int64(1), stats.BlockedDevices)
	require.Equal(t, int64(1), stats.RecentViolations)
	require.Equal(t, int64(1), stats.PendingChallenges)

	// Long-expired blocks get pruned, recent ones stay.
	require.NoError(t, g.db.Create(&BlockedSubject{
		SubjectType:  SubjectIP,
		SubjectValue: "203.0.113.250",
		BlockedUntil: time.Now().UTC().Add(-48 * time.Hour),
		Reason:       "ancient",
	}).Error)
	require.NoError(t, g.PruneExpired())

	var blocks int64
	require.NoError(t, g.db.Model(&BlockedSubject{}).Count(&blocks).Error)
	require.Equal(t, int64(2), blocks)
}
