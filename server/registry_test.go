package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rewardtunnel/tunneld/pkg/tunnel"
)

func registrationFixture() *tunnel.RegistrationRequest {
	return &tunnel.RegistrationRequest{
		DeviceID:          testDeviceID,
		DeviceKey:         "c2VjcmV0LW1hdGVyaWFs",
		DeviceFingerprint: "fp-1",
		AppHash:           "hash-1",
		DeviceInfo:        map[string]any{"model": "Pixel 8", "os": "android-14"},
	}
}

func TestRegisterNewDevice(t *testing.T) {
	db := openTestDB(t, "registry")
	registry := NewDeviceRegistry(db)

	resp, err := registry.Register(registrationFixture())
	require.NoError(t, err)
	require.Equal(t, "success", resp.Status)
	require.Equal(t, msgRegistered, resp.Message)
	require.True(t, resp.KeyValid)

	record, err := registry.Lookup(testDeviceID)
	require.NoError(t, err)
	require.Equal(t, "c2VjcmV0LW1hdGVyaWFs", record.DeviceKey)
	require.Nil(t, record.KeyUpdatedAt)
	require.Contains(t, record.DeviceInfo, "Pixel 8")
}

func TestRegisterIdempotent(t *testing.T) {
	db := openTestDB(t, "registry")
	registry := NewDeviceRegistry(db)

	_, err := registry.Register(registrationFixture())
	require.NoError(t, err)

	resp, err := registry.Register(registrationFixture())
	require.NoError(t, err)
	require.Equal(t, "success", resp.Status)
	require.Equal(t, msgAlreadyRegistered, resp.Message)
	require.True(t, resp.KeyValid)

	record, err := registry.Lookup(testDeviceID)
	require.NoError(t, err)
	require.Equal(t, "c2VjcmV0LW1hdGVyaWFs", record.DeviceKey, "secret must be unchanged")
	require.Nil(t, record.KeyUpdatedAt)
	require.GreaterOrEqual(t, record.RequestCount, int64(2))
}

func TestRegisterReinstallOverwritesSecret(t *testing.T) {
	db := openTestDB(t, "registry")
	registry := NewDeviceRegistry(db)

	_, err := registry.Register(registrationFixture())
	require.NoError(t, err)

	reinstall := registrationFixture()
	reinstall.DeviceKey = "bmV3LXNlY3JldA=="
	reinstall.DeviceFingerprint = "fp-2"

	resp, err := registry.Register(reinstall)
	require.NoError(t, err)
	require.Equal(t, msgKeyUpdated, resp.Message)
	require.True(t, resp.KeyValid, "reinstall must never lock a device out")

	record, err := registry.Lookup(testDeviceID)
	require.NoError(t, err)
	require.Equal(t, "bmV3LXNlY3JldA==", record.DeviceKey)
	require.Equal(t, "fp-2", record.DeviceFingerprint)
	require.NotNil(t, record.KeyUpdatedAt)
}

func TestTouchIncrementsCounters(t *testing.T) {
	db := openTestDB(t, "registry")
	registry := NewDeviceRegistry(db)

	_, err := registry.Register(registrationFixture())
	require.NoError(t, err)

	before, err := registry.Lookup(testDeviceID)
	require.NoError(t, err)

	registry.Touch(testDeviceID)
	registry.Touch(testDeviceID)

	after, err := registry.Lookup(testDeviceID)
	require.NoError(t, err)
	require.Equal(t, before.RequestCount+2, after.RequestCount)

	// Touching an unknown device must not fail the caller.
	registry.Touch("no-such-device")
}

func TestLookupUnknownDevice(t *testing.T) {
	db := openTestDB(t, "registry")
	registry := NewDeviceRegistry(db)

	_, err := registry.Lookup("missing-device-id")
	require.Error(t, err)
}
