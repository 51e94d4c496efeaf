package main

import (
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/rewardtunnel/tunneld/pkg/client"
	"github.com/rewardtunnel/tunneld/pkg/config"
)

const (
	testDeviceID = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	testBaseTime = int64(1700000000000)
	testWindowMs = int64(5000)
)

// mutableClock lets tests wind the server's view of "now".
type mutableClock struct {
	mu     sync.Mutex
	millis int64
}

func (c *mutableClock) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.millis
}

func (c *mutableClock) Set(millis int64) {
	c.mu.Lock()
	c.millis = millis
	c.mu.Unlock()
}

type testEnv struct {
	srv   *Server
	gin   *gin.Engine
	clock *mutableClock
	cfg   *config.Config
}

func openTestDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s-%d?mode=memory&cache=shared&_busy_timeout=5000", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&DeviceKey{}, &TunnelNonce{}, &BlockedSubject{}, &SecurityViolation{}, &SecurityChallenge{},
	))
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := openTestDB(t, "tunneld-test")

	cfg := config.Default()
	cfg.Server.AdminToken = "test-admin-token"
	cfg.Guard.PoWDifficulty = 1
	cfg.Guard.RateLimitRPS = 10000
	cfg.Guard.RateLimitBurst = 10000
	require.NoError(t, cfg.Validate())

	clock := &mutableClock{millis: testBaseTime}
	registry := NewDeviceRegistry(db)
	nonces := NewNonceStore(db, time.Duration(cfg.Tunnel.NonceRetention)*time.Second)

	srv := &Server{
		db:       db,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		clock:    clock,
		registry: registry,
		nonces:   nonces,
		guard:    NewGuard(db, nil, cfg.Guard),
		auth:     NewAuthenticator(registry, nonces, clock, cfg.Tunnel),
		limiter:  NewRateLimiter(cfg.Guard.RateLimitRPS, cfg.Guard.RateLimitBurst),
		router:   newBusinessRouter(),
	}

	r := gin.New()
	r.Use(withRequestContext(zerolog.Nop()))
	srv.registerTunnelRoutes(r)
	srv.registerDeviceRoutes(r)
	srv.registerSecurityRoutes(r)

	return &testEnv{srv: srv, gin: r, clock: clock, cfg: cfg}
}

// seedDevice registers a device directly in the store and returns a client
// sharing the server's clock, so built requests are always fresh.
func (env *testEnv) seedDevice(t *testing.T, deviceID string, secret []byte) *client.Client {
	t.Helper()
	record := DeviceKey{
		DeviceID:          deviceID,
		DeviceKey:         base64.StdEncoding.EncodeToString(secret),
		DeviceFingerprint: "fp-test",
		AppHash:           "hash-test",
		CreatedAt:         time.Now().UTC(),
		LastSeen:          time.Now().UTC(),
		RequestCount:      1,
	}
	require.NoError(t, env.srv.db.Create(&record).Error)

	return client.New("http://unused", deviceID, secret, "fp-test", "hash-test",
		client.WithClock(env.clock),
		client.WithWindow(testWindowMs),
	)
}

func (env *testEnv) nonceCount(t *testing.T) int64 {
	t.Helper()
	n, err := env.srv.nonces.Count()
	require.NoError(t, err)
	return n
}
