// Package client implements the device side of the tunnel protocol: key
// registration plus building signed, encrypted tunnel calls. It exists for
// integration tests and operational smoke checks; the production client is
// the mobile app's native layer speaking the same wire format.
package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rewardtunnel/tunneld/pkg/dispatch"
	"github.com/rewardtunnel/tunneld/pkg/tunnel"
)

type Client struct {
	baseURL      string
	http         *http.Client
	clock        tunnel.Clock
	windowMillis int64
	retrier      *retrier

	deviceID    string
	secret      []byte
	fingerprint string
	appHash     string
}

type Option func(*Client)

// WithClock overrides the wall clock, for tests.
func WithClock(c tunnel.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithWindow overrides the rotation window length, which must match the
// server's configuration.
func WithWindow(millis int64) Option {
	return func(cl *Client) { cl.windowMillis = millis }
}

// WithHTTPClient replaces the underlying transport.
func WithHTTPClient(h *http.Client) Option {
	return func(cl *Client) { cl.http = h }
}

// WithRetry configures transient-failure retries with exponential backoff.
func WithRetry(initial, max time.Duration, attempts int) Option {
	return func(cl *Client) { cl.retrier = newRetrier(initial, max, attempts) }
}

func New(baseURL, deviceID string, secret []byte, fingerprint, appHash string, opts ...Option) *Client {
	c := &Client{
		baseURL:      baseURL,
		http:         &http.Client{Timeout: 30 * time.Second},
		clock:        tunnel.SystemClock{},
		windowMillis: 5000,
		retrier:      newRetrier(500*time.Millisecond, 5*time.Second, 0),
		deviceID:     deviceID,
		secret:       append([]byte(nil), secret...),
		fingerprint:  fingerprint,
		appHash:      appHash,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register syncs the device secret with the backend. Safe to call on every
// app start; the server treats repeats as idempotent.
func (c *Client) Register(ctx context.Context, deviceInfo map[string]any) (*tunnel.RegistrationResponse, error) {
	payload := tunnel.RegistrationRequest{
		DeviceID:          c.deviceID,
		DeviceKey:         base64.StdEncoding.EncodeToString(c.secret),
		DeviceFingerprint: c.fingerprint,
		AppHash:           c.appHash,
		DeviceInfo:        deviceInfo,
	}

	var out tunnel.RegistrationResponse
	err := c.retrier.do(func() error {
		return c.postJSON(ctx, "/v1/device/register", nil, payload, &out)
	}, isRetryable)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Call sends one business descriptor through the tunnel and returns the
// decrypted response body.
func (c *Client) Call(ctx context.Context, desc dispatch.Request) ([]byte, error) {
	req, err := c.BuildRequest(desc)
	if err != nil {
		return nil, err
	}

	var out tunnel.Response
	err = c.retrier.do(func() error {
		headers := map[string]string{tunnel.MarkerHeader: "true"}
		return c.postJSON(ctx, "/v1/tunnel", headers, req, &out)
	}, isRetryable)
	if err != nil {
		return nil, err
	}

	window := tunnel.WindowIndex(out.Timestamp, c.windowMillis)
	key, err := tunnel.DeriveKey(base64RawSecret(c.secret), window)
	if err != nil {
		return nil, err
	}
	plaintext, err := tunnel.Open(key, out.EncryptedResponse, out.Timestamp)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// BuildRequest assembles a fully signed and encrypted tunnel request for the
// current window. Exposed so tests can tamper with individual fields.
func (c *Client) BuildRequest(desc dispatch.Request) (*tunnel.Request, error) {
	plaintext, err := json.Marshal(desc)
	if err != nil {
		return nil, err
	}

	ts := c.clock.NowMillis()
	window := tunnel.WindowIndex(ts, c.windowMillis)
	key, err := tunnel.DeriveKey(base64RawSecret(c.secret), window)
	if err != nil {
		return nil, err
	}

	envelope, err := tunnel.Seal(key, plaintext, ts)
	if err != nil {
		return nil, err
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	return &tunnel.Request{
		DeviceID:          c.deviceID,
		Timestamp:         ts,
		KeyWindow:         window,
		RotatingKey:       tunnel.KeyFingerprint(key),
		Nonce:             nonce,
		Signature:         tunnel.Sign(key, c.deviceID, ts, nonce, envelope),
		EncryptedData:     envelope,
		DeviceFingerprint: c.fingerprint,
		AppHash:           c.appHash,
	}, nil
}

func (c *Client) postJSON(ctx context.Context, path string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr tunnel.ErrorBody
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
			return &APIError{Status: resp.StatusCode, Kind: apiErr.Code, Message: apiErr.Error}
		}
		return &APIError{Status: resp.StatusCode, Message: string(data)}
	}

	return json.Unmarshal(data, out)
}

func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// base64RawSecret mirrors the server, which stores the registered device key
// as the base64 string the client sent. Key derivation runs over that stored
// representation on both sides.
func base64RawSecret(secret []byte) []byte {
	return []byte(base64.StdEncoding.EncodeToString(secret))
}

// APIError is a non-200 tunnel response.
type APIError struct {
	Status  int
	Kind    tunnel.ErrorKind
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("tunnel API error %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("tunnel API error %d: %s", e.Status, e.Message)
}

// Retryable reports whether the server explicitly allows a retry after
// re-registration or backoff. Only transient statuses qualify.
func (e *APIError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}
