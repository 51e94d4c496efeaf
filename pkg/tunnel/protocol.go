package tunnel

import (
	"net/http"

	"github.com/google/uuid"
)

// MarkerHeader flags a request body as an encrypted tunnel envelope rather
// than plain JSON.
const MarkerHeader = "X-Encrypted-Tunnel"

// ErrorKind is the stable rejection code surfaced to clients. Clients decide
// retry-vs-backoff from the kind alone; messages are informational.
type ErrorKind string

const (
	KindMissingField     ErrorKind = "MISSING_FIELD"
	KindInvalidFormat    ErrorKind = "INVALID_FORMAT"
	KindDeviceNotFound   ErrorKind = "DEVICE_NOT_FOUND"
	KindTimestampExpired ErrorKind = "TIMESTAMP_EXPIRED"
	KindSignatureInvalid ErrorKind = "SIGNATURE_INVALID"
	KindNonceReused      ErrorKind = "NONCE_REUSED"
	KindDecryptError     ErrorKind = "DECRYPT_ERROR"
	KindHandlerNotFound  ErrorKind = "HANDLER_NOT_FOUND"
	KindHandlerError     ErrorKind = "HANDLER_ERROR"
	KindBlocked          ErrorKind = "BLOCKED"
	KindChallengeExpired ErrorKind = "CHALLENGE_EXPIRED"
	KindChallengeInvalid ErrorKind = "CHALLENGE_INVALID"
)

// HTTPStatus maps a rejection kind to its transport status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindMissingField, KindInvalidFormat:
		return http.StatusBadRequest
	case KindDeviceNotFound, KindSignatureInvalid:
		return http.StatusUnauthorized
	case KindTimestampExpired, KindNonceReused, KindDecryptError,
		KindBlocked, KindChallengeExpired, KindChallengeInvalid:
		return http.StatusForbidden
	case KindHandlerNotFound:
		return http.StatusNotFound
	case KindHandlerError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Suspicious reports whether a rejection of this kind should feed the
// anti-abuse violation ledger. Purely structural mistakes are not counted.
func (k ErrorKind) Suspicious() bool {
	return k != KindMissingField
}

// Request is the outer tunnel payload. Everything security-relevant is in the
// clear here; the business descriptor rides inside EncryptedData.
type Request struct {
	DeviceID          string `json:"device_id"`
	Timestamp         int64  `json:"timestamp"`
	KeyWindow         int64  `json:"key_window"`
	RotatingKey       string `json:"rotating_key"`
	Nonce             string `json:"nonce"`
	Signature         string `json:"signature"`
	EncryptedData     string `json:"encrypted_data"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	AppHash           string `json:"app_hash,omitempty"`
}

// Validate performs the structural checks that run before any store or crypto
// work. It returns the first failing field's rejection kind.
func (r *Request) Validate(minDeviceIDLen int) (ErrorKind, string) {
	switch {
	case r.DeviceID == "":
		return KindMissingField, "device_id"
	case r.Timestamp == 0:
		return KindMissingField, "timestamp"
	case r.RotatingKey == "":
		return KindMissingField, "rotating_key"
	case r.Nonce == "":
		return KindMissingField, "nonce"
	case r.Signature == "":
		return KindMissingField, "signature"
	case r.EncryptedData == "":
		return KindMissingField, "encrypted_data"
	}
	if len(r.DeviceID) < minDeviceIDLen {
		return KindInvalidFormat, "device_id"
	}
	if r.Timestamp < 0 || r.KeyWindow < 0 {
		return KindInvalidFormat, "timestamp"
	}
	return "", ""
}

// Response wraps a successfully handled request. The envelope is sealed with
// the key of the window the response timestamp falls in.
type Response struct {
	EncryptedResponse string `json:"encrypted_response"`
	Timestamp         int64  `json:"timestamp"`
	Status            string `json:"status"`
}

// ErrorBody is the plain JSON shape for pre-authentication rejections.
type ErrorBody struct {
	Error      string    `json:"error"`
	Code       ErrorKind `json:"code"`
	ServerTime int64     `json:"server_time,omitempty"`
}

// RegistrationRequest is the device key registration payload.
type RegistrationRequest struct {
	DeviceID          string         `json:"device_id"`
	DeviceKey         string         `json:"device_key"`
	DeviceFingerprint string         `json:"device_fingerprint"`
	AppHash           string         `json:"app_hash"`
	DeviceInfo        map[string]any `json:"device_info,omitempty"`
}

// RegistrationResponse is identical for first registration, idempotent
// re-registration, and a reinstall key overwrite; the three paths differ only
// in Message.
type RegistrationResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	DeviceID string `json:"device_id"`
	KeyValid bool   `json:"key_valid"`
}

// ValidDeviceID checks the canonical device identifier format.
func ValidDeviceID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
