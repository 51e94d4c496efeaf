package tunnel

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func validRequest() Request {
	return Request{
		DeviceID:      "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		Timestamp:     1700000000123,
		KeyWindow:     340000000,
		RotatingKey:   "abc",
		Nonce:         "n1",
		Signature:     "sig",
		EncryptedData: "ZW52ZWxvcGU=",
	}
}

func TestRequestValidate(t *testing.T) {
	req := validRequest()
	kind, field := req.Validate(16)
	require.Empty(t, kind)
	require.Empty(t, field)
}

func TestRequestValidateMissingFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		field  string
	}{
		{"device_id", func(r *Request) { r.DeviceID = "" }, "device_id"},
		{"timestamp", func(r *Request) { r.Timestamp = 0 }, "timestamp"},
		{"rotating_key", func(r *Request) { r.RotatingKey = "" }, "rotating_key"},
		{"nonce", func(r *Request) { r.Nonce = "" }, "nonce"},
		{"signature", func(r *Request) { r.Signature = "" }, "signature"},
		{"encrypted_data", func(r *Request) { r.EncryptedData = "" }, "encrypted_data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			kind, field := req.Validate(16)
			require.Equal(t, KindMissingField, kind)
			require.Equal(t, tt.field, field)
		})
	}
}

func TestRequestValidateFormat(t *testing.T) {
	req := validRequest()
	req.DeviceID = "short"
	kind, _ := req.Validate(16)
	require.Equal(t, KindInvalidFormat, kind)

	req = validRequest()
	req.Timestamp = -5
	kind, _ = req.Validate(16)
	require.Equal(t, KindInvalidFormat, kind)
}

func TestErrorKindHTTPStatus(t *testing.T) {
	tests := []struct {
		kind   ErrorKind
		status int
	}{
		{KindMissingField, http.StatusBadRequest},
		{KindInvalidFormat, http.StatusBadRequest},
		{KindDeviceNotFound, http.StatusUnauthorized},
		{KindSignatureInvalid, http.StatusUnauthorized},
		{KindTimestampExpired, http.StatusForbidden},
		{KindNonceReused, http.StatusForbidden},
		{KindDecryptError, http.StatusForbidden},
		{KindBlocked, http.StatusForbidden},
		{KindChallengeExpired, http.StatusForbidden},
		{KindChallengeInvalid, http.StatusForbidden},
		{KindHandlerNotFound, http.StatusNotFound},
		{KindHandlerError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.status, tt.kind.HTTPStatus(), string(tt.kind))
	}
}

func TestSuspicious(t *testing.T) {
	require.False(t, KindMissingField.Suspicious())
	require.True(t, KindSignatureInvalid.Suspicious())
	require.True(t, KindNonceReused.Suspicious())
}

func TestValidDeviceID(t *testing.T) {
	require.True(t, ValidDeviceID("6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
	require.False(t, ValidDeviceID("not-a-uuid"))
	require.False(t, ValidDeviceID(""))
}
