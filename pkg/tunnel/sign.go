package tunnel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// buildSigningString produces the canonical representation covered by the
// request signature. Field order is part of the protocol.
func buildSigningString(deviceID string, tsMillis int64, nonce, encryptedData string) []byte {
	parts := []string{
		deviceID,
		strconv.FormatInt(tsMillis, 10),
		nonce,
		encryptedData,
	}
	return []byte(strings.Join(parts, "|"))
}

// Sign computes the request signature with the window's ephemeral key.
func Sign(ephemeralKey []byte, deviceID string, tsMillis int64, nonce, encryptedData string) string {
	mac := hmac.New(sha256.New, ephemeralKey)
	mac.Write(buildSigningString(deviceID, tsMillis, nonce, encryptedData))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the expected signature and compares in constant
// time.
func VerifySignature(ephemeralKey []byte, deviceID string, tsMillis int64, nonce, encryptedData, signature string) bool {
	expected := Sign(ephemeralKey, deviceID, tsMillis, nonce, encryptedData)
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(expected)
	return hmac.Equal(want, got)
}
