package tunnel

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the ephemeral key length in bytes (AES-256).
const KeySize = 32

// keyDerivationInfo domain-separates tunnel keys from any other use of the
// device secret.
var keyDerivationInfo = []byte("tunneld/rotating-key/v1")

// DeriveKey derives the ephemeral key for one rotation window from a device's
// shared secret. The derivation is over the window index, never raw time, so
// every request inside a window sees the same key regardless of sub-window
// skew.
func DeriveKey(sharedSecret []byte, window int64) ([]byte, error) {
	salt := make([]byte, 8)
	binary.BigEndian.PutUint64(salt, uint64(window))

	r := hkdf.New(sha256.New, sharedSecret, salt, keyDerivationInfo)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// KeyFingerprint is the value a client declares as its rotating key: a hex
// SHA-256 of the derived key. The key itself never travels in the clear.
func KeyFingerprint(ephemeralKey []byte) string {
	sum := sha256.Sum256(ephemeralKey)
	return hex.EncodeToString(sum[:])
}

// MatchRotatingKey checks a client-declared rotating key fingerprint against
// the keys for window and its neighbours within tolerance. Returns the
// matching window offset and true, or 0 and false. Comparison is constant
// time per candidate.
func MatchRotatingKey(sharedSecret []byte, declared string, window, tolerance int64) (int64, bool) {
	for off := -tolerance; off <= tolerance; off++ {
		key, err := DeriveKey(sharedSecret, window+off)
		if err != nil {
			continue
		}
		expected := KeyFingerprint(key)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(declared)) == 1 {
			return off, true
		}
	}
	return 0, false
}
