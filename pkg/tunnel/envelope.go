package tunnel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
)

// ErrDecrypt covers every integrity or format failure while opening an
// envelope. Callers never learn which check failed.
var ErrDecrypt = errors.New("envelope decryption failed")

const gcmNonceSize = 12

// Seal encrypts plaintext under the ephemeral key. The cipher nonce is the
// message timestamp plus fresh random tail bytes, so the timestamp always
// contributes to the IV and two seals of identical plaintext never collide.
func Seal(ephemeralKey, plaintext []byte, tsMillis int64) (string, error) {
	aead, err := newAEAD(ephemeralKey)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcmNonceSize)
	binary.BigEndian.PutUint64(nonce[:8], uint64(tsMillis))
	if _, err := rand.Read(nonce[8:]); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts an envelope produced by Seal. The embedded nonce must declare
// the same timestamp the caller authenticated, which ties the ciphertext to
// the signed request.
func Open(ephemeralKey []byte, envelope string, tsMillis int64) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(raw) < gcmNonceSize {
		return nil, ErrDecrypt
	}

	nonce, ciphertext := raw[:gcmNonceSize], raw[gcmNonceSize:]
	if binary.BigEndian.Uint64(nonce[:8]) != uint64(tsMillis) {
		return nil, ErrDecrypt
	}

	aead, err := newAEAD(ephemeralKey)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	if plaintext == nil {
		// GCM yields a nil slice for empty plaintext; keep the round-trip
		// exact.
		plaintext = []byte{}
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
