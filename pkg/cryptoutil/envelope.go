package cryptoutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // OAEP hash pinned for wire compatibility with the C originator, not used for signing
	"fmt"
)

// SealOTC encrypts a one-time code under the recipient's public registration
// key using RSA-OAEP, producing ciphertext of exactly the modulus length.
func SealOTC(pub *rsa.PublicKey, otc []byte) ([]byte, error) {
	ct, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, otc, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: seal otc: %w", err)
	}
	return ct, nil
}

// OpenOTC decrypts an RSA-OAEP sealed one-time code with the device's
// registration private key. The wire encoding does not NUL-terminate the
// plaintext, so a trailing zero byte is appended before returning it as a
// string-safe buffer.
func OpenOTC(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	pt, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: open otc: %w", err)
	}
	return append(pt, 0), nil
}
