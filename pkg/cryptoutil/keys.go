// Package cryptoutil collects the small set of cryptographic primitives the
// realm security core needs: registration key generation, RSA-OAEP envelope
// handling for the remote registration protocol, X.509 chain validation for
// stored and received credentials, and PKCS#7/S-MIME verification of signed
// policy documents.
package cryptoutil

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
)

// RegistrationKeyBits is the RSA modulus size used for the device's
// registration keypair. The value is pinned to 1024 bits for wire
// compatibility with the remote-registration OTP envelope; it is kept as a
// named constant rather than hardcoded so a future revision has exactly one
// place to change.
const RegistrationKeyBits = 1024

// GenerateRegistrationKey produces a fresh RSA keypair for use both as the
// OAEP decryption key during remote registration and, via a CSR built from
// it, as the key certified into the device's final credentials.
func GenerateRegistrationKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, RegistrationKeyBits)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: generate registration key: %w", err)
	}
	return key, nil
}
