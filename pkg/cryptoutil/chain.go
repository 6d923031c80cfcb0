package cryptoutil

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/qeo-project/realm-security/pkg/identity"
)

// ErrChainLength is returned when a credential chain does not contain
// exactly three certificates (leaf, realm CA, root).
var ErrChainLength = fmt.Errorf("cryptoutil: credential chain must contain exactly 3 certificates")

// DecodeChain parses a concatenation of PEM-encoded certificates, leaf
// first, in the order they appear in the input.
func DecodeChain(pemData []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("cryptoutil: parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("cryptoutil: no certificates found in PEM input")
	}
	return certs, nil
}

// EncodeChain renders a certificate chain as concatenated PEM blocks, leaf
// first.
func EncodeChain(certs []*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, c := range certs {
		pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
	}
	return buf.Bytes()
}

// ValidateCredentialChain checks the invariants a loaded or received
// credential chain must satisfy: exactly three certificates, leaf public key
// matches the supplied private key, leaf is not expired, the leaf's subject
// CN decodes as a friendly name, and — if wantRealm is non-nil — the decoded
// realm id matches it.
func ValidateCredentialChain(key *rsa.PrivateKey, chain []*x509.Certificate, wantRealm *uint64) (identity.Triple, error) {
	if len(chain) != 3 {
		return identity.Triple{}, ErrChainLength
	}
	leaf := chain[0]

	leafPub, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok {
		return identity.Triple{}, fmt.Errorf("cryptoutil: leaf public key is not RSA")
	}
	if leafPub.N.Cmp(key.N) != 0 || leafPub.E != key.E {
		return identity.Triple{}, fmt.Errorf("cryptoutil: leaf public key does not match private key")
	}

	if !time.Now().Before(leaf.NotAfter) {
		return identity.Triple{}, fmt.Errorf("cryptoutil: leaf certificate has expired (notAfter %s)", leaf.NotAfter)
	}

	triple, err := identity.Parse(leaf.Subject.CommonName)
	if err != nil {
		return identity.Triple{}, fmt.Errorf("cryptoutil: leaf subject CN: %w", err)
	}

	if wantRealm != nil && triple.RealmID != *wantRealm {
		return identity.Triple{}, fmt.Errorf("cryptoutil: leaf realm id %x does not match requested realm %x", triple.RealmID, *wantRealm)
	}

	roots := x509.NewCertPool()
	roots.AddCert(chain[2])
	intermediates := x509.NewCertPool()
	intermediates.AddCert(chain[1])
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates}); err != nil {
		return identity.Triple{}, fmt.Errorf("cryptoutil: chain verification failed: %w", err)
	}

	return triple, nil
}
