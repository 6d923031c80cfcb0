package cryptoutil

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"strings"

	"go.mozilla.org/pkcs7"
)

// SplitSMIME separates a multipart/signed S/MIME message into its signed
// plaintext body and its detached PKCS#7 signature. There is no
// general-purpose multipart reader among this module's third-party
// dependencies, so this uses mime/multipart directly; the cryptographic
// work stays in pkcs7.
func SplitSMIME(mimeData []byte) (body, signature []byte, err error) {
	rest := mimeData
	var boundary string
	if idx := bytes.Index(mimeData, []byte("boundary=")); idx >= 0 {
		line := mimeData[idx+len("boundary="):]
		if end := bytes.IndexAny(line, "\r\n"); end >= 0 {
			line = line[:end]
		}
		boundary = trimQuotes(string(line))
		if nl := bytes.IndexByte(mimeData, '\n'); nl >= 0 {
			if headerEnd := bytes.Index(mimeData, []byte("\n\n")); headerEnd >= 0 {
				rest = mimeData[headerEnd+2:]
			} else {
				rest = mimeData[nl+1:]
			}
		}
	}
	if boundary == "" {
		return nil, nil, fmt.Errorf("cryptoutil: no multipart boundary found in S/MIME message")
	}

	mr := multipart.NewReader(bytes.NewReader(rest), boundary)
	var parts [][]byte
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("cryptoutil: read MIME part: %w", err)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, nil, fmt.Errorf("cryptoutil: read MIME part body: %w", err)
		}
		if strings.EqualFold(part.Header.Get("Content-Transfer-Encoding"), "base64") {
			decoded, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(data)))
			if err == nil {
				data = decoded
			}
		}
		parts = append(parts, data)
	}
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("cryptoutil: expected 2 MIME parts, got %d", len(parts))
	}
	return parts[0], parts[1], nil
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// VerifyPolicyDocument checks a detached S/MIME signature over a policy
// document body and returns the verified signer certificate. realmChain must
// be the trusted realm certificate chain (realm CA and root); the signer
// must chain to it, and its keyUsage extension, when present, must be
// exactly digitalSignature.
func VerifyPolicyDocument(body, signature []byte, realmChain []*x509.Certificate) (*x509.Certificate, error) {
	p7, err := pkcs7.Parse(signature)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: parse pkcs7 signature: %w", err)
	}
	p7.Content = body

	if len(realmChain) < 2 {
		return nil, fmt.Errorf("cryptoutil: realm chain must contain at least CA and root")
	}
	roots := x509.NewCertPool()
	roots.AddCert(realmChain[len(realmChain)-1])
	intermediates := x509.NewCertPool()
	for _, c := range realmChain[:len(realmChain)-1] {
		intermediates.AddCert(c)
	}

	if err := p7.VerifyWithChain(roots); err != nil {
		return nil, fmt.Errorf("cryptoutil: signature verification failed: %w", err)
	}

	signers := p7.GetOnlySigner()
	if signers == nil {
		return nil, fmt.Errorf("cryptoutil: policy document must have exactly one signer")
	}

	if _, err := signers.Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates}); err != nil {
		return nil, fmt.Errorf("cryptoutil: signer certificate does not chain to realm: %w", err)
	}

	if ku := signers.KeyUsage; ku != 0 && ku != x509.KeyUsageDigitalSignature {
		return nil, fmt.Errorf("cryptoutil: signer keyUsage must be absent or digitalSignature only, got %v", ku)
	}

	return signers, nil
}
