// Package credstore provides on-disk storage for a device's Qeo
// credentials: an RSA private key and the three-certificate chain issued
// for it, indexed by friendly name. Keys are optionally sealed at rest with
// AES-256-GCM.
package credstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/qeo-project/realm-security/pkg/cryptoutil"
)

// ErrNotFound is returned when no credentials are stored for a friendly
// name.
var ErrNotFound = errors.New("credstore: no credentials stored for this identity")

const (
	keyFileName   = "key.pem"
	chainFileName = "chain.pem"
)

// Store manages on-disk credential storage, one directory per friendly
// name under root.
type Store struct {
	root   string
	encKey []byte
	mu     sync.RWMutex
}

// StoreOption configures the credential store.
type StoreOption func(*Store)

// WithSealingKey enables AES-256-GCM sealing of the private key file.
// key must be exactly 32 bytes.
func WithSealingKey(key []byte) StoreOption {
	return func(s *Store) {
		s.encKey = key
	}
}

// WithPassphrase derives a 32-byte AES-256-GCM sealing key from passphrase
// via HKDF-SHA256, salted with friendlyName so that each stored identity is
// sealed under an independent key even when the passphrase is shared.
func WithPassphrase(passphrase, friendlyName string) StoreOption {
	return func(s *Store) {
		r := hkdf.New(sha256.New, []byte(passphrase), []byte(friendlyName), []byte("qeo-credstore-seal"))
		key := make([]byte, 32)
		if _, err := io.ReadFull(r, key); err != nil {
			panic(fmt.Sprintf("credstore: derive sealing key: %v", err))
		}
		s.encKey = key
	}
}

// NewStore creates a store rooted at dir, creating it if necessary.
func NewStore(dir string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credstore: create root dir: %w", err)
	}
	s := &Store{root: dir}
	for _, opt := range opts {
		opt(s)
	}
	if s.encKey != nil && len(s.encKey) != 32 {
		return nil, fmt.Errorf("credstore: sealing key must be 32 bytes for AES-256")
	}
	return s, nil
}

func (s *Store) dirFor(friendlyName string) string {
	return filepath.Join(s.root, friendlyName)
}

// Save persists key and chain under friendlyName, overwriting any existing
// credentials for that identity.
func (s *Store) Save(ctx context.Context, friendlyName string, key *rsa.PrivateKey, chain []*x509.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.dirFor(friendlyName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("credstore: create identity dir: %w", err)
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("credstore: marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})

	if s.encKey != nil {
		keyPEM, err = s.encrypt(keyPEM)
		if err != nil {
			return fmt.Errorf("credstore: seal private key: %w", err)
		}
	}

	if err := writeFileAtomic(filepath.Join(dir, keyFileName), keyPEM, 0o600); err != nil {
		return fmt.Errorf("credstore: write key file: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, chainFileName), cryptoutil.EncodeChain(chain), 0o644); err != nil {
		return fmt.Errorf("credstore: write chain file: %w", err)
	}
	return nil
}

// Load retrieves the stored key and chain for friendlyName.
func (s *Store) Load(ctx context.Context, friendlyName string) (*rsa.PrivateKey, []*x509.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := s.dirFor(friendlyName)
	keyPEM, err := os.ReadFile(filepath.Join(dir, keyFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("credstore: read key file: %w", err)
	}

	if s.encKey != nil {
		keyPEM, err = s.decrypt(keyPEM)
		if err != nil {
			return nil, nil, fmt.Errorf("credstore: unseal private key: %w", err)
		}
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("credstore: key file is not valid PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("credstore: parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("credstore: stored key is not RSA")
	}

	chainPEM, err := os.ReadFile(filepath.Join(dir, chainFileName))
	if err != nil {
		return nil, nil, fmt.Errorf("credstore: read chain file: %w", err)
	}
	chain, err := cryptoutil.DecodeChain(chainPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("credstore: decode chain: %w", err)
	}

	return key, chain, nil
}

// Delete removes all stored credentials for friendlyName.
func (s *Store) Delete(ctx context.Context, friendlyName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.dirFor(friendlyName)); err != nil {
		return fmt.Errorf("credstore: delete identity dir: %w", err)
	}
	return nil
}

// List enumerates the friendly names for which credentials are stored.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("credstore: list root dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, errors.New("credstore: sealed data too short")
	}
	nonce, ct := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

// writeFileAtomic writes data to a temp file in the same directory as path
// and renames it into place, so a concurrent reader never observes a
// partial write.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
