package catalog

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"
)

// Sentinel errors for secret resolution.
var (
	// ErrMasterKeyMissing is returned when no master key can be resolved.
	ErrMasterKeyMissing = errors.New("master key not available (set WINDROSE_MASTER_KEY)")

	// ErrSecretNotFound is returned when a referenced secret does not exist.
	ErrSecretNotFound = errors.New("secret not found")
)

// masterKeyEnv names the environment variable carrying the master key.
const masterKeyEnv = "WINDROSE_MASTER_KEY"

// Argon2id parameters: time=3, memory=64MB, parallelism=4, 256-bit key for
// AES-256.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024
	argon2Parallelism = 4
	argon2KeyLength   = 32

	saltSize     = 16
	gcmNonceSize = 12
)

// SecretStore holds connector credentials in a single encrypted file. The
// file is a JSON envelope of {salt, nonce, data}; data is the AES-256-GCM
// ciphertext of a JSON name→value map, keyed by argon2id over the master key
// and a per-write random salt.
type SecretStore struct {
	path      string
	masterKey []byte
	mu        sync.RWMutex
}

// secretEnvelope is the on-disk structure of the encrypted secrets file.
type secretEnvelope struct {
	Salt  []byte `json:"salt"`
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
}

// NewSecretStore opens (or prepares to create) the encrypted secrets file at
// path. An empty masterKey falls back to the WINDROSE_MASTER_KEY environment
// variable.
func NewSecretStore(path, masterKey string) (*SecretStore, error) {
	if masterKey == "" {
		masterKey = os.Getenv(masterKeyEnv)
	}

	if masterKey == "" {
		return nil, ErrMasterKeyMissing
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create secrets directory: %w", err)
	}

	return &SecretStore{
		path:      path,
		masterKey: []byte(masterKey),
	}, nil
}

// Get returns the named secret's plaintext value.
func (s *SecretStore) Get(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secrets, err := s.load()
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}

		return "", err
	}

	value, ok := secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}

	return value, nil
}

// Set stores a secret, creating the file on first use.
func (s *SecretStore) Set(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	if secrets == nil {
		secrets = make(map[string]string)
	}

	secrets[name] = value

	return s.save(secrets)
}

// Delete removes a secret.
func (s *SecretStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}

		return err
	}

	if _, ok := secrets[name]; !ok {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}

	delete(secrets, name)

	return s.save(secrets)
}

// Keys returns the stored secret names in sorted order. A missing file is an
// empty store.
func (s *SecretStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secrets, err := s.load()
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}

		return nil, err
	}

	keys := make([]string, 0, len(secrets))
	for name := range secrets {
		keys = append(keys, name)
	}

	sort.Strings(keys)

	return keys, nil
}

func (s *SecretStore) load() (map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var envelope secretEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("invalid secrets file format: %w", err)
	}

	key := argon2.IDKey(s.masterKey, envelope.Salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	defer zeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, envelope.Nonce, envelope.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt secrets (wrong master key or corrupted file): %w", err)
	}
	defer zeroBytes(plaintext)

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("invalid decrypted secrets: %w", err)
	}

	return secrets, nil
}

func (s *SecretStore) save(secrets map[string]string) error {
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("encode secrets: %w", err)
	}
	defer zeroBytes(plaintext)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey(s.masterKey, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	defer zeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	envelope, err := json.Marshal(secretEnvelope{
		Salt:  salt,
		Nonce: nonce,
		Data:  gcm.Seal(nil, nonce, plaintext, nil),
	})
	if err != nil {
		return fmt.Errorf("encode secrets file: %w", err)
	}

	// Write-then-rename keeps the file intact if the process dies mid-write.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, envelope, 0o600); err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("replace secrets file: %w", err)
	}

	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return gcm, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
