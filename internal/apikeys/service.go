// Package apikeys stores per-user exchange credentials encrypted at
// rest. Keys are sealed with AES-256-GCM before they touch the
// database and only decrypted in memory for the duration of a call.
package apikeys

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"upbit-trading-bot/internal/database"
)

// ErrNoCredentials means the user never stored an exchange key pair.
var ErrNoCredentials = errors.New("apikeys: no credentials on file")

// ErrDecryptFailed means the stored ciphertext does not open with the
// configured master secret. Auto trading must stop for the user until
// the keys are re-entered.
var ErrDecryptFailed = errors.New("apikeys: credential decryption failed")

// Credentials is a decrypted exchange key pair.
type Credentials struct {
	AccessKey string
	SecretKey string
}

// Service seals and unseals credentials against the user table.
type Service struct {
	users *database.UserRepository
	key   []byte // AES-256 key derived from the master secret
}

// NewService derives the cipher key from the master secret. Any secret
// length works; the key is its SHA-256 digest.
func NewService(users *database.UserRepository, masterSecret string) *Service {
	digest := sha256.Sum256([]byte(masterSecret))
	return &Service{users: users, key: digest[:]}
}

// Store encrypts and persists one user's key pair.
func (s *Service) Store(ctx context.Context, userID string, creds Credentials) error {
	access, err := s.seal(creds.AccessKey)
	if err != nil {
		return err
	}
	secret, err := s.seal(creds.SecretKey)
	if err != nil {
		return err
	}
	if err := s.users.SetCredentials(ctx, userID, access, secret); err != nil {
		return fmt.Errorf("apikeys: store: %w", err)
	}
	return nil
}

// Load decrypts the user's key pair. A tampered or re-keyed ciphertext
// returns ErrDecryptFailed, never garbage.
func (s *Service) Load(ctx context.Context, userID string) (*Credentials, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("apikeys: load user: %w", err)
	}
	return s.Unseal(user)
}

// Unseal decrypts the credentials already loaded on a user row.
func (s *Service) Unseal(user *database.User) (*Credentials, error) {
	if !user.HasCredentials() {
		return nil, ErrNoCredentials
	}
	access, err := s.open(user.AccessKeyEncrypted)
	if err != nil {
		return nil, err
	}
	secret, err := s.open(user.SecretKeyEncrypted)
	if err != nil {
		return nil, err
	}
	return &Credentials{AccessKey: access, SecretKey: secret}, nil
}

// seal encrypts a value as base64(nonce || ciphertext || tag).
func (s *Service) seal(plaintext string) (string, error) {
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("apikeys: nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Service) open(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecryptFailed
	}
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", ErrDecryptFailed
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

func (s *Service) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("apikeys: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("apikeys: gcm: %w", err)
	}
	return gcm, nil
}
