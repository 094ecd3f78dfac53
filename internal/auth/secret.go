package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidSecret = errors.New("invalid job secret")
	ErrWeakSecret    = errors.New("job secret must be at least 16 characters")
)

// HashSecret hashes a job secret for the job_secret_hash setting.
func HashSecret(secret string) (string, error) {
	if len(secret) < 16 {
		return "", ErrWeakSecret
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// SecretVerifier checks presented job secrets against a bcrypt hash.
type SecretVerifier struct {
	hash []byte
}

// NewSecretVerifier returns nil when hash is empty, meaning no secret is
// required.
func NewSecretVerifier(hash string) (*SecretVerifier, error) {
	if hash == "" {
		return nil, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("job secret hash is not a bcrypt hash: %w", err)
	}
	return &SecretVerifier{hash: []byte(hash)}, nil
}

// Verify returns ErrInvalidSecret unless secret matches.
func (v *SecretVerifier) Verify(secret string) error {
	if secret == "" {
		return ErrInvalidSecret
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(secret)); err != nil {
		return ErrInvalidSecret
	}
	return nil
}
