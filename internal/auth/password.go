package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/LABPAAD/site-paad-backend/internal/domain"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 72
)

var passwordCost = bcrypt.DefaultCost

// dummyHash is compared against when no account matches, so a missing
// account costs the same bcrypt work as a wrong password.
var dummyHash = sync.OnceValue(func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("paad-timing-equalizer"), passwordCost)
	if err != nil {
		panic(fmt.Sprintf("generate dummy hash: %v", err))
	}
	return hash
})

func validatePassword(password string) error {
	if strings.TrimSpace(password) == "" {
		return domain.New(domain.KindValidation, "password is required")
	}
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return domain.New(domain.KindValidation, fmt.Sprintf("password must be between %d and %d bytes", minPasswordLength, maxPasswordLength))
	}
	return nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), passwordCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func passwordMatches(hash, password string) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashToken returns the hex sha256 digest under which one-time tokens are
// stored. Plaintext tokens are never persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomToken(r io.Reader, size int) (string, error) {
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func normalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

var defaultRand io.Reader = rand.Reader
