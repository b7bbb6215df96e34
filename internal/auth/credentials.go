package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// AccessTokenPrefix marks the long-lived alias assigned at registration.
	AccessTokenPrefix = "access_token"
	// APIKeyPrefix marks the rotatable alias issued on demand.
	APIKeyPrefix = "user_key"

	saltLength     = 32
	pbkdf2Rounds   = 100000
	keyRandomChars = 24
)

const keyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// HashPassword derives a salted PBKDF2-SHA256 hash and encodes salt||hash
// as base64 for storage.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Rounds, sha256.Size, sha256.New)
	return base64.StdEncoding.EncodeToString(append(salt, derived...)), nil
}

// VerifyPassword checks a presented password against a stored hash.
func VerifyPassword(stored, password string) bool {
	decoded, err := base64.StdEncoding.DecodeString(stored)
	if err != nil || len(decoded) <= saltLength {
		return false
	}
	salt, want := decoded[:saltLength], decoded[saltLength:]
	got := pbkdf2.Key([]byte(password), salt, pbkdf2Rounds, sha256.Size, sha256.New)
	return subtle.ConstantTimeCompare(want, got) == 1
}

// GenerateCredential returns a fresh "<prefix>_<24 alnum>" credential string.
func GenerateCredential(prefix string) (string, error) {
	buf := make([]byte, keyRandomChars)
	max := big.NewInt(int64(len(keyAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate credential: %w", err)
		}
		buf[i] = keyAlphabet[n.Int64()]
	}
	return fmt.Sprintf("%s_%s", prefix, buf), nil
}

// NewUserID returns a globally unique opaque account identifier.
func NewUserID() string {
	return uuid.NewString()
}
