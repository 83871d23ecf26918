package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/scrypt"

	"github.com/voltgrid/ocpp-gateway/internal/domain"
)

// scrypt parameters for stored credentials.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// HashSecret derives the stored form of a secret under the given algorithm
// and salt, hex encoded.
func HashSecret(algorithm, salt, secret string) (string, error) {
	switch algorithm {
	case domain.HashScrypt:
		key, err := scrypt.Key([]byte(secret), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
		if err != nil {
			return "", fmt.Errorf("scrypt: %w", err)
		}
		return hex.EncodeToString(key), nil
	case domain.HashSHA256, "":
		sum := sha256.Sum256([]byte(salt + secret))
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unknown hash algorithm %q", algorithm)
	}
}

// verifySecret compares a presented secret against the stored hash in
// constant time.
func verifySecret(algorithm, salt, secret, storedHash string) bool {
	computed, err := HashSecret(algorithm, salt, secret)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}
