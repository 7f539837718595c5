// Package crypto implements verification-code generation and hashing, and api key minting.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"math/big"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. Codes are short-lived, so these are lighter than password settings.
const (
	argonTime    uint32 = 1
	argonMemory  uint32 = 19 * 1024 // 19 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32
)

// CodeDigits is the width of verification codes (about 19.9 bits of entropy).
const CodeDigits = 6

// apiKeyBytes is the entropy of a minted api key.
const apiKeyBytes = 24

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// RandomDigits returns a uniformly random numeric string of width n.
func RandomDigits(n int) (string, error) {
	var sb strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		sb.WriteByte(byte('0' + d.Int64()))
	}
	return sb.String(), nil
}

// NewAPIKey returns a fresh upper-case hex api key.
func NewAPIKey() (string, error) {
	b, err := RandBytes(apiKeyBytes)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// HashCode returns the Argon2id hash of code using the provided salt.
func HashCode(code, salt []byte) []byte {
	return argon2.IDKey(code, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyCode verifies code against expected Argon2id hash and salt.
func VerifyCode(code, salt, expected []byte) bool {
	if len(expected) == 0 {
		return false
	}
	got := HashCode(code, salt)
	return subtle.ConstantTimeCompare(got, expected) == 1
}
