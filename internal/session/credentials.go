package session

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	ingestKeyBytes      = 24
	ingestHashSaltBytes = 16
	ingestHashKeyBytes  = 32
	ingestHashIter      = 60000
)

// NewIngestKey returns a random capability token the broadcaster presents
// when publishing the feed.
func NewIngestKey() (string, error) {
	buf := make([]byte, ingestKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate ingest key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashIngestKey derives the digest stored in the durable session record so the
// raw key never reaches persistence.
func HashIngestKey(key string) (string, error) {
	salt := make([]byte, ingestHashSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(key), salt, ingestHashIter, ingestHashKeyBytes, sha256.New)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s",
		ingestHashIter,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(derived),
	), nil
}

// VerifyIngestKey reports whether candidate matches an encoded digest from
// HashIngestKey.
func VerifyIngestKey(encoded, candidate string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return false
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return false
	}
	stored, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(stored) == 0 {
		return false
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(stored), sha256.New)
	return subtle.ConstantTimeCompare(derived, stored) == 1
}
