package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"

	"hyperush/internal/apperr"
)

// HeaderName carries the client supplied key.
const HeaderName = "x-idempotency-key"

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._~-]{10,64}$`)

// ValidateKey checks the shape of a client supplied idempotency key.
func ValidateKey(key string) error {
	if key == "" {
		return apperr.NewValidation("missing_idempotency_key", "x-idempotency-key header is required")
	}
	if !keyPattern.MatchString(key) {
		return apperr.NewValidation("invalid_idempotency_key",
			"idempotency key must be 10-64 characters of letters, digits, '.', '_', '~' or '-'")
	}
	return nil
}

// HashKey returns the hex sha256 used to address the stored record.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// BodyHash hashes the JSON encoding of a request payload. Callers pass a
// struct that names the operation so equal bodies of different operations
// never collide.
func BodyHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode body hash payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
