// Package keygen generates API key material and derives the lookup hash and
// display prefix from a plaintext key.
package keygen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

const (
	// DefaultTag is prepended to every generated key so keys are
	// recognisable in logs and secret scanners.
	DefaultTag = "kw"

	// PrefixLength is the number of leading plaintext characters stored for
	// display. It is not a security boundary.
	PrefixLength = 8

	entropyBytes = 32
	maxKeyLength = 256
)

// Material is a freshly generated key. Plaintext is shown to the caller once
// and never persisted.
type Material struct {
	Plaintext string
	Hash      string
	Prefix    string
}

// Generate builds a new key from 256 bits of crypto/rand output encoded as
// URL-safe base64 and tagged with tag (DefaultTag when empty).
func Generate(tag string) (Material, error) {
	if tag == "" {
		tag = DefaultTag
	}
	buf := make([]byte, entropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return Material{}, fmt.Errorf("generate random key: %w", err)
	}
	plaintext := tag + "_" + base64.RawURLEncoding.EncodeToString(buf)
	return Material{
		Plaintext: plaintext,
		Hash:      Hash(plaintext),
		Prefix:    PrefixOf(plaintext),
	}, nil
}

// Hash returns the hex-encoded SHA-256 digest of a plaintext key.
func Hash(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// PrefixOf returns the first PrefixLength characters of plaintext.
func PrefixOf(plaintext string) string {
	if len(plaintext) <= PrefixLength {
		return plaintext
	}
	return plaintext[:PrefixLength]
}

// WellFormed reports whether s could be a key at all: non-empty, bounded in
// length, free of whitespace and control characters. It does not require the
// tag so keys issued under an older tag keep working.
func WellFormed(s string) bool {
	if s == "" || len(s) > maxKeyLength {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r) || r > unicode.MaxASCII
	}) < 0
}
