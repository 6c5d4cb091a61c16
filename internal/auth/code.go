// Package auth owns the rotating short codes that gate client admission:
// generation, timing-safe comparison, and the lock-aware rotation state
// machine that keeps the placard QR code current.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// codeBytes is the entropy drawn per code. Six random bytes encode to eight
// URL-safe characters, which keeps the placard QR code small while still
// putting online brute force far beyond the code's 15-minute lifetime.
const codeBytes = 6

// Code is an opaque short auth token embedded in the placard QR URL.
// The zero value means "no code" and never compares equal to anything.
type Code string

// NewCode returns a fresh cryptographically random code.
func NewCode() (Code, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate auth code: %w", err)
	}
	return Code(base64.RawURLEncoding.EncodeToString(buf)), nil
}

// Equal compares two codes in constant time. Both sides are copied into
// equal-size buffers first, so a length mismatch folds into the result
// instead of returning early. Empty codes never match: a request bearing no
// code must not pass against a slot that holds none.
func (c Code) Equal(other Code) bool {
	if len(c) == 0 || len(other) == 0 {
		return false
	}
	n := len(c)
	if len(other) > n {
		n = len(other)
	}
	a := make([]byte, n)
	b := make([]byte, n)
	copy(a, c)
	copy(b, other)
	sameLen := subtle.ConstantTimeEq(int32(len(c)), int32(len(other)))
	return subtle.ConstantTimeCompare(a, b)&sameLen == 1
}
