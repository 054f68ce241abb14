// Package shortid creates request identifiers and their compact display form.
//
// A request identifier is a random UUID v4 carried on the wire as a
// correlation token. Its short form is the base-58 encoding of the 16 raw
// bytes and is only ever used for display and lookup; it is never decoded
// back into an identifier.
package shortid

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Alphabet excludes 0, O, I and l.
const Alphabet = "123456789abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ"

// Size is the byte length of an identifier.
const Size = 16

// ErrInvalidArgument is returned when the input is not a 16-byte identifier.
var ErrInvalidArgument = errors.New("shortid: invalid argument")

// Generate returns a new random identifier in its canonical
// xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx form.
// It panics if the secure random source is unavailable.
func Generate() string {
	return uuid.New().String()
}

// New returns a fresh identifier together with its short form.
func New() (reqID, shortID string) {
	id := uuid.New()
	return id.String(), FromUUID(id)
}

// FromUUID returns the short form of id.
func FromUUID(id uuid.UUID) string {
	return encode(id[:])
}

// Encode returns the base-58 short form of a raw 16-byte identifier.
func Encode(b []byte) (string, error) {
	if len(b) != Size {
		return "", fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidArgument, Size, len(b))
	}
	return encode(b), nil
}

// EncodeString accepts the textual form of an identifier. Hyphens are
// stripped before the remaining hex digits are decoded.
func EncodeString(s string) (string, error) {
	raw := strings.ReplaceAll(s, "-", "")
	if len(raw) != Size*2 {
		return "", fmt.Errorf("%w: %q is not a %d-byte identifier", ErrInvalidArgument, s, Size)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return encode(b), nil
}

// encode folds the input into base-58 digits one byte at a time.
// digits is least significant first.
func encode(b []byte) string {
	digits := make([]int, 1, 24)
	for _, v := range b {
		carry := int(v)
		for j := range digits {
			carry += digits[j] << 8
			digits[j] = carry % 58
			carry /= 58
		}
		for carry > 0 {
			digits = append(digits, carry%58)
			carry /= 58
		}
	}

	var out strings.Builder
	out.Grow(len(b) + len(digits))
	// the last byte is left to the digits so an all-zero input keeps its length
	for i := 0; i < len(b)-1 && b[i] == 0; i++ {
		out.WriteByte(Alphabet[0])
	}
	for i := len(digits) - 1; i >= 0; i-- {
		out.WriteByte(Alphabet[digits[i]])
	}
	return out.String()
}
