package codegen

import (
	"crypto/rand"
	"fmt"
)

// Alphabet excludes visually ambiguous characters (0/O, 1/I). Its length is 32,
// which divides 256, so byte%len is uniform.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Length bounds for generated codes
const (
	VoucherMinLength     = 6
	VoucherMaxLength     = 24
	VoucherDefaultLength = 10
	RequestMinLength     = 4
	RequestMaxLength     = 8
	RequestDefaultLength = 6
)

// Generate returns a random code of length n drawn from Alphabet.
func Generate(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("invalid code length %d", n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return string(buf), nil
}

// IsValid reports whether code consists only of Alphabet characters.
func IsValid(code string) bool {
	if code == "" {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !inAlphabet(code[i]) {
			return false
		}
	}
	return true
}

func inAlphabet(c byte) bool {
	for i := 0; i < len(Alphabet); i++ {
		if Alphabet[i] == c {
			return true
		}
	}
	return false
}
