package secret

import (
	"strings"
	"unicode/utf8"
)

const (
	// MaskLen is the rune length of every non-empty mask.
	MaskLen = 16

	maskHead = 3
	maskTail = 4
	// Secrets shorter than this are masked without any visible characters.
	maskRevealMin = 12
)

var maskFillers = []rune{'*', '•', '#', 'x'}

// Mask returns a fixed-length display form of secret.
//
// Secrets of maskRevealMin runes or more keep their first 3 and last 4
// characters; shorter ones are fully hidden. The result never contains secret
// as a substring. An unset secret masks to "".
func Mask(secret string) string {
	if secret == "" {
		return ""
	}

	runes := []rune(secret)
	if len(runes) >= maskRevealMin {
		m := string(runes[:maskHead]) +
			strings.Repeat(string(maskFillers[0]), MaskLen-maskHead-maskTail) +
			string(runes[len(runes)-maskTail:])
		if !strings.Contains(m, secret) {
			return m
		}
	}

	// A non-empty secret cannot consist solely of two different runes, so one
	// of the uniform fillers always works.
	for _, f := range maskFillers {
		m := strings.Repeat(string(f), MaskLen)
		if !strings.Contains(m, secret) {
			return m
		}
	}
	return strings.Repeat("*", MaskLen)
}

// IsMask reports whether s looks like output of Mask.
func IsMask(s string) bool {
	if utf8.RuneCountInString(s) != MaskLen {
		return false
	}
	for _, f := range maskFillers {
		if strings.ContainsRune(s, f) && strings.Count(s, string(f)) >= MaskLen-maskHead-maskTail {
			return true
		}
	}
	return false
}
