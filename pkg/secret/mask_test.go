package secret

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestMaskUnset(t *testing.T) {
	assert.Equal(t, "", Mask(""))
}

func TestMaskFixedLength(t *testing.T) {
	for _, s := range []string{"a", "short", "sk-1234567890", strings.Repeat("k", 200)} {
		assert.Equal(t, MaskLen, utf8.RuneCountInString(Mask(s)), s)
	}
}

func TestMaskRevealsEnds(t *testing.T) {
	m := Mask("sk-proj-abcdefghijklmnopWXYZ")
	assert.Equal(t, "sk-*********WXYZ", m)
	assert.True(t, IsMask(m))
}

func TestMaskHidesShortSecrets(t *testing.T) {
	assert.Equal(t, strings.Repeat("*", MaskLen), Mask("abc12345"))
}

func TestMaskNeverContainsSecret(t *testing.T) {
	secrets := []string{
		"*", "**", "****************", "*•", "x", "#", "•••",
		"sk-abc", "sk-ant-api03-0123456789", "AIzaSyD-0123456789abcdefghij",
		"*********************", "abc*********defg",
	}
	for _, s := range secrets {
		m := Mask(s)
		assert.NotEmpty(t, m, s)
		assert.NotContains(t, m, s, "mask of %q leaked it", s)
	}
}

func TestIsMask(t *testing.T) {
	assert.False(t, IsMask("sk-proj-abcdefghijklmnop"))
	assert.False(t, IsMask(""))
	assert.True(t, IsMask(Mask("sk-proj-abcdefghijklmnop")))
}
