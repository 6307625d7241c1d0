package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateSecure_CharacterClasses(t *testing.T) {
	gen := NewPasswordGenerator()

	for i := 0; i < 50; i++ {
		pw := gen.GenerateSecure(12)
		assert.Len(t, pw, 12)
		assert.True(t, strings.ContainsAny(pw, lowerChars), pw)
		assert.True(t, strings.ContainsAny(pw, upperChars), pw)
		assert.True(t, strings.ContainsAny(pw, digitChars), pw)
		assert.True(t, strings.ContainsAny(pw, symbolChars), pw)
	}
}

func TestGenerateSecure_MinimumLength(t *testing.T) {
	assert.Len(t, NewPasswordGenerator().GenerateSecure(3), 8)
}

func TestGenerateUsername(t *testing.T) {
	gen := NewPasswordGenerator()

	name := gen.GenerateUsername("reg_", 10)
	assert.True(t, strings.HasPrefix(name, "reg_"))
	assert.Len(t, name, 14)
	assert.True(t, strings.ContainsAny(name[4:5], lowerChars))

	short := gen.GenerateUsername("", 2)
	assert.Len(t, short, 6)
}

func TestGenerateUsername_Uniqueness(t *testing.T) {
	gen := NewPasswordGenerator()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		seen[gen.GenerateUsername("u", 12)] = true
	}
	assert.Len(t, seen, 100)
}
