package crypto

import (
	"crypto/rand"
	"math/big"
)

const (
	lowerChars  = "abcdefghijkmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	digitChars  = "23456789"
	symbolChars = "!@#$%*_-"
)

// PasswordGenerator produces credentials for accounts submitted with
// generate=true. Ambiguous glyphs (0/O, 1/l/I) are excluded.
type PasswordGenerator interface {
	GenerateSecure(length int) string
	GenerateUsername(prefix string, length int) string
}

type passwordGenerator struct{}

func NewPasswordGenerator() PasswordGenerator {
	return &passwordGenerator{}
}

// GenerateSecure returns a password of at least 8 characters containing at
// least one lower, upper, digit and symbol character.
func (g *passwordGenerator) GenerateSecure(length int) string {
	if length < 8 {
		length = 8
	}

	all := lowerChars + upperChars + digitChars + symbolChars
	out := []byte{
		pick(lowerChars),
		pick(upperChars),
		pick(digitChars),
		pick(symbolChars),
	}
	for len(out) < length {
		out = append(out, pick(all))
	}

	shuffle(out)
	return string(out)
}

// GenerateUsername returns prefix followed by lowercase letters and digits;
// the first generated character is always a letter.
func (g *passwordGenerator) GenerateUsername(prefix string, length int) string {
	if length < 6 {
		length = 6
	}

	out := []byte(prefix)
	out = append(out, pick(lowerChars))
	for len(out) < len(prefix)+length {
		out = append(out, pick(lowerChars+digitChars))
	}
	return string(out)
}

func pick(charset string) byte {
	return charset[randInt(len(charset))]
}

func shuffle(b []byte) {
	for i := len(b) - 1; i > 0; i-- {
		j := randInt(i + 1)
		b[i], b[j] = b[j], b[i]
	}
}

func randInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return int(v.Int64())
}
