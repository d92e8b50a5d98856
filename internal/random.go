package internal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
)

// RandomToken returns n random bytes encoded as unpadded base64url. Used
// for single-use bearer values (verification, reset, email change, OAuth
// state, API keys).
func RandomToken(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("token size must be > 0")
	}
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// RandomCode draws length characters from alphabet with crypto/rand,
// unbiased via rand.Int. Used for human-typed backup codes.
func RandomCode(alphabet string, length int) (string, error) {
	if alphabet == "" || length <= 0 {
		return "", errors.New("invalid code shape")
	}

	var b strings.Builder
	b.Grow(length)

	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}
