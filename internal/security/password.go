package security

import (
	"crypto/rand"
	"errors"
	"math/big"
)

const passwordAlphabet = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GeneratePassword returns n characters drawn from crypto/rand.
// The alphabet avoids characters that need quoting in connection strings.
func GeneratePassword(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("password length must be positive")
	}
	max := big.NewInt(int64(len(passwordAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = passwordAlphabet[idx.Int64()]
	}
	return string(out), nil
}
