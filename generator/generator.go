// Package generator produces throwaway test credentials: usernames,
// passwords and email addresses for filling signup forms against
// development environments.
package generator

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
)

const DefaultPasswordLength = 12

var (
	adjectives     = []string{"fast", "cool", "smart", "silent", "brave", "lucky", "happy", "wild"}
	animals        = []string{"lion", "tiger", "bear", "wolf", "fox", "eagle", "hawk", "owl"}
	emailProviders = []string{"gmail.com", "yahoo.com", "outlook.com", "mail.com"}
	passwordChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@#$%^&*()_+-="
)

// Username returns adjective + animal + number below 1000.
func Username() (string, error) {
	adj, err := pick(adjectives)
	if err != nil {
		return "", err
	}
	animal, err := pick(animals)
	if err != nil {
		return "", err
	}
	n, err := rand.Int(rand.Reader, big.NewInt(1000))
	if err != nil {
		return "", fmt.Errorf("failed to draw random number: %w", err)
	}
	return fmt.Sprintf("%s%s%d", adj, animal, n.Int64()), nil
}

// Password returns a random password of the given length drawn from the
// character pool. A non-positive length falls back to the default.
func Password(length int) (string, error) {
	if length <= 0 {
		length = DefaultPasswordLength
	}

	raw := make([]byte, length*4)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	out := make([]byte, length)
	for i := 0; i < length; i++ {
		v := binary.BigEndian.Uint32(raw[i*4 : i*4+4])
		out[i] = passwordChars[v%uint32(len(passwordChars))]
	}
	return string(out), nil
}

// Email returns username@provider.
func Email() (string, error) {
	user, err := Username()
	if err != nil {
		return "", err
	}
	provider, err := pick(emailProviders)
	if err != nil {
		return "", err
	}
	return user + "@" + provider, nil
}

func pick(values []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(values))))
	if err != nil {
		return "", fmt.Errorf("failed to draw random index: %w", err)
	}
	return values[n.Int64()], nil
}
