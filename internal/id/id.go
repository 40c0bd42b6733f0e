// Package id generates short URL-safe random identifiers.
package id

import (
	"crypto/rand"
	"fmt"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"

const (
	SessionLength = 10
	PlayerLength  = 12
)

// New returns a random identifier of n characters. The alphabet has exactly 64 symbols so every
// random byte maps onto it without bias.
func New(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("id: invalid length %d", n)
	}

	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("id: read random: %w", err)
	}

	for i := range b {
		b[i] = alphabet[b[i]&63]
	}

	return string(b), nil
}

// Session returns an identifier short enough to be shared and typed by humans.
func Session() (string, error) {
	return New(SessionLength)
}

func Player() (string, error) {
	return New(PlayerLength)
}
