package random

import (
	"crypto/rand"
)

const letters = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// RandomString returns a string of the given length drawn from [0-9A-Za-z].
func RandomString(stringLength int) (string, error) {
	bytes := make([]byte, stringLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	// Run through bytes; replacing each with the equivalent random char.
	for i, b := range bytes {
		bytes[i] = letters[b%byte(len(letters))]
	}
	return string(bytes), nil
}
