package utils

import (
	"crypto/rand"
	"encoding/base64"

	"golang.org/x/crypto/bcrypt"
)

// ownerKeyBytes is the entropy of a generated owner key.
const ownerKeyBytes = 24

// GenerateOwnerKey returns a random URL-safe key handed to a community owner once.
func GenerateOwnerKey() (string, error) {
	b := make([]byte, ownerKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashOwnerKey hashes a plain owner key using bcrypt.
func HashOwnerKey(key string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckOwnerKey compares a plain owner key with its hash.
func CheckOwnerKey(plain, hashed string) bool {
	if plain == "" || hashed == "" {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
	return err == nil
}
