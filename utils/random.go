package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// GenerateCode returns n random bytes as an uppercase hex string.
func GenerateCode(n int) (string, error) {
	byt := make([]byte, n)

	if _, err := rand.Read(byt); err != nil {
		return "", err
	}

	return strings.ToUpper(hex.EncodeToString(byt)), nil
}

// GenerateConnectionID mints an identifier the transport gateway attaches to a
// socket for its whole lifetime.
func GenerateConnectionID() string {
	byt := make([]byte, 16)
	if _, err := rand.Read(byt); err != nil {
		// crypto/rand only fails when the OS entropy source is broken
		panic(err)
	}
	return fmt.Sprintf("conn_%s", hex.EncodeToString(byt))
}

var connectionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// IsValidConnectionID rejects identifiers the gateway could not have minted.
func IsValidConnectionID(id string) bool {
	if len(id) < 8 || len(id) > 128 {
		return false
	}
	return connectionIDPattern.MatchString(id)
}
