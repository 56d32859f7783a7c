package dialog

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hash returns the identifier of the two-party dialog between the hex
// encoded KEM public keys a and b. Argument order does not matter.
func Hash(a, b string) string {
	if b < a {
		a, b = b, a
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{a, b}, "|")))
	return hex.EncodeToString(sum[:])
}
