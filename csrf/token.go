package csrf

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// MinTokenBytes is the smallest accepted token length (128 bits).
const MinTokenBytes = 16

// GenerateToken returns a random URL-safe token built from n bytes of
// crypto/rand output.
//
// Params:
// - n: number of random bytes; must be at least MinTokenBytes.
//
// Returns:
// - the base64url (unpadded) encoding of the random bytes, or an error wrapping
// ErrInvalidConfiguration when n is too small.
func GenerateToken(n int) (string, error) {
	if n < MinTokenBytes {
		return "", fmt.Errorf("%w: token length %d bytes is below the %d byte minimum", ErrInvalidConfiguration, n, MinTokenBytes)
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// sameSite reports whether originOrRef points at allowedHost.
func sameSite(originOrRef, allowedHost string) bool {
	u, err := url.Parse(originOrRef)
	if err != nil {
		return false
	}
	// host only (port included when present)
	return strings.EqualFold(u.Host, allowedHost)
}
