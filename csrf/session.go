package csrf

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
)

// ErrNoSession is returned by a SessionProvider when the request carries no
// session.
var ErrNoSession = errors.New("csrf: no session")

// SessionProvider resolves the session a request belongs to. Sessions are
// owned by the application; this package only reads their identifier.
type SessionProvider interface {
	SessionID(r *http.Request) (string, error)
}

// SessionProviderFunc adapts a function to SessionProvider.
type SessionProviderFunc func(r *http.Request) (string, error)

func (f SessionProviderFunc) SessionID(r *http.Request) (string, error) {
	return f(r)
}

// CookieSessionProvider reads the session identifier from the named cookie.
func CookieSessionProvider(name string) SessionProvider {
	return SessionProviderFunc(func(r *http.Request) (string, error) {
		c, err := r.Cookie(name)
		if err != nil || c.Value == "" {
			return "", ErrNoSession
		}
		return c.Value, nil
	})
}

// sessionFingerprint identifies a session in logs without revealing it.
func sessionFingerprint(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:6])
}
