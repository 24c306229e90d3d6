package server

import (
	"context"
	"net/http"
	"time"

	"github.com/JeanGrijp/csrfguard/csrf"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const maxSessions = 10_000

type session struct {
	ID   string
	User string
}

type sessionKey struct{}

// Sessions is a minimal in-memory cookie session manager for the demo pages.
// Real deployments plug their own session layer into csrf.SessionProvider.
//
// onEnd runs for every session that leaves the cache, whether it expired, was
// evicted for space, or was removed by Login or Destroy.
type Sessions struct {
	cookieName string
	secure     bool
	ttl        time.Duration
	cache      *expirable.LRU[string, session]
}

func NewSessions(cookieName string, ttl time.Duration, secure bool, onEnd func(id string)) *Sessions {
	var onEvict expirable.EvictCallback[string, session]
	if onEnd != nil {
		onEvict = func(id string, _ session) { onEnd(id) }
	}
	return &Sessions{
		cookieName: cookieName,
		secure:     secure,
		ttl:        ttl,
		cache:      expirable.NewLRU[string, session](maxSessions, onEvict, ttl),
	}
}

// Middleware attaches the caller's session to the request context, starting
// a new one when the cookie is absent or unknown.
func (s *Sessions) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(s.cookieName); err == nil {
			if sess, ok := s.cache.Get(c.Value); ok {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
				return
			}
		}
		sess := s.start(w, "")
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
	})
}

// Provider exposes the context session to the csrf middleware.
func (s *Sessions) Provider() csrf.SessionProvider {
	return csrf.SessionProviderFunc(func(r *http.Request) (string, error) {
		sess, ok := sessionFrom(r.Context())
		if !ok {
			return "", csrf.ErrNoSession
		}
		return sess.ID, nil
	})
}

// Login replaces the current session with a fresh one owned by user.
func (s *Sessions) Login(w http.ResponseWriter, previous, user string) session {
	if previous != "" {
		s.cache.Remove(previous)
	}
	return s.start(w, user)
}

// Destroy drops the session and expires its cookie.
func (s *Sessions) Destroy(w http.ResponseWriter, id string) {
	s.cache.Remove(id)
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Sessions) start(w http.ResponseWriter, user string) session {
	sess := session{ID: uuid.NewString(), User: user}
	s.cache.Add(sess.ID, sess)
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    sess.ID,
		Path:     "/",
		MaxAge:   int(s.ttl / time.Second),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return sess
}

func sessionFrom(ctx context.Context) (session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(session)
	return sess, ok
}
