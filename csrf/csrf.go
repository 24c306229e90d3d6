package csrf

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Methods that require CSRF protection
var unsafeMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Protect wraps the given next http.Handler and enforces CSRF protection.
//
// Behavior:
//   - For "safe" methods (GET/HEAD/OPTIONS/...): ensures the session has an
//     active token, embeds it according to the configured transport and
//     injects it into the request context, then calls next.
//   - For "unsafe" methods (POST/PUT/PATCH/DELETE): optionally validates
//     Origin/Referer (when EnforceOriginCheck is true), extracts the client
//     token, validates it against the session's stored record and only then
//     calls next. One-time tokens are replaced before next runs.
//
// Every rejection is a 403 with the same body; the reason is only logged.
//
// Params:
// - next: downstream handler to be executed after CSRF checks pass.
//
// Returns:
// - An http.Handler that performs the CSRF logic before delegating to next.
func (p *Protector) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.isExemptPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		// 1) safe methods: issue or reuse, embed, continue
		if !unsafeMethods[r.Method] {
			r, err := p.issue(w, r)
			if err != nil {
				http.Error(w, "failed to issue CSRF token", http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		// 2) Origin/Referer validation (if enabled)
		if p.cfg.EnforceOriginCheck {
			if err := validateOriginOrReferer(r, p.cfg.AllowedOrigin); err != nil {
				p.logger.Info("csrf origin check failed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Error(err))
				p.reject(w, r, OutcomeTokenMismatch)
				return
			}
		}

		// 3) extract client-provided token
		candidate, outcome := p.binder.Extract(r)
		if outcome != OutcomeValid {
			p.reject(w, r, outcome)
			return
		}

		// 4) pure double-submit stops at the cookie/header comparison
		if p.storeless() {
			p.metrics.observeOutcome(OutcomeValid)
			next.ServeHTTP(w, r.WithContext(contextWithToken(r.Context(), candidate, p.cfg.FormField)))
			return
		}

		sessionID, err := p.sessions.SessionID(r)
		if err != nil || sessionID == "" {
			p.reject(w, r, OutcomeTokenMismatch)
			return
		}

		// 5) atomic check against the store; the validator logs and counts
		if outcome := p.validator.Validate(r.Context(), sessionID, candidate); outcome != OutcomeValid {
			p.onError(w, r, outcome)
			return
		}

		// 6) a consumed one-time token is replaced before the handler writes
		if p.policy.Mode == ModeOneTime {
			fresh, err := p.issueToken(r.Context(), sessionID, StateConsumed.String())
			if err != nil {
				// the request itself was valid; the client refetches on its next GET
				p.logger.Warn("csrf reissue after consume failed",
					zap.String("session", sessionFingerprint(sessionID)),
					zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			r = p.binder.Embed(w, r, fresh)
		} else {
			r = r.WithContext(contextWithToken(r.Context(), candidate, p.cfg.FormField))
		}

		next.ServeHTTP(w, r)
	})
}

// Wrap is Protect for routers that take handler funcs.
func (p *Protector) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return p.Protect(next).ServeHTTP
}

// issue makes sure the request's session has an active token and embeds it.
func (p *Protector) issue(w http.ResponseWriter, r *http.Request) (*http.Request, error) {
	if p.storeless() {
		tok, err := p.ensureCookieToken(w, r)
		if err != nil {
			return nil, err
		}
		return r.WithContext(contextWithToken(r.Context(), tok, p.cfg.FormField)), nil
	}

	sessionID, err := p.sessions.SessionID(r)
	if err != nil || sessionID == "" {
		// nothing to bind a token to; the session layer decides what happens
		p.logger.Debug("csrf token not issued: no session", zap.String("path", r.URL.Path))
		return r, nil
	}

	tok, err := p.activeToken(r.Context(), sessionID)
	if err != nil {
		return nil, err
	}
	return p.binder.Embed(w, r, tok), nil
}

// activeToken returns the session's usable token, creating one if the stored
// record is missing, expired or consumed.
func (p *Protector) activeToken(ctx context.Context, sessionID string) (string, error) {
	rec, err := p.store.Get(ctx, sessionID)
	switch {
	case err == nil:
		state := rec.State(p.now())
		if state == StateActive {
			return rec.Value, nil
		}
		return p.issueToken(ctx, sessionID, state.String())
	case errors.Is(err, ErrNotFound):
		return p.issueToken(ctx, sessionID, "new")
	default:
		p.metrics.observeStoreError("get")
		p.logger.Error("csrf token lookup failed",
			zap.String("session", sessionFingerprint(sessionID)),
			zap.Error(err))
		return "", err
	}
}

// issueToken offers a fresh token to the store, which keeps whatever active
// record a concurrent request stored first. Only a stored token counts as
// issued.
func (p *Protector) issueToken(ctx context.Context, sessionID, reason string) (string, error) {
	tok, err := GenerateToken(p.policy.ByteLength)
	if err != nil {
		return "", err
	}
	active, err := p.store.Issue(ctx, sessionID, tok, p.policy)
	if err != nil {
		p.metrics.observeStoreError("issue")
		p.logger.Error("csrf token store failed during issue",
			zap.String("session", sessionFingerprint(sessionID)),
			zap.Error(err))
		return "", err
	}
	if active != tok {
		return active, nil
	}
	p.metrics.observeIssued(reason)
	p.logger.Debug("csrf token issued",
		zap.String("session", sessionFingerprint(sessionID)),
		zap.String("reason", reason))
	return tok, nil
}

// reissue generates a token and stores it as the session's only record,
// replacing an active one.
func (p *Protector) reissue(ctx context.Context, sessionID, reason string) (string, error) {
	tok, err := GenerateToken(p.policy.ByteLength)
	if err != nil {
		return "", err
	}
	if err := p.store.Put(ctx, sessionID, tok, p.policy); err != nil {
		p.metrics.observeStoreError("put")
		p.logger.Error("csrf token store failed during issue",
			zap.String("session", sessionFingerprint(sessionID)),
			zap.Error(err))
		return "", err
	}
	p.metrics.observeIssued(reason)
	p.logger.Debug("csrf token issued",
		zap.String("session", sessionFingerprint(sessionID)),
		zap.String("reason", reason))
	return tok, nil
}

// ensureCookieToken checks for the CSRF token cookie on the incoming request.
// If present and looks valid, it returns the cookie value. Otherwise, it generates
// a new random token, sets it as a cookie on the response, and returns the value.
//
// Params:
// - w: response writer used to set the cookie when needed.
// - r: incoming request to inspect cookies from.
//
// Returns:
// - token string on success; empty string and error if token generation fails.
func (p *Protector) ensureCookieToken(w http.ResponseWriter, r *http.Request) (string, error) {
	if tok, ok := p.binder.cookieToken(r); ok {
		return tok, nil
	}

	tok, err := GenerateToken(p.policy.ByteLength)
	if err != nil {
		return "", err
	}
	p.binder.Embed(w, r, tok)
	p.metrics.observeIssued("new")
	return tok, nil
}

func (p *Protector) reject(w http.ResponseWriter, r *http.Request, outcome Outcome) {
	p.metrics.observeOutcome(outcome)
	p.logger.Info("csrf validation rejected",
		zap.String("outcome", outcome.String()),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path))
	p.onError(w, r, outcome)
}

// SessionEnded drops the session's token. Call it from the session layer's
// logout or expiry hook.
func (p *Protector) SessionEnded(ctx context.Context, sessionID string) error {
	if p.storeless() || sessionID == "" {
		return nil
	}
	if err := p.store.Invalidate(ctx, sessionID); err != nil {
		p.metrics.observeStoreError("invalidate")
		return err
	}
	return nil
}

// Rotate revokes the session's current token and embeds a fresh one, e.g.
// right after login when the session gains privileges.
//
// Returns:
// - r with the new token in its context.
func (p *Protector) Rotate(ctx context.Context, w http.ResponseWriter, r *http.Request, sessionID string) (*http.Request, error) {
	if p.storeless() {
		tok, err := GenerateToken(p.policy.ByteLength)
		if err != nil {
			return nil, err
		}
		p.metrics.observeIssued("rotate")
		return p.binder.Embed(w, r, tok), nil
	}
	if err := p.store.Invalidate(ctx, sessionID); err != nil {
		p.metrics.observeStoreError("invalidate")
		return nil, err
	}
	tok, err := p.reissue(ctx, sessionID, "rotate")
	if err != nil {
		return nil, err
	}
	return p.binder.Embed(w, r, tok), nil
}

// TokenHandler returns an HTTP handler that writes the current CSRF token.
// This is useful for SPAs to fetch the token and attach it to subsequent requests.
//
// Returns:
// - http.Handler that responds with the token in the response body (text/plain).
func (p *Protector) TokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok, ok := TokenFromContext(r.Context()); ok {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Write([]byte(tok))
			return
		}
		http.Error(w, "no token", http.StatusInternalServerError)
	})
}

func (p *Protector) isExemptPath(path string) bool {
	for _, exempt := range p.cfg.ExemptPaths {
		if exempt == path {
			return true
		}
		// prefix match for entries ending with /
		if strings.HasSuffix(exempt, "/") && strings.HasPrefix(path, exempt) {
			return true
		}
	}
	return false
}

// validateOriginOrReferer checks whether the request is same-site according to
// the allowed host policy. When allowed is empty, it falls back to r.Host.
// It prefers the Origin header; if empty, it falls back to Referer.
//
// Params:
//   - r: the incoming request containing Origin/Referer headers.
//   - allowed: the allowed host (domain[:port]) to be considered same-site;
//     if empty, r.Host is used.
//
// Returns:
// - nil when origin/referrer is acceptable; otherwise an error describing the issue.
func validateOriginOrReferer(r *http.Request, allowed string) error {
	// if allowed is empty, use the current request host as baseline
	host := allowed
	if host == "" {
		host = r.Host
	}

	// Prefer Origin; if empty, use Referer.
	origin := r.Header.Get("Origin")
	ref := r.Header.Get("Referer")

	if origin == "" && ref == "" {
		return errors.New("no origin/referer")
	}
	if origin != "" && !sameSite(origin, host) {
		return errors.New("bad origin")
	}
	if origin == "" && ref != "" && !sameSite(ref, host) {
		return errors.New("bad referer")
	}
	return nil
}
