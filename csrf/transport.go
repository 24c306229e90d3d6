package csrf

import (
	"crypto/subtle"
	"encoding/base64"
	"html/template"
	"net/http"
)

// Binder moves tokens in and out of HTTP messages according to the
// configured Transport. Embed and Extract never touch the Store.
type Binder struct {
	transport      Transport
	headerName     string
	responseHeader string
	formField      string
	cookie         http.Cookie
	tokenLen       int // encoded length of a generated token
}

// NewBinder builds a Binder from an already defaulted Config.
func NewBinder(cfg Config) *Binder {
	return &Binder{
		transport:      cfg.Transport,
		headerName:     cfg.HeaderName,
		responseHeader: cfg.ResponseHeaderName,
		formField:      cfg.FormField,
		tokenLen:       base64.RawURLEncoding.EncodedLen(cfg.TokenBytes),
		cookie: http.Cookie{
			Name:     cfg.CookieName,
			Path:     cfg.CookiePath,
			Domain:   cfg.CookieDomain,
			MaxAge:   cfg.CookieMaxAge,
			SameSite: cfg.CookieSameSite,
			Secure:   cfg.CookieSecure,
			// script must read it to mirror it into the header
			HttpOnly: false,
		},
	}
}

// Embed writes token into the response and returns r with the token attached
// to its context for the rendering layer.
//
// Params:
// - w: response writer receiving headers or cookies.
// - r: current request.
// - token: the token to hand to the client.
//
// Returns:
// - a shallow copy of r whose context carries the token.
func (b *Binder) Embed(w http.ResponseWriter, r *http.Request, token string) *http.Request {
	switch b.transport {
	case TransportField:
		// rendered by templates via TokenFromContext / TemplateField
	case TransportHeader:
		w.Header().Set(b.responseHeader, token)
	case TransportDoubleSubmit:
		c := b.cookie
		c.Value = token
		http.SetCookie(w, &c)
	}
	return r.WithContext(contextWithToken(r.Context(), token, b.formField))
}

// Extract reads the candidate token from r.
//
// Returns:
//   - the candidate and OutcomeValid when one was found,
//   - OutcomeMissingToken when the transport carries nothing,
//   - OutcomeTokenMismatch when double-submit cookie and header disagree.
func (b *Binder) Extract(r *http.Request) (string, Outcome) {
	switch b.transport {
	case TransportField:
		if v := r.PostFormValue(b.formField); v != "" {
			return v, OutcomeValid
		}
		// script clients mirror the field into the header
		if h := r.Header.Get(b.headerName); h != "" {
			return h, OutcomeValid
		}
		return "", OutcomeMissingToken
	case TransportHeader:
		if h := r.Header.Get(b.headerName); h != "" {
			return h, OutcomeValid
		}
		return "", OutcomeMissingToken
	case TransportDoubleSubmit:
		c, err := r.Cookie(b.cookie.Name)
		if err != nil || c.Value == "" {
			return "", OutcomeMissingToken
		}
		submitted := r.Header.Get(b.headerName)
		if submitted == "" {
			submitted = r.PostFormValue(b.formField)
		}
		if submitted == "" {
			return "", OutcomeMissingToken
		}
		if subtle.ConstantTimeCompare([]byte(c.Value), []byte(submitted)) != 1 {
			return "", OutcomeTokenMismatch
		}
		return submitted, OutcomeValid
	}
	return "", OutcomeMissingToken
}

// cookieToken returns the double-submit cookie value if it has the shape of a
// token this Binder's policy would generate.
func (b *Binder) cookieToken(r *http.Request) (string, bool) {
	c, err := r.Cookie(b.cookie.Name)
	if err != nil || len(c.Value) != b.tokenLen {
		return "", false
	}
	if _, err := base64.RawURLEncoding.DecodeString(c.Value); err != nil {
		return "", false
	}
	return c.Value, true
}

// TemplateField returns a hidden input carrying the request's token, or an
// empty string when the middleware did not attach one.
func TemplateField(r *http.Request) template.HTML {
	tok, field, ok := tokenAndFieldFromContext(r.Context())
	if !ok {
		return ""
	}
	return template.HTML(`<input type="hidden" name="` + template.HTMLEscapeString(field) +
		`" value="` + template.HTMLEscapeString(tok) + `">`)
}

// TemplateMeta returns a meta tag for script clients that send the header.
func TemplateMeta(r *http.Request) template.HTML {
	tok, ok := TokenFromContext(r.Context())
	if !ok {
		return ""
	}
	return template.HTML(`<meta name="csrf-token" content="` + template.HTMLEscapeString(tok) + `">`)
}
