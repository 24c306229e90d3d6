package csrf

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultedConfig(transport Transport) Config {
	return Config{
		Transport:          transport,
		CookieName:         "csrf_token",
		CookiePath:         "/",
		CookieSecure:       true,
		CookieSameSite:     http.SameSiteStrictMode,
		HeaderName:         "X-CSRF-Token",
		ResponseHeaderName: "X-CSRF-Token",
		FormField:          "csrf_token",
	}
}

// roundTrip embeds token in a response and builds the next request the way a
// browser or script client would.
func roundTrip(t *testing.T, b *Binder, transport Transport, token string) *http.Request {
	t.Helper()
	rec := httptest.NewRecorder()
	r := b.Embed(rec, httptest.NewRequest(http.MethodGet, "/form", nil), token)
	res := rec.Result()
	defer res.Body.Close()

	switch transport {
	case TransportField:
		tok, ok := TokenFromContext(r.Context())
		require.True(t, ok)
		form := url.Values{}
		form.Set(FieldName(r.Context()), tok)
		req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req
	case TransportHeader:
		req := httptest.NewRequest(http.MethodPost, "/submit", nil)
		req.Header.Set("X-CSRF-Token", res.Header.Get("X-CSRF-Token"))
		return req
	default:
		req := httptest.NewRequest(http.MethodPost, "/submit", nil)
		for _, c := range res.Cookies() {
			req.AddCookie(c)
			req.Header.Set("X-CSRF-Token", c.Value)
		}
		return req
	}
}

func TestBinder_RoundTrip(t *testing.T) {
	token, err := GenerateToken(32)
	require.NoError(t, err)

	for _, transport := range []Transport{TransportField, TransportHeader, TransportDoubleSubmit} {
		t.Run(transport.String(), func(t *testing.T) {
			b := NewBinder(defaultedConfig(transport))
			got, outcome := b.Extract(roundTrip(t, b, transport, token))
			assert.Equal(t, OutcomeValid, outcome)
			assert.Equal(t, token, got)
		})
	}
}

func TestBinder_MissingToken(t *testing.T) {
	for _, transport := range []Transport{TransportField, TransportHeader, TransportDoubleSubmit} {
		t.Run(transport.String(), func(t *testing.T) {
			b := NewBinder(defaultedConfig(transport))
			_, outcome := b.Extract(httptest.NewRequest(http.MethodPost, "/submit", nil))
			assert.Equal(t, OutcomeMissingToken, outcome)
		})
	}
}

func TestBinder_HeaderTransportIgnoresFormField(t *testing.T) {
	b := NewBinder(defaultedConfig(TransportHeader))
	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader("csrf_token=abc"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, outcome := b.Extract(req)
	assert.Equal(t, OutcomeMissingToken, outcome)
}

func TestBinder_FieldTransportFallsBackToHeader(t *testing.T) {
	b := NewBinder(defaultedConfig(TransportField))
	req := httptest.NewRequest(http.MethodPost, "/submit", nil)
	req.Header.Set("X-CSRF-Token", "from-script")

	got, outcome := b.Extract(req)
	assert.Equal(t, OutcomeValid, outcome)
	assert.Equal(t, "from-script", got)
}

func TestBinder_DoubleSubmitRequiresBoth(t *testing.T) {
	b := NewBinder(defaultedConfig(TransportDoubleSubmit))

	onlyCookie := httptest.NewRequest(http.MethodPost, "/submit", nil)
	onlyCookie.AddCookie(&http.Cookie{Name: "csrf_token", Value: "abc"})
	_, outcome := b.Extract(onlyCookie)
	assert.Equal(t, OutcomeMissingToken, outcome)

	onlyHeader := httptest.NewRequest(http.MethodPost, "/submit", nil)
	onlyHeader.Header.Set("X-CSRF-Token", "abc")
	_, outcome = b.Extract(onlyHeader)
	assert.Equal(t, OutcomeMissingToken, outcome)

	mismatch := httptest.NewRequest(http.MethodPost, "/submit", nil)
	mismatch.AddCookie(&http.Cookie{Name: "csrf_token", Value: "abc"})
	mismatch.Header.Set("X-CSRF-Token", "xyz")
	_, outcome = b.Extract(mismatch)
	assert.Equal(t, OutcomeTokenMismatch, outcome)
}

func TestBinder_DoubleSubmitCookieAttributes(t *testing.T) {
	b := NewBinder(defaultedConfig(TransportDoubleSubmit))
	rec := httptest.NewRecorder()
	b.Embed(rec, httptest.NewRequest(http.MethodGet, "/", nil), "tok")

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.True(t, c.Secure)
	assert.False(t, c.HttpOnly, "script must be able to read the cookie")
	assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
}

func TestBinder_CookieTokenMatchesPolicyLength(t *testing.T) {
	cfg := defaultedConfig(TransportDoubleSubmit)
	cfg.TokenBytes = 32
	b := NewBinder(cfg)

	withCookie := func(value string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.AddCookie(&http.Cookie{Name: "csrf_token", Value: value})
		return r
	}

	token, err := GenerateToken(32)
	require.NoError(t, err)
	got, ok := b.cookieToken(withCookie(token))
	assert.True(t, ok)
	assert.Equal(t, token, got)

	// long enough for the 16 byte floor, far too short for a 32 byte token
	_, ok = b.cookieToken(withCookie(strings.Repeat("a", 20)))
	assert.False(t, ok)

	_, ok = b.cookieToken(withCookie(token + "a"))
	assert.False(t, ok)

	_, ok = b.cookieToken(withCookie(strings.Repeat("*", len(token))))
	assert.False(t, ok, "not base64url")

	_, ok = b.cookieToken(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, ok)
}

func TestTemplateHelpers(t *testing.T) {
	b := NewBinder(defaultedConfig(TransportField))
	r := b.Embed(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), `a"b`)

	assert.Equal(t, `<input type="hidden" name="csrf_token" value="a&#34;b">`, string(TemplateField(r)))
	assert.Equal(t, `<meta name="csrf-token" content="a&#34;b">`, string(TemplateMeta(r)))

	bare := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, TemplateField(bare))
	assert.Empty(t, TemplateMeta(bare))
	assert.Equal(t, "csrf_token", FieldName(bare.Context()))
}
