package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/JeanGrijp/csrfguard/csrf"
	"github.com/JeanGrijp/csrfguard/internal/config"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var hiddenField = regexp.MustCompile(`name="csrf_token" value="([^"]+)"`)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.CSRF.CookieSecure = false
	return cfg
}

type client struct {
	t    *testing.T
	base string
	http *http.Client
}

func startServer(t *testing.T, cfg *config.Config) *client {
	t.Helper()
	s, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Close()
	})
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &client{t: t, base: ts.URL, http: &http.Client{Jar: jar}}
}

func (c *client) get(path string) (*http.Response, string) {
	c.t.Helper()
	res, err := c.http.Get(c.base + path)
	require.NoError(c.t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	return res, string(body)
}

func (c *client) postForm(path string, form url.Values, header http.Header) (*http.Response, string) {
	c.t.Helper()
	req, err := http.NewRequest(http.MethodPost, c.base+path, strings.NewReader(form.Encode()))
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range header {
		req.Header[k] = v
	}
	res, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	return res, string(body)
}

func (c *client) pageToken() string {
	c.t.Helper()
	res, body := c.get("/")
	require.Equal(c.t, http.StatusOK, res.StatusCode)
	m := hiddenField.FindStringSubmatch(body)
	require.Len(c.t, m, 2, "index page must embed the token")
	return m[1]
}

func transferForm(token string) url.Values {
	return url.Values{"csrf_token": {token}, "to": {"bob"}, "amount": {"10"}}
}

func TestServer_FormTransfer(t *testing.T) {
	c := startServer(t, testConfig(t))
	token := c.pageToken()

	res, _ := c.postForm("/transfer", transferForm(token), nil)
	assert.Equal(t, http.StatusCreated, res.StatusCode)

	res, body := c.postForm("/transfer", url.Values{"to": {"bob"}, "amount": {"10"}}, nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "Forbidden\n", body)

	res, body = c.postForm("/transfer", transferForm("forged-token-value-000"), nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "Forbidden\n", body, "rejections must not reveal the reason")
}

func TestServer_TokenBoundToSession(t *testing.T) {
	cfg := testConfig(t)
	alice := startServer(t, cfg)
	token := alice.pageToken()

	// a second browser against the same server
	mallory := &client{t: t, base: alice.base, http: &http.Client{}}
	jar, _ := cookiejar.New(nil)
	mallory.http.Jar = jar
	mallory.pageToken()

	res, _ := mallory.postForm("/transfer", transferForm(token), nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestServer_LoginRotatesToken(t *testing.T) {
	c := startServer(t, testConfig(t))
	old := c.pageToken()

	res, fresh := c.postForm("/login", url.Values{"csrf_token": {old}, "user": {"alice"}}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NotEmpty(t, fresh)
	assert.NotEqual(t, old, fresh)

	res, _ = c.postForm("/transfer", transferForm(old), nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	res, _ = c.postForm("/transfer", transferForm(fresh), nil)
	assert.Equal(t, http.StatusCreated, res.StatusCode)

	_, body := c.get("/")
	assert.Contains(t, body, "Signed in as alice")
}

func TestServer_LogoutEndsToken(t *testing.T) {
	c := startServer(t, testConfig(t))
	token := c.pageToken()

	res, _ := c.postForm("/logout", url.Values{"csrf_token": {token}}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, "redirect lands on the index page")

	res, _ = c.postForm("/transfer", transferForm(token), nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestServer_ExpiredSessionDropsToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.TTL = 100 * time.Millisecond
	s, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var id string
	for _, c := range rec.Result().Cookies() {
		if c.Name == cfg.Session.CookieName {
			id = c.Value
		}
	}
	require.NotEmpty(t, id)
	_, err = s.memory.Get(context.Background(), id)
	require.NoError(t, err, "the index page issues a token")

	assert.Eventually(t, func() bool {
		_, err := s.memory.Get(context.Background(), id)
		return errors.Is(err, csrf.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond, "token must go with its session")
}

func TestServer_RedisOneTimeHeader(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Store.Backend = config.BackendRedis
	cfg.Store.Redis.Addr = mr.Addr()
	cfg.CSRF.Mode = "one-time"
	cfg.CSRF.Transport = "header"

	c := startServer(t, cfg)
	res, token := c.get("/csrf-token")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, token, res.Header.Get("X-CSRF-Token"))

	hdr := http.Header{"X-Csrf-Token": {token}}
	res, _ = c.postForm("/transfer", url.Values{"to": {"bob"}, "amount": {"1"}}, hdr)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	next := res.Header.Get("X-CSRF-Token")
	assert.NotEmpty(t, next)
	assert.NotEqual(t, token, next)

	res, _ = c.postForm("/transfer", url.Values{"to": {"bob"}, "amount": {"1"}}, hdr)
	assert.Equal(t, http.StatusForbidden, res.StatusCode, "one-time token must not replay")

	res, _ = c.postForm("/transfer", url.Values{"to": {"bob"}, "amount": {"1"}}, http.Header{"X-Csrf-Token": {next}})
	assert.Equal(t, http.StatusCreated, res.StatusCode)
}

func TestServer_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(t)
	cfg.Store.Backend = config.BackendRedis
	cfg.Store.Redis.Addr = addr

	_, err := New(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestServer_MetricsAndHealth(t *testing.T) {
	c := startServer(t, testConfig(t))
	c.pageToken()
	c.postForm("/transfer", url.Values{"to": {"bob"}}, nil)

	res, body := c.get("/healthz")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", body)

	_, body = c.get("/metrics")
	assert.Contains(t, body, `csrf_validations_total{outcome="missing_token"} 1`)
	assert.Contains(t, body, `csrf_tokens_issued_total{reason="new"} 1`)
}
