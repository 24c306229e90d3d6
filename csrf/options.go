package csrf

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Mode selects whether a token survives a successful validation.
type Mode int

const (
	ModeMultiUse Mode = iota
	ModeOneTime
)

func (m Mode) String() string {
	switch m {
	case ModeMultiUse:
		return "multi-use"
	case ModeOneTime:
		return "one-time"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Transport selects how tokens travel between server and client.
type Transport int

const (
	TransportField Transport = iota
	TransportHeader
	TransportDoubleSubmit
)

func (t Transport) String() string {
	switch t {
	case TransportField:
		return "field"
	case TransportHeader:
		return "header"
	case TransportDoubleSubmit:
		return "double-submit"
	default:
		return fmt.Sprintf("transport(%d)", int(t))
	}
}

// Policy is the per-deployment token policy. A zero TTL means tokens never
// expire on their own.
type Policy struct {
	ByteLength int
	TTL        time.Duration
	Mode       Mode
	Transport  Transport
}

// Validate reports an error wrapping ErrInvalidConfiguration when the policy
// cannot be enforced.
func (p Policy) Validate() error {
	if p.ByteLength < MinTokenBytes {
		return fmt.Errorf("%w: byte length %d is below %d", ErrInvalidConfiguration, p.ByteLength, MinTokenBytes)
	}
	if p.TTL < 0 {
		return fmt.Errorf("%w: negative ttl %s", ErrInvalidConfiguration, p.TTL)
	}
	switch p.Mode {
	case ModeMultiUse, ModeOneTime:
	default:
		return fmt.Errorf("%w: unknown mode %s", ErrInvalidConfiguration, p.Mode)
	}
	switch p.Transport {
	case TransportField, TransportHeader, TransportDoubleSubmit:
	default:
		return fmt.Errorf("%w: unknown transport %s", ErrInvalidConfiguration, p.Transport)
	}
	return nil
}

type Config struct {
	// Policy
	TokenBytes int
	TTL        time.Duration
	Mode       Mode
	Transport  Transport

	// Cookie (double-submit transport)
	CookieName     string
	CookiePath     string
	CookieDomain   string
	CookieSecure   bool
	CookieSameSite http.SameSite
	CookieMaxAge   int // in seconds

	// Token transport
	HeaderName         string // e.g.: "X-CSRF-Token"
	ResponseHeaderName string // header transport; defaults to HeaderName
	FormField          string // e.g.: "csrf_token"

	// PureDoubleSubmit skips the store for double-submit transport and only
	// compares cookie and header. The default combines both checks.
	PureDoubleSubmit bool

	// Extra security
	EnforceOriginCheck bool
	AllowedOrigin      string // if empty, uses r.Host

	// ExemptPaths bypass the middleware. Entries ending in "/" match by prefix.
	ExemptPaths []string

	// ErrorMessage is the body of every 403 response.
	ErrorMessage string
}

// Policy extracts the token policy from the configuration.
func (c Config) Policy() Policy {
	return Policy{
		ByteLength: c.TokenBytes,
		TTL:        c.TTL,
		Mode:       c.Mode,
		Transport:  c.Transport,
	}
}

// ErrorHandler writes the rejection response. The outcome is for logging or
// metrics only and must not be written to the client.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, outcome Outcome)

// Option customizes a Protector.
type Option func(*Protector)

func WithStore(s Store) Option {
	return func(p *Protector) { p.store = s }
}

func WithSessionProvider(sp SessionProvider) Option {
	return func(p *Protector) { p.sessions = sp }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Protector) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Protector) { p.metrics = m }
}

// WithClock replaces time.Now for issuance timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Protector) {
		if now != nil {
			p.now = now
		}
	}
}

func WithErrorHandler(h ErrorHandler) Option {
	return func(p *Protector) {
		if h != nil {
			p.onError = h
		}
	}
}

type Protector struct {
	cfg       Config
	policy    Policy
	binder    *Binder
	validator *Validator
	store     Store
	sessions  SessionProvider
	logger    *zap.Logger
	metrics   *Metrics
	now       func() time.Time
	onError   ErrorHandler
}

// New builds a Protector from cfg, filling in defaults for unset fields.
//
// Params:
// - cfg: middleware configuration; zero values fall back to defaults.
// - opts: store, session provider, logger and other collaborators.
//
// Returns:
//   - the Protector, or an error wrapping ErrInvalidConfiguration when the
//     policy is unusable or a required collaborator is missing.
func New(cfg Config, opts ...Option) (*Protector, error) {
	// reasonable defaults
	if cfg.CookieName == "" {
		cfg.CookieName = "csrf_token"
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = "X-CSRF-Token"
	}
	if cfg.ResponseHeaderName == "" {
		cfg.ResponseHeaderName = cfg.HeaderName
	}
	if cfg.FormField == "" {
		cfg.FormField = "csrf_token"
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}
	if cfg.TokenBytes == 0 {
		cfg.TokenBytes = 32
	}
	// modern web security: SameSite=Lax is a good baseline
	if cfg.CookieSameSite == 0 {
		cfg.CookieSameSite = http.SameSiteLaxMode
	}
	if cfg.ErrorMessage == "" {
		cfg.ErrorMessage = http.StatusText(http.StatusForbidden)
	}

	policy := cfg.Policy()
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Transport == TransportDoubleSubmit && cfg.CookieSameSite == http.SameSiteNoneMode {
		return nil, fmt.Errorf("%w: double-submit cookie requires SameSite Lax or Strict", ErrInvalidConfiguration)
	}

	p := &Protector{
		cfg:    cfg,
		policy: policy,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	p.onError = p.defaultErrorHandler
	for _, opt := range opts {
		opt(p)
	}

	if !p.storeless() {
		if p.store == nil {
			return nil, fmt.Errorf("%w: a token store is required for %s transport", ErrInvalidConfiguration, cfg.Transport)
		}
		if p.sessions == nil {
			return nil, fmt.Errorf("%w: a session provider is required for %s transport", ErrInvalidConfiguration, cfg.Transport)
		}
	}

	p.binder = NewBinder(cfg)
	p.validator = NewValidator(p.store, p.logger, p.metrics)
	return p, nil
}

// MustNew is like New but panics on configuration errors.
func MustNew(cfg Config, opts ...Option) *Protector {
	p, err := New(cfg, opts...)
	if err != nil {
		panic(err)
	}
	return p
}

// Policy returns the immutable token policy in effect.
func (p *Protector) Policy() Policy {
	return p.policy
}

func (p *Protector) storeless() bool {
	return p.cfg.Transport == TransportDoubleSubmit && p.cfg.PureDoubleSubmit
}

func (p *Protector) defaultErrorHandler(w http.ResponseWriter, _ *http.Request, _ Outcome) {
	http.Error(w, p.cfg.ErrorMessage, http.StatusForbidden)
}
