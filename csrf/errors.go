package csrf

import "errors"

var (
	ErrMissingToken         = errors.New("csrf: missing token")
	ErrTokenMismatch        = errors.New("csrf: token mismatch")
	ErrTokenExpired         = errors.New("csrf: token expired")
	ErrTokenAlreadyConsumed = errors.New("csrf: token already consumed")
	ErrStoreUnavailable     = errors.New("csrf: token store unavailable")
	ErrInvalidConfiguration = errors.New("csrf: invalid configuration")

	// ErrNotFound is returned by a Store when the session has no token record.
	ErrNotFound = errors.New("csrf: token record not found")
)

// Outcome is the typed result of validating a candidate token.
type Outcome int

const (
	OutcomeValid Outcome = iota
	OutcomeMissingToken
	OutcomeTokenMismatch
	OutcomeTokenExpired
	OutcomeTokenAlreadyConsumed
	OutcomeStoreUnavailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeValid:
		return "valid"
	case OutcomeMissingToken:
		return "missing_token"
	case OutcomeTokenMismatch:
		return "token_mismatch"
	case OutcomeTokenExpired:
		return "token_expired"
	case OutcomeTokenAlreadyConsumed:
		return "token_already_consumed"
	case OutcomeStoreUnavailable:
		return "store_unavailable"
	default:
		return "unknown"
	}
}

// Err maps the outcome to its sentinel error. OutcomeValid maps to nil.
func (o Outcome) Err() error {
	switch o {
	case OutcomeValid:
		return nil
	case OutcomeMissingToken:
		return ErrMissingToken
	case OutcomeTokenMismatch:
		return ErrTokenMismatch
	case OutcomeTokenExpired:
		return ErrTokenExpired
	case OutcomeTokenAlreadyConsumed:
		return ErrTokenAlreadyConsumed
	default:
		return ErrStoreUnavailable
	}
}
