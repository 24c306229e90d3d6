package csrf

import "context"

type ctxKey string

const (
	tokenKey ctxKey = "csrf_token_ctx"
	fieldKey ctxKey = "csrf_field_ctx"
)

// contextWithToken returns a derived context that stores the given CSRF token
// and the form field name it should be rendered under.
//
// Params:
// - ctx: base context to attach the token to.
// - tok: CSRF token string to store.
// - field: form field name used by TemplateField.
//
// Returns:
// - a new context containing the token.
func contextWithToken(ctx context.Context, tok, field string) context.Context {
	ctx = context.WithValue(ctx, tokenKey, tok)
	return context.WithValue(ctx, fieldKey, field)
}

// tokenFromContext extracts the CSRF token from ctx, if present.
func tokenFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(tokenKey)
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func tokenAndFieldFromContext(ctx context.Context) (string, string, bool) {
	tok, ok := tokenFromContext(ctx)
	if !ok {
		return "", "", false
	}
	field, _ := ctx.Value(fieldKey).(string)
	if field == "" {
		field = "csrf_token"
	}
	return tok, field, true
}

// TokenFromContext returns the CSRF token stored in ctx, if present.
//
// Params:
// - ctx: context potentially containing a token set by the middleware.
//
// Returns:
// - token (string) and a boolean indicating whether a token was found.
func TokenFromContext(ctx context.Context) (string, bool) {
	return tokenFromContext(ctx)
}

// FieldName returns the form field name the middleware expects, defaulting to
// "csrf_token" outside a protected request.
func FieldName(ctx context.Context) string {
	if field, _ := ctx.Value(fieldKey).(string); field != "" {
		return field
	}
	return "csrf_token"
}
