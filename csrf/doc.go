// Package csrf provides session-bound CSRF protection for Go net/http servers.
//
// How it works
//   - Safe methods (GET, HEAD, OPTIONS, ...): ensure the session has an active
//     token in the Store, hand it to the client through the configured
//     Transport and inject it into the request context so handlers can read
//     it via TokenFromContext or render it with TemplateField.
//   - Unsafe methods (POST, PUT, PATCH, DELETE): optionally enforce same-site
//     policy using Origin/Referer (when EnforceOriginCheck is enabled), extract
//     the client token and validate it against the session's record. The
//     comparison runs in constant time and, for one-time tokens, consumes the
//     record atomically so a replayed token is rejected.
//
// Every rejection is answered with the same 403 body. The precise reason
// (missing, mismatch, expired, replay, store down) is only logged and counted.
//
// # Transports
//
//   - TransportField: hidden form field (default name "csrf_token").
//   - TransportHeader: response header on issue, "X-CSRF-Token" on submit.
//   - TransportDoubleSubmit: readable cookie mirrored into the header by
//     script. Cookie and header must agree before the store is consulted;
//     set PureDoubleSubmit to skip the store altogether.
//
// # Stores
//
// MemoryStore serves a single process. RedisStore shares tokens between
// processes and consumes one-time tokens with a WATCH/MULTI transaction.
//
// Typical usage
//
//	store, _ := csrf.NewMemoryStore(csrf.MemoryConfig{})
//	p, err := csrf.New(csrf.Config{Mode: csrf.ModeOneTime, TTL: time.Hour},
//	    csrf.WithStore(store),
//	    csrf.WithSessionProvider(csrf.CookieSessionProvider("session_id")),
//	)
//	if err != nil {
//	    log.Fatal(err) // ErrInvalidConfiguration
//	}
//	http.ListenAndServe(":8080", p.Protect(appMux))
//
// In templates:
//
//	<form method="post">{{ .CSRFField }}</form> // .CSRFField = csrf.TemplateField(r)
//
// On logout, call p.SessionEnded(ctx, sessionID); after login, p.Rotate.
package csrf
