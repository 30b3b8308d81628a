// Package tokenclient talks to the portal's token endpoints.
//
// The authentication server issues JWT pairs and exchanges a refresh token for a
// new access token. Both endpoints speak JSON:
//
//	POST <base>/token/          {"username": "...", "password": "..."} → {"access": "...", "refresh": "..."}
//	POST <base>/token/refresh/  {"refresh": "..."}                     → {"access": "..."[, "refresh": "..."]}
//
// Any non-2xx status is reported as a *StatusError. A 2xx body without an access
// token is reported as ErrMalformedResponse rather than guessed around.
//
// # Custom Base Transport
//
// Configure a custom base transport for token requests (e.g., for proxies or custom timeouts):
//
//	tc := tokenclient.New(
//		endpoint,
//		tokenclient.WithTransport(customTransport),
//	)
//
// The transport must not be the session's authenticating client: token requests
// carry no bearer token and must never be retried on 401.
package tokenclient
