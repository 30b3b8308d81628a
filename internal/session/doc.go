// Package session attaches bearer credentials to outgoing requests and recovers
// from access-token expiry.
//
// A Client wraps a base http.RoundTripper. Every request is authenticated with the
// access token currently held by the CredentialStore. When the server answers 401
// the request parks on the Coordinator, which performs at most one refresh per
// token generation (epoch) no matter how many requests fail concurrently, and
// hands the same outcome to every parked request. Successful refreshes release the
// requests to the Dispatcher, which replays each of them exactly once with the new
// token. When no refresh is possible the Terminator clears the stored credential
// and signals that the session ended.
//
//	client, err := session.NewClient(backend, tokenclient.New(endpoint))
//	httpClient := &http.Client{Transport: client}
//	<-client.Ended() // session ended, ask the user to log in again
//
// Terminal authorization failures are reported as *AuthError and match
// ErrUnauthorized with errors.Is. Transport errors are returned unchanged.
package session
