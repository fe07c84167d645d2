// Package auth is the boundary to the host application's session storage.
//
// The sync engine never logs in on its own. A Provider hands it the current
// bearer token and user id; when no usable credentials exist the engine
// stays in polling-only mode instead of failing loudly.
//
// Tokens are opaque to the engine except for one courtesy check: if the
// token is a JWT, its exp claim is read (without verification, the backend
// owns verification) so an already expired session is not used to open the
// stream, and its sub claim can stand in for a missing user id.
package auth
