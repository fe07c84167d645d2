// ABOUTME: Unverified JWT claim inspection for client-side credential checks
// ABOUTME: Detects expired session tokens and derives the user id from the sub claim

package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrNoCredentials = errors.New("no credentials")
	ErrExpiredToken  = errors.New("token expired")
)

// Usable resolves the credentials to use for a connection. Opaque
// (non-JWT) tokens are accepted as-is. A JWT whose exp is not after now is
// rejected with ErrExpiredToken. A missing UserID is filled from sub.
func Usable(creds Credentials, now time.Time) (Credentials, error) {
	if creds.Token == "" {
		return Credentials{}, ErrNoCredentials
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(creds.Token, claims); err != nil {
		// Not a JWT; the backend decides.
		if creds.UserID == "" {
			return Credentials{}, ErrNoCredentials
		}
		return creds, nil
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && !exp.After(now) {
		return Credentials{}, ErrExpiredToken
	}

	if creds.UserID == "" {
		sub, err := claims.GetSubject()
		if err != nil || sub == "" {
			return Credentials{}, ErrNoCredentials
		}
		creds.UserID = sub
	}
	return creds, nil
}
