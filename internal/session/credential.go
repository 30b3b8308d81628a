package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/florianilch/stockportal/internal/tokenstore"
)

// Credential is the access/refresh token pair. An empty field means absent.
type Credential = tokenstore.Credential

// AccessTokenExpiry returns the exp claim of a JWT access token without verifying
// its signature. Only the server can verify tokens; the client uses the claim for
// display and for oauth2 interop.
func AccessTokenExpiry(accessToken string) (time.Time, bool) {
	if accessToken == "" {
		return time.Time{}, false
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// oauthToken converts the access token into an oauth2.Token of type Bearer.
func oauthToken(cred Credential) *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    "Bearer",
	}
	if expiry, ok := AccessTokenExpiry(cred.AccessToken); ok {
		token.Expiry = expiry
	}
	return token
}
