package httpapi

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenAudience = "relayform"

	scopeDataRead  = "data:read"
	scopeDataWrite = "data:write"
	// scopeDataAdmin lifts the owner check on data routes.
	scopeDataAdmin = "data:admin"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	Username string   `json:"username"`
	Scopes   []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (c *tokenClaims) hasScope(scope string) bool {
	for _, granted := range c.Scopes {
		if granted == scope {
			return true
		}
	}
	return false
}

// authorizeOwner checks that the bearer may act on owner's data with scope.
func authorizeOwner(authHeader, jwtSecret, owner, requiredScope string, now time.Time) (*tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return nil, err
	}
	if !claims.hasScope(requiredScope) {
		return nil, &authError{status: 403, code: "forbidden", message: "missing required scope: " + requiredScope}
	}
	if owner != "" && claims.Username != owner && !claims.hasScope(scopeDataAdmin) {
		return nil, &authError{status: 403, code: "forbidden", message: "token does not grant access to " + owner}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (*tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, &authError{status: 401, code: "unauthorized", message: jwtErrorMessage(err)}
	}
	if !token.Valid {
		return nil, &authError{status: 401, code: "unauthorized", message: "invalid token"}
	}
	if claims.Username == "" {
		claims.Username = claims.Subject
	}
	if claims.Username == "" {
		return nil, &authError{status: 401, code: "unauthorized", message: "missing username claim"}
	}
	return claims, nil
}

func jwtErrorMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid aud claim"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "jwt signature mismatch"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "invalid jwt format"
	default:
		return "invalid token"
	}
}

// issueToken signs a token for username; used by the CLI and tests.
func issueToken(secret, username string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	claims := tokenClaims{
		Username: username,
		Scopes:   scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// IssueToken signs a bearer token accepted by Server.
func IssueToken(secret, username string, scopes []string, ttl time.Duration) (string, error) {
	return issueToken(secret, username, scopes, ttl, time.Now().UTC())
}
