package remote

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenAudience = "wordstream"

	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
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
	Kind string `json:"kind"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token of the given kind for user.
func IssueToken(secret, user, kind string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(user) == "" {
		return "", errors.New("user is required")
	}
	claims := tokenClaims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authorizeBearer(authHeader, secret, user string, now time.Time) *authError {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{status: http.StatusUnauthorized, code: CodeUnauthenticated, message: "missing or invalid bearer token"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	subject, err := parseToken(raw, secret, TokenKindAccess, now)
	if err != nil {
		return err
	}
	if subject != user {
		return &authError{status: http.StatusForbidden, code: CodePermissionDenied, message: "token does not grant access to this user"}
	}
	return nil
}

func parseToken(raw, secret, kind string, now time.Time) (string, *authError) {
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		message := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			message = "token expired"
		}
		return "", &authError{status: http.StatusUnauthorized, code: CodeUnauthenticated, message: message}
	}
	if claims.Kind != kind {
		return "", &authError{status: http.StatusUnauthorized, code: CodeUnauthenticated, message: "wrong token kind"}
	}
	if claims.Subject == "" {
		return "", &authError{status: http.StatusUnauthorized, code: CodeUnauthenticated, message: "missing subject"}
	}
	return claims.Subject, nil
}
