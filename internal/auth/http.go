// ABOUTME: Bearer-token extraction and echo middleware for the REST read API
// ABOUTME: Also used by the WebSocket endpoint to locate the connect-time token

package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// ErrNoToken is returned when a request carries no token at all.
var ErrNoToken = errors.New("no token supplied")

// TokenQueryParam is the query parameter checked for WebSocket clients that
// cannot set headers.
const TokenQueryParam = "token"

// ExtractBearerToken returns the token from an "Authorization: Bearer" header.
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrNoToken
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// TokenFromRequest looks for a token in the Authorization header first and
// then in the token query parameter.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		return ExtractBearerToken(h)
	}
	if q := r.URL.Query().Get(TokenQueryParam); q != "" {
		return q, nil
	}
	return "", ErrNoToken
}

// Middleware rejects requests without a valid token and stores the Identity
// on both the echo context ("identity") and the request context.
func Middleware(v Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := ExtractBearerToken(c.Request().Header.Get("Authorization"))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}
			id, err := v.Verify(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			c.Set("identity", id)
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}
