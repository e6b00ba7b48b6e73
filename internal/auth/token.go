// ABOUTME: JWT identity token verification for chat clients
// ABOUTME: HS256 tokens carrying sub (user id) and role claims

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// minSecretLength is the shortest HS256 secret accepted.
const minSecretLength = 32

// Identity is the verified subject of a token.
type Identity struct {
	UserID    string
	Role      Role
	ExpiresAt time.Time
}

// Verifier validates identity tokens.
type Verifier interface {
	Verify(tokenString string) (*Identity, error)
}

// JWTVerifier implements Verifier using HS256 signed JWTs.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier creates a verifier for the given shared secret.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes, got %d", minSecretLength, len(secret))
	}
	return &JWTVerifier{secret: secret, now: time.Now}, nil
}

// Verify validates signature and expiry and extracts the sub and role claims.
func (v *JWTVerifier) Verify(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	roleClaim, ok := claims["role"].(string)
	if !ok || roleClaim == "" {
		return nil, fmt.Errorf("%w: role", ErrMissingClaim)
	}
	role, err := ParseRole(roleClaim)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id := &Identity{UserID: sub, Role: role}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id, nil
}

// Generate signs a token for userID with the given role. Intended for
// development and tests; production tokens come from the identity provider.
func (v *JWTVerifier) Generate(userID string, role Role, expiresIn time.Duration) (string, error) {
	now := v.now()
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
