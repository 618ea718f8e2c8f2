package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the signed claim set for both session and pending tokens.
// Pending2FA distinguishes the bridge token issued between the password step
// and second-factor completion; every session check must reject it.
type Claims struct {
	Email      string `json:"email,omitempty"`
	Name       string `json:"name,omitempty"`
	Pending2FA bool   `json:"pending_2fa,omitempty"`
	jwt.RegisteredClaims
}

func NewAccessToken(subject, email, name string, secret []byte, ttl time.Duration, now time.Time, issuer string) (string, error) {
	claims := Claims{
		Email: email,
		Name:  name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// NewPendingToken mints the short-lived token that bridges a successful
// password check and second-factor completion.
func NewPendingToken(subject string, secret []byte, ttl time.Duration, now time.Time, issuer string) (string, error) {
	claims := Claims{
		Pending2FA: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func parseToken(tokenString string, secret []byte, now time.Time) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseAccessToken validates a session token against the caller's clock.
// Pending tokens are rejected here regardless of signature validity.
func ParseAccessToken(tokenString string, secret []byte, now time.Time) (*Claims, error) {
	claims, err := parseToken(tokenString, secret, now)
	if err != nil {
		return nil, err
	}
	if claims.Pending2FA {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParsePendingToken validates a pending second-factor token. A normal session
// token is not accepted in its place.
func ParsePendingToken(tokenString string, secret []byte, now time.Time) (*Claims, error) {
	claims, err := parseToken(tokenString, secret, now)
	if err != nil {
		return nil, err
	}
	if !claims.Pending2FA {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
