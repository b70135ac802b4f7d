// Package replication serves the ingestion surface remote sites use to
// push data, object metadata and location deletions into this store.
package replication

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "verso"

// Token errors.
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid replication token")
)

// Claims identifies the replicating site.
type Claims struct {
	Site string `json:"site"`
	jwt.RegisteredClaims
}

// GenerateToken mints an HMAC-SHA256 token for site, valid for ttl.
func GenerateToken(secret []byte, site string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("replication secret is empty")
	}
	if site == "" {
		return "", errors.New("site is required")
	}
	now := time.Now()
	claims := Claims{
		Site: site,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   site,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ValidateToken verifies tokenString against secret and returns its claims.
func ValidateToken(secret []byte, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if claims.Site == "" {
		claims.Site = claims.Subject
	}
	return claims, nil
}
