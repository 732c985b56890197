// internal/auth/token.go
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PlayerTokens issues and verifies HS256 tokens whose "sub" is a player id. A zero-value
// secret disables verification; see Enabled.
type PlayerTokens struct {
	secret []byte
}

func NewPlayerTokens(secret string) *PlayerTokens {
	return &PlayerTokens{secret: []byte(secret)}
}

// Enabled reports whether connections must present a player token.
func (p *PlayerTokens) Enabled() bool {
	return p != nil && len(p.secret) > 0
}

// Create signs a token for playerID. ttl <= 0 means no exp claim.
func (p *PlayerTokens) Create(playerID string, ttl time.Duration) (string, error) {
	if !p.Enabled() {
		return "", errors.New("player tokens disabled")
	}
	claims := jwt.MapClaims{"sub": playerID, "iat": time.Now().Unix()}
	if ttl > 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

// Verify parses tokenString and returns its "sub" claim.
func (p *PlayerTokens) Verify(tokenString string) (string, error) {
	if !p.Enabled() {
		return "", errors.New("player tokens disabled")
	}
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("jwt parse error: %w", err)
	}

	sub, err := t.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("missing sub in jwt")
	}
	return sub, nil
}
