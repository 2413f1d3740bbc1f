package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Identity is who a request acts for.
type Identity struct {
	UserID string
	Role   string
}

func (i Identity) IsAdmin() bool {
	return strings.EqualFold(i.Role, "admin")
}

// TokenParser validates HMAC-signed access tokens issued by the auth service.
type TokenParser struct {
	secret []byte
}

func NewTokenParser(secret string) *TokenParser {
	return &TokenParser{secret: []byte(strings.TrimSpace(secret))}
}

// ParseAndValidateToken parses a JWT token string and returns its claims.
// If expectedType is non-empty, the claim "typ" must match it.
func (p *TokenParser) ParseAndValidateToken(tokenStr, expectedType string) (jwt.MapClaims, error) {
	if len(p.secret) == 0 {
		return nil, fmt.Errorf("JWT secret not configured")
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || token == nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	if expectedType != "" {
		if typ, ok := claims["typ"].(string); !ok || typ != expectedType {
			return nil, fmt.Errorf("invalid token type")
		}
	}
	return claims, nil
}

// Identify extracts the caller identity from an access token. The user id is
// read from "user_id" and falls back to "sub".
func (p *TokenParser) Identify(tokenStr string) (Identity, error) {
	claims, err := p.ParseAndValidateToken(tokenStr, "")
	if err != nil {
		return Identity{}, err
	}

	id := Identity{}
	if v, ok := claims["user_id"].(string); ok {
		id.UserID = v
	}
	if id.UserID == "" {
		if v, ok := claims["sub"].(string); ok {
			id.UserID = v
		}
	}
	if v, ok := claims["role"].(string); ok {
		id.Role = v
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("token has no subject")
	}
	return id, nil
}
