// Package auth issues and verifies the JWT access/refresh token pair. The
// access token is short-lived and carried on authenticate; the refresh
// token is long-lived and only ever exchanged for a new access token.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"

	accessTTL  = 15 * time.Minute
	refreshTTL = 30 * 24 * time.Hour
)

type TokenService struct {
	secret []byte
}

func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret)}
}

// IssuePair returns a fresh access and refresh token for a user.
func (s *TokenService) IssuePair(userID string) (access, refresh string, err error) {
	access, err = s.issue(userID, TypeAccess, accessTTL)
	if err != nil {
		return "", "", err
	}
	refresh, err = s.issue(userID, TypeRefresh, refreshTTL)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// IssueAccess returns a fresh access token, used on refresh.
func (s *TokenService) IssueAccess(userID string) (string, error) {
	return s.issue(userID, TypeAccess, accessTTL)
}

func (s *TokenService) issue(userID, typ string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"typ": typ,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks signature, expiry and token type, returning the user id.
func (s *TokenService) Verify(tokenStr, wantType string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	if typ, _ := claims["typ"].(string); typ != wantType {
		return "", fmt.Errorf("wrong token type")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("missing subject")
	}
	return sub, nil
}
