package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"shelfcheck/library"
)

// Tokens issues and verifies HS256 bearer tokens carrying the caller's
// user id and role.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for id. It returns the token and its expiry.
func (t *Tokens) Issue(id library.Identity) (string, time.Time, error) {
	exp := t.now().Add(t.ttl)
	claims := jwt.MapClaims{
		"sub":  id.UserID,
		"role": string(id.Role),
		"exp":  exp.Unix(),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return s, exp, nil
}

// Parse verifies an Authorization header value, with or without the
// Bearer prefix.
func (t *Tokens) Parse(authHeader string) (library.Identity, error) {
	tokenStr := strings.TrimSpace(authHeader)
	if strings.HasPrefix(strings.ToLower(tokenStr), "bearer ") {
		tokenStr = strings.TrimSpace(tokenStr[7:])
	}
	if tokenStr == "" {
		return library.Identity{}, errors.New("missing token")
	}

	tok, err := jwt.Parse(tokenStr, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return library.Identity{}, err
	}
	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return library.Identity{}, errors.New("invalid claims")
	}

	sub, ok := mc["sub"].(float64)
	if !ok || sub <= 0 {
		return library.Identity{}, errors.New("sub missing in claims")
	}
	role, _ := mc["role"].(string)
	switch library.Role(role) {
	case library.RoleUser, library.RoleAdmin:
	default:
		return library.Identity{}, fmt.Errorf("unknown role %q", role)
	}
	return library.Identity{UserID: int64(sub), Role: library.Role(role)}, nil
}
