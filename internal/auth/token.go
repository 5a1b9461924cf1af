package auth

import (
	"context"
	"crypto/subtle"
	"strings"
)

const BearerPrefix = "Bearer "

// TokenAuthEngine accepts a single shared key, sent either as the whole
// Authorization value or as a bearer token.
type TokenAuthEngine struct {
	token []byte
}

func NewTokenAuthEngine(token string) *TokenAuthEngine {
	return &TokenAuthEngine{token: []byte(token)}
}

func (e *TokenAuthEngine) AuthenticateRequest(ctx context.Context, authorization string) (*User, error) {
	if len(e.token) == 0 {
		return nil, nil
	}

	candidate := strings.TrimPrefix(authorization, BearerPrefix)
	if subtle.ConstantTimeCompare([]byte(candidate), e.token) != 1 {
		return nil, nil
	}

	return &User{Name: "token"}, nil
}
