package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	BasicAuthPrefix = "Basic "
)

// BasicAuthEngine checks HTTP Basic credentials against bcrypt hashes.
type BasicAuthEngine struct {
	users map[string][]byte
}

// NewBasicAuthEngine creates a BasicAuthEngine from a map of user name to
// bcrypt hash.
func NewBasicAuthEngine(users map[string]string) *BasicAuthEngine {
	hashes := make(map[string][]byte, len(users))
	for name, hash := range users {
		hashes[name] = []byte(hash)
	}
	return &BasicAuthEngine{users: hashes}
}

// ParseBasicAuth decodes a "Basic <base64(user:pass)>" header value.
func ParseBasicAuth(v string) (user string, pass string, ok bool) {
	if !strings.HasPrefix(v, BasicAuthPrefix) {
		return "", "", false
	}

	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v[len(BasicAuthPrefix):]))
	if err != nil {
		return "", "", false
	}

	user, pass, ok = strings.Cut(string(payload), ":")
	if !ok || user == "" {
		return "", "", false
	}
	return user, pass, true
}

// AuthenticateRequest returns the user named in valid Basic credentials.
func (e *BasicAuthEngine) AuthenticateRequest(ctx context.Context, authorization string) (*User, error) {
	user, pass, ok := ParseBasicAuth(authorization)
	if !ok {
		return nil, nil
	}

	hash, ok := e.users[user]
	if !ok {
		return nil, nil
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(pass)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, nil
		}
		return nil, err
	}

	return &User{Name: user}, nil
}
