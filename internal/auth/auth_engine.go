// Package auth decides whether a request may browse the inbox.
package auth

import "context"

type User struct {
	Name string
}

type AuthEngine interface {

	// AuthenticateRequest inspects the raw value of an Authorization header.
	// If it carries valid credentials, it returns the authenticated User;
	// otherwise it returns nil. An error is returned only if the credentials
	// could not be checked at all.
	AuthenticateRequest(ctx context.Context, authorization string) (*User, error)
}
