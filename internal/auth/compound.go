package auth

import (
	"context"
)

type CompoundAuthEngine struct {
	engines []AuthEngine
}

// NewCompoundAuthEngine creates a new CompoundAuthEngine with the given AuthEngines.
func NewCompoundAuthEngine(engines ...AuthEngine) *CompoundAuthEngine {
	return &CompoundAuthEngine{
		engines: engines,
	}
}

// AuthenticateRequest tries each engine in order and returns the first
// authenticated user. Engine errors are skipped unless no engine succeeds.
func (e *CompoundAuthEngine) AuthenticateRequest(ctx context.Context, authorization string) (*User, error) {
	var firstErr error
	for _, engine := range e.engines {
		user, err := engine.AuthenticateRequest(ctx, authorization)
		if user != nil && err == nil {
			return user, nil
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return nil, firstErr
}
