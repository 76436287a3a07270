package googleauth

import (
	"errors"
	"fmt"
)

var (
	ErrMissingCredentials = errors.New("google service account credentials not configured")
	ErrInvalidKey         = errors.New("invalid service account private key")
)

// TokenError is returned when the token endpoint rejects an assertion or fails.
type TokenError struct {
	StatusCode int
	Body       string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.Body)
}
