// Package auth verifies and registers chat credentials.
//
// Sessions depend only on the Gateway interface; Store is the GORM-backed
// implementation used by the server binary.
package auth

import (
	"context"
	"errors"
)

var (
	// ErrUserExists is returned by Register when the username is taken.
	ErrUserExists = errors.New("username already taken")
	// ErrInvalidCredentials is returned for empty usernames or passwords.
	ErrInvalidCredentials = errors.New("username and password are required")
)

// Gateway is the credential store consumed by chat sessions.
type Gateway interface {
	// Verify reports whether password matches the stored credential for username.
	// An unknown username is not an error; it simply does not verify.
	Verify(ctx context.Context, username, password string) (bool, error)
	// Register stores a new credential. It returns ErrUserExists when the
	// username is already registered.
	Register(ctx context.Context, username, password string) error
}
