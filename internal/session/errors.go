package session

import (
	"context"
	"errors"
	"fmt"
)

// ErrLineTooLong is reported (and the line dropped) when a client sends a
// line longer than MaxLineBytes.
var ErrLineTooLong = errors.New("line exceeds maximum length")

// ConnectionError is a read or write failure on a session's socket. It ends
// that session only.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Authenticator gates the handshake. It is consulted with the username the
// client sent; a non-nil error rejects the connection before it joins.
type Authenticator interface {
	Authenticate(ctx context.Context, username, remoteAddr string) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, username, remoteAddr string) error

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, username, remoteAddr string) error {
	return f(ctx, username, remoteAddr)
}
