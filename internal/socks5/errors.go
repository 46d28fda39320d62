package socks5

import (
	"errors"
	"fmt"
)

// ErrCredentialsRejected is wrapped by an AuthError when the server answers
// the username/password sub-negotiation with a failure status.
var ErrCredentialsRejected = errors.New("credentials rejected")

// AuthError reports a failed method negotiation or username/password
// sub-negotiation. Method is the method the server selected.
type AuthError struct {
	Method byte
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("socks5 auth (method 0x%02x): %v", e.Method, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// HandshakeError reports a failed CONNECT exchange. Code holds the server's
// reply code, or ReplyNone when no reply was received.
type HandshakeError struct {
	Code byte
	Err  error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("socks5 handshake: %v", e.Err)
	}
	return "socks5 connect: " + ReplyText(e.Code)
}

func (e *HandshakeError) Unwrap() error { return e.Err }
