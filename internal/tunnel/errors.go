package tunnel

import (
	"context"
	"errors"
	"fmt"

	"github.com/die-net/socksbridge/internal/socks5"
)

// DialError reports a failed TCP connect to the SOCKS5 upstream.
type DialError struct {
	Addr string
	Err  error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial upstream %s: %v", e.Addr, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// RelayIOError reports a read or write failure while copying tunnel bytes.
type RelayIOError struct {
	Direction Direction
	Err       error
}

func (e *RelayIOError) Error() string {
	return fmt.Sprintf("relay %s: %v", e.Direction, e.Err)
}

func (e *RelayIOError) Unwrap() error { return e.Err }

// Error kinds returned by Classify.
const (
	KindClosed    = "closed"
	KindCanceled  = "canceled"
	KindTarget    = "target"
	KindDial      = "dial"
	KindAuth      = "auth"
	KindHandshake = "handshake"
	KindRelay     = "relay"
	KindOther     = "other"
)

// Classify maps a tunnel error to a short kind used in logs and metrics. A
// nil error is KindClosed.
func Classify(err error) string {
	var (
		targetErr *TargetParseError
		dialErr   *DialError
		authErr   *socks5.AuthError
		hsErr     *socks5.HandshakeError
		relayErr  *RelayIOError
	)

	switch {
	case err == nil:
		return KindClosed
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.As(err, &targetErr):
		return KindTarget
	case errors.As(err, &dialErr):
		return KindDial
	case errors.As(err, &authErr):
		return KindAuth
	case errors.As(err, &hsErr):
		return KindHandshake
	case errors.As(err, &relayErr):
		return KindRelay
	default:
		return KindOther
	}
}
