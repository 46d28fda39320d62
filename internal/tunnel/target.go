package tunnel

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Target is the destination of a CONNECT request.
type Target struct {
	Host string
	Port uint16
}

// String returns the target as host:port, bracketing IPv6 literals.
func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// IsIP reports whether Host is a literal IP address.
func (t Target) IsIP() bool {
	_, err := netip.ParseAddr(t.Host)
	return err == nil
}

var (
	errMissingPort  = errors.New("missing port")
	errInvalidPort  = errors.New("invalid port")
	errNotIPLiteral = errors.New("host is not an IP literal")
	errInvalidHost  = errors.New("invalid host")
)

// TargetParseError reports a CONNECT authority that is not an acceptable
// socket address.
type TargetParseError struct {
	Authority string
	Err       error
}

func (e *TargetParseError) Error() string {
	return fmt.Sprintf("parse CONNECT target %q: %v", e.Authority, e.Err)
}

func (e *TargetParseError) Unwrap() error { return e.Err }

// ParseTarget parses a CONNECT authority of the form host:port.
//
// Unless allowHostnames is set the host must be a literal IPv4 or IPv6
// address. Hostnames, when allowed, are passed to the upstream unresolved.
// The port must be numeric and non-zero.
func ParseTarget(authority string, allowHostnames bool) (Target, error) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		var addrErr *net.AddrError
		if errors.As(err, &addrErr) && addrErr.Err == "missing port in address" {
			err = errMissingPort
		}
		return Target{}, &TargetParseError{Authority: authority, Err: err}
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Target{}, &TargetParseError{Authority: authority, Err: errInvalidPort}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.Zone() != "" {
			return Target{}, &TargetParseError{Authority: authority, Err: errInvalidHost}
		}
		return Target{Host: addr.String(), Port: uint16(port)}, nil
	}

	if !allowHostnames {
		return Target{}, &TargetParseError{Authority: authority, Err: errNotIPLiteral}
	}
	// SOCKS5 carries the domain name length in one byte.
	if host == "" || len(host) > 255 {
		return Target{}, &TargetParseError{Authority: authority, Err: errInvalidHost}
	}

	return Target{Host: host, Port: uint16(port)}, nil
}
