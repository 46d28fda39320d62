package socks5

import (
	"errors"
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"
)

// ClientDial runs the client side of a SOCKS5 handshake on conn: method
// negotiation, optional username/password authentication, and a CONNECT to
// address (host:port). On success conn is positioned at the first byte of
// the tunneled payload.
//
// Failures are reported as *AuthError or *HandshakeError.
func ClientDial(conn io.ReadWriter, auth Auth, address string) error {
	if err := ClientNegotiate(conn, auth); err != nil {
		return err
	}
	return ClientConnect(conn, address)
}

// ClientNegotiate offers "no auth" and, when auth has a username,
// username/password, then completes whichever method the server selects.
func ClientNegotiate(conn io.ReadWriter, auth Auth) error {
	methods := []byte{txsocks5.MethodNone}
	if auth.Username != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}

	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(conn); err != nil {
		return &HandshakeError{Code: ReplyNone, Err: fmt.Errorf("write negotiation: %w", err)}
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return &HandshakeError{Code: ReplyNone, Err: fmt.Errorf("read negotiation: %w", err)}
	}

	switch neg.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if auth.Username == "" {
			return &AuthError{Method: neg.Method, Err: errors.New("server requires username/password")}
		}

		if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password)).WriteTo(conn); err != nil {
			return &AuthError{Method: neg.Method, Err: fmt.Errorf("write userpass: %w", err)}
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
		if err != nil {
			return &AuthError{Method: neg.Method, Err: fmt.Errorf("read userpass: %w", err)}
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return &AuthError{Method: neg.Method, Err: ErrCredentialsRejected}
		}
		return nil
	case methodNoAcceptable:
		return &AuthError{Method: neg.Method, Err: errors.New("no acceptable methods")}
	default:
		return &AuthError{Method: neg.Method, Err: fmt.Errorf("unsupported negotiation method: %d", neg.Method)}
	}
}

// ClientConnect sends a CONNECT request for address and reads the reply.
// Literal IPv4 and IPv6 hosts are sent as such; anything else is sent as a
// domain name for the server to resolve.
func ClientConnect(conn io.ReadWriter, address string) error {
	atyp, dstAddr, dstPort, err := txsocks5.ParseAddress(address)
	if err != nil {
		return &HandshakeError{Code: ReplyNone, Err: fmt.Errorf("parse address: %w", err)}
	}
	if atyp == txsocks5.ATYPDomain {
		dstAddr = dstAddr[1:]
	}

	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, dstAddr, dstPort).WriteTo(conn); err != nil {
		return &HandshakeError{Code: ReplyNone, Err: fmt.Errorf("write request: %w", err)}
	}

	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return &HandshakeError{Code: ReplyNone, Err: fmt.Errorf("read reply: %w", err)}
	}
	if rep.Rep != ReplySuccess {
		return &HandshakeError{Code: rep.Rep}
	}
	return nil
}
