package socks5

import (
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// SOCKS5 reply codes (RFC 1928 section 6).
const (
	ReplySuccess             byte = 0x00
	ReplyServerFailure       byte = 0x01
	ReplyNotAllowed          byte = 0x02
	ReplyNetworkUnreachable  byte = 0x03
	ReplyHostUnreachable     byte = 0x04
	ReplyConnectionRefused   byte = 0x05
	ReplyTTLExpired          byte = 0x06
	ReplyCommandNotSupported byte = 0x07
	ReplyAddressNotSupported byte = 0x08

	// ReplyNone is not a wire value. It marks a handshake that failed before
	// the server sent a CONNECT reply.
	ReplyNone byte = 0xff
)

const (
	// CmdConnect is the SOCKS5 CONNECT command value.
	CmdConnect = txsocks5.CmdConnect

	methodNoAcceptable byte = 0xff
)

// Auth configures optional username/password authentication for SOCKS5
// negotiation. An empty Username disables authentication.
type Auth struct {
	Username string
	Password string
}

// ReplyText returns a human readable description of a reply code.
func ReplyText(code byte) string {
	switch code {
	case ReplySuccess:
		return "succeeded"
	case ReplyServerFailure:
		return "general server failure"
	case ReplyNotAllowed:
		return "connection not allowed by ruleset"
	case ReplyNetworkUnreachable:
		return "network unreachable"
	case ReplyHostUnreachable:
		return "host unreachable"
	case ReplyConnectionRefused:
		return "connection refused"
	case ReplyTTLExpired:
		return "TTL expired"
	case ReplyCommandNotSupported:
		return "command not supported"
	case ReplyAddressNotSupported:
		return "address type not supported"
	case ReplyNone:
		return "no reply"
	default:
		return fmt.Sprintf("unknown reply 0x%02x", code)
	}
}

// WriteReply writes a SOCKS5 CONNECT reply. A nil or non-TCP bindAddr is
// sent as the zero IPv4 address.
func WriteReply(conn net.Conn, code byte, bindAddr net.Addr) error {
	if ta, ok := bindAddr.(*net.TCPAddr); ok && ta.IP != nil {
		a, addr, port, err := txsocks5.ParseAddress(ta.String())
		if err != nil {
			return fmt.Errorf("parse bind address %q: %w", ta.String(), err)
		}
		if _, err := txsocks5.NewReply(code, a, addr, port).WriteTo(conn); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
		return nil
	}

	if _, err := txsocks5.NewReply(code, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(conn); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

func writeNoAcceptableMethods(conn net.Conn) {
	_, _ = txsocks5.NewNegotiationReply(methodNoAcceptable).WriteTo(conn)
}
