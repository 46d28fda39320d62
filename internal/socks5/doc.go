// Package socks5 implements the SOCKS5 handshake socksbridge runs against its
// upstream.
//
// The wire types come from github.com/txthinking/socks5; this package adds
// the client-side negotiation sequence with typed errors (AuthError and
// HandshakeError) so callers can tell a credential problem from an upstream
// that could not reach the destination. The server-side helpers exist for
// test peers and are not a complete SOCKS5 server.
package socks5
