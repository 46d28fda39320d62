package testutil

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/socksbridge/internal/socks5"
)

// SOCKS5Server is a loopback SOCKS5 upstream that supports CONNECT with
// optional username/password authentication.
type SOCKS5Server struct {
	net.Listener

	auth socks5.Auth

	mu       sync.Mutex
	accepted int
	requests []string
}

// StartSOCKS5Server starts a SOCKS5 upstream requiring auth (or no
// authentication when auth.Username is empty). It is closed on test cleanup.
func StartSOCKS5Server(ctx context.Context, t *testing.T, auth socks5.Auth) *SOCKS5Server {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := &SOCKS5Server{Listener: ln, auth: auth}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.accepted++
			s.mu.Unlock()
			go s.handle(ctx, c)
		}
	}()

	return s
}

// Accepted returns the number of TCP connections accepted so far.
func (s *SOCKS5Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Requests returns the CONNECT destinations received after successful
// negotiation.
func (s *SOCKS5Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *SOCKS5Server) handle(ctx context.Context, c net.Conn) {
	defer c.Close()

	if err := socks5.ServerNegotiate(c, s.auth); err != nil {
		return
	}

	req, err := socks5.ServerReadRequest(c)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, req.Address())
	s.mu.Unlock()

	if req.Cmd != socks5.CmdConnect {
		_ = socks5.WriteReply(c, socks5.ReplyCommandNotSupported, nil)
		return
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		_ = socks5.WriteReply(c, socks5.ReplyConnectionRefused, nil)
		return
	}
	defer dst.Close()

	if err := socks5.WriteReply(c, socks5.ReplySuccess, dst.LocalAddr()); err != nil {
		return
	}

	g := errgroup.Group{}
	g.Go(func() error {
		_, err := io.Copy(dst, c)
		closeWrite(dst)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(c, dst)
		closeWrite(c)
		return err
	})
	_ = g.Wait()
}

func closeWrite(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}
