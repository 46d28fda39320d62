package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/socksbridge/internal/socks5"
	"github.com/die-net/socksbridge/internal/testutil"
	"github.com/die-net/socksbridge/internal/tunnel"
)

type recordingSpawner struct {
	targets chan tunnel.Target
}

func newRecordingSpawner() *recordingSpawner {
	return &recordingSpawner{targets: make(chan tunnel.Target, 4)}
}

func (s *recordingSpawner) Spawn(_ context.Context, client net.Conn, target tunnel.Target) {
	s.targets <- target
	_ = client.Close()
}

func startProxy(ctx context.Context, t *testing.T, cfg Config) net.Listener {
	t.Helper()

	if cfg.NegotiationTimeout == 0 {
		cfg.NegotiationTimeout = 2 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	cfg.Logger = zerolog.Nop()

	ln, err := ListenTCP(ctx, "tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: false})
	if err != nil {
		t.Fatal(err)
	}

	srv := NewHTTPProxyServer(ctx, cfg)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = srv.Close()
		_ = ln.Close()
	})

	return ln
}

// sendConnect dials the proxy, writes a CONNECT for authority followed by
// any extra bytes, and reads the response.
func sendConnect(t *testing.T, proxyAddr, authority string, extra []byte) (net.Conn, *bufio.Reader, *http.Response) {
	t.Helper()

	c, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	req := &http.Request{
		Method: http.MethodConnect,
		Host:   authority,
		URL:    &url.URL{Opaque: authority},
		Header: make(http.Header),
	}
	bw := bufio.NewWriter(c)
	if err := req.Write(bw); err != nil {
		t.Fatal(err)
	}
	if _, err := bw.Write(extra); err != nil {
		t.Fatal(err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		t.Fatal(err)
	}
	return c, br, resp
}

func TestHTTPProxyConnectThroughSOCKS5(t *testing.T) {
	tests := []struct {
		name  string
		auth  socks5.Auth
		extra []byte
	}{
		{name: "no_auth"},
		{name: "user_pass", auth: socks5.Auth{Username: "user", Password: "pass"}},
		{name: "pipelined_payload", extra: []byte("early")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(ctx, t)
			upstream := testutil.StartSOCKS5Server(ctx, t, tt.auth)

			mgr := tunnel.NewManager(tunnel.Config{
				UpstreamAddr:       upstream.Addr().String(),
				Auth:               tt.auth,
				DialTimeout:        2 * time.Second,
				NegotiationTimeout: 2 * time.Second,
			}, zerolog.Nop(), nil)
			ln := startProxy(ctx, t, Config{Tunnels: mgr})

			c, br, resp := sendConnect(t, ln.Addr().String(), echoLn.Addr().String(), tt.extra)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200 got %d", resp.StatusCode)
			}
			_ = resp.Body.Close()

			if len(tt.extra) > 0 {
				buf := make([]byte, len(tt.extra))
				if _, err := io.ReadFull(br, buf); err != nil {
					t.Fatal(err)
				}
				if string(buf) != string(tt.extra) {
					t.Fatalf("expected %q got %q", tt.extra, buf)
				}
			}

			testutil.AssertEcho(t, c, br, []byte("hello"))

			_ = c.Close()
			mgr.Wait()
		})
	}
}

func TestHTTPProxyConnectRejectsNonSocketAddress(t *testing.T) {
	tests := []string{
		"example.org:443",
		"93.184.216.34",
		"[2001:db8::1]:99999",
	}

	for _, authority := range tests {
		t.Run(authority, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			sp := newRecordingSpawner()
			ln := startProxy(ctx, t, Config{Tunnels: sp})

			_, _, resp := sendConnect(t, ln.Addr().String(), authority, nil)
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400 got %d", resp.StatusCode)
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatal(err)
			}
			if string(body) != badTargetBody+"\n" {
				t.Fatalf("unexpected body %q", body)
			}
			if n := len(sp.targets); n != 0 {
				t.Fatalf("spawned %d tunnels", n)
			}
		})
	}
}

func TestHTTPProxyConnectSpawnsTunnel(t *testing.T) {
	tests := []struct {
		name           string
		authority      string
		allowHostnames bool
		want           tunnel.Target
	}{
		{name: "ipv4", authority: "93.184.216.34:443", want: tunnel.Target{Host: "93.184.216.34", Port: 443}},
		{name: "ipv6", authority: "[2001:db8::1]:443", want: tunnel.Target{Host: "2001:db8::1", Port: 443}},
		{name: "hostname allowed", authority: "example.org:443", allowHostnames: true, want: tunnel.Target{Host: "example.org", Port: 443}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			sp := newRecordingSpawner()
			ln := startProxy(ctx, t, Config{Tunnels: sp, AllowHostnames: tt.allowHostnames})

			_, _, resp := sendConnect(t, ln.Addr().String(), tt.authority, nil)
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200 got %d", resp.StatusCode)
			}

			select {
			case got := <-sp.targets:
				if got != tt.want {
					t.Fatalf("got %+v want %+v", got, tt.want)
				}
			case <-ctx.Done():
				t.Fatal("no tunnel spawned")
			}
		})
	}
}

func TestHTTPProxyConnectUpstreamUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mgr := tunnel.NewManager(tunnel.Config{
		UpstreamAddr: testutil.ClosedPort(t),
		DialTimeout:  2 * time.Second,
	}, zerolog.Nop(), nil)
	ln := startProxy(ctx, t, Config{Tunnels: mgr})

	// Success is reported before the upstream is tried; the failure shows up
	// as the tunnel closing.
	_, br, resp := sendConnect(t, ln.Addr().String(), "93.184.216.34:443", nil)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}

	got, err := io.ReadAll(br)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("unexpected data %q", got)
	}
	mgr.Wait()
}

func TestHTTPProxyForwardsPlainHTTP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			http.Error(w, "unexpected X-Forwarded-For "+xff, http.StatusInternalServerError)
			return
		}
		w.Header().Set("X-Origin", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "short and stout: "+r.URL.Path)
	}))
	defer origin.Close()

	ln := startProxy(ctx, t, Config{Tunnels: newRecordingSpawner()})

	proxyURL := &url.URL{Scheme: "http", Host: ln.Addr().String()}
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	resp, err := client.Get(origin.URL + "/pot")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected 418 got %d (%s)", resp.StatusCode, body)
	}
	if string(body) != "short and stout: /pot" {
		t.Fatalf("unexpected body %q", body)
	}
	if resp.Header.Get("X-Origin") != "yes" {
		t.Fatalf("missing origin header: %v", resp.Header)
	}
}

func TestHTTPProxyForwardError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln := startProxy(ctx, t, Config{Tunnels: newRecordingSpawner()})

	proxyURL := &url.URL{Scheme: "http", Host: ln.Addr().String()}
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	resp, err := client.Get("http://" + testutil.ClosedPort(t) + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 got %d", resp.StatusCode)
	}
}

func TestHTTPProxyMethodIsCaseSensitive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sp := newRecordingSpawner()
	srv := NewHTTPProxyServer(ctx, Config{
		DialTimeout: 2 * time.Second,
		Tunnels:     sp,
		Logger:      zerolog.Nop(),
	})

	// A lowercase "connect" is an unknown method and is forwarded, not tunneled.
	r := httptest.NewRequest("connect", "http://"+testutil.ClosedPort(t)+"/", nil)
	w := httptest.NewRecorder()
	srv.handle(w, r)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 got %d", w.Code)
	}
	if n := len(sp.targets); n != 0 {
		t.Fatalf("spawned %d tunnels", n)
	}
}
