package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/socksbridge/internal/metrics"
	"github.com/die-net/socksbridge/internal/pool"
	"github.com/die-net/socksbridge/internal/tunnel"
)

const (
	connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"
	badTargetBody      = "CONNECT must be to a socket address"
)

// TunnelSpawner starts a tunnel for an accepted CONNECT. Spawn must not
// block on the tunnel's progress and takes ownership of client.
type TunnelSpawner interface {
	Spawn(ctx context.Context, client net.Conn, target tunnel.Target)
}

// HTTPProxyServer serves an HTTP forward proxy.
//
// It supports:
// - HTTP CONNECT tunneling (via connection hijacking and a TunnelSpawner)
// - non-CONNECT proxying (via httputil.ReverseProxy on a direct transport)
type HTTPProxyServer struct {
	ctx            context.Context
	tunnels        TunnelSpawner
	allowHostnames bool
	log            zerolog.Logger
	metrics        *metrics.Metrics
	srv            *http.Server
	rp             *httputil.ReverseProxy
}

// NewHTTPProxyServer constructs an HTTP proxy server with the given config.
//
// Tunnels run under ctx rather than the request context, so they outlive
// the handler that accepted them. Serve starts accepting connections on a
// listener; Close stops the underlying http.Server.
func NewHTTPProxyServer(ctx context.Context, cfg Config) *HTTPProxyServer {
	if ctx == nil {
		ctx = context.Background()
	}
	h := &HTTPProxyServer{
		ctx:            ctx,
		tunnels:        cfg.Tunnels,
		allowHostnames: cfg.AllowHostnames,
		log:            cfg.Logger,
		metrics:        cfg.Metrics,
	}
	h.rp = h.newReverseProxy(cfg)
	h.srv = &http.Server{
		Handler:           http.HandlerFunc(h.handle),
		ReadHeaderTimeout: cfg.NegotiationTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return h.ctx
		},
	}
	return h
}

// Serve serves HTTP proxy requests on ln.
func (s *HTTPProxyServer) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Close stops the HTTP server. Tunnels already handed to the spawner are
// not affected.
func (s *HTTPProxyServer) Close() error {
	return s.srv.Close()
}

func (s *HTTPProxyServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	s.rp.ServeHTTP(w, r)
}

func (s *HTTPProxyServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	authority := r.Host
	if authority == "" && r.URL != nil {
		authority = r.URL.Host
	}

	target, err := tunnel.ParseTarget(authority, s.allowHostnames)
	if err != nil {
		s.log.Info().Err(err).Str("client", r.RemoteAddr).Msg("rejecting CONNECT")
		s.metrics.ConnectRejected()
		http.Error(w, badTargetBody, http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, brw, err := hj.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}

	// The client learns whether the tunnel works only once it uses it.
	_, err = brw.WriteString(connectEstablished)
	if err == nil {
		err = brw.Flush()
	}
	if err != nil {
		s.log.Debug().Err(err).Str("client", r.RemoteAddr).Msg("write CONNECT response")
		_ = clientConn.Close()
		return
	}
	_ = clientConn.SetDeadline(time.Time{})

	s.tunnels.Spawn(s.ctx, tunnel.NewBufferedConn(clientConn, brw.Reader), target)
}

func (s *HTTPProxyServer) newReverseProxy(cfg Config) *httputil.ReverseProxy {
	director := func(r *http.Request) {
		// Forward-proxy handling: ensure URL is absolute and points at the origin server.
		if r.URL == nil {
			return
		}
		if r.URL.Scheme == "" {
			r.URL.Scheme = "http"
		}
		if r.URL.Host == "" {
			r.URL.Host = r.Host
		}
		r.Host = r.URL.Host

		// Ask that X-Forwarded-For not be set.
		r.Header["X-Forwarded-For"] = nil
	}

	errHandler := func(w http.ResponseWriter, r *http.Request, err error) {
		s.log.Info().Err(err).Str("url", r.URL.String()).Msg("forward request")
		http.Error(w, err.Error(), http.StatusBadGateway)
	}

	return &httputil.ReverseProxy{
		Director:      director,
		Transport:     newTransport(cfg),
		FlushInterval: 10 * time.Millisecond, // Only buffer incomplete responses briefly
		ErrorHandler:  errHandler,
		BufferPool:    pool.NewBufferPool(32 * 1024),
	}
}

// newTransport returns the plain HTTP client used for non-CONNECT requests.
// It dials origins directly; only CONNECT tunnels use the SOCKS5 upstream.
func newTransport(cfg Config) http.RoundTripper {
	d := &net.Dialer{
		Timeout:         cfg.DialTimeout,
		KeepAliveConfig: cfg.KeepAlive,
	}
	return &http.Transport{
		DialContext:         d.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        cfg.HTTPMaxIdleConns,
		MaxIdleConnsPerHost: cfg.HTTPMaxIdleConns,
		IdleConnTimeout:     cfg.HTTPIdleTimeout,
		TLSHandshakeTimeout: cfg.NegotiationTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		},
	}
}
