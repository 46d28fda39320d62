package tunnel

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/die-net/socksbridge/internal/metrics"
	"github.com/die-net/socksbridge/internal/socks5"
)

// Config describes the single SOCKS5 upstream every tunnel goes through.
type Config struct {
	// UpstreamAddr is the SOCKS5 server's host:port.
	UpstreamAddr string
	// Auth holds optional upstream credentials.
	Auth socks5.Auth

	// DialTimeout bounds the TCP connect to the upstream. Zero means no limit.
	DialTimeout time.Duration
	// NegotiationTimeout bounds the SOCKS5 handshake. Zero means no limit.
	NegotiationTimeout time.Duration
	// IdleTimeout closes a relaying tunnel after this long without traffic.
	// Zero disables it.
	IdleTimeout time.Duration

	KeepAlive net.KeepAliveConfig
}

// Manager establishes tunnels through the configured upstream. A Manager is
// safe for concurrent use; tunnels share nothing but its read-only Config.
type Manager struct {
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	dialer  net.Dialer

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewManager returns a Manager for cfg. m may be nil.
func NewManager(cfg Config, log zerolog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		cfg:     cfg,
		log:     log,
		metrics: m,
		dialer: net.Dialer{
			Timeout:         cfg.DialTimeout,
			KeepAliveConfig: cfg.KeepAlive,
		},
	}
}

// Spawn runs Serve on its own goroutine. Errors are logged, not returned.
// Once Wait has been called, Spawn closes client instead.
func (m *Manager) Spawn(ctx context.Context, client net.Conn, target Target) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		m.log.Debug().Str("target", target.String()).Msg("shutting down, dropping tunnel")
		_ = client.Close()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		_ = m.Serve(ctx, client, target)
	}()
}

// Wait stops Spawn from starting new tunnels and blocks until every spawned
// tunnel has finished.
func (m *Manager) Wait() {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	m.wg.Wait()
}

// Serve dials the upstream, performs the SOCKS5 handshake for target and
// relays between client and the upstream until both sides are done. Serve
// takes ownership of client and always closes it.
//
// The returned error is nil for a normally closed tunnel, otherwise a
// *DialError, *socks5.AuthError, *socks5.HandshakeError, *RelayIOError or
// a context error.
func (m *Manager) Serve(ctx context.Context, client net.Conn, target Target) error {
	t := &tunnel{
		id:     uuid.NewString(),
		target: target,
		client: client,
	}
	t.log = m.log.With().
		Str("tunnel_id", t.id).
		Str("target", target.String()).
		Str("client", client.RemoteAddr().String()).
		Logger()

	m.metrics.TunnelStarted()
	err := m.run(ctx, t)
	m.finish(t, err)
	return err
}

func (m *Manager) run(ctx context.Context, t *tunnel) error {
	defer t.client.Close()

	t.set(Dialing)
	up, err := m.dialer.DialContext(ctx, "tcp", m.cfg.UpstreamAddr)
	if err != nil {
		return t.fail(&DialError{Addr: m.cfg.UpstreamAddr, Err: err})
	}
	defer up.Close()

	t.set(Handshaking)
	start := time.Now()
	if err := m.handshake(ctx, up, t.target); err != nil {
		return t.fail(err)
	}
	m.metrics.ObserveHandshake(time.Since(start))

	t.set(Relaying)
	t.stats, err = Relay(ctx, t.client, up, m.cfg.IdleTimeout)
	if err != nil {
		return t.fail(err)
	}

	t.set(Closed)
	return nil
}

func (m *Manager) handshake(ctx context.Context, up net.Conn, target Target) error {
	stop := context.AfterFunc(ctx, func() {
		_ = up.Close()
	})
	defer stop()

	if m.cfg.NegotiationTimeout > 0 {
		_ = up.SetDeadline(time.Now().Add(m.cfg.NegotiationTimeout))
	}

	if err := socks5.ClientDial(up, m.cfg.Auth, target.String()); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	if m.cfg.NegotiationTimeout > 0 {
		_ = up.SetDeadline(time.Time{})
	}
	return nil
}

func (m *Manager) finish(t *tunnel, err error) {
	kind := Classify(err)
	m.metrics.TunnelFinished(kind, t.stats.Upstream, t.stats.Downstream)

	if err == nil {
		t.log.Debug().
			Int64("bytes_up", t.stats.Upstream).
			Int64("bytes_down", t.stats.Downstream).
			Msg("tunnel closed")
		return
	}

	ev := t.log.Warn()
	if kind == KindCanceled {
		ev = t.log.Debug()
	}
	ev.Err(err).
		Str("kind", kind).
		Stringer("failed_in", t.failedIn).
		Int64("bytes_up", t.stats.Upstream).
		Int64("bytes_down", t.stats.Downstream).
		Msg("tunnel failed")
}

// tunnel is the per-CONNECT state owned by one Serve call.
type tunnel struct {
	id     string
	target Target
	client net.Conn
	log    zerolog.Logger

	state    State
	failedIn State
	stats    RelayStats
}

func (t *tunnel) set(s State) {
	t.state = s
	t.log.Debug().Stringer("state", s).Msg("tunnel state")
}

func (t *tunnel) fail(err error) error {
	t.failedIn = t.state
	t.state = Failed
	return err
}
