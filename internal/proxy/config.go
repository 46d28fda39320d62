package proxy

import (
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/socksbridge/internal/metrics"
)

type Config struct {
	// NegotiationTimeout bounds reading request headers and, for plain
	// HTTP, the TLS handshake with the origin.
	NegotiationTimeout time.Duration
	DialTimeout        time.Duration
	HTTPIdleTimeout    time.Duration
	HTTPMaxIdleConns   int

	KeepAlive net.KeepAliveConfig

	// AllowHostnames accepts CONNECT targets that are not IP literals.
	AllowHostnames bool

	Tunnels TunnelSpawner
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}
