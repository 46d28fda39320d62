package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/socksbridge/internal/config"
	"github.com/die-net/socksbridge/internal/logging"
	"github.com/die-net/socksbridge/internal/metrics"
	"github.com/die-net/socksbridge/internal/proxy"
	"github.com/die-net/socksbridge/internal/socks5"
	"github.com/die-net/socksbridge/internal/tunnel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:], os.LookupEnv)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: logging.Format(cfg.LogFormat)})
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	for _, w := range cfg.Warnings {
		log.Warn().Msg(w)
	}

	m := metrics.New()

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DebugListen != "" {
		http.Handle("/metrics", m.Handler())
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: cfg.KeepAlive}
		debugLn, err := lc.Listen(ctx, "tcp", cfg.DebugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Info().Str("addr", cfg.DebugListen).Msg("debug listening")
	}

	tunnelCfg := tunnel.Config{
		UpstreamAddr:       cfg.Upstream,
		DialTimeout:        cfg.DialTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		IdleTimeout:        cfg.IdleTimeout,
		KeepAlive:          cfg.KeepAlive,
	}
	if cfg.Credentials != nil {
		tunnelCfg.Auth = socks5.Auth{Username: cfg.Credentials.Username, Password: cfg.Credentials.Password}
	}
	mgr := tunnel.NewManager(tunnelCfg, logging.WithComponent(log, "tunnel"), m)

	ln, err := proxy.ListenTCP(ctx, "tcp", cfg.Listen, cfg.KeepAlive)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	srv := proxy.NewHTTPProxyServer(ctx, proxy.Config{
		NegotiationTimeout: cfg.NegotiationTimeout,
		DialTimeout:        cfg.DialTimeout,
		HTTPIdleTimeout:    cfg.HTTPIdleTimeout,
		HTTPMaxIdleConns:   cfg.HTTPMaxIdleConns,
		KeepAlive:          cfg.KeepAlive,
		AllowHostnames:     cfg.AllowHostnames,
		Tunnels:            mgr,
		Logger:             logging.WithComponent(log, "http"),
		Metrics:            m,
	})
	context.AfterFunc(ctx, func() {
		_ = srv.Close()
		_ = ln.Close()
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("http proxy serve: %w", err)
		}
		return nil
	})
	log.Info().
		Str("addr", cfg.Listen).
		Str("upstream", cfg.Upstream).
		Bool("auth", cfg.Credentials != nil).
		Msg("http proxy listening")

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Info().Msg("shutting down")
	mgr.Wait()
	return err
}
