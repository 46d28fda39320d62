// Package config assembles socksbridge's immutable startup configuration
// from command-line flags, the environment, an optional dotenv file and an
// optional YAML file.
//
// Precedence, highest first: flags, process environment, dotenv file, YAML
// file, flag defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Credentials authenticate socksbridge to the SOCKS5 upstream.
type Credentials struct {
	Username string
	Password string
}

// Config is built once by Load and never modified afterwards.
type Config struct {
	Listen      string
	Upstream    string
	Credentials *Credentials

	AllowHostnames bool

	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	IdleTimeout        time.Duration
	HTTPIdleTimeout    time.Duration
	HTTPMaxIdleConns   int
	KeepAlive          net.KeepAliveConfig

	DebugListen string
	LogLevel    string
	LogFormat   string

	// Warnings are non-fatal configuration problems for the caller to log.
	Warnings []string
}

// ConfigError reports a missing or invalid configuration value.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// option binds a flag to its environment variable and YAML key.
type option struct {
	flag string
	env  string
	file func(*fileConfig) string
}

var (
	optListen             = option{"listen", "SERVER_SOADDR", func(f *fileConfig) string { return f.Listen }}
	optUpstream           = option{"upstream", "SOCKS_SOADDR", func(f *fileConfig) string { return f.Upstream }}
	optUsername           = option{"username", "SOCKS_USERNAME", func(f *fileConfig) string { return f.Username }}
	optPassword           = option{"password", "SOCKS_PASSWORD", func(f *fileConfig) string { return f.Password }}
	optAllowHostnames     = option{"allow-hostnames", "ALLOW_HOSTNAMES", func(f *fileConfig) string { return f.AllowHostnames }}
	optDialTimeout        = option{"dial-timeout", "DIAL_TIMEOUT", func(f *fileConfig) string { return f.DialTimeout }}
	optNegotiationTimeout = option{"negotiation-timeout", "NEGOTIATION_TIMEOUT", func(f *fileConfig) string { return f.NegotiationTimeout }}
	optIdleTimeout        = option{"idle-timeout", "IDLE_TIMEOUT", func(f *fileConfig) string { return f.IdleTimeout }}
	optHTTPIdleTimeout    = option{"http-idle-timeout", "HTTP_IDLE_TIMEOUT", func(f *fileConfig) string { return f.HTTPIdleTimeout }}
	optHTTPMaxIdleConns   = option{"http-max-idle-conns", "HTTP_MAX_IDLE_CONNS", func(f *fileConfig) string { return f.HTTPMaxIdleConns }}
	optTCPKeepAlive       = option{"tcp-keepalive", "TCP_KEEPALIVE", func(f *fileConfig) string { return f.TCPKeepAlive }}
	optDebugListen        = option{"debug-listen", "DEBUG_LISTEN", func(f *fileConfig) string { return f.DebugListen }}
	optLogLevel           = option{"log-level", "LOG_LEVEL", func(f *fileConfig) string { return f.LogLevel }}
	optLogFormat          = option{"log-format", "LOG_FORMAT", func(f *fileConfig) string { return f.LogFormat }}
	optConfig             = option{"config", "SOCKSBRIDGE_CONFIG", nil}
)

// NewFlagSet defines socksbridge's flags on a new FlagSet.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false

	fs.String(optListen.flag, "", "HTTP proxy listen address (e.g. 127.0.0.1:8080) [$SERVER_SOADDR]")
	fs.String(optUpstream.flag, "", "SOCKS5 upstream: host:port or socks5://[user:pass@]host:port [$SOCKS_SOADDR]")
	fs.String(optUsername.flag, "", "SOCKS5 upstream username; enables username/password auth [$SOCKS_USERNAME]")
	fs.String(optPassword.flag, "", "SOCKS5 upstream password [$SOCKS_PASSWORD]")
	fs.Bool(optAllowHostnames.flag, false, "Accept CONNECT to hostnames, resolved by the upstream [$ALLOW_HOSTNAMES]")

	fs.Duration(optDialTimeout.flag, 10*time.Second, "Timeout for the TCP connect to the upstream [$DIAL_TIMEOUT]")
	fs.Duration(optNegotiationTimeout.flag, 10*time.Second, "Timeout for reading request headers and the SOCKS5 handshake [$NEGOTIATION_TIMEOUT]")
	fs.Duration(optIdleTimeout.flag, 0, "Close tunnels idle for this long; 0 disables [$IDLE_TIMEOUT]")
	fs.Duration(optHTTPIdleTimeout.flag, 4*time.Minute, "Timeout for idle HTTP proxy connections [$HTTP_IDLE_TIMEOUT]")
	fs.Int(optHTTPMaxIdleConns.flag, 100, "Maximum number of idle connections to HTTP origins [$HTTP_MAX_IDLE_CONNS]")
	fs.String(optTCPKeepAlive.flag, "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt [$TCP_KEEPALIVE]")

	fs.String(optDebugListen.flag, "", "Debug HTTP listen address exposing /debug/pprof and /metrics. Empty disables. [$DEBUG_LISTEN]")
	fs.String(optLogLevel.flag, "info", "Log level: debug|info|warn|error [$LOG_LEVEL]")
	fs.String(optLogFormat.flag, "console", "Log format: console|json [$LOG_FORMAT]")

	fs.String(optConfig.flag, "", "YAML configuration file [$SOCKSBRIDGE_CONFIG]")
	fs.String("env-file", "", "dotenv file providing environment defaults")

	return fs
}

// Load parses args and resolves every setting. lookupEnv is normally
// os.LookupEnv. pflag.ErrHelp is returned unwrapped when help was requested.
func Load(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	fs := NewFlagSet("socksbridge")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, &ConfigError{Field: "flags", Err: err}
	}
	return resolve(fs, lookupEnv)
}

func resolve(fs *pflag.FlagSet, lookupEnv func(string) (string, bool)) (*Config, error) {
	r := &resolver{fs: fs, lookupEnv: lookupEnv, file: &fileConfig{}}

	if path, _ := fs.GetString("env-file"); path != "" {
		m, err := godotenv.Read(path)
		if err != nil {
			return nil, &ConfigError{Field: "env-file", Err: err}
		}
		r.dotenv = m
	}

	if path, _ := r.lookup(optConfig); path != "" {
		if err := loadYAML(path, r.file); err != nil {
			return nil, &ConfigError{Field: "config", Err: err}
		}
	}

	cfg := &Config{}
	var err error

	if cfg.Listen, err = r.hostPort(optListen); err != nil {
		return nil, err
	}
	if _, err := net.ResolveTCPAddr("tcp", cfg.Listen); err != nil {
		return nil, &ConfigError{Field: optListen.flag, Err: err}
	}

	upstream, _ := r.lookup(optUpstream)
	var urlCreds *Credentials
	if cfg.Upstream, urlCreds, err = parseUpstream(upstream); err != nil {
		return nil, &ConfigError{Field: optUpstream.flag, Err: err}
	}

	if cfg.Credentials, err = r.credentials(urlCreds, &cfg.Warnings); err != nil {
		return nil, err
	}

	if cfg.AllowHostnames, err = r.boolean(optAllowHostnames); err != nil {
		return nil, err
	}
	if cfg.DialTimeout, err = r.duration(optDialTimeout); err != nil {
		return nil, err
	}
	if cfg.NegotiationTimeout, err = r.duration(optNegotiationTimeout); err != nil {
		return nil, err
	}
	if cfg.IdleTimeout, err = r.duration(optIdleTimeout); err != nil {
		return nil, err
	}
	if cfg.HTTPIdleTimeout, err = r.duration(optHTTPIdleTimeout); err != nil {
		return nil, err
	}
	if cfg.HTTPMaxIdleConns, err = r.integer(optHTTPMaxIdleConns); err != nil {
		return nil, err
	}

	ka, _ := r.lookup(optTCPKeepAlive)
	if cfg.KeepAlive, err = ParseTCPKeepAlive(ka); err != nil {
		return nil, &ConfigError{Field: optTCPKeepAlive.flag, Err: err}
	}

	if cfg.DebugListen, _ = r.lookup(optDebugListen); cfg.DebugListen != "" {
		if _, _, err := net.SplitHostPort(cfg.DebugListen); err != nil {
			return nil, &ConfigError{Field: optDebugListen.flag, Err: err}
		}
	}
	cfg.LogLevel, _ = r.lookup(optLogLevel)
	cfg.LogFormat, _ = r.lookup(optLogFormat)

	return cfg, nil
}

type resolver struct {
	fs        *pflag.FlagSet
	lookupEnv func(string) (string, bool)
	dotenv    map[string]string
	file      *fileConfig
}

// lookup returns the highest-precedence value for o and whether it was set
// anywhere. Unset options return the flag default.
func (r *resolver) lookup(o option) (string, bool) {
	f := r.fs.Lookup(o.flag)
	if f.Changed {
		return f.Value.String(), true
	}
	if v, ok := r.lookupEnv(o.env); ok {
		return v, true
	}
	if v, ok := r.dotenv[o.env]; ok {
		return v, true
	}
	if o.file != nil {
		if v := o.file(r.file); v != "" {
			return v, true
		}
	}
	return f.DefValue, false
}

func (r *resolver) hostPort(o option) (string, error) {
	v, _ := r.lookup(o)
	if v == "" {
		return "", &ConfigError{Field: o.flag, Err: fmt.Errorf("required (set --%s or $%s)", o.flag, o.env)}
	}
	if err := validateHostPort(v); err != nil {
		return "", &ConfigError{Field: o.flag, Err: err}
	}
	return v, nil
}

func (r *resolver) credentials(fromURL *Credentials, warnings *[]string) (*Credentials, error) {
	username, _ := r.lookup(optUsername)
	password, passwordSet := r.lookup(optPassword)

	if username == "" && fromURL != nil {
		username = fromURL.Username
		if !passwordSet && fromURL.Password != "" {
			password, passwordSet = fromURL.Password, true
		}
	}

	if username == "" {
		if passwordSet && password != "" {
			*warnings = append(*warnings, "upstream password set without a username; authentication disabled")
		}
		return nil, nil
	}
	if !passwordSet {
		return nil, &ConfigError{Field: optPassword.flag, Err: errors.New("username set without password")}
	}
	return &Credentials{Username: username, Password: password}, nil
}

func (r *resolver) duration(o option) (time.Duration, error) {
	v, _ := r.lookup(o)
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, &ConfigError{Field: o.flag, Err: err}
	}
	if d < 0 {
		return 0, &ConfigError{Field: o.flag, Err: errors.New("must be >= 0")}
	}
	return d, nil
}

func (r *resolver) boolean(o option) (bool, error) {
	v, _ := r.lookup(o)
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &ConfigError{Field: o.flag, Err: err}
	}
	return b, nil
}

func (r *resolver) integer(o option) (int, error) {
	v, _ := r.lookup(o)
	n, err := parseNonNegativeInt(v)
	if err != nil {
		return 0, &ConfigError{Field: o.flag, Err: err}
	}
	return n, nil
}

// parseUpstream accepts host:port or socks5://[user:pass@]host[:port]. A
// URL without a port gets the SOCKS default of 1080.
func parseUpstream(s string) (string, *Credentials, error) {
	if s == "" {
		return "", nil, fmt.Errorf("required (set --%s or $%s)", optUpstream.flag, optUpstream.env)
	}
	if !strings.Contains(s, "://") {
		if err := validateHostPort(s); err != nil {
			return "", nil, err
		}
		return s, nil, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", nil, fmt.Errorf("invalid url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "socks5", "socks5h":
	default:
		return "", nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
	if u.Path != "" && u.Path != "/" {
		return "", nil, errors.New("invalid url: path should be empty")
	}
	if u.Hostname() == "" {
		return "", nil, errors.New("invalid url: missing host")
	}

	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "1080")
	}
	if err := validateHostPort(addr); err != nil {
		return "", nil, err
	}

	var creds *Credentials
	if u.User != nil && u.User.Username() != "" {
		pass, _ := u.User.Password()
		creds = &Credentials{Username: u.User.Username(), Password: pass}
	}
	return addr, creds, nil
}

func validateHostPort(s string) error {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return err
	}
	if host == "" {
		return errors.New("missing host")
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
