package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the flag set. Values stay strings so they go through
// the same parsing as flags and environment variables.
type fileConfig struct {
	Listen             string `yaml:"listen"`
	Upstream           string `yaml:"upstream"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	AllowHostnames     string `yaml:"allow_hostnames"`
	DialTimeout        string `yaml:"dial_timeout"`
	NegotiationTimeout string `yaml:"negotiation_timeout"`
	IdleTimeout        string `yaml:"idle_timeout"`
	HTTPIdleTimeout    string `yaml:"http_idle_timeout"`
	HTTPMaxIdleConns   string `yaml:"http_max_idle_conns"`
	TCPKeepAlive       string `yaml:"tcp_keepalive"`
	DebugListen        string `yaml:"debug_listen"`
	LogLevel           string `yaml:"log_level"`
	LogFormat          string `yaml:"log_format"`
}

func loadYAML(path string, dest *fileConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}
