// Package config loads the YAML configuration of the maintenance server and
// the terminal agent.
package config

import (
	goerrs "errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const DefaultPort = 3591

type WebsocketConfig struct {
	Enabled        bool     `yaml:"enabled"`
	ListenAddress  string   `yaml:"listen_address"`
	Endpoint       string   `yaml:"endpoint"`
	AllowAllHosts  bool     `yaml:"allow_all_hosts"`
	AllowedHosts   []string `yaml:"allowed_hosts"`
	DeniedHosts    []string `yaml:"denied_hosts"`
	MaxMessageSize int64    `yaml:"max_message_size"`
}

type ServerConfig struct {
	ListenAddress     string          `yaml:"listen_address"`
	InactivityTimeout time.Duration   `yaml:"inactivity_timeout"`
	RequestTimeout    time.Duration   `yaml:"request_timeout"`
	MetricsAddress    string          `yaml:"metrics_address"`
	Websocket         WebsocketConfig `yaml:"websocket"`
}

type ClientConfig struct {
	ServerAddress     string        `yaml:"server_address"`
	Port              int           `yaml:"port"`
	Location          string        `yaml:"location"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`

	// Transport is "tcp" or "websocket".
	Transport         string `yaml:"transport"`
	WebsocketEndpoint string `yaml:"websocket_endpoint"`

	// LogFile is served to GetLogRequests.
	LogFile      string `yaml:"log_file"`
	LogTailLines int    `yaml:"log_tail_lines"`
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddress:     fmt.Sprintf(":%d", DefaultPort),
		InactivityTimeout: 30 * time.Second,
		MetricsAddress:    ":9090",
		Websocket: WebsocketConfig{
			ListenAddress: fmt.Sprintf(":%d", DefaultPort+1),
			Endpoint:      "/maintenance",
		},
	}
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ServerAddress:     "localhost",
		Port:              DefaultPort,
		RequestTimeout:    10 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		ReconnectDelay:    5 * time.Second,
		Transport:         "tcp",
		WebsocketEndpoint: "/maintenance",
		LogTailLines:      500,
	}
}

// load decodes the file at path over cfg. A missing file keeps cfg unchanged.
func load(path string, cfg any, log *zap.Logger) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if goerrs.Is(err, fs.ErrNotExist) {
		log.Warn("Configuration file not found, using defaults", zap.String("path", path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadServerConfig reads the server configuration at path on top of the
// defaults.
func LoadServerConfig(path string, log *zap.Logger) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := load(path, cfg, log); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClientConfig reads the terminal configuration at path on top of the
// defaults.
func LoadClientConfig(path string, log *zap.Logger) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := load(path, cfg, log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ServerConfig) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address is required")
	}
	if c.InactivityTimeout < 0 {
		return fmt.Errorf("inactivity_timeout must not be negative")
	}
	if c.Websocket.Enabled && c.Websocket.ListenAddress == "" {
		return fmt.Errorf("websocket.listen_address is required when the websocket endpoint is enabled")
	}
	return nil
}

func (c *ClientConfig) Validate() error {
	if c.Location == "" {
		return fmt.Errorf("location is required")
	}
	if c.ServerAddress == "" {
		return fmt.Errorf("server_address is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect_delay must be positive")
	}
	if c.ReadTimeout > 0 && c.HeartbeatInterval > 0 && c.ReadTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("read_timeout (%s) must exceed heartbeat_interval (%s)", c.ReadTimeout, c.HeartbeatInterval)
	}
	switch c.Transport {
	case "tcp", "websocket":
	default:
		return fmt.Errorf("unknown transport %q (supported: tcp, websocket)", c.Transport)
	}
	return nil
}
