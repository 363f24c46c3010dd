package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"
)

// EnvClientConfigFile names the optional TOML file of the terminal client.
const EnvClientConfigFile = "TASKSYNC_CLIENT_CONFIG"

// Client is the configuration of cmd/task-client.
type Client struct {
	ServerURL string `toml:"server_url"`
	Token     string `toml:"token"`
	Debug     bool   `toml:"debug"`
	LogFormat string `toml:"log_format"`

	ReconnectDelay    time.Duration `toml:"reconnect_delay"`
	ReconnectDelayMax time.Duration `toml:"reconnect_delay_max"`
	// MaxAttempts of zero retries forever.
	MaxAttempts    int           `toml:"max_attempts"`
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	// Transports in preference order: websocket, polling.
	Transports []string `toml:"transports"`
}

// DefaultClient holds the reconnection settings of the web client.
func DefaultClient() Client {
	return Client{
		ServerURL:         "http://localhost:5000",
		LogFormat:         "text",
		ReconnectDelay:    time.Second,
		ReconnectDelayMax: 5 * time.Second,
		ConnectTimeout:    20 * time.Second,
		Transports:        []string{"websocket", "polling"},
	}
}

func LoadClient() (Client, error) {
	cfg := DefaultClient()
	if err := decodeFile(os.Getenv(EnvClientConfigFile), &cfg); err != nil {
		return Client{}, err
	}
	e := &env{}
	cfg.ServerURL = e.str("TASKSYNC_SERVER_URL", cfg.ServerURL)
	cfg.Token = e.str("TASKSYNC_TOKEN", cfg.Token)
	cfg.Debug = e.boolean("DEBUG", cfg.Debug)
	cfg.LogFormat = e.str("LOG_FORMAT", cfg.LogFormat)
	cfg.ReconnectDelay = e.dur("RECONNECT_DELAY", cfg.ReconnectDelay)
	cfg.ReconnectDelayMax = e.dur("RECONNECT_DELAY_MAX", cfg.ReconnectDelayMax)
	cfg.MaxAttempts = e.integer("RECONNECT_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.ConnectTimeout = e.dur("CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.Transports = e.list("TRANSPORTS", cfg.Transports)
	if err := e.err(); err != nil {
		return Client{}, err
	}
	return cfg, cfg.Validate()
}

func (c Client) Validate() error {
	var errs []error
	if u, err := url.Parse(c.ServerURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid server url %q", c.ServerURL))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.LogFormat))
	}
	if c.ReconnectDelay <= 0 || c.ReconnectDelayMax < c.ReconnectDelay {
		errs = append(errs, errors.New("reconnect delays must be positive and ordered"))
	}
	if c.MaxAttempts < 0 {
		errs = append(errs, errors.New("max attempts cannot be negative"))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect timeout must be positive"))
	}
	if len(c.Transports) == 0 {
		errs = append(errs, errors.New("at least one transport required"))
	}
	for _, t := range c.Transports {
		if t != "websocket" && t != "polling" {
			errs = append(errs, fmt.Errorf("unknown transport %q", t))
		}
	}
	return errors.Join(errs...)
}
