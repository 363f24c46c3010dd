// Package config loads service and client settings from an optional TOML
// file and the environment. Environment variables win over the file.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/redis/go-redis/v9"
)

// EnvConfigFile names the optional TOML file.
const EnvConfigFile = "TASKSYNC_CONFIG"

type Storage struct {
	// ConnectionString selects Azure Table storage; empty keeps tasks in memory.
	ConnectionString  string `toml:"connection_string"`
	TasksTable        string `toml:"tasks_table"`
	NotificationQueue string `toml:"notification_queue"`
}

type Redis struct {
	// ConnectionString enables the read cache, the event relay and
	// idempotency keys.
	ConnectionString string        `toml:"connection_string"`
	CacheTTL         time.Duration `toml:"cache_ttl"`
	EventsChannel    string        `toml:"events_channel"`
	DeduperTTL       time.Duration `toml:"deduper_ttl"`
}

type Auth struct {
	// Domain enables Auth0 JWKS validation.
	Domain   string `toml:"domain"`
	Audience string `toml:"audience"`
	// SharedSecret enables HS256 validation for local development.
	SharedSecret string        `toml:"shared_secret"`
	JWKSCacheTTL time.Duration `toml:"jwks_cache_ttl"`
}

// Enabled reports whether requests must carry credentials.
func (a Auth) Enabled() bool { return a.Domain != "" || a.SharedSecret != "" }

type Realtime struct {
	PingInterval   time.Duration `toml:"ping_interval"`
	PingTimeout    time.Duration `toml:"ping_timeout"`
	SweepInterval  time.Duration `toml:"sweep_interval"`
	QueueSize      int           `toml:"queue_size"`
	PollWait       time.Duration `toml:"poll_wait"`
	AllowedOrigins []string      `toml:"allowed_origins"`
}

type Notify struct {
	Workers     int           `toml:"workers"`
	Buffer      int           `toml:"buffer"`
	SendTimeout time.Duration `toml:"send_timeout"`
}

// Server is the configuration of cmd/task-api.
type Server struct {
	ListenAddr string `toml:"listen_addr"`
	Debug      bool   `toml:"debug"`
	LogFormat  string `toml:"log_format"`

	Storage  Storage  `toml:"storage"`
	Redis    Redis    `toml:"redis"`
	Auth     Auth     `toml:"auth"`
	Realtime Realtime `toml:"realtime"`
	Notify   Notify   `toml:"notify"`
}

// DefaultServer returns the production defaults.
func DefaultServer() Server {
	return Server{
		ListenAddr: ":5000",
		LogFormat:  "text",
		Storage:    Storage{TasksTable: "tasks"},
		Redis: Redis{
			CacheTTL:      time.Minute,
			EventsChannel: "tasks:events",
			DeduperTTL:    24 * time.Hour,
		},
		Auth: Auth{JWKSCacheTTL: 15 * time.Minute},
		Realtime: Realtime{
			PingInterval:  25 * time.Second,
			PingTimeout:   60 * time.Second,
			SweepInterval: 5 * time.Second,
			QueueSize:     64,
			PollWait:      25 * time.Second,
		},
		Notify: Notify{Workers: 4, Buffer: 256, SendTimeout: 30 * time.Second},
	}
}

// LoadServer reads defaults, then the TOML file named by TASKSYNC_CONFIG,
// then the environment.
func LoadServer() (Server, error) {
	cfg := DefaultServer()
	if err := decodeFile(os.Getenv(EnvConfigFile), &cfg); err != nil {
		return Server{}, err
	}
	e := &env{}
	if port := e.str("PORT", ""); port != "" {
		cfg.ListenAddr = ":" + port
	}
	cfg.ListenAddr = e.str("LISTEN_ADDR", cfg.ListenAddr)
	cfg.Debug = e.boolean("DEBUG", cfg.Debug)
	cfg.LogFormat = e.str("LOG_FORMAT", cfg.LogFormat)

	cfg.Storage.ConnectionString = e.str("STORAGE_CONNECTION_STRING", cfg.Storage.ConnectionString)
	cfg.Storage.TasksTable = e.str("TASKS_TABLE", cfg.Storage.TasksTable)
	cfg.Storage.NotificationQueue = e.str("NOTIFICATION_QUEUE", cfg.Storage.NotificationQueue)

	cfg.Redis.ConnectionString = e.str("REDIS_CONNECTION_STRING", cfg.Redis.ConnectionString)
	cfg.Redis.CacheTTL = e.dur("TASKS_CACHE_TTL", cfg.Redis.CacheTTL)
	cfg.Redis.EventsChannel = e.str("EVENTS_CHANNEL", cfg.Redis.EventsChannel)
	cfg.Redis.DeduperTTL = e.dur("DEDUPER_TTL", cfg.Redis.DeduperTTL)

	cfg.Auth.Domain = e.str("AUTH0_DOMAIN", cfg.Auth.Domain)
	cfg.Auth.Audience = e.str("AUTH0_AUDIENCE", cfg.Auth.Audience)
	cfg.Auth.SharedSecret = e.str("LOCAL_AUTH_SHARED_SECRET", cfg.Auth.SharedSecret)
	cfg.Auth.JWKSCacheTTL = e.dur("JWKS_CACHE_TTL", cfg.Auth.JWKSCacheTTL)

	cfg.Realtime.PingInterval = e.dur("PING_INTERVAL", cfg.Realtime.PingInterval)
	cfg.Realtime.PingTimeout = e.dur("PING_TIMEOUT", cfg.Realtime.PingTimeout)
	cfg.Realtime.SweepInterval = e.dur("SWEEP_INTERVAL", cfg.Realtime.SweepInterval)
	cfg.Realtime.QueueSize = e.integer("SESSION_QUEUE_SIZE", cfg.Realtime.QueueSize)
	cfg.Realtime.PollWait = e.dur("POLL_WAIT", cfg.Realtime.PollWait)
	cfg.Realtime.AllowedOrigins = e.list("ALLOWED_ORIGINS", cfg.Realtime.AllowedOrigins)

	cfg.Notify.Workers = e.integer("NOTIFY_WORKERS", cfg.Notify.Workers)
	cfg.Notify.Buffer = e.integer("NOTIFY_BUFFER", cfg.Notify.Buffer)
	cfg.Notify.SendTimeout = e.dur("NOTIFY_TIMEOUT", cfg.Notify.SendTimeout)

	if err := e.err(); err != nil {
		return Server{}, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the server cannot run with.
func (c Server) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address required"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.LogFormat))
	}
	if c.Storage.ConnectionString != "" && c.Storage.TasksTable == "" {
		errs = append(errs, errors.New("tasks table required with table storage"))
	}
	if c.Auth.Domain != "" && c.Auth.Audience == "" {
		errs = append(errs, errors.New("auth audience required with auth domain"))
	}
	for name, d := range map[string]time.Duration{
		"ping interval":  c.Realtime.PingInterval,
		"ping timeout":   c.Realtime.PingTimeout,
		"sweep interval": c.Realtime.SweepInterval,
		"poll wait":      c.Realtime.PollWait,
		"notify timeout": c.Notify.SendTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Realtime.QueueSize <= 0 {
		errs = append(errs, errors.New("session queue size must be positive"))
	}
	if c.Notify.Workers <= 0 || c.Notify.Buffer < 0 {
		errs = append(errs, errors.New("notify workers must be positive"))
	}
	return errors.Join(errs...)
}

// RedisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=True" connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}

func decodeFile(path string, v any) error {
	if path == "" {
		return nil
	}
	md, err := toml.DecodeFile(path, v)
	if err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %s: unknown keys %v", path, undecoded)
	}
	return nil
}

// env reads typed variables and collects parse failures.
type env struct {
	errs []error
}

func (e *env) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return n
}

func (e *env) dur(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return d
}

func (e *env) boolean(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return b
}

func (e *env) list(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (e *env) err() error { return errors.Join(e.errs...) }
