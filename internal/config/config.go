// Package config holds all process configuration. Defaults are safe for
// local development; production values come from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the call core and its backends need.
type Config struct {
	Env string

	ICE      ICEConfig
	Call     CallConfig
	Media    MediaConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	Relay    RelayConfig
}

// ICEConfig is the ranked list of STUN/TURN servers handed to the media
// engine at peer-connection creation. The core treats it as opaque.
type ICEConfig struct {
	STUNURLs []string
	TURN     TURNConfig
}

// TURNConfig describes an optional TURN relay. Disabled unless both URLs
// and credentials are present.
type TURNConfig struct {
	URLs       []string
	Username   string
	Credential string
	Enabled    bool
}

// CallConfig tunes the call state machine.
type CallConfig struct {
	// RingTimeout is how long an unanswered call rings before it is
	// marked missed.
	RingTimeout time.Duration
}

// MediaConfig tunes local capture for the pion media engine.
type MediaConfig struct {
	VideoWidth     int
	VideoHeight    int
	VideoFramerate int
	VideoBitRate   int
	AudioBitRate   int
}

// RedisConfig controls the redis-backed signaling channel.
type RedisConfig struct {
	Addr         string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// PostgresConfig controls the call-history archive. Empty Host disables it.
type PostgresConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConnections int
	MaxIdleConns   int
}

// RelayConfig controls the websocket signaling relay (server listen address
// and the URL clients dial).
type RelayConfig struct {
	ListenAddr string
	URL        string

	// TURN relay embedded in the relay daemon. Off unless PublicIP is set.
	TURNPublicIP string
	TURNPort     int
	TURNRealm    string
	TURNUsers    string // "user=pass user2=pass2"
}

// DSN renders the postgres connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Name, p.SSLMode)
}

// NewDefaultConfig returns a Config with local-development defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Env: "dev",
		ICE: ICEConfig{
			STUNURLs: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
				"stun:stun2.l.google.com:19302",
			},
		},
		Call: CallConfig{
			RingTimeout: 30 * time.Second,
		},
		Media: MediaConfig{
			VideoWidth:     1280,
			VideoHeight:    720,
			VideoFramerate: 30,
			VideoBitRate:   1_000_000,
			AudioBitRate:   32_000,
		},
		// Redis stays disabled until REDIS_ADDR is set; the relay falls
		// back to its in-memory store.
		Redis: RedisConfig{
			DialTimeout:  3 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
			PoolSize:     20,
		},
		Postgres: PostgresConfig{
			Port:           5432,
			SSLMode:        "disable",
			MaxConnections: 10,
			MaxIdleConns:   5,
		},
		Relay: RelayConfig{
			ListenAddr: "localhost:7000",
			URL:        "ws://localhost:7000/ws",
			TURNPort:   3478,
			TURNRealm:  "callkit",
		},
	}
}

// Load returns the default config with environment overrides applied.
func Load() (*Config, error) {
	c := NewDefaultConfig()

	if v := strings.TrimSpace(os.Getenv("APP_ENV")); v != "" {
		c.Env = v
	}
	if v := strings.TrimSpace(os.Getenv("STUN_SERVER_URLS")); v != "" {
		c.ICE.STUNURLs = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("TURN_SERVER_URLS")); v != "" {
		c.ICE.TURN.URLs = splitList(v)
		c.ICE.TURN.Username = strings.TrimSpace(os.Getenv("TURN_USERNAME"))
		c.ICE.TURN.Credential = os.Getenv("TURN_CREDENTIAL")
		c.ICE.TURN.Enabled = c.ICE.TURN.Username != "" && c.ICE.TURN.Credential != ""
	}
	if v := strings.TrimSpace(os.Getenv("RING_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RING_TIMEOUT %q: %w", v, err)
		}
		c.Call.RingTimeout = d
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		c.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("DB_HOST")); v != "" {
		c.Postgres.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("DB_PORT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT %q: %w", v, err)
		}
		c.Postgres.Port = n
	}
	if v := strings.TrimSpace(os.Getenv("DB_USER")); v != "" {
		c.Postgres.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Postgres.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("DB_NAME")); v != "" {
		c.Postgres.Name = v
	}
	if v := strings.TrimSpace(os.Getenv("DB_SSLMODE")); v != "" {
		c.Postgres.SSLMode = v
	}
	if v := strings.TrimSpace(os.Getenv("DB_MAX_CONNECTIONS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid DB_MAX_CONNECTIONS %q", v)
		}
		c.Postgres.MaxConnections = n
	}
	if v := strings.TrimSpace(os.Getenv("DB_MAX_IDLE_CONNS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid DB_MAX_IDLE_CONNS %q", v)
		}
		c.Postgres.MaxIdleConns = n
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_LISTEN_ADDR")); v != "" {
		c.Relay.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_URL")); v != "" {
		c.Relay.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("TURN_RELAY_PUBLIC_IP")); v != "" {
		c.Relay.TURNPublicIP = v
	}
	if v := strings.TrimSpace(os.Getenv("TURN_RELAY_PORT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TURN_RELAY_PORT %q: %w", v, err)
		}
		c.Relay.TURNPort = n
	}
	if v := strings.TrimSpace(os.Getenv("TURN_RELAY_USERS")); v != "" {
		c.Relay.TURNUsers = v
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if len(c.ICE.STUNURLs) == 0 && !c.ICE.TURN.Enabled {
		return fmt.Errorf("config: no ICE servers configured")
	}
	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("config: ring timeout must be positive")
	}
	for _, u := range c.ICE.STUNURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return fmt.Errorf("config: %q is not a stun url", u)
		}
	}
	for _, u := range c.ICE.TURN.URLs {
		if !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return fmt.Errorf("config: %q is not a turn url", u)
		}
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
