package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Inbox overflow policies for callback.queue.policy.
const (
	PolicyBlock      = "block"
	PolicyDropOldest = "drop-oldest"
)

type Config struct {
	LogLevel string

	// client identity
	UserID     int64
	UserName   string
	UserSecret string
	GroupID    int64

	// route service
	RouteURL  string
	RouteAddr string
	RouteDB   string
	// AuthKey signs login and peer tokens. Empty means unsigned tokens, which
	// only suit a single trusted host.
	AuthKey   string

	// relay
	RelayAddr       string
	RelayHost       string
	RelayPort       int
	MetricsAddr     string
	ControlSocket   string
	PeerCacheSize   int
	LoginGrace      time.Duration
	LookupTimeout   time.Duration
	ShutdownTimeout time.Duration
	MaxFrameSize    int

	HeartbeatInterval time.Duration

	CallbackPoolSize    int
	CallbackQueueSize   int
	CallbackQueuePolicy string

	ReconnectMaxAttempts int
	ReconnectBackoffCap  time.Duration
}

// SetDefaults registers default values for every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("user.id", 0)
	v.SetDefault("group.id", 0)
	v.SetDefault("route.url", "http://127.0.0.1:8083")
	v.SetDefault("route.addr", ":8083")
	v.SetDefault("route.db", "cim.db")
	v.SetDefault("relay.addr", ":11211")
	v.SetDefault("relay.host", "127.0.0.1")
	v.SetDefault("relay.port", 0)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("relay.control", "")
	v.SetDefault("relay.peer.cache", 64)
	v.SetDefault("login.grace", 30)
	v.SetDefault("lookup.timeout", 2000)
	v.SetDefault("shutdown.timeout", 5)
	v.SetDefault("frame.max.size", 1<<20)
	v.SetDefault("heartbeat.interval", 10)
	v.SetDefault("callback.thread.pool.size", 4)
	v.SetDefault("callback.thread.queue.size", 256)
	v.SetDefault("callback.queue.policy", PolicyBlock)
	v.SetDefault("reconnect.max.attempts", 10)
	v.SetDefault("reconnect.backoff.cap.ms", 30000)
}

// New returns a viper instance with defaults set and CIM_* environment
// overrides enabled (route.url -> CIM_ROUTE_URL).
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("CIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads every key from v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		LogLevel:             v.GetString("log.level"),
		UserID:               v.GetInt64("user.id"),
		UserName:             v.GetString("user.name"),
		UserSecret:           v.GetString("user.secret"),
		GroupID:              v.GetInt64("group.id"),
		RouteURL:             strings.TrimRight(v.GetString("route.url"), "/"),
		RouteAddr:            v.GetString("route.addr"),
		RouteDB:              v.GetString("route.db"),
		AuthKey:              v.GetString("auth.key"),
		RelayAddr:            v.GetString("relay.addr"),
		RelayHost:            v.GetString("relay.host"),
		RelayPort:            v.GetInt("relay.port"),
		MetricsAddr:          v.GetString("metrics.addr"),
		ControlSocket:        v.GetString("relay.control"),
		PeerCacheSize:        v.GetInt("relay.peer.cache"),
		LoginGrace:           time.Duration(v.GetInt("login.grace")) * time.Second,
		LookupTimeout:        time.Duration(v.GetInt("lookup.timeout")) * time.Millisecond,
		ShutdownTimeout:      time.Duration(v.GetInt("shutdown.timeout")) * time.Second,
		MaxFrameSize:         v.GetInt("frame.max.size"),
		HeartbeatInterval:    time.Duration(v.GetInt("heartbeat.interval")) * time.Second,
		CallbackPoolSize:     v.GetInt("callback.thread.pool.size"),
		CallbackQueueSize:    v.GetInt("callback.thread.queue.size"),
		CallbackQueuePolicy:  v.GetString("callback.queue.policy"),
		ReconnectMaxAttempts: v.GetInt("reconnect.max.attempts"),
		ReconnectBackoffCap:  time.Duration(v.GetInt("reconnect.backoff.cap.ms")) * time.Millisecond,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RouteURL == "" {
		return fmt.Errorf("route.url is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	if c.CallbackPoolSize <= 0 {
		return fmt.Errorf("callback.thread.pool.size must be positive")
	}
	if c.CallbackQueueSize <= 0 {
		return fmt.Errorf("callback.thread.queue.size must be positive")
	}
	if c.CallbackQueuePolicy != PolicyBlock && c.CallbackQueuePolicy != PolicyDropOldest {
		return fmt.Errorf("callback.queue.policy must be %q or %q", PolicyBlock, PolicyDropOldest)
	}
	if c.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max.attempts must be positive")
	}
	if c.PeerCacheSize <= 0 {
		return fmt.Errorf("relay.peer.cache must be positive")
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("frame.max.size must be positive")
	}
	return nil
}
