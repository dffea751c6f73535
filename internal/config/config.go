// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sorok-Dva/project42-sync/internal/action"
	"github.com/Sorok-Dva/project42-sync/internal/clocksync"
	"github.com/Sorok-Dva/project42-sync/internal/conn"
	"github.com/Sorok-Dva/project42-sync/internal/journal"
	"github.com/Sorok-Dva/project42-sync/internal/session"
)

// Config is the client configuration. Values come from Default, then the
// optional YAML file, then P42_* environment variables.
type Config struct {
	ServerURL string `yaml:"server_url"`
	Room      string `yaml:"room"`
	// Token is normally supplied through P42_TOKEN rather than the file.
	Token string `yaml:"token"`

	Conn struct {
		HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
		HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"`
		WriteTimeout         time.Duration `yaml:"write_timeout"`
		ReconnectBase        time.Duration `yaml:"reconnect_base"`
		ReconnectMax         time.Duration `yaml:"reconnect_max"`
		ReconnectJitter      float64       `yaml:"reconnect_jitter"`
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
		OutboxSize           int           `yaml:"outbox_size"`
	} `yaml:"conn"`

	Actions struct {
		VoteTimeout     time.Duration `yaml:"vote_timeout"`
		ReadyTimeout    time.Duration `yaml:"ready_timeout"`
		AbilityTimeout  time.Duration `yaml:"ability_timeout"`
		QuickEndTimeout time.Duration `yaml:"quick_end_timeout"`
	} `yaml:"actions"`

	ClockSync struct {
		Interval time.Duration `yaml:"interval"`
		MaxRTT   time.Duration `yaml:"max_rtt"`
		Window   int           `yaml:"window"`
	} `yaml:"clock_sync"`

	ResyncRetry time.Duration `yaml:"resync_retry"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Journal struct {
		Enabled    bool          `yaml:"enabled"`
		RedisAddr  string        `yaml:"redis_addr"`
		RedisDB    int           `yaml:"redis_db"`
		Queue      string        `yaml:"queue"`
		Buffer     int           `yaml:"buffer"`
		BatchSize  int           `yaml:"batch_size"`
		FlushDelay time.Duration `yaml:"flush_delay"`
	} `yaml:"journal"`

	// StatusAddr enables the status endpoint of p42watch when set.
	StatusAddr string `yaml:"status_addr"`
}

// Default returns a configuration with every field set.
func Default() Config {
	var c Config
	def := session.DefaultConfig()
	c.ServerURL = def.ServerURL

	c.Conn.HandshakeTimeout = def.Conn.HandshakeTimeout
	c.Conn.HeartbeatTimeout = def.Conn.HeartbeatTimeout
	c.Conn.WriteTimeout = def.Conn.WriteTimeout
	c.Conn.ReconnectBase = def.Conn.ReconnectBase
	c.Conn.ReconnectMax = def.Conn.ReconnectMax
	c.Conn.ReconnectJitter = def.Conn.ReconnectJitter
	c.Conn.MaxReconnectAttempts = def.Conn.MaxReconnectAttempts
	c.Conn.OutboxSize = def.Conn.OutboxSize

	c.Actions.VoteTimeout = def.Actions.VoteTimeout
	c.Actions.ReadyTimeout = def.Actions.ReadyTimeout
	c.Actions.AbilityTimeout = def.Actions.AbilityTimeout
	c.Actions.QuickEndTimeout = def.Actions.QuickEndTimeout

	c.ClockSync.Interval = def.ClockSync.Interval
	c.ClockSync.MaxRTT = def.ClockSync.MaxRTT
	c.ClockSync.Window = def.ClockSync.Window

	c.ResyncRetry = def.ResyncRetry

	c.Log.Level = "info"
	c.Log.Format = "text"

	jdef := journal.DefaultConfig()
	c.Journal.RedisAddr = "localhost:6379"
	c.Journal.Queue = jdef.Queue
	c.Journal.Buffer = jdef.Buffer
	c.Journal.BatchSize = jdef.BatchSize
	c.Journal.FlushDelay = jdef.FlushDelay
	return c
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	c.ServerURL = getEnv("P42_SERVER_URL", c.ServerURL)
	c.Room = getEnv("P42_ROOM", c.Room)
	c.Token = getEnv("P42_TOKEN", c.Token)

	c.Conn.HeartbeatTimeout = getEnvDuration("P42_HEARTBEAT_TIMEOUT", c.Conn.HeartbeatTimeout)
	c.Conn.MaxReconnectAttempts = getEnvInt("P42_MAX_RECONNECT_ATTEMPTS", c.Conn.MaxReconnectAttempts)
	c.ResyncRetry = getEnvDuration("P42_RESYNC_RETRY", c.ResyncRetry)

	c.Log.Level = getEnv("P42_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("P42_LOG_FORMAT", c.Log.Format)

	c.Journal.Enabled = getEnvBool("P42_JOURNAL", c.Journal.Enabled)
	c.Journal.RedisAddr = getEnv("REDIS_ADDR", c.Journal.RedisAddr)
	c.Journal.RedisDB = getEnvInt("REDIS_DB", c.Journal.RedisDB)
	c.Journal.Queue = getEnv("P42_JOURNAL_QUEUE", c.Journal.Queue)

	c.StatusAddr = getEnv("P42_STATUS_ADDR", c.StatusAddr)
}

// Validate checks ranges. It does not require a room or token; the CLI
// does.
func (c Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		errs = append(errs, fmt.Errorf("server_url %q must be a ws:// or wss:// URL", c.ServerURL))
	}
	if c.Conn.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("conn.handshake_timeout must be positive"))
	}
	if c.Conn.HeartbeatTimeout < 0 {
		errs = append(errs, errors.New("conn.heartbeat_timeout must not be negative"))
	}
	if c.Conn.ReconnectBase <= 0 || c.Conn.ReconnectMax < c.Conn.ReconnectBase {
		errs = append(errs, errors.New("conn.reconnect_base must be positive and not above conn.reconnect_max"))
	}
	if c.Conn.ReconnectJitter < 0 || c.Conn.ReconnectJitter > 1 {
		errs = append(errs, fmt.Errorf("conn.reconnect_jitter %v must be within [0, 1]", c.Conn.ReconnectJitter))
	}
	if c.Conn.MaxReconnectAttempts < 1 {
		errs = append(errs, errors.New("conn.max_reconnect_attempts must be at least 1"))
	}
	for name, d := range map[string]time.Duration{
		"actions.vote_timeout":      c.Actions.VoteTimeout,
		"actions.ready_timeout":     c.Actions.ReadyTimeout,
		"actions.ability_timeout":   c.Actions.AbilityTimeout,
		"actions.quick_end_timeout": c.Actions.QuickEndTimeout,
		"clock_sync.interval":       c.ClockSync.Interval,
		"resync_retry":              c.ResyncRetry,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.ClockSync.Window < 1 {
		errs = append(errs, errors.New("clock_sync.window must be at least 1"))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if c.Journal.Enabled && (c.Journal.RedisAddr == "" || c.Journal.Queue == "") {
		errs = append(errs, errors.New("journal needs redis_addr and queue"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Session converts the configuration for session.New.
func (c Config) Session() session.Config {
	return session.Config{
		ServerURL: c.ServerURL,
		Conn: conn.Config{
			HandshakeTimeout:     c.Conn.HandshakeTimeout,
			HeartbeatTimeout:     c.Conn.HeartbeatTimeout,
			WriteTimeout:         c.Conn.WriteTimeout,
			ReconnectBase:        c.Conn.ReconnectBase,
			ReconnectMax:         c.Conn.ReconnectMax,
			ReconnectJitter:      c.Conn.ReconnectJitter,
			MaxReconnectAttempts: c.Conn.MaxReconnectAttempts,
			OutboxSize:           c.Conn.OutboxSize,
		},
		Actions: action.Config{
			VoteTimeout:     c.Actions.VoteTimeout,
			ReadyTimeout:    c.Actions.ReadyTimeout,
			AbilityTimeout:  c.Actions.AbilityTimeout,
			QuickEndTimeout: c.Actions.QuickEndTimeout,
		},
		ClockSync: clocksync.Config{
			Interval: c.ClockSync.Interval,
			MaxRTT:   c.ClockSync.MaxRTT,
			Window:   c.ClockSync.Window,
		},
		ResyncRetry: c.ResyncRetry,
	}
}

// JournalConfig converts the journal section for journal.NewRedis.
func (c Config) JournalConfig() journal.Config {
	return journal.Config{
		Queue:      c.Journal.Queue,
		Buffer:     c.Journal.Buffer,
		BatchSize:  c.Journal.BatchSize,
		FlushDelay: c.Journal.FlushDelay,
	}
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return v
}

func getEnvBool(key string, def bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return v
}
