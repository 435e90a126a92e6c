// Package config provides Viper-based configuration loading for the game server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Server modes.
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// Mode is "development" or "production". Development tolerates a missing store.
	Mode string `mapstructure:"mode"`
	// Version is the protocol build version clients must present in AUTH.
	Version string `mapstructure:"version"`
	// Subprotocol is the only websocket subprotocol the server accepts.
	Subprotocol string `mapstructure:"subprotocol"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// WebSocketConfig holds websocket acceptor settings.
type WebSocketConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// Path is the HTTP path that upgrades to a websocket.
	Path string `mapstructure:"path"`
	// ReadTimeout bounds the wait for the next inbound frame.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout bounds each outbound frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxMessageBytes caps the size of an inbound frame.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
	// SendBuffer is the number of outbound frames queued per socket.
	SendBuffer int `mapstructure:"send_buffer"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (w WebSocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	// AuthTimeout is how long a connected session may stay unauthenticated.
	AuthTimeout time.Duration `mapstructure:"auth_timeout"`
	// QueueCapacity is the maximum number of packets buffered before AUTH.
	QueueCapacity int `mapstructure:"queue_capacity"`
	// SweepInterval is the idle sweep cadence.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// SoftIdle is the inactivity after which the socket is dropped.
	SoftIdle time.Duration `mapstructure:"soft_idle"`
	// HardIdle is the inactivity after which the session is destroyed.
	HardIdle time.Duration `mapstructure:"hard_idle"`
	// PingInterval is the cadence of server-initiated PING probes.
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// MatchmakingConfig holds queue settings.
type MatchmakingConfig struct {
	// PromotionDelay is the time an entry waits in the pending queue.
	PromotionDelay time.Duration `mapstructure:"promotion_delay"`
	// NotifyInterval is the cadence of "still queued" updates for pending entries.
	NotifyInterval time.Duration `mapstructure:"notify_interval"`
	// RoomSize is the number of players paired into one room.
	RoomSize int `mapstructure:"room_size"`
}

// MatchConfig holds gameplay rule settings.
type MatchConfig struct {
	GlobalCooldown  time.Duration `mapstructure:"global_cooldown"`
	CellCooldown    time.Duration `mapstructure:"cell_cooldown"`
	DrawWindow      time.Duration `mapstructure:"draw_window"`
	PowerupEvery    int           `mapstructure:"powerup_every"`
	PowerupLifetime time.Duration `mapstructure:"powerup_lifetime"`
	PuzzleDir       string        `mapstructure:"puzzle_dir"`
	AbilityCatalog  string        `mapstructure:"ability_catalog"`
	// ScriptDir holds Lua effect scripts; empty disables scripting.
	ScriptDir string `mapstructure:"script_dir"`
}

// AuthConfig holds token settings.
type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	GuestTTL time.Duration `mapstructure:"guest_ttl"`
}

// StoreConfig selects the external key-value store.
type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `mapstructure:"driver"`
}

// StatsConfig holds stats snapshot settings.
type StatsConfig struct {
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

// AdminConfig holds the admin gRPC endpoint settings.
type AdminConfig struct {
	GRPCHost string `mapstructure:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.GRPCHost, a.GRPCPort)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	WebSocket   WebSocketConfig   `mapstructure:"websocket"`
	Session     SessionConfig     `mapstructure:"session"`
	Matchmaking MatchmakingConfig `mapstructure:"matchmaking"`
	Match       MatchConfig       `mapstructure:"match"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Store       StoreConfig       `mapstructure:"store"`
	Stats       StatsConfig       `mapstructure:"stats"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	validators := []func() error{
		func() error { return validateServer(c.Server) },
		func() error { return validateWebSocket(c.WebSocket) },
		func() error { return validateSession(c.Session) },
		func() error { return validateMatchmaking(c.Matchmaking) },
		func() error { return validateMatch(c.Match) },
		func() error { return validateAuth(c.Auth) },
		func() error { return validateStore(c.Store, c.Server) },
		func() error { return validateAdmin(c.Admin) },
		func() error { return validateLogging(c.Logging) },
	}
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Store.Driver == StorePostgres {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Mode != ModeDevelopment && s.Mode != ModeProduction {
		errs = append(errs, fmt.Sprintf("server.mode must be one of [development, production], got %q", s.Mode))
	}
	if s.Version == "" {
		errs = append(errs, "server.version must not be empty")
	}
	if s.Subprotocol == "" {
		errs = append(errs, "server.subprotocol must not be empty")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if w.Port < 1 || w.Port > 65535 {
		errs = append(errs, fmt.Sprintf("websocket.port must be 1-65535, got %d", w.Port))
	}
	if !strings.HasPrefix(w.Path, "/") {
		errs = append(errs, fmt.Sprintf("websocket.path must start with '/', got %q", w.Path))
	}
	if w.ReadTimeout < 0 {
		errs = append(errs, "websocket.read_timeout must not be negative")
	}
	if w.WriteTimeout < 0 {
		errs = append(errs, "websocket.write_timeout must not be negative")
	}
	if w.MaxMessageBytes < 1 {
		errs = append(errs, fmt.Sprintf("websocket.max_message_bytes must be >= 1, got %d", w.MaxMessageBytes))
	}
	if w.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("websocket.send_buffer must be >= 1, got %d", w.SendBuffer))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateSession(s SessionConfig) error {
	var errs []string
	if s.AuthTimeout <= 0 {
		errs = append(errs, "session.auth_timeout must be > 0")
	}
	if s.QueueCapacity < 1 {
		errs = append(errs, fmt.Sprintf("session.queue_capacity must be >= 1, got %d", s.QueueCapacity))
	}
	if s.SweepInterval <= 0 {
		errs = append(errs, "session.sweep_interval must be > 0")
	}
	if s.SoftIdle <= 0 {
		errs = append(errs, "session.soft_idle must be > 0")
	}
	if s.HardIdle <= s.SoftIdle {
		errs = append(errs, "session.hard_idle must exceed session.soft_idle")
	}
	if s.PingInterval <= 0 {
		errs = append(errs, "session.ping_interval must be > 0")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateMatchmaking(m MatchmakingConfig) error {
	var errs []string
	if m.PromotionDelay < 0 {
		errs = append(errs, "matchmaking.promotion_delay must not be negative")
	}
	if m.NotifyInterval <= 0 {
		errs = append(errs, "matchmaking.notify_interval must be > 0")
	}
	if m.RoomSize < 2 {
		errs = append(errs, fmt.Sprintf("matchmaking.room_size must be >= 2, got %d", m.RoomSize))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateMatch(m MatchConfig) error {
	var errs []string
	if m.GlobalCooldown < 0 {
		errs = append(errs, "match.global_cooldown must not be negative")
	}
	if m.CellCooldown < 0 {
		errs = append(errs, "match.cell_cooldown must not be negative")
	}
	if m.DrawWindow < 0 {
		errs = append(errs, "match.draw_window must not be negative")
	}
	if m.PowerupEvery < 0 {
		errs = append(errs, fmt.Sprintf("match.powerup_every must be >= 0, got %d", m.PowerupEvery))
	}
	if m.PuzzleDir == "" {
		errs = append(errs, "match.puzzle_dir must not be empty")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateAuth(a AuthConfig) error {
	var errs []string
	if len(a.Secret) < 16 {
		errs = append(errs, "auth.secret must be at least 16 bytes")
	}
	if a.Issuer == "" {
		errs = append(errs, "auth.issuer must not be empty")
	}
	if a.GuestTTL <= 0 {
		errs = append(errs, "auth.guest_ttl must be > 0")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateStore(s StoreConfig, srv ServerConfig) error {
	switch s.Driver {
	case StorePostgres:
		return nil
	case StoreMemory:
		if srv.Mode == ModeProduction {
			return errors.New("store.driver memory is not allowed in production mode")
		}
		return nil
	default:
		return fmt.Errorf("store.driver must be one of [memory, postgres], got %q", s.Driver)
	}
}

func validateAdmin(a AdminConfig) error {
	if a.GRPCPort < 0 || a.GRPCPort > 65535 {
		return fmt.Errorf("admin.grpc_port must be 0-65535, got %d", a.GRPCPort)
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with GRIDLOCK_ prefix
	v.SetEnvPrefix("GRIDLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults registers the default value of every setting on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", ModeDevelopment)
	v.SetDefault("server.version", "1.0.0")
	v.SetDefault("server.subprotocol", "gridlock.v1")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "gridlock")
	v.SetDefault("database.password", "gridlock")
	v.SetDefault("database.name", "gridlock")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("websocket.host", "0.0.0.0")
	v.SetDefault("websocket.port", 8080)
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.read_timeout", "3m")
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.max_message_bytes", 16384)
	v.SetDefault("websocket.send_buffer", 128)

	v.SetDefault("session.auth_timeout", "5s")
	v.SetDefault("session.queue_capacity", 20)
	v.SetDefault("session.sweep_interval", "10s")
	v.SetDefault("session.soft_idle", "30s")
	v.SetDefault("session.hard_idle", "2m")
	v.SetDefault("session.ping_interval", "5s")

	v.SetDefault("matchmaking.promotion_delay", "5s")
	v.SetDefault("matchmaking.notify_interval", "15s")
	v.SetDefault("matchmaking.room_size", 2)

	v.SetDefault("match.global_cooldown", "1s")
	v.SetDefault("match.cell_cooldown", "3s")
	v.SetDefault("match.draw_window", "500ms")
	v.SetDefault("match.powerup_every", 5)
	v.SetDefault("match.powerup_lifetime", "1m")
	v.SetDefault("match.puzzle_dir", "content/puzzles")
	v.SetDefault("match.ability_catalog", "content/abilities.yaml")
	v.SetDefault("match.script_dir", "content/scripts/abilities")

	v.SetDefault("auth.issuer", "gridlock")
	v.SetDefault("auth.guest_ttl", "720h")

	v.SetDefault("store.driver", StoreMemory)

	v.SetDefault("stats.snapshot_interval", "1m")

	v.SetDefault("admin.grpc_host", "127.0.0.1")
	v.SetDefault("admin.grpc_port", 9090)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
