// Package config loads server settings from flags, environment variables
// and an optional TOML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. PAIRCHAT_JWT_SECRET.
const EnvPrefix = "PAIRCHAT"

const (
	configName = "pairchat"
	configType = "toml"
)

// Keys.
const (
	KeyListen         = "listen"
	KeyJWTSecret      = "jwt.secret"
	KeyStoreDriver    = "store.driver"
	KeySQLitePath     = "store.sqlite.path"
	KeySQLitePoolSize = "store.sqlite.pool_size"
	KeyMongoURI       = "store.mongo.uri"
	KeyMongoDatabase  = "store.mongo.database"
	KeyMaxTextLength  = "relay.max_text_length"
	KeyOutgoingBuffer = "relay.outgoing_buffer"
	KeyIdleTimeout    = "transport.idle_timeout"
	KeyPingInterval   = "transport.ping_interval"
	KeyLogLevel       = "log.level"
	KeyLogFormat      = "log.format"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

var (
	ErrMissingSecret  = errors.New("jwt secret is required")
	ErrUnknownDriver  = errors.New("unknown store driver")
	ErrInvalidSetting = errors.New("invalid setting")
)

// Config is the resolved server configuration.
type Config struct {
	Listen    string
	JWTSecret string
	Store     StoreConfig
	Relay     RelayConfig
	Transport TransportConfig
	Log       LogConfig
}

type StoreConfig struct {
	Driver         string
	SQLitePath     string
	SQLitePoolSize int
	MongoURI       string
	MongoDatabase  string
}

type RelayConfig struct {
	MaxTextLength  int
	OutgoingBuffer int
}

type TransportConfig struct {
	IdleTimeout  time.Duration
	PingInterval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyListen, ":8080")
	v.SetDefault(KeyStoreDriver, DriverSQLite)
	v.SetDefault(KeySQLitePath, "pairchat.db")
	v.SetDefault(KeySQLitePoolSize, 8)
	v.SetDefault(KeyMongoURI, "mongodb://localhost:27017")
	v.SetDefault(KeyMongoDatabase, "pairchat")
	v.SetDefault(KeyMaxTextLength, 4000)
	v.SetDefault(KeyOutgoingBuffer, 32)
	v.SetDefault(KeyIdleTimeout, 60*time.Second)
	v.SetDefault(KeyPingInterval, 25*time.Second)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only applies to keys viper already knows about.
	v.BindEnv(KeyJWTSecret)
	return v
}

// BindFlags registers the server flags on flags and binds them to v.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	flags.String("listen", ":8080", "address to listen on")
	flags.String("store", DriverSQLite, "store driver (sqlite or mongo)")
	flags.String("db", "pairchat.db", "SQLite database path")
	flags.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text or json)")

	bindings := map[string]string{
		KeyListen:      "listen",
		KeyStoreDriver: "store",
		KeySQLitePath:  "db",
		KeyMongoURI:    "mongo-uri",
		KeyLogLevel:    "log-level",
		KeyLogFormat:   "log-format",
	}
	for key, name := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the config file at path, or pairchat.toml in the working
// directory when path is empty, and resolves the final configuration.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &configNotFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		Listen:    v.GetString(KeyListen),
		JWTSecret: v.GetString(KeyJWTSecret),
		Store: StoreConfig{
			Driver:         strings.ToLower(v.GetString(KeyStoreDriver)),
			SQLitePath:     v.GetString(KeySQLitePath),
			SQLitePoolSize: v.GetInt(KeySQLitePoolSize),
			MongoURI:       v.GetString(KeyMongoURI),
			MongoDatabase:  v.GetString(KeyMongoDatabase),
		},
		Relay: RelayConfig{
			MaxTextLength:  v.GetInt(KeyMaxTextLength),
			OutgoingBuffer: v.GetInt(KeyOutgoingBuffer),
		},
		Transport: TransportConfig{
			IdleTimeout:  v.GetDuration(KeyIdleTimeout),
			PingInterval: v.GetDuration(KeyPingInterval),
		},
		Log: LogConfig{
			Level:  v.GetString(KeyLogLevel),
			Format: v.GetString(KeyLogFormat),
		},
	}
	return cfg, cfg.Validate()
}

// Validate reports the first problem that would keep the server from
// starting.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return ErrMissingSecret
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("%w: %s is empty", ErrInvalidSetting, KeySQLitePath)
		}
		if c.Store.SQLitePoolSize <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidSetting, KeySQLitePoolSize)
		}
	case DriverMongo:
		if c.Store.MongoURI == "" {
			return fmt.Errorf("%w: %s is empty", ErrInvalidSetting, KeyMongoURI)
		}
		if c.Store.MongoDatabase == "" {
			return fmt.Errorf("%w: %s is empty", ErrInvalidSetting, KeyMongoDatabase)
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownDriver, c.Store.Driver)
	}
	if c.Relay.MaxTextLength <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidSetting, KeyMaxTextLength)
	}
	if c.Relay.OutgoingBuffer <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidSetting, KeyOutgoingBuffer)
	}
	if c.Transport.IdleTimeout < 0 || c.Transport.PingInterval < 0 {
		return fmt.Errorf("%w: transport timeouts must not be negative", ErrInvalidSetting)
	}
	if c.Transport.IdleTimeout > 0 && c.Transport.PingInterval >= c.Transport.IdleTimeout {
		return fmt.Errorf("%w: %s must be shorter than %s", ErrInvalidSetting, KeyPingInterval, KeyIdleTimeout)
	}
	return nil
}
