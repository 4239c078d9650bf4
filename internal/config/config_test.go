package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/pairchat/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PAIRCHAT_JWT_SECRET", "s3cret")

	cfg, err := config.Load(config.New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, config.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "pairchat.db", cfg.Store.SQLitePath)
	assert.Equal(t, 4000, cfg.Relay.MaxTextLength)
	assert.Equal(t, 32, cfg.Relay.OutgoingBuffer)
	assert.Equal(t, 60*time.Second, cfg.Transport.IdleTimeout)
	assert.Equal(t, 25*time.Second, cfg.Transport.PingInterval)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadMissingSecret(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := config.Load(config.New(), "")
	assert.ErrorIs(t, err, config.ErrMissingSecret)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PAIRCHAT_JWT_SECRET", "s3cret")
	t.Setenv("PAIRCHAT_STORE_DRIVER", "mongo")
	t.Setenv("PAIRCHAT_STORE_MONGO_URI", "mongodb://db:27017")
	t.Setenv("PAIRCHAT_TRANSPORT_IDLE_TIMEOUT", "90s")

	cfg, err := config.Load(config.New(), "")
	require.NoError(t, err)

	assert.Equal(t, config.DriverMongo, cfg.Store.Driver)
	assert.Equal(t, "mongodb://db:27017", cfg.Store.MongoURI)
	assert.Equal(t, 90*time.Second, cfg.Transport.IdleTimeout)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen = "127.0.0.1:9000"

[jwt]
secret = "from-file"

[relay]
max_text_length = 280

[log]
format = "json"
`), 0o600))

	cfg, err := config.Load(config.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, 280, cfg.Relay.MaxTextLength)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("PAIRCHAT_JWT_SECRET", "s3cret")

	_, err := config.Load(config.New(), filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestBindFlags(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PAIRCHAT_JWT_SECRET", "s3cret")

	v := config.New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, config.BindFlags(v, flags))
	require.NoError(t, flags.Parse([]string{"--listen", ":9999", "--db", "/tmp/x.db", "--log-level", "debug"}))

	cfg, err := config.Load(v, "")
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, "/tmp/x.db", cfg.Store.SQLitePath)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		return config.Config{
			JWTSecret: "s",
			Store:     config.StoreConfig{Driver: config.DriverSQLite, SQLitePath: "x.db", SQLitePoolSize: 1},
			Relay:     config.RelayConfig{MaxTextLength: 10, OutgoingBuffer: 1},
			Transport: config.TransportConfig{IdleTimeout: time.Minute, PingInterval: time.Second},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
	}{
		{name: "valid", mutate: func(*config.Config) {}},
		{name: "no secret", mutate: func(c *config.Config) { c.JWTSecret = "" }, wantErr: config.ErrMissingSecret},
		{name: "unknown driver", mutate: func(c *config.Config) { c.Store.Driver = "postgres" }, wantErr: config.ErrUnknownDriver},
		{name: "zero pool", mutate: func(c *config.Config) { c.Store.SQLitePoolSize = 0 }, wantErr: config.ErrInvalidSetting},
		{name: "mongo without database", mutate: func(c *config.Config) {
			c.Store.Driver = config.DriverMongo
			c.Store.MongoURI = "mongodb://localhost"
		}, wantErr: config.ErrInvalidSetting},
		{name: "zero text length", mutate: func(c *config.Config) { c.Relay.MaxTextLength = 0 }, wantErr: config.ErrInvalidSetting},
		{name: "ping slower than idle", mutate: func(c *config.Config) { c.Transport.PingInterval = 2 * time.Minute }, wantErr: config.ErrInvalidSetting},
		{name: "idle disabled", mutate: func(c *config.Config) { c.Transport.IdleTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
