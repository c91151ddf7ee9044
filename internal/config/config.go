// Package config loads runtime settings from an optional YAML file and
// DOCLEDGER_* environment variables using viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"docledger/internal/archive"
	"docledger/internal/core"
	"docledger/internal/logging"
	"docledger/pkg/domain"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides: storage.driver is read from
// DOCLEDGER_STORAGE_DRIVER.
const EnvPrefix = "DOCLEDGER"

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// HistoryConfig configures ledger listings.
type HistoryConfig struct {
	DefaultPerPage int
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string
}

// Config is the full runtime configuration.
type Config struct {
	HTTP    HTTPConfig
	Storage core.StorageConfig
	Blob    archive.Config
	Log     logging.Config
	History HistoryConfig
	CORS    CORSConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("storage.driver", string(domain.StorageSQLite))
	v.SetDefault("storage.sqlite_path", "docledger.db")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.postgres_max_conns", 0)
	v.SetDefault("blob.driver", string(archive.DriverFilesystem))
	v.SetDefault("blob.fs_root", "./blobdata")
	v.SetDefault("blob.s3.bucket", "")
	v.SetDefault("blob.s3.region", "")
	v.SetDefault("blob.s3.endpoint", "")
	v.SetDefault("blob.s3.path_style", false)
	v.SetDefault("blob.s3.access_key_id", "")
	v.SetDefault("blob.s3.secret_access_key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("history.default_per_page", domain.DefaultPerPage)
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})
}

// Load reads configPath when given, otherwise an optional config.yaml in the
// working directory, then applies environment overrides.
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		HTTP: HTTPConfig{
			Addr:            v.GetString("http.addr"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		Storage: core.StorageConfig{
			Driver:           domain.StorageDriver(strings.ToLower(v.GetString("storage.driver"))),
			SQLitePath:       v.GetString("storage.sqlite_path"),
			PostgresDSN:      v.GetString("storage.postgres_dsn"),
			PostgresMaxConns: v.GetInt32("storage.postgres_max_conns"),
		},
		Blob: archive.Config{
			Driver: archive.Driver(strings.ToLower(v.GetString("blob.driver"))),
			FSRoot: v.GetString("blob.fs_root"),
			S3: archive.S3Config{
				Bucket:          v.GetString("blob.s3.bucket"),
				Region:          v.GetString("blob.s3.region"),
				Endpoint:        v.GetString("blob.s3.endpoint"),
				PathStyle:       v.GetBool("blob.s3.path_style"),
				AccessKeyID:     v.GetString("blob.s3.access_key_id"),
				SecretAccessKey: v.GetString("blob.s3.secret_access_key"),
			},
		},
		Log: logging.Config{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
		History: HistoryConfig{DefaultPerPage: v.GetInt("history.default_per_page")},
		CORS:    CORSConfig{AllowedOrigins: splitList(v.GetStringSlice("cors.allowed_origins"))},
	}
	return cfg, cfg.Validate()
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate rejects settings the process cannot start with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr must not be empty"))
	}
	switch c.Storage.Driver {
	case domain.StorageMemory, domain.StorageSQLite:
	case domain.StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	switch c.Blob.Driver {
	case archive.DriverFilesystem, archive.DriverMemory:
	case archive.DriverS3:
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required for the s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob.driver %q", c.Blob.Driver))
	}
	if c.History.DefaultPerPage < 0 {
		errs = append(errs, fmt.Errorf("history.default_per_page must be >= 0, got %d", c.History.DefaultPerPage))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != logging.FormatText && c.Log.Format != logging.FormatJSON {
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
