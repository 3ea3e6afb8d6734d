package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jaywantadh/tusbyte/pkg/logging"
	"github.com/spf13/viper"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	Debug  bool         `mapstructure:"debug"`
	Server ServerConfig `mapstructure:"server"`
	Client ClientConfig `mapstructure:"client"`
}

// ServerConfig configures the upload server, its registry and its completion hooks.
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	BasePath          string        `mapstructure:"base_path"`
	StoragePath       string        `mapstructure:"storage_path"`
	MetadataPath      string        `mapstructure:"metadata_path"`
	DestinationPath   string        `mapstructure:"destination_path"`
	CompressRelocated bool          `mapstructure:"compress_relocated"`
	EncryptPassphrase string        `mapstructure:"encrypt_passphrase"`
	MaxSize           int64         `mapstructure:"max_size"`
	SessionTTL        time.Duration `mapstructure:"session_ttl"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	CompletionWorkers int           `mapstructure:"completion_workers"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	S3                S3Config      `mapstructure:"s3"`
	Redis             RedisConfig   `mapstructure:"redis"`
}

// S3Config enables archiving finished uploads to an S3-compatible bucket.
type S3Config struct {
	Enabled   bool   `mapstructure:"enabled"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// RedisConfig enables publishing completion events to a redis channel.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// ClientConfig configures the uploading side.
type ClientConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	StorePath         string        `mapstructure:"store_path"`
	ChunkSize         int64         `mapstructure:"chunk_size"`
	MaxChunkSize      int64         `mapstructure:"max_chunk_size"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ResumeWindow      time.Duration `mapstructure:"resume_window"`
	ChecksumAlgorithm string        `mapstructure:"checksum_algorithm"`
}

// Addr is the listen address of the upload server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// setDefaults must register every key: AutomaticEnv ignores unknown keys.
func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.base_path", "/files")
	v.SetDefault("server.storage_path", "./files")
	v.SetDefault("server.metadata_path", "./data/uploads")
	v.SetDefault("server.destination_path", "./processed_files")
	v.SetDefault("server.compress_relocated", false)
	v.SetDefault("server.encrypt_passphrase", "")
	v.SetDefault("server.max_size", int64(10*1024*1024*1024))
	v.SetDefault("server.session_ttl", 24*time.Hour)
	v.SetDefault("server.cleanup_interval", 10*time.Minute)
	v.SetDefault("server.completion_workers", 2)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.s3.enabled", false)
	v.SetDefault("server.s3.region", "us-east-1")
	v.SetDefault("server.s3.endpoint", "")
	v.SetDefault("server.s3.access_key", "")
	v.SetDefault("server.s3.secret_key", "")
	v.SetDefault("server.s3.bucket", "")
	v.SetDefault("server.s3.prefix", "uploads/")
	v.SetDefault("server.redis.enabled", false)
	v.SetDefault("server.redis.addr", "127.0.0.1:6379")
	v.SetDefault("server.redis.password", "")
	v.SetDefault("server.redis.db", 0)
	v.SetDefault("server.redis.channel", "tusbyte:completed")

	v.SetDefault("client.endpoint", "http://127.0.0.1:8090/files")
	v.SetDefault("client.store_path", "./data/fingerprints")
	v.SetDefault("client.chunk_size", 0)
	v.SetDefault("client.max_chunk_size", int64(8*1024*1024))
	v.SetDefault("client.retry_attempts", 5)
	v.SetDefault("client.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("client.retry_max_delay", 20*time.Second)
	v.SetDefault("client.request_timeout", 60*time.Second)
	v.SetDefault("client.resume_window", 3*time.Hour)
	v.SetDefault("client.checksum_algorithm", "sha256")
}

// LoadConfig reads config.yaml from path, overlays TUSBYTE_* environment
// variables and falls back to defaults for anything unset. A missing file
// is not an error.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("TUSBYTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logging.Log.WithField("path", path).Info("No config file found, using defaults")
	}

	var appConfig AppConfig
	if err := v.Unmarshal(&appConfig); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := appConfig.Validate(); err != nil {
		return nil, err
	}
	return &appConfig, nil
}

// Validate rejects settings the engine cannot run with.
func (c *AppConfig) Validate() error {
	if c.Server.MaxSize <= 0 {
		return errors.New("server.max_size must be positive")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with '/': %q", c.Server.BasePath)
	}
	if c.Client.MaxChunkSize <= 0 {
		return errors.New("client.max_chunk_size must be positive")
	}
	if c.Client.ChunkSize > c.Client.MaxChunkSize {
		return fmt.Errorf("client.chunk_size %d exceeds client.max_chunk_size %d", c.Client.ChunkSize, c.Client.MaxChunkSize)
	}
	if c.Client.RetryAttempts < 1 {
		return errors.New("client.retry_attempts must be at least 1")
	}
	if c.Server.S3.Enabled && c.Server.S3.Bucket == "" {
		return errors.New("server.s3.bucket is required when s3 archiving is enabled")
	}
	return nil
}
