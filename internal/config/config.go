// Package config provides configuration management for castrelay using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "CASTRELAY"

// Default configuration values.
const (
	defaultRelayPort        = 3000
	defaultMetadataPort     = 3001
	defaultChatPort         = 3002
	defaultThumbnailPort    = 3003
	defaultServerTimeout    = 30 * time.Second
	defaultIdleTimeout      = 120 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultMaxOpenConns     = 25
	defaultMaxIdleConns     = 10
	defaultConnMaxIdleTime  = 30 * time.Minute
	defaultMaxSessions      = 64
	defaultGracePeriod      = time.Second
	defaultMaxFrameSize     = "8MB"
	defaultAuthTimeout      = 5 * time.Second
	defaultStreamEndTimeout = 3 * time.Second
	defaultThumbnailTTL     = 60 * time.Second
	defaultThumbRetention   = 24 * time.Hour
	defaultGenerateTimeout  = 20 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Relay     RelayConfig     `mapstructure:"relay"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg"`
	Metadata  MetadataConfig  `mapstructure:"metadata"`
	Thumbnail ThumbnailConfig `mapstructure:"thumbnail"`
	Chat      ChatConfig      `mapstructure:"chat"`
}

// ServerConfig holds settings shared by every HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	// MaxConnections caps concurrently accepted TCP connections (0 = unlimited).
	MaxConnections int `mapstructure:"max_connections"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`  // debug, info, warn, error
	Format         string `mapstructure:"format"` // json, text
	AddSource      bool   `mapstructure:"add_source"`
	TimeFormat     string `mapstructure:"time_format"`
	RequestLogging bool   `mapstructure:"request_logging"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// RelayConfig holds settings for the WebSocket to RTMP relay.
type RelayConfig struct {
	Port        int `mapstructure:"port"`
	MaxSessions int `mapstructure:"max_sessions"` // 0 = unlimited
	// GracePeriod is the delay between SIGTERM and SIGKILL for a transcoder.
	GracePeriod time.Duration `mapstructure:"grace_period"`
	// MaxFrameSize limits a single inbound WebSocket message.
	// Supports human-readable values like "8MB" or raw byte counts.
	MaxFrameSize     ByteSize      `mapstructure:"max_frame_size"`
	MetadataURL      string        `mapstructure:"metadata_url"`
	RTMPBase         string        `mapstructure:"rtmp_base"`
	RTMPApp          string        `mapstructure:"rtmp_app"`
	AuthTimeout      time.Duration `mapstructure:"auth_timeout"`
	StreamEndTimeout time.Duration `mapstructure:"stream_end_timeout"`
}

// FFmpegConfig holds the transcoder binary and encoding settings.
type FFmpegConfig struct {
	BinaryPath       string `mapstructure:"binary_path"` // empty = auto-detect
	LogLevel         string `mapstructure:"log_level"`
	Preset           string `mapstructure:"preset"`
	Tune             string `mapstructure:"tune"`
	Profile          string `mapstructure:"profile"`
	CRF              int    `mapstructure:"crf"`
	Threads          int    `mapstructure:"threads"`
	KeyframeMin      int    `mapstructure:"keyframe_min"`
	KeyframeInterval int    `mapstructure:"keyframe_interval"` // seconds between forced keyframes
	AudioBitrate     string `mapstructure:"audio_bitrate"`
	AudioSampleRate  int    `mapstructure:"audio_sample_rate"`
	AudioChannels    int    `mapstructure:"audio_channels"`
}

// MetadataConfig holds settings for the stream metadata service.
type MetadataConfig struct {
	Port int `mapstructure:"port"`
}

// ThumbnailConfig holds settings for the thumbnail service.
type ThumbnailConfig struct {
	Port            int           `mapstructure:"port"`
	Dir             string        `mapstructure:"dir"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	HLSBase         string        `mapstructure:"hls_base"`
	MetadataURL     string        `mapstructure:"metadata_url"`
	PruneSchedule   string        `mapstructure:"prune_schedule"` // 6-field cron expression
	Retention       time.Duration `mapstructure:"retention"`
	GenerateTimeout time.Duration `mapstructure:"generate_timeout"`
}

// ChatConfig holds settings for the chat relay.
type ChatConfig struct {
	Port int    `mapstructure:"port"`
	Path string `mapstructure:"path"`
}

// Load reads configuration from file and environment variables into a fresh
// viper instance. Environment variables are prefixed with CASTRELAY_ and use
// underscores for nesting, e.g. CASTRELAY_RELAY_PORT=3000.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/castrelay")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.idle_timeout", defaultIdleTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_connections", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
	v.SetDefault("logging.request_logging", true)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "castrelay.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Hostnames match the compose deployment the relay was built for.
	v.SetDefault("relay.port", defaultRelayPort)
	v.SetDefault("relay.max_sessions", defaultMaxSessions)
	v.SetDefault("relay.grace_period", defaultGracePeriod)
	v.SetDefault("relay.max_frame_size", defaultMaxFrameSize)
	v.SetDefault("relay.metadata_url", "http://main-backend:3001")
	v.SetDefault("relay.rtmp_base", "rtmp://nginx-rtmp:1935")
	v.SetDefault("relay.rtmp_app", "live")
	v.SetDefault("relay.auth_timeout", defaultAuthTimeout)
	v.SetDefault("relay.stream_end_timeout", defaultStreamEndTimeout)

	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.log_level", "error")
	v.SetDefault("ffmpeg.preset", "faster")
	v.SetDefault("ffmpeg.tune", "zerolatency")
	v.SetDefault("ffmpeg.profile", "high")
	v.SetDefault("ffmpeg.crf", 18)
	v.SetDefault("ffmpeg.threads", 8)
	v.SetDefault("ffmpeg.keyframe_min", 60)
	v.SetDefault("ffmpeg.keyframe_interval", 2)
	v.SetDefault("ffmpeg.audio_bitrate", "192k")
	v.SetDefault("ffmpeg.audio_sample_rate", 48000)
	v.SetDefault("ffmpeg.audio_channels", 2)

	v.SetDefault("metadata.port", defaultMetadataPort)

	v.SetDefault("thumbnail.port", defaultThumbnailPort)
	v.SetDefault("thumbnail.dir", "./thumbnails")
	v.SetDefault("thumbnail.cache_ttl", defaultThumbnailTTL)
	v.SetDefault("thumbnail.hls_base", "http://nginx-rtmp/hls")
	v.SetDefault("thumbnail.metadata_url", "http://main-backend:3001")
	v.SetDefault("thumbnail.prune_schedule", "0 */10 * * * *")
	v.SetDefault("thumbnail.retention", defaultThumbRetention)
	v.SetDefault("thumbnail.generate_timeout", defaultGenerateTimeout)

	v.SetDefault("chat.port", defaultChatPort)
	v.SetDefault("chat.path", "/chat/")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	ports := map[string]int{
		"relay.port":     c.Relay.Port,
		"metadata.port":  c.Metadata.Port,
		"thumbnail.port": c.Thumbnail.Port,
		"chat.port":      c.Chat.Port,
	}
	const maxPort = 65535
	for key, port := range ports {
		if port < 1 || port > maxPort {
			return fmt.Errorf("%s must be between 1 and %d", key, maxPort)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Relay.MaxSessions < 0 {
		return fmt.Errorf("relay.max_sessions must not be negative")
	}
	if c.Relay.GracePeriod <= 0 {
		return fmt.Errorf("relay.grace_period must be positive")
	}
	if c.Relay.MaxFrameSize <= 0 {
		return fmt.Errorf("relay.max_frame_size must be positive")
	}
	if err := requireURL("relay.metadata_url", c.Relay.MetadataURL, "http", "https"); err != nil {
		return err
	}
	if err := requireURL("relay.rtmp_base", c.Relay.RTMPBase, "rtmp", "rtmps"); err != nil {
		return err
	}
	if c.Relay.RTMPApp == "" {
		return fmt.Errorf("relay.rtmp_app is required")
	}

	if err := requireURL("thumbnail.metadata_url", c.Thumbnail.MetadataURL, "http", "https"); err != nil {
		return err
	}
	if err := requireURL("thumbnail.hls_base", c.Thumbnail.HLSBase, "http", "https"); err != nil {
		return err
	}
	if c.Thumbnail.Dir == "" {
		return fmt.Errorf("thumbnail.dir is required")
	}

	if !strings.HasPrefix(c.Chat.Path, "/") {
		return fmt.Errorf("chat.path must start with /")
	}

	return nil
}

func requireURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL", key)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of the schemes: %s", key, strings.Join(schemes, ", "))
}

// Address returns host:port for the given listener port.
func (c *ServerConfig) Address(port int) string {
	return fmt.Sprintf("%s:%d", c.Host, port)
}
