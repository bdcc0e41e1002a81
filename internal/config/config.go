// Package config provides configuration management for hyro using Viper for
// loading from files, environment variables (HYRO_ prefix) and command-line
// flags.
//
// The configuration covers the HTTP listener, the template tree, an optional
// stylesheet, development-mode hot reload tuning and logging.
package config

import (
	"fmt"
	"net"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/conneroisu/hyro/internal/errors"
)

// Config is the effective hyro configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"      yaml:"server"`
	Templates   TemplatesConfig   `mapstructure:"templates"   yaml:"templates"`
	Stylesheet  StylesheetConfig  `mapstructure:"stylesheet"  yaml:"stylesheet"`
	Development DevelopmentConfig `mapstructure:"development" yaml:"development"`
	Logging     LoggingConfig     `mapstructure:"logging"     yaml:"logging"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	Open bool   `mapstructure:"open" yaml:"open"`
}

type TemplatesConfig struct {
	Dir       string `mapstructure:"dir"       yaml:"dir"`
	Extension string `mapstructure:"extension" yaml:"extension"`
}

type StylesheetConfig struct {
	Path  string `mapstructure:"path"  yaml:"path"`
	Route string `mapstructure:"route" yaml:"route"`
}

type DevelopmentConfig struct {
	Enabled         bool          `mapstructure:"enabled"          yaml:"enabled"`
	HMRPath         string        `mapstructure:"hmr_path"         yaml:"hmr_path"`
	InjectClient    bool          `mapstructure:"inject_client"    yaml:"inject_client"`
	AckTimeout      time.Duration `mapstructure:"ack_timeout"      yaml:"ack_timeout"`
	IndicesTimeout  time.Duration `mapstructure:"indices_timeout"  yaml:"indices_timeout"`
	Debounce        time.Duration `mapstructure:"debounce"         yaml:"debounce"`
	BroadcastBuffer int           `mapstructure:"broadcast_buffer" yaml:"broadcast_buffer"`
	LedgerIdleTTL   time.Duration `mapstructure:"ledger_idle_ttl"  yaml:"ledger_idle_ttl"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"    yaml:"write_timeout"`
	// OriginPatterns lists extra hosts allowed to open the reload channel.
	OriginPatterns      []string `mapstructure:"origin_patterns"        yaml:"origin_patterns"`
	MaxConnectionsPerIP int      `mapstructure:"max_connections_per_ip" yaml:"max_connections_per_ip"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

const (
	DefaultPort            = 1380
	DefaultHost            = "localhost"
	DefaultTemplateDir     = "templates"
	DefaultExtension       = "html.jinja2"
	DefaultStylesheetRoute = "/main.css"
	DefaultHMRPath         = "/hmr"
	DefaultAckTimeout      = 5 * time.Second
	DefaultIndicesTimeout  = 5 * time.Second
	DefaultDebounce        = 50 * time.Millisecond
	DefaultBroadcastBuffer = 16
	DefaultWriteTimeout    = 10 * time.Second
	DefaultMaxConnsPerIP   = 16
)

// Keys lists every configuration key. Viper only consults the environment
// for keys it already knows, so BindEnv registers all of them.
var Keys = []string{
	"server.host", "server.port", "server.open",
	"templates.dir", "templates.extension",
	"stylesheet.path", "stylesheet.route",
	"development.enabled", "development.hmr_path", "development.inject_client",
	"development.ack_timeout", "development.indices_timeout", "development.debounce",
	"development.broadcast_buffer", "development.ledger_idle_ttl",
	"development.write_timeout", "development.origin_patterns", "development.max_connections_per_ip",
	"logging.level", "logging.format",
}

// BindEnv makes every key in Keys readable from the environment. The env
// prefix and key replacer must be set on v first.
func BindEnv(v *viper.Viper) error {
	for _, key := range Keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("binding %s: %w", key, err)
		}
	}
	return nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: DefaultHost, Port: DefaultPort},
		Templates: TemplatesConfig{
			Dir:       DefaultTemplateDir,
			Extension: DefaultExtension,
		},
		Stylesheet: StylesheetConfig{Route: DefaultStylesheetRoute},
		Development: DevelopmentConfig{
			Enabled:             true,
			HMRPath:             DefaultHMRPath,
			InjectClient:        true,
			AckTimeout:          DefaultAckTimeout,
			IndicesTimeout:      DefaultIndicesTimeout,
			Debounce:            DefaultDebounce,
			BroadcastBuffer:     DefaultBroadcastBuffer,
			WriteTimeout:        DefaultWriteTimeout,
			MaxConnectionsPerIP: DefaultMaxConnsPerIP,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v, applies defaults for unset
// values and validates the result.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	applyDefaults(v, &config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func applyDefaults(v *viper.Viper, config *Config) {
	def := Default()

	if !v.IsSet("server.port") {
		config.Server.Port = def.Server.Port
	}
	if config.Server.Host == "" {
		config.Server.Host = def.Server.Host
	}

	if config.Templates.Dir == "" {
		config.Templates.Dir = def.Templates.Dir
	}
	config.Templates.Extension = strings.TrimPrefix(config.Templates.Extension, ".")
	if config.Templates.Extension == "" {
		config.Templates.Extension = def.Templates.Extension
	}

	if config.Stylesheet.Route == "" {
		config.Stylesheet.Route = def.Stylesheet.Route
	}

	// Booleans default to true, so only an explicit setting can turn them off.
	if !v.IsSet("development.enabled") {
		config.Development.Enabled = def.Development.Enabled
	}
	if !v.IsSet("development.inject_client") {
		config.Development.InjectClient = def.Development.InjectClient
	}
	if config.Development.HMRPath == "" {
		config.Development.HMRPath = def.Development.HMRPath
	}
	if config.Development.AckTimeout == 0 {
		config.Development.AckTimeout = def.Development.AckTimeout
	}
	if config.Development.IndicesTimeout == 0 {
		config.Development.IndicesTimeout = def.Development.IndicesTimeout
	}
	if !v.IsSet("development.debounce") {
		config.Development.Debounce = def.Development.Debounce
	}
	if config.Development.BroadcastBuffer == 0 {
		config.Development.BroadcastBuffer = def.Development.BroadcastBuffer
	}
	if config.Development.WriteTimeout == 0 {
		config.Development.WriteTimeout = def.Development.WriteTimeout
	}
	// Zero is a valid explicit setting meaning unlimited.
	if !v.IsSet("development.max_connections_per_ip") {
		config.Development.MaxConnectionsPerIP = def.Development.MaxConnectionsPerIP
	}

	if config.Logging.Level == "" {
		config.Logging.Level = def.Logging.Level
	}
	if config.Logging.Format == "" {
		config.Logging.Format = def.Logging.Format
	}
}

// validateConfig validates configuration values for correctness
func validateConfig(config *Config) error {
	var vec errors.ValidationErrorCollection

	validateServerConfig(&config.Server, &vec)
	validateTemplatesConfig(&config.Templates, &vec)
	validateStylesheetConfig(&config.Stylesheet, &config.Development, &vec)
	validateDevelopmentConfig(&config.Development, &vec)
	validateLoggingConfig(&config.Logging, &vec)

	return vec.ErrOrNil()
}

func validateServerConfig(config *ServerConfig, vec *errors.ValidationErrorCollection) {
	// 0 asks the system for a free port, which tests rely on.
	if config.Port < 0 || config.Port > 65535 {
		vec.AddField("server.port", config.Port, "must be in range 0-65535")
	}
	if strings.ContainsAny(config.Host, " ;&|$`()<>\"'\\/") {
		vec.AddField("server.host", config.Host, "contains invalid characters")
	}
}

func validateTemplatesConfig(config *TemplatesConfig, vec *errors.ValidationErrorCollection) {
	if strings.ContainsRune(config.Dir, 0) {
		vec.AddField("templates.dir", config.Dir, "contains a NUL byte")
	}
	if strings.ContainsAny(config.Extension, `/\`) {
		vec.AddField("templates.extension", config.Extension, "must not contain path separators")
	}
}

func validateStylesheetConfig(
	config *StylesheetConfig,
	dev *DevelopmentConfig,
	vec *errors.ValidationErrorCollection,
) {
	if config.Path != "" && filepath.Clean(config.Path) == "." {
		vec.AddField("stylesheet.path", config.Path, "must name a file")
	}
	if !isRoute(config.Route) {
		vec.AddField("stylesheet.route", config.Route, "must be an absolute URL path")
	}
	if config.Route == dev.HMRPath {
		vec.AddField("stylesheet.route", config.Route, "collides with development.hmr_path")
	}
}

func validateDevelopmentConfig(config *DevelopmentConfig, vec *errors.ValidationErrorCollection) {
	if !isRoute(config.HMRPath) {
		vec.AddField("development.hmr_path", config.HMRPath, "must be an absolute URL path")
	}
	if config.AckTimeout < 0 {
		vec.AddField("development.ack_timeout", config.AckTimeout, "must not be negative")
	}
	if config.IndicesTimeout < 0 {
		vec.AddField("development.indices_timeout", config.IndicesTimeout, "must not be negative")
	}
	if config.Debounce < 0 {
		vec.AddField("development.debounce", config.Debounce, "must not be negative")
	}
	if config.BroadcastBuffer < 0 {
		vec.AddField("development.broadcast_buffer", config.BroadcastBuffer, "must not be negative")
	}
	if config.LedgerIdleTTL < 0 {
		vec.AddField("development.ledger_idle_ttl", config.LedgerIdleTTL, "must not be negative")
	}
	if config.WriteTimeout < 0 {
		vec.AddField("development.write_timeout", config.WriteTimeout, "must not be negative")
	}
	if config.MaxConnectionsPerIP < 0 {
		vec.AddField("development.max_connections_per_ip", config.MaxConnectionsPerIP, "must not be negative")
	}
	for _, pattern := range config.OriginPatterns {
		if _, err := path.Match(pattern, "localhost"); err != nil || pattern == "" {
			vec.AddField("development.origin_patterns", pattern, "must be a valid host pattern")
		}
	}
}

func validateLoggingConfig(config *LoggingConfig, vec *errors.ValidationErrorCollection) {
	switch strings.ToLower(config.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		vec.AddField("logging.level", config.Level, "must be one of debug, info, warn, error")
	}
	switch config.Format {
	case "text", "json":
	default:
		vec.AddField("logging.format", config.Format, "must be text or json")
	}
}

func isRoute(route string) bool {
	return strings.HasPrefix(route, "/") && path.Clean(route) == route && route != "/"
}

// Addr returns the host:port listen address.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
