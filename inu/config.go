//nolint:lll // struct tags can't be split
package inu

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix = "INU_ENV_PREFIX"
	DefaultEnvPrefix   = ""

	DefaultLogLevel            = slog.LevelInfo
	DefaultStartupTimeout      = 30 * time.Second
	DefaultShutdownTimeout     = 30 * time.Second
	DefaultTagStoreBackend     = backendMemory
	DefaultTagStoreTimeout     = 5 * time.Second
	DefaultTagStoreNodeID      = 1
	DefaultTagStoreLogLevel    = slog.LevelInfo
	DefaultTagValueMaxLength   = discordMaxMessageLength
	DefaultDatabaseLogLevel    = slog.LevelWarn
	DefaultBotPrefix           = "inu-"
	DefaultBotRateLimit        = 2.0
	DefaultBotRateBurst        = 5
	DefaultBotHandlerTimeout   = 30 * time.Second
	DefaultBotLogLevel         = slog.LevelInfo
	DefaultDiscordLogLevel     = slog.LevelWarn
	DefaultDiscordgoLogLevel   = slog.LevelWarn
	DefaultDiscordCustomStatus = "inu-help"
	DefaultDiscordErrorMessage = "sorry, something went wrong!"
	discordMaxMessageLength    = 2000

	DefaultDiscordGatewayIntent = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	DefaultAPIListen                = "127.0.0.1:5000"
	DefaultAPILogLevel              = slog.LevelInfo
	DefaultAPITLSMinVersion         = tls.VersionTLS12
	DefaultAPICORSAllowCredentials  = false
	DefaultAPIAuthAttemptsPerSecond = 1
	DefaultReadTimeout              = 5 * time.Second
	DefaultReadHeaderTimeout        = 5 * time.Second
	DefaultWriteTimeout             = 10 * time.Second
	DefaultIdleTimeout              = 30 * time.Second
	defaultListenNetwork            = "tcp"

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long opening the backend and connecting
	// to the gateway may take
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the grace period for in-flight handlers. After
	// this elapses, remaining handlers are canceled.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout" binding:"min=0"`

	TagStore *TagStoreConfig `yaml:"tag_store" mapstructure:"tag_store" json:"tag_store" binding:"required"`

	Bot *BotConfig `yaml:"bot" mapstructure:"bot" json:"bot" binding:"required"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	HTTPClient *http.Client `yaml:"-" mapstructure:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Validate checks the struct constraints and parses the backend spec
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := ParseBackendSpec(c.TagStore.Backend); err != nil {
		return err
	}
	return nil
}

// TagStoreConfig configures the storage backend and tag limits
type TagStoreConfig struct {
	// Backend is one of `memory`, `file:<dir>`, `sqlite:<path>` or
	// `remote:<postgres-url>`
	Backend string `yaml:"backend" mapstructure:"backend" json:"backend" log:"[redacted]" binding:"required"`

	// Timeout for each backend call
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=10ms"`

	// NodeID seeds tag ID generation. Instances sharing a backend must
	// use distinct node IDs.
	NodeID int64 `yaml:"node_id" mapstructure:"node_id" json:"node_id" binding:"min=0,max=1023"`

	// MaxValueLength caps tag values, in characters
	MaxValueLength int `yaml:"max_value_length" mapstructure:"max_value_length" json:"max_value_length" binding:"min=1,max=2000"`

	// CompactOnStart rewrites file backend logs before serving
	CompactOnStart bool `yaml:"compact_on_start" mapstructure:"compact_on_start" json:"compact_on_start"`

	// ReindexOnStart rebuilds the tag name index from tag records
	ReindexOnStart bool `yaml:"reindex_on_start" mapstructure:"reindex_on_start" json:"reindex_on_start"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// DatabaseLogLevel sets the log level for gorm, when using the
	// sqlite or remote backends
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`
}

// BotConfig configures command dispatch
type BotConfig struct {
	// Prefix that marks a message as a command
	Prefix string `yaml:"prefix" mapstructure:"prefix" json:"prefix" binding:"required,max=16"`

	// RateLimit is the sustained number of commands per second allowed
	// per user. 0 disables rate limiting.
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit" json:"rate_limit" binding:"min=0"`

	// RateBurst is the number of commands a user may send at once
	RateBurst int `yaml:"rate_burst" mapstructure:"rate_burst" json:"rate_burst" binding:"min=0"`

	// HandlerTimeout bounds each command invocation
	HandlerTimeout time.Duration `yaml:"handler_timeout" mapstructure:"handler_timeout" json:"handler_timeout" binding:"min=1s"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	BotToken string `yaml:"bot_token" mapstructure:"bot_token" json:"bot_token" log:"[redacted]"`

	// OwnerIDs are user IDs treated as moderators everywhere, including
	// for global tags
	OwnerIDs []string `yaml:"owner_ids" mapstructure:"owner_ids" json:"owner_ids"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. Reading prefix commands requires the
	// privileged message content intent.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// CustomStatus is shown on the bot's profile
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// TokenHash is the argon2id hash of the bearer token accepted by
	// the API (see the `init` command)
	TokenHash string `yaml:"token_hash" mapstructure:"token_hash" json:"token_hash" log:"[redacted]" binding:"required_if=Enabled true"`

	// Configuration for SSL/TLS. If no cert is set, the API is served
	// over plain HTTP.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true"`

	// Development enables pprof endpoints and permissive CORS
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		LogLevel:        NewLevelVar(DefaultLogLevel),
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		TagStore: &TagStoreConfig{
			Backend:               DefaultTagStoreBackend,
			Timeout:               DefaultTagStoreTimeout,
			NodeID:                DefaultTagStoreNodeID,
			MaxValueLength:        DefaultTagValueMaxLength,
			LogLevel:              NewLevelVar(DefaultTagStoreLogLevel),
			DatabaseLogLevel:      NewLevelVar(DefaultDatabaseLogLevel),
			DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		},
		Bot: &BotConfig{
			Prefix:         DefaultBotPrefix,
			RateLimit:      DefaultBotRateLimit,
			RateBurst:      DefaultBotRateBurst,
			HandlerTimeout: DefaultBotHandlerTimeout,
			LogLevel:       NewLevelVar(DefaultBotLogLevel),
		},
		Discord: &DiscordConfig{
			LogLevel:          NewLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: NewLevelVar(DefaultDiscordgoLogLevel),
			GatewayIntents:    DefaultDiscordGatewayIntent,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          NewLevelVar(DefaultAPILogLevel),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
