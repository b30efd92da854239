package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/arcward/inu/inu"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = inu.DefaultConfig()
	configFile string
)

// levelKeys are the config keys holding a *slog.LevelVar. They stay
// strings in viper, and are decoded by LevelToStringHookFunc.
var levelKeys = []string{
	"log_level",
	"tag_store.log_level",
	"tag_store.database_log_level",
	"bot.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

// sliceKeys are the config keys holding a space-separated list
var sliceKeys = []string{
	"discord.owner_ids",
	"api.cors.allow_headers",
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:           "inu [flags]",
	Short:         "A discord bot for tags",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
			// replace list defaults rather than decoding into them
			func(c *mapstructure.DecoderConfig) {
				c.ZeroFields = true
			},
		)
		if err != nil {
			return &inu.ExitError{Code: inu.ExitConfig, Err: err}
		}
		return nil
	},
}

// LevelToStringHookFunc decodes log level names (including `trace`)
// into a *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		// non-nil *slog.LevelVar fields are decoded into their element,
		// so the target may be the struct itself
		if t != reflect.TypeOf((*slog.LevelVar)(nil)).Elem() {
			return data, nil
		}
		switch v := data.(type) {
		case *slog.LevelVar:
			return v, nil
		case slog.Level:
			return inu.NewLevelVar(v), nil
		}
		if f.Kind() != reflect.String {
			return data, nil
		}
		lvl, err := inu.ParseLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		return inu.NewLevelVar(lvl), nil
	}
}

// Execute runs the root command, canceling its context on SIGINT or
// SIGTERM, and exits with the code carried by any returned error
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	signal.Stop(signals)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(inu.ExitCode(err))
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading env file %s: %v", configFile, err)
		}
	}

	viper.SetDefault("log_level", inu.LevelString(inu.DefaultLogLevel))
	viper.SetDefault("startup_timeout", inu.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", inu.DefaultShutdownTimeout)

	// Tag store
	viper.SetDefault("tag_store.backend", inu.DefaultTagStoreBackend)
	viper.SetDefault("tag_store.timeout", inu.DefaultTagStoreTimeout)
	viper.SetDefault("tag_store.node_id", inu.DefaultTagStoreNodeID)
	viper.SetDefault("tag_store.max_value_length", inu.DefaultTagValueMaxLength)
	viper.SetDefault("tag_store.compact_on_start", false)
	viper.SetDefault("tag_store.reindex_on_start", false)
	viper.SetDefault("tag_store.log_level", inu.LevelString(inu.DefaultTagStoreLogLevel))
	viper.SetDefault(
		"tag_store.database_log_level",
		inu.LevelString(inu.DefaultDatabaseLogLevel),
	)
	viper.SetDefault("tag_store.database_slow_threshold", inu.DefaultDatabaseSlowThreshold)

	// Command dispatch
	viper.SetDefault("bot.prefix", inu.DefaultBotPrefix)
	viper.SetDefault("bot.rate_limit", inu.DefaultBotRateLimit)
	viper.SetDefault("bot.rate_burst", inu.DefaultBotRateBurst)
	viper.SetDefault("bot.handler_timeout", inu.DefaultBotHandlerTimeout)
	viper.SetDefault("bot.log_level", inu.LevelString(inu.DefaultBotLogLevel))

	// Discord config
	viper.SetDefault("discord.bot_token", "")
	viper.SetDefault("discord.owner_ids", []string{})
	viper.SetDefault("discord.log_level", inu.LevelString(inu.DefaultDiscordLogLevel))
	viper.SetDefault(
		"discord.discordgo_log_level",
		inu.LevelString(inu.DefaultDiscordgoLogLevel),
	)
	viper.SetDefault("discord.gateway_intents", int(inu.DefaultDiscordGatewayIntent))
	viper.SetDefault("discord.custom_status", inu.DefaultDiscordCustomStatus)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", inu.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.token_hash", "")
	viper.SetDefault("api.log_level", inu.LevelString(inu.DefaultAPILogLevel))
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.read_timeout", inu.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", inu.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", inu.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", inu.DefaultIdleTimeout)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	viper.SetDefault("api.ssl.tls_min_version", inu.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", inu.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", inu.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", inu.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", inu.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", inu.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(inu.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = inu.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range sliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}
	for _, key := range levelKeys {
		if _, err := inu.ParseLogLevel(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load config from (default: .env)",
	)
}
