package inu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/inu/inu.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// shutdownAnnouncementInterval is how often the remaining shutdown time
// is logged while waiting on in-flight commands
var shutdownAnnouncementInterval = 10 * time.Second

// Bot owns the storage backend, tag store and usage counter, and runs
// the dispatcher against the discord gateway (and, optionally, the
// admin API).
type Bot struct {
	config      *Config
	backendSpec BackendSpec
	logger      *slog.Logger
	logHandler  slog.Handler

	backend    Backend
	tags       *TagStore
	usage      *UsageCounter
	authorizer Authorizer
	dispatcher *Dispatcher
	discord    *Discord
	api        *API

	startedAt time.Time
	running   atomic.Bool
	ran       atomic.Bool

	// prevents concurrent runs
	runMu sync.Mutex

	signalReady chan struct{}
}

// New validates config and creates a Bot. Nothing is opened until Run
// is called. Config errors are returned as an *ExitError with
// ExitConfig.
func New(config *Config) (*Bot, error) {
	if config == nil {
		return nil, exitError(ExitConfig, errors.New("config is nil"))
	}
	if err := config.Validate(); err != nil {
		return nil, exitError(ExitConfig, err)
	}
	if config.Discord.BotToken == "" {
		return nil, exitError(ExitConfig, errors.New("discord bot token is required"))
	}
	spec, err := ParseBackendSpec(config.TagStore.Backend)
	if err != nil {
		return nil, exitError(ExitConfig, err)
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:      config,
		backendSpec: spec,
		signalReady: make(chan struct{}),
	}
	b.logHandler = NewLogHandler(defaultLogWriter, config.LogLevel)
	b.logger = slog.New(b.logHandler)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		NewLogHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	b.dispatcher = NewDispatcher(
		DispatcherConfig{
			Prefix:         config.Bot.Prefix,
			RateLimit:      config.Bot.RateLimit,
			RateBurst:      config.Bot.RateBurst,
			HandlerTimeout: config.Bot.HandlerTimeout,
			ErrorMessage:   DefaultDiscordErrorMessage,
		},
		slog.New(NewLogHandler(defaultLogWriter, config.Bot.LogLevel)),
	)

	b.discord = newDiscord(
		config.Discord,
		b.dispatcher,
		slog.New(NewLogHandler(defaultLogWriter, config.Discord.LogLevel)).With(
			loggerNameKey, "discord",
		),
	)
	session, err := b.discord.newSession(config.HTTPClient)
	if err != nil {
		return nil, exitError(ExitConfig, err)
	}
	b.discord.session = session

	if config.API.Enabled {
		b.api, err = newAPI(
			b,
			config.API,
			slog.New(NewLogHandler(defaultLogWriter, config.API.LogLevel)),
		)
		if err != nil {
			return nil, exitError(ExitConfig, err)
		}
	}
	return b, nil
}

// Ready is closed once Run has finished starting up
func (b *Bot) Ready() <-chan struct{} {
	return b.signalReady
}

// Running reports whether the bot has started and isn't shutting down
func (b *Bot) Running() bool {
	return b.running.Load()
}

// SystemInfo returns a snapshot of the bot's process and connections
func (b *Bot) SystemInfo() SystemInfo {
	return collectSystemInfo(
		b.startedAt,
		b.backendSpec.Kind,
		b.discord != nil && b.discord.Connected(),
		b.dispatcher.InFlight(),
	)
}

// Run opens the backend, connects to discord and serves commands until
// ctx is canceled, then shuts down gracefully. Startup failures are
// returned as an *ExitError carrying the process exit code. A Bot can
// only be run once.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if !b.ran.CompareAndSwap(false, true) {
		return errors.New("bot has already run")
	}

	b.startedAt = time.Now()
	logger := b.logger
	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.initStorage(startCtx); err != nil {
		logger.ErrorContext(ctx, "error initializing storage", tint.Err(err))
		b.closeBackend(ctx)
		return err
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.discord.addHandlers(runCtx)
	if err := b.discord.open(startCtx); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		b.discord.removeHandlers()
		b.closeBackend(ctx)
		return exitError(ExitDispatcher, err)
	}

	g, gctx := errgroup.WithContext(runCtx)
	if b.api != nil {
		g.Go(
			func() error {
				if err := b.api.Serve(gctx); err != nil {
					return exitError(ExitDispatcher, fmt.Errorf("api: %w", err))
				}
				return nil
			},
		)
	}
	if n, ok := notifier(b.backend); ok {
		g.Go(
			func() error {
				err := n.Listen(gctx, b.tags.Invalidate)
				if err != nil && gctx.Err() == nil {
					// stale cache entries are re-validated on read, so
					// losing notifications isn't fatal
					logger.ErrorContext(ctx, "stopped listening for backend changes", tint.Err(err))
				}
				return nil
			},
		)
	}

	b.running.Store(true)
	close(b.signalReady)
	logger.InfoContext(ctx, "ready", "prefix", b.dispatcher.Prefix())

	// block until something cancels the runtime context - generally
	// from an interrupt, or a failed background service
	<-gctx.Done()
	b.running.Store(false)

	shutdownErr := b.shutdown(ctx)
	cancel()
	runErr := g.Wait()
	return errors.Join(runErr, shutdownErr)
}

// initStorage opens the backend, runs the optional startup maintenance,
// and builds everything that depends on storage
func (b *Bot) initStorage(ctx context.Context) error {
	cfg := b.config.TagStore
	storeLogger := slog.New(NewLogHandler(defaultLogWriter, cfg.LogLevel))

	backend, err := OpenBackend(ctx, b.backendSpec, cfg, storeLogger)
	if err != nil {
		return exitError(ExitBackend, fmt.Errorf("error opening backend: %w", err))
	}
	b.backend = backend

	if cfg.CompactOnStart {
		if c, ok := compactor(backend); ok {
			if err = c.Compact(ctx); err != nil {
				return exitError(ExitBackend, fmt.Errorf("error compacting backend: %w", err))
			}
		} else {
			b.logger.WarnContext(ctx, "backend doesn't support compaction", "backend", b.backendSpec)
		}
	}

	b.authorizer = AnyAuthorizer{
		StaticAuthorizer{
			Owners: append(append([]string{}, b.config.Discord.OwnerIDs...), apiActorID),
		},
		NewDiscordAuthorizer(b.discord.session),
	}

	b.tags, err = NewTagStore(backend, b.authorizer, cfg, storeLogger)
	if err != nil {
		return exitError(ExitConfig, err)
	}
	if cfg.ReindexOnStart {
		if _, err = b.tags.Reindex(ctx); err != nil {
			return exitError(ExitBackend, fmt.Errorf("error reindexing tags: %w", err))
		}
	}
	b.usage = NewUsageCounter(backend, storeLogger)

	b.dispatcher.Use(usageMiddleware(b.usage, b.logger))
	err = registerCommands(
		b.dispatcher,
		&commandHandlers{
			tags:       b.tags,
			usage:      b.usage,
			authorizer: b.authorizer,
			sysInfo:    b.SystemInfo,
			logger:     b.logger.With(loggerNameKey, "commands"),
		},
	)
	if err != nil {
		return exitError(ExitDispatcher, fmt.Errorf("error registering commands: %w", err))
	}
	return nil
}

func (b *Bot) closeBackend(ctx context.Context) {
	if b.backend == nil {
		return
	}
	if err := b.backend.Close(); err != nil {
		b.logger.ErrorContext(ctx, "error closing backend", tint.Err(err))
	}
}

// shutdown waits (up to Config.ShutdownTimeout) for in-flight commands,
// then stops the API and discord session, and flushes and closes the
// backend. Commands that outlive the deadline produce an ExitDispatcher
// error, and backend failures an ExitBackend error.
func (b *Bot) shutdown(ctx context.Context) error {
	logger := b.logger
	logger.WarnContext(ctx, "shutting down")

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)
	logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.WithoutCancel(ctx),
		shutdownDeadline,
	)
	defer closeCancel()

	// stop receiving new messages first
	b.discord.removeHandlers()

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	dispatcherDone := make(chan error, 1)
	go func() {
		dispatcherDone <- b.dispatcher.Shutdown(closeCtx)
	}()

	var errs []error
waitDispatcher:
	for {
		select {
		case err := <-dispatcherDone:
			if err != nil {
				logger.ErrorContext(ctx, "commands did not stop in time", tint.Err(err))
				errs = append(errs, exitError(ExitDispatcher, err))
			}
			break waitDispatcher
		case <-announcementTicker.C:
			logger.WarnContext(
				ctx,
				fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline).String()),
				"in_flight", b.dispatcher.InFlight(),
			)
		}
	}

	// everything after the dispatcher gets a short grace period of its
	// own, even if the dispatcher used the whole deadline
	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownCancelWait)
	defer stopCancel()

	if b.api != nil {
		logger.InfoContext(ctx, "stopping http server")
		if err := b.api.Shutdown(stopCtx); err != nil {
			logger.ErrorContext(ctx, "error stopping http server", tint.Err(err))
			_ = b.api.httpServer.Close()
		}
	}

	if err := b.discord.close(ctx); err != nil {
		logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
	}

	if b.backend != nil {
		if err := b.backend.Flush(stopCtx); err != nil {
			logger.ErrorContext(ctx, "error flushing backend", tint.Err(err))
			errs = append(errs, exitError(ExitBackend, fmt.Errorf("flushing backend: %w", err)))
		}
		if err := b.backend.Close(); err != nil {
			logger.ErrorContext(ctx, "error closing backend", tint.Err(err))
			errs = append(errs, exitError(ExitBackend, fmt.Errorf("closing backend: %w", err)))
		}
	}

	logger.InfoContext(
		ctx,
		"shutdown complete",
		"shutdown_duration", time.Since(shutdownStart),
	)
	return errors.Join(errs...)
}

// handleRecover logs a recovered panic, with its stack trace, to the
// context logger
func handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
