package inu

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Discord manages the gateway session, and feeds incoming messages to
// the dispatcher
type Discord struct {
	session    DiscordSessionHandler
	config     *DiscordConfig
	logger     *slog.Logger
	dispatcher *Dispatcher

	connected         atomic.Bool
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	metricMessages    atomic.Int64

	mu                          sync.Mutex
	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig, dispatcher *Dispatcher, logger *slog.Logger) *Discord {
	return &Discord{
		config:     config,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// newSession creates a discordgo session with the configured token and
// intents. The connection isn't opened.
func (d *Discord) newSession(httpClient *http.Client) (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.BotToken)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	if httpClient != nil {
		disc.Client = httpClient
	}
	session.session = disc
	session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	session.SetIdentify(
		discordgo.Identify{
			Intents: d.config.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{
				Status: string(discordgo.StatusOnline),
			},
		},
	)
	return session, nil
}

// Connected reports whether the gateway connection is up
func (d *Discord) Connected() bool {
	return d.connected.Load()
}

// addHandlers registers the gateway event handlers, replacing any
// previously registered
func (d *Discord) addHandlers(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, remove := range d.discordgoRemoveHandlerFuncs {
		remove()
	}
	d.discordgoRemoveHandlerFuncs = []func(){
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerMessageCreate(ctx)),
	}
}

func (d *Discord) removeHandlers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, remove := range d.discordgoRemoveHandlerFuncs {
		remove()
	}
	d.discordgoRemoveHandlerFuncs = nil
}

// open connects to the gateway and sets the custom status
func (d *Discord) open(ctx context.Context) error {
	d.logger.InfoContext(ctx, "connecting to discord")
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if d.config.CustomStatus != "" {
		if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
			d.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
		}
	}
	return nil
}

func (d *Discord) close(ctx context.Context) error {
	d.removeHandlers()
	if d.session == nil {
		return nil
	}
	d.logger.InfoContext(ctx, "closing discord connection")
	err := d.session.Close()
	d.connected.Store(false)
	return err
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		var userID, username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.Username
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", userID,
			"username", username,
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, c *discordgo.Connect) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected", "connects", d.metricConnects.Load())
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, c *discordgo.Disconnect) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

// handlerMessageCreate hands every message to the dispatcher, which
// ignores anything that isn't a command
func (d *Discord) handlerMessageCreate(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m == nil || m.Message == nil {
			return
		}
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(WithLogger(ctx, d.logger), rc)
			}
		}()
		msg := newMessage(m.Message, d.replyTo(m.Message))
		if d.dispatcher.Dispatch(ctx, msg) {
			d.metricMessages.Add(1)
		}
	}
}

// replyTo returns a ReplyFunc which replies to m, without pinging
// anyone mentioned in the reply
func (d *Discord) replyTo(m *discordgo.Message) ReplyFunc {
	return func(ctx context.Context, r Reply) error {
		_, err := d.session.ChannelMessageSendComplex(
			m.ChannelID,
			&discordgo.MessageSend{
				Content:   r.Text(),
				Reference: m.Reference(),
				AllowedMentions: &discordgo.MessageAllowedMentions{
					Parse: []discordgo.AllowedMentionType{},
				},
			},
			discordgo.WithContext(ctx),
			discordgo.WithRestRetries(1),
		)
		return err
	}
}

// newMessage converts a gateway message to a Message
func newMessage(m *discordgo.Message, reply ReplyFunc) Message {
	msg := Message{
		Content:   m.Content,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		Reply:     reply,
	}
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	if user != nil {
		msg.UserID = user.ID
		msg.Bot = user.Bot
		msg.UserDisplay = user.Username
		if user.GlobalName != "" {
			msg.UserDisplay = user.GlobalName
		}
	}
	if m.Member != nil && m.Member.Nick != "" {
		msg.UserDisplay = m.Member.Nick
	}
	return msg
}

// DiscordSessionHandler defines the methods of `discordgo.Session` used
// by the bot, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessageSendComplex sends a message to the given channel
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// Guild fetches a guild, including its roles
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)

	// GuildMember fetches a member of a guild
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	// GuildRoles fetches the roles of a guild
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
			"content", truncate(data.Content, 100),
		)
	} else {
		logTrace(
			context.Background(),
			d.logger,
			"sent message",
			"channel_id", channelID,
			"message_id", msg.ID,
		)
	}
	return msg, err
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) Guild(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	return d.session.Guild(guildID, options...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) GuildRoles(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	return d.session.GuildRoles(guildID, options...)
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify.Intents = i.Intents
	d.session.Identify.Presence = i.Presence
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) {
	d.session.LogLevel = discordgoLogLevel(lvl)
}
