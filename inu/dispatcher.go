package inu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// limiterPruneSize is the number of per-user limiters kept before idle
// ones are dropped
const limiterPruneSize = 10000

// shutdownCancelWait is how long Shutdown waits for handlers to return
// after their contexts are canceled
var shutdownCancelWait = 5 * time.Second

// ArgType is the type of a command argument
type ArgType int

const (
	ArgString ArgType = iota + 1
	ArgInt
	ArgUserID
	ArgBool
)

func (a ArgType) String() string {
	switch a {
	case ArgString:
		return "string"
	case ArgInt:
		return "int"
	case ArgUserID:
		return "user-id"
	case ArgBool:
		return "bool"
	default:
		return fmt.Sprintf("ArgType(%d)", int(a))
	}
}

// ArgSpec describes a single command argument
type ArgSpec struct {
	Name     string
	Type     ArgType
	Required bool

	// Rest consumes the remainder of the message, verbatim. Only the
	// last positional argument may set this.
	Rest bool

	// Flag arguments are given as `--name` anywhere before a Rest
	// argument, and must be ArgBool
	Flag bool
}

// CommandSpec describes a command: the words that invoke it, its
// arguments and help text
type CommandSpec struct {
	Path    []string
	Aliases [][]string
	Args    []ArgSpec
	Help    string
}

// Name returns the space-separated command path
func (c CommandSpec) Name() string {
	return strings.Join(c.Path, " ")
}

// Usage renders the command's syntax, ex: `inu-tag add <name> <value…>`
func (c CommandSpec) Usage(prefix string) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteString(c.Name())
	for _, arg := range c.Args {
		if !arg.Flag {
			continue
		}
		fmt.Fprintf(&sb, " [--%s]", arg.Name)
	}
	for _, arg := range c.Args {
		if arg.Flag {
			continue
		}
		name := arg.Name
		if arg.Rest {
			name += "…"
		}
		if arg.Required {
			fmt.Fprintf(&sb, " <%s>", name)
		} else {
			fmt.Fprintf(&sb, " [%s]", name)
		}
	}
	return sb.String()
}

func (c CommandSpec) validate() error {
	if len(c.Path) == 0 {
		return errors.New("command path is empty")
	}
	for _, p := range append([][]string{c.Path}, c.Aliases...) {
		for _, word := range p {
			if word == "" || word != strings.ToLower(word) || strings.ContainsFunc(word, unicode.IsSpace) {
				return fmt.Errorf("invalid command word %q", word)
			}
		}
	}
	seen := map[string]bool{}
	for i, arg := range c.Args {
		switch {
		case arg.Name == "":
			return fmt.Errorf("argument %d has no name", i)
		case seen[arg.Name]:
			return fmt.Errorf("duplicate argument %q", arg.Name)
		case arg.Flag && arg.Type != ArgBool:
			return fmt.Errorf("flag %q must be a bool", arg.Name)
		case arg.Flag && arg.Rest:
			return fmt.Errorf("flag %q can't take the rest of the message", arg.Name)
		case arg.Type < ArgString || arg.Type > ArgBool:
			return fmt.Errorf("argument %q has an invalid type", arg.Name)
		}
		if arg.Rest {
			for _, later := range c.Args[i+1:] {
				if !later.Flag {
					return fmt.Errorf("argument %q follows rest argument %q", later.Name, arg.Name)
				}
			}
		}
		seen[arg.Name] = true
	}
	return nil
}

// Arg is a parsed argument value. Value is a string (ArgString,
// ArgUserID), int64 (ArgInt) or bool (ArgBool).
type Arg struct {
	Spec  ArgSpec
	Value any
}

// HandlerFunc handles a single command invocation
type HandlerFunc func(ctx context.Context, inv *Invocation) error

// Middleware wraps the handler of a command
type Middleware func(spec CommandSpec, next HandlerFunc) HandlerFunc

// ReplyField is a labeled value shown below a reply's content
type ReplyField struct {
	Name  string
	Value string
}

// Reply is a response to an invocation
type Reply struct {
	Title   string
	Content string
	Fields  []ReplyField
}

// Text renders the reply as message content
func (r Reply) Text() string {
	var sb strings.Builder
	if r.Title != "" {
		sb.WriteString("**")
		sb.WriteString(r.Title)
		sb.WriteString("**\n")
	}
	sb.WriteString(r.Content)
	for _, f := range r.Fields {
		if s := sb.String(); s != "" && !strings.HasSuffix(s, "\n") {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "**%s:** %s", f.Name, f.Value)
	}
	return shortenString(sb.String(), discordMaxMessageLength)
}

// ReplyFunc delivers a reply to the user who sent a message
type ReplyFunc func(ctx context.Context, r Reply) error

// Message is an incoming chat message, as received from the gateway
type Message struct {
	Content     string
	UserID      string
	UserDisplay string
	GuildID     string
	ChannelID   string
	MessageID   string
	Bot         bool
	Reply       ReplyFunc
}

// Invocation is a single parsed command
type Invocation struct {
	ID          string
	CommandPath []string
	Args        []Arg
	UserID      string
	UserDisplay string
	GuildID     string
	ChannelID   string

	reply   ReplyFunc
	replyMu sync.Mutex
	replied bool
}

func (i *Invocation) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", i.ID),
		slog.String("command", strings.Join(i.CommandPath, " ")),
		slog.String("user_id", i.UserID),
		slog.String("guild_id", i.GuildID),
		slog.String("channel_id", i.ChannelID),
	)
}

// Reply delivers r. Only the first successful delivery goes through,
// later calls return ErrAlreadyReplied. A failed delivery may be retried.
func (i *Invocation) Reply(ctx context.Context, r Reply) error {
	i.replyMu.Lock()
	defer i.replyMu.Unlock()

	if i.replied {
		return ErrAlreadyReplied
	}
	if i.reply == nil {
		return errors.New("invocation has no reply sink")
	}
	if err := i.reply(ctx, r); err != nil {
		return err
	}
	i.replied = true
	return nil
}

// Replied reports whether a reply was delivered
func (i *Invocation) Replied() bool {
	i.replyMu.Lock()
	defer i.replyMu.Unlock()
	return i.replied
}

func (i *Invocation) arg(name string) (any, bool) {
	for _, a := range i.Args {
		if a.Spec.Name == name {
			return a.Value, true
		}
	}
	return nil, false
}

// Has reports whether the named argument was given
func (i *Invocation) Has(name string) bool {
	_, ok := i.arg(name)
	return ok
}

// String returns the named string or user-id argument
func (i *Invocation) String(name string) string {
	v, _ := i.arg(name)
	s, _ := v.(string)
	return s
}

// Int returns the named int argument, or def if it wasn't given
func (i *Invocation) Int(name string, def int64) int64 {
	v, ok := i.arg(name)
	if !ok {
		return def
	}
	n, _ := v.(int64)
	return n
}

// Bool returns the named bool argument or flag
func (i *Invocation) Bool(name string) bool {
	v, _ := i.arg(name)
	b, _ := v.(bool)
	return b
}

type registeredCommand struct {
	spec    CommandSpec
	handler HandlerFunc
}

// DispatcherConfig configures a Dispatcher
type DispatcherConfig struct {
	Prefix         string
	RateLimit      float64
	RateBurst      int
	HandlerTimeout time.Duration

	// ErrorMessage is sent when a handler fails without replying
	ErrorMessage string
}

// Dispatcher parses prefixed chat messages into command invocations and
// runs the registered handler for each, one goroutine per invocation.
type Dispatcher struct {
	prefix         string
	handlerTimeout time.Duration
	errorMessage   string
	logger         *slog.Logger

	mu         sync.RWMutex
	commands   map[string]*registeredCommand
	ordered    []*registeredCommand
	maxDepth   int
	middleware []Middleware

	limit      rate.Limit
	burst      int
	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	// runMu guards closed and wg.Add, so Shutdown can't race a new
	// invocation
	runMu    sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	inFlight atomic.Int64

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

func NewDispatcher(config DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Prefix == "" {
		config.Prefix = DefaultBotPrefix
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = DefaultBotHandlerTimeout
	}
	if config.ErrorMessage == "" {
		config.ErrorMessage = DefaultDiscordErrorMessage
	}
	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	burst := config.RateBurst
	if burst <= 0 {
		burst = 1
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		prefix:         config.Prefix,
		handlerTimeout: config.HandlerTimeout,
		errorMessage:   config.ErrorMessage,
		logger:         logger.With(loggerNameKey, "dispatcher"),
		commands:       map[string]*registeredCommand{},
		limit:          limit,
		burst:          burst,
		limiters:       map[string]*rate.Limiter{},
		baseCtx:        baseCtx,
		cancelBase:     cancel,
	}
}

// Prefix returns the command prefix
func (d *Dispatcher) Prefix() string {
	return d.prefix
}

// Use adds middleware wrapping every handler. The first middleware added
// is the outermost.
func (d *Dispatcher) Use(m Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middleware = append(d.middleware, m)
}

// Register adds a command. Paths (including aliases) must be unique.
func (d *Dispatcher) Register(spec CommandSpec, handler HandlerFunc) error {
	if handler == nil {
		return errors.New("handler is nil")
	}
	if err := spec.validate(); err != nil {
		return fmt.Errorf("command %q: %w", spec.Name(), err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cmd := &registeredCommand{spec: spec, handler: handler}
	paths := append([][]string{spec.Path}, spec.Aliases...)
	for _, p := range paths {
		if _, exists := d.commands[strings.Join(p, " ")]; exists {
			return fmt.Errorf("command %q is already registered", strings.Join(p, " "))
		}
	}
	for _, p := range paths {
		d.commands[strings.Join(p, " ")] = cmd
		d.maxDepth = max(d.maxDepth, len(p))
	}
	d.ordered = append(d.ordered, cmd)
	return nil
}

// Commands returns the registered commands, in registration order
func (d *Dispatcher) Commands() []CommandSpec {
	d.mu.RLock()
	defer d.mu.RUnlock()
	specs := make([]CommandSpec, 0, len(d.ordered))
	for _, c := range d.ordered {
		specs = append(specs, c.spec)
	}
	return specs
}

// InFlight returns the number of invocations currently running
func (d *Dispatcher) InFlight() int64 {
	return d.inFlight.Load()
}

// call is a matched message, ready to run
type call struct {
	inv      *Invocation
	handler  HandlerFunc
	spec     CommandSpec
	parseErr error
}

// Dispatch handles msg in a new goroutine. It returns false if msg isn't
// a command, is rate limited, or the dispatcher is shut down.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) bool {
	c, ok := d.prepare(ctx, msg)
	if !ok {
		return false
	}
	if !d.begin() {
		return false
	}
	go func() {
		defer d.wg.Done()
		d.run(ctx, c)
	}()
	return true
}

// Handle is like Dispatch, but runs the handler before returning
func (d *Dispatcher) Handle(ctx context.Context, msg Message) bool {
	c, ok := d.prepare(ctx, msg)
	if !ok {
		return false
	}
	if !d.begin() {
		return false
	}
	defer d.wg.Done()
	d.run(ctx, c)
	return true
}

func (d *Dispatcher) begin() bool {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.closed {
		return false
	}
	d.wg.Add(1)
	return true
}

func (d *Dispatcher) prepare(ctx context.Context, msg Message) (*call, bool) {
	if msg.Bot || msg.UserID == "" {
		return nil, false
	}
	content := strings.TrimSpace(msg.Content)
	if len(content) <= len(d.prefix) || !strings.EqualFold(content[:len(d.prefix)], d.prefix) {
		return nil, false
	}
	input := content[len(d.prefix):]

	tokens, tokenErr := tokenize(input)
	cmd, depth := d.match(tokens)
	if cmd == nil {
		logTrace(ctx, d.logger, "ignoring unknown command", "content", truncate(content, 64))
		return nil, false
	}
	if !d.allow(msg.UserID) {
		d.logger.DebugContext(ctx, "rate limited", "user_id", msg.UserID, "command", cmd.spec.Name())
		return nil, false
	}

	inv := &Invocation{
		ID:          uuid.NewString(),
		CommandPath: cmd.spec.Path,
		UserID:      msg.UserID,
		UserDisplay: msg.UserDisplay,
		GuildID:     msg.GuildID,
		ChannelID:   msg.ChannelID,
		reply:       msg.Reply,
	}
	c := &call{inv: inv, handler: cmd.handler, spec: cmd.spec, parseErr: tokenErr}
	if c.parseErr == nil {
		inv.Args, c.parseErr = parseArgs(cmd.spec, input, tokens[depth:])
	}
	return c, true
}

// match finds the command with the longest path matching the leading
// tokens, returning it and the number of tokens consumed
func (d *Dispatcher) match(tokens []token) (*registeredCommand, int) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for depth := min(d.maxDepth, len(tokens)); depth > 0; depth-- {
		words := make([]string, depth)
		quoted := false
		for i, t := range tokens[:depth] {
			words[i] = strings.ToLower(t.text)
			quoted = quoted || t.quoted
		}
		if quoted {
			continue
		}
		if cmd, ok := d.commands[strings.Join(words, " ")]; ok {
			return cmd, depth
		}
	}
	return nil, 0
}

func (d *Dispatcher) allow(userID string) bool {
	if d.limit == rate.Inf {
		return true
	}
	d.limitersMu.Lock()
	defer d.limitersMu.Unlock()

	lim, ok := d.limiters[userID]
	if !ok {
		if len(d.limiters) >= limiterPruneSize {
			d.pruneLimiters()
		}
		lim = rate.NewLimiter(d.limit, d.burst)
		d.limiters[userID] = lim
	}
	return lim.Allow()
}

// pruneLimiters drops limiters that have fully refilled, since a new
// limiter would behave the same. Caller must hold limitersMu.
func (d *Dispatcher) pruneLimiters() {
	for id, lim := range d.limiters {
		if lim.Tokens() >= float64(d.burst) {
			delete(d.limiters, id)
		}
	}
}

func (d *Dispatcher) wrap(spec CommandSpec, h HandlerFunc) HandlerFunc {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for i := len(d.middleware) - 1; i >= 0; i-- {
		h = d.middleware[i](spec, h)
	}
	return h
}

func (d *Dispatcher) run(parent context.Context, c *call) {
	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)

	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()
	stop := context.AfterFunc(d.baseCtx, cancel)
	defer stop()
	ctx, cancelTimeout := context.WithTimeout(ctx, d.handlerTimeout)
	defer cancelTimeout()

	logger := d.logger.With("invocation", c.inv)
	ctx = WithLogger(ctx, logger)
	start := time.Now()

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
			d.replyError(ctx, logger, c.inv)
		}
	}()

	if c.parseErr != nil {
		logger.DebugContext(ctx, "invalid arguments", tint.Err(c.parseErr))
		err := c.inv.Reply(
			ctx, Reply{
				Content: fmt.Sprintf(
					"%s\nUsage: `%s`",
					c.parseErr.Error(),
					c.spec.Usage(d.prefix),
				),
			},
		)
		if err != nil {
			logger.WarnContext(ctx, "failed to send usage reply", tint.Err(err))
		}
		return
	}

	logTrace(ctx, logger, "running command")
	err := d.wrap(c.spec, c.handler)(ctx, c.inv)
	if err != nil {
		logger.ErrorContext(ctx, "command failed", "duration", time.Since(start), tint.Err(err))
		d.replyError(ctx, logger, c.inv)
		return
	}
	logger.DebugContext(ctx, "command completed", "duration", time.Since(start))
}

// replyError sends the generic error message, unless the handler already
// replied
func (d *Dispatcher) replyError(ctx context.Context, logger *slog.Logger, inv *Invocation) {
	if inv.Replied() {
		return
	}
	err := inv.Reply(context.WithoutCancel(ctx), Reply{Content: d.errorMessage})
	if err != nil && !errors.Is(err, ErrAlreadyReplied) {
		logger.WarnContext(ctx, "failed to send error reply", tint.Err(err))
	}
}

// Shutdown stops accepting invocations and waits for in-flight ones to
// finish. If ctx is done first, the remaining handlers are canceled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.runMu.Lock()
	d.closed = true
	d.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	d.logger.InfoContext(ctx, "waiting for in-flight commands", "in_flight", d.InFlight())
	select {
	case <-done:
		d.cancelBase()
		return nil
	case <-ctx.Done():
	}

	d.logger.WarnContext(ctx, "grace period elapsed, canceling commands", "in_flight", d.InFlight())
	d.cancelBase()
	select {
	case <-done:
		return nil
	case <-time.After(shutdownCancelWait):
		return fmt.Errorf("%d command(s) still running after cancellation", d.InFlight())
	}
}

// token is a word of a command, with its byte offsets in the input
type token struct {
	text   string
	start  int
	end    int
	quoted bool
}

// tokenize splits s on whitespace. Double-quoted sections form a single
// token, with `\"` and `\\` escapes.
func tokenize(s string) ([]token, error) {
	var (
		tokens []token
		i      int
	)
	for i < len(s) {
		r := rune(s[i])
		if r < 0x80 && unicode.IsSpace(r) {
			i++
			continue
		}
		start := i
		if s[i] != '"' {
			for i < len(s) && !(s[i] < 0x80 && unicode.IsSpace(rune(s[i]))) {
				i++
			}
			tokens = append(tokens, token{text: s[start:i], start: start, end: i})
			continue
		}

		i++
		var sb strings.Builder
		closed := false
		for i < len(s) {
			ch := s[i]
			if ch == '\\' && i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\') {
				sb.WriteByte(s[i+1])
				i += 2
				continue
			}
			if ch == '"' {
				closed = true
				i++
				break
			}
			sb.WriteByte(ch)
			i++
		}
		tokens = append(tokens, token{text: sb.String(), start: start, end: i, quoted: true})
		if !closed {
			return tokens, invalid("arguments", "unterminated quote")
		}
	}
	return tokens, nil
}

// parseArgs converts the tokens following a command path into typed
// arguments. input is the full text tokens were taken from, for rest
// arguments.
func parseArgs(spec CommandSpec, input string, tokens []token) ([]Arg, error) {
	flags := map[string]ArgSpec{}
	for _, a := range spec.Args {
		if a.Flag {
			flags[a.Name] = a
		}
	}
	var args []Arg
	seenFlags := map[string]bool{}

	consumeFlags := func() error {
		for len(tokens) > 0 && !tokens[0].quoted && strings.HasPrefix(tokens[0].text, "--") {
			name := strings.ToLower(strings.TrimPrefix(tokens[0].text, "--"))
			f, ok := flags[name]
			if !ok {
				return invalid("arguments", fmt.Sprintf("unknown flag %q", tokens[0].text))
			}
			if !seenFlags[name] {
				args = append(args, Arg{Spec: f, Value: true})
				seenFlags[name] = true
			}
			tokens = tokens[1:]
		}
		return nil
	}

	for _, a := range spec.Args {
		if a.Flag {
			continue
		}
		if err := consumeFlags(); err != nil {
			return nil, err
		}
		if len(tokens) == 0 {
			if a.Required {
				return nil, invalid(a.Name, "is required")
			}
			continue
		}
		if a.Rest {
			var value string
			if len(tokens) == 1 && tokens[0].quoted {
				value = tokens[0].text
			} else {
				value = strings.TrimSpace(input[tokens[0].start:])
			}
			args = append(args, Arg{Spec: a, Value: value})
			tokens = nil
			break
		}
		v, err := convertArg(a, tokens[0].text)
		if err != nil {
			return nil, err
		}
		args = append(args, Arg{Spec: a, Value: v})
		tokens = tokens[1:]
	}
	if err := consumeFlags(); err != nil {
		return nil, err
	}
	if len(tokens) > 0 {
		return nil, invalid("arguments", fmt.Sprintf("unexpected %q", tokens[0].text))
	}
	return args, nil
}

func convertArg(a ArgSpec, s string) (any, error) {
	switch a.Type {
	case ArgInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, invalid(a.Name, fmt.Sprintf("%q is not a number", s))
		}
		return n, nil
	case ArgUserID:
		id, ok := parseUserID(s)
		if !ok {
			return nil, invalid(a.Name, fmt.Sprintf("%q is not a user mention or ID", s))
		}
		return id, nil
	case ArgBool:
		switch strings.ToLower(s) {
		case "yes", "y", "on":
			return true, nil
		case "no", "n", "off":
			return false, nil
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, invalid(a.Name, fmt.Sprintf("%q is not yes/no", s))
		}
		return b, nil
	default:
		return s, nil
	}
}

// parseUserID accepts a user mention (`<@123>`, `<@!123>`) or a bare ID
func parseUserID(s string) (string, bool) {
	if strings.HasPrefix(s, "<@") && strings.HasSuffix(s, ">") {
		s = strings.TrimPrefix(strings.TrimSuffix(s[2:], ">"), "!")
	}
	if s == "" {
		return "", false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return s, true
}
