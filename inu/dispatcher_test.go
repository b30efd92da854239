package inu

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// replyRecorder collects the replies sent for messages it's attached to
type replyRecorder struct {
	mu       sync.Mutex
	replies  []Reply
	failures int
	sent     chan Reply
}

func newReplyRecorder() *replyRecorder {
	return &replyRecorder{sent: make(chan Reply, 100)}
}

func (r *replyRecorder) reply(_ context.Context, reply Reply) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("discord said no")
	}
	r.replies = append(r.replies, reply)
	r.sent <- reply
	return nil
}

func (r *replyRecorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	texts := make([]string, 0, len(r.replies))
	for _, reply := range r.replies {
		texts = append(texts, reply.Text())
	}
	return texts
}

// last returns the most recent reply text, or an empty string
func (r *replyRecorder) last() string {
	texts := r.texts()
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

func (r *replyRecorder) wait(t testing.TB) Reply {
	t.Helper()
	select {
	case reply := <-r.sent:
		return reply
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a reply")
	}
	return Reply{}
}

func testMessage(content string, userID string, rec *replyRecorder) Message {
	return Message{
		Content:     content,
		UserID:      userID,
		UserDisplay: userID,
		GuildID:     testGuild,
		ChannelID:   "c1",
		MessageID:   "m1",
		Reply:       rec.reply,
	}
}

func newTestDispatcher(t testing.TB, config DispatcherConfig) *Dispatcher {
	t.Helper()
	d := NewDispatcher(config, newTestLogger(t))
	t.Cleanup(
		func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = d.Shutdown(ctx)
		},
	)
	return d
}

var testAddSpec = CommandSpec{
	Path: []string{"tag", "add"},
	Args: []ArgSpec{
		globalFlag,
		{Name: "name", Type: ArgString, Required: true},
		{Name: "value", Type: ArgString, Required: true, Rest: true},
	},
}

func echoHandler(ctx context.Context, inv *Invocation) error {
	parts := []string{strings.Join(inv.CommandPath, " ")}
	for _, a := range inv.Args {
		parts = append(parts, fmt.Sprintf("%s=%v", a.Spec.Name, a.Value))
	}
	return inv.Reply(ctx, Reply{Content: strings.Join(parts, " ")})
}

func TestDispatcherHandle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newTestDispatcher(t, DispatcherConfig{})
	require.NoError(t, d.Register(testAddSpec, echoHandler))
	require.NoError(
		t,
		d.Register(
			CommandSpec{
				Path: []string{"tag"},
				Args: []ArgSpec{{Name: "name", Type: ArgString, Required: true}},
			},
			echoHandler,
		),
	)

	testCases := []struct {
		content  string
		expected string
	}{
		{content: "inu-tag greet", expected: "tag name=greet"},
		{content: "INU-Tag greet", expected: "tag name=greet"},
		{content: "  inu-tag   greet  ", expected: "tag name=greet"},
		{content: "inu-tag add greet hello   world", expected: "tag add name=greet value=hello   world"},
		{content: "inu-TAG ADD --global greet hi", expected: "tag add global=true name=greet value=hi"},
		// a quoted word is never part of the command path
		{content: `inu-tag "add"`, expected: "tag name=add"},
	}
	for _, tc := range testCases {
		rec := newReplyRecorder()
		require.True(t, d.Handle(ctx, testMessage(tc.content, "alice", rec)), tc.content)
		assert.Equal(t, []string{tc.expected}, rec.texts(), tc.content)
	}
}

func TestDispatcherIgnores(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newTestDispatcher(t, DispatcherConfig{})
	require.NoError(t, d.Register(testAddSpec, echoHandler))

	rec := newReplyRecorder()
	bot := testMessage("inu-tag add x y", "robot", rec)
	bot.Bot = true

	for name, msg := range map[string]Message{
		"bot author":     bot,
		"no user":        testMessage("inu-tag add x y", "", rec),
		"no prefix":      testMessage("tag add x y", "alice", rec),
		"prefix only":    testMessage("inu-", "alice", rec),
		"unknown":        testMessage("inu-tags add x y", "alice", rec),
		"partial path":   testMessage("inu-tag", "alice", rec),
		"other prefix":   testMessage("!tag add x y", "alice", rec),
		"quoted command": testMessage(`inu-"tag add" x y`, "alice", rec),
	} {
		assert.False(t, d.Handle(ctx, msg), name)
		assert.False(t, d.Dispatch(ctx, msg), name)
	}
	assert.Empty(t, rec.texts())
}

func TestDispatcherParseErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newTestDispatcher(t, DispatcherConfig{})

	called := false
	require.NoError(
		t, d.Register(
			testAddSpec, func(context.Context, *Invocation) error {
				called = true
				return nil
			},
		),
	)

	testCases := []struct {
		content string
		reason  string
	}{
		{content: "inu-tag add greet", reason: "invalid value: is required"},
		{content: "inu-tag add", reason: "invalid name: is required"},
		{content: "inu-tag add --loud greet hi", reason: `invalid arguments: unknown flag "--loud"`},
		{content: `inu-tag add "greet hi`, reason: "invalid arguments: unterminated quote"},
	}
	for _, tc := range testCases {
		rec := newReplyRecorder()
		require.True(t, d.Handle(ctx, testMessage(tc.content, "alice", rec)))
		assert.Equal(
			t,
			[]string{tc.reason + "\nUsage: `inu-tag add [--global] <name> <value…>`"},
			rec.texts(),
		)
	}
	assert.False(t, called)
}

func TestDispatcherHandlerErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newTestDispatcher(t, DispatcherConfig{ErrorMessage: "oops"})

	require.NoError(
		t, d.Register(
			CommandSpec{Path: []string{"fail"}},
			func(context.Context, *Invocation) error {
				return errors.New("boom")
			},
		),
	)
	require.NoError(
		t, d.Register(
			CommandSpec{Path: []string{"replied"}},
			func(ctx context.Context, inv *Invocation) error {
				if err := inv.Reply(ctx, Reply{Content: "partial"}); err != nil {
					return err
				}
				return errors.New("boom after reply")
			},
		),
	)
	require.NoError(
		t, d.Register(
			CommandSpec{Path: []string{"panic"}},
			func(context.Context, *Invocation) error {
				panic("handler exploded")
			},
		),
	)

	rec := newReplyRecorder()
	require.True(t, d.Handle(ctx, testMessage("inu-fail", "alice", rec)))
	assert.Equal(t, []string{"oops"}, rec.texts())

	rec = newReplyRecorder()
	require.True(t, d.Handle(ctx, testMessage("inu-replied", "alice", rec)))
	assert.Equal(t, []string{"partial"}, rec.texts())

	rec = newReplyRecorder()
	require.True(t, d.Handle(ctx, testMessage("inu-panic", "alice", rec)))
	assert.Equal(t, []string{"oops"}, rec.texts())
	assert.Equal(t, int64(0), d.InFlight())

	// the default error message
	d2 := newTestDispatcher(t, DispatcherConfig{})
	require.NoError(
		t, d2.Register(
			CommandSpec{Path: []string{"fail"}},
			func(context.Context, *Invocation) error { return errors.New("boom") },
		),
	)
	rec = newReplyRecorder()
	require.True(t, d2.Handle(ctx, testMessage("inu-fail", "alice", rec)))
	assert.Equal(t, []string{DefaultDiscordErrorMessage}, rec.texts())
}

func TestInvocationRepliesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newTestDispatcher(t, DispatcherConfig{})

	var errs []error
	require.NoError(
		t, d.Register(
			CommandSpec{Path: []string{"twice"}},
			func(ctx context.Context, inv *Invocation) error {
				assert.False(t, inv.Replied())
				errs = append(errs, inv.Reply(ctx, Reply{Content: "first"}))
				errs = append(errs, inv.Reply(ctx, Reply{Content: "second"}))
				assert.True(t, inv.Replied())
				return nil
			},
		),
	)

	rec := newReplyRecorder()
	require.True(t, d.Handle(ctx, testMessage("inu-twice", "alice", rec)))
	assert.Equal(t, []string{"first"}, rec.texts())
	require.Len(t, errs, 2)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], ErrAlreadyReplied)

	// a failed delivery doesn't count as a reply
	errs = nil
	rec = newReplyRecorder()
	rec.failures = 1
	require.True(t, d.Handle(ctx, testMessage("inu-twice", "alice", rec)))
	assert.Equal(t, []string{"second"}, rec.texts())
	require.Len(t, errs, 2)
	assert.Error(t, errs[0])
	assert.NoError(t, errs[1])

	inv := &Invocation{}
	assert.Error(t, inv.Reply(ctx, Reply{Content: "nowhere"}))
}

func TestDispatcherRateLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newTestDispatcher(t, DispatcherConfig{RateLimit: 0.001, RateBurst: 2})
	require.NoError(t, d.Register(CommandSpec{Path: []string{"ping"}}, echoHandler))

	rec := newReplyRecorder()
	assert.True(t, d.Handle(ctx, testMessage("inu-ping", "alice", rec)))
	// messages that aren't commands don't use up the budget
	assert.False(t, d.Handle(ctx, testMessage("inu-pong", "alice", rec)))
	assert.True(t, d.Handle(ctx, testMessage("inu-ping", "alice", rec)))
	assert.False(t, d.Handle(ctx, testMessage("inu-ping", "alice", rec)))
	assert.True(t, d.Handle(ctx, testMessage("inu-ping", "bob", rec)))
	assert.Len(t, rec.texts(), 3)
}

func TestDispatcherMiddleware(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newTestDispatcher(t, DispatcherConfig{})

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}
	for _, name := range []string{"outer", "inner"} {
		d.Use(
			func(spec CommandSpec, next HandlerFunc) HandlerFunc {
				return func(ctx context.Context, inv *Invocation) error {
					record(name + ":" + spec.Name())
					return next(ctx, inv)
				}
			},
		)
	}
	require.NoError(
		t, d.Register(
			CommandSpec{Path: []string{"ping"}},
			func(ctx context.Context, inv *Invocation) error {
				record("handler")
				_, ok := ContextLogger(ctx)
				assert.True(t, ok)
				return inv.Reply(ctx, Reply{Content: "pong"})
			},
		),
	)

	rec := newReplyRecorder()
	require.True(t, d.Handle(ctx, testMessage("inu-ping", "alice", rec)))
	assert.Equal(t, []string{"outer:ping", "inner:ping", "handler"}, order)
}

func TestDispatcherRegister(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, DispatcherConfig{})
	require.NoError(
		t, d.Register(
			CommandSpec{
				Path:    []string{"tag", "remove"},
				Aliases: [][]string{{"tag", "del"}},
			},
			echoHandler,
		),
	)

	testCases := []struct {
		name string
		spec CommandSpec
	}{
		{name: "duplicate path", spec: CommandSpec{Path: []string{"tag", "del"}}},
		{name: "duplicate alias", spec: CommandSpec{Path: []string{"x"}, Aliases: [][]string{{"tag", "remove"}}}},
		{name: "empty path", spec: CommandSpec{}},
		{name: "uppercase", spec: CommandSpec{Path: []string{"Tag"}}},
		{name: "space in word", spec: CommandSpec{Path: []string{"a b"}}},
		{
			name: "non-bool flag",
			spec: CommandSpec{Path: []string{"x"}, Args: []ArgSpec{{Name: "f", Type: ArgInt, Flag: true}}},
		},
		{
			name: "rest not last",
			spec: CommandSpec{
				Path: []string{"x"},
				Args: []ArgSpec{
					{Name: "a", Type: ArgString, Rest: true},
					{Name: "b", Type: ArgString},
				},
			},
		},
		{
			name: "duplicate argument",
			spec: CommandSpec{
				Path: []string{"x"},
				Args: []ArgSpec{{Name: "a", Type: ArgString}, {Name: "a", Type: ArgInt}},
			},
		},
		{
			name: "no type",
			spec: CommandSpec{Path: []string{"x"}, Args: []ArgSpec{{Name: "a"}}},
		},
	}
	for _, tc := range testCases {
		assert.Error(t, d.Register(tc.spec, echoHandler), tc.name)
	}
	assert.Error(t, d.Register(CommandSpec{Path: []string{"y"}}, nil))

	specs := d.Commands()
	require.Len(t, specs, 1)
	assert.Equal(t, "tag remove", specs[0].Name())
}

func TestDispatcherHandlerTimeout(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, DispatcherConfig{HandlerTimeout: 20 * time.Millisecond})
	require.NoError(
		t, d.Register(
			CommandSpec{Path: []string{"slow"}},
			func(ctx context.Context, _ *Invocation) error {
				<-ctx.Done()
				return ctx.Err()
			},
		),
	)

	rec := newReplyRecorder()
	require.True(t, d.Handle(context.Background(), testMessage("inu-slow", "alice", rec)))
	assert.Equal(t, []string{DefaultDiscordErrorMessage}, rec.texts())
}

func TestDispatcherDetachesFromMessageContext(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, DispatcherConfig{})
	require.NoError(
		t, d.Register(
			CommandSpec{Path: []string{"check"}},
			func(ctx context.Context, inv *Invocation) error {
				return inv.Reply(ctx, Reply{Content: fmt.Sprintf("err=%v", ctx.Err())})
			},
		),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := newReplyRecorder()
	require.True(t, d.Dispatch(ctx, testMessage("inu-check", "alice", rec)))
	assert.Equal(t, "err=<nil>", rec.wait(t).Content)
}

func TestDispatcherShutdownWaitsForHandlers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()
	d := NewDispatcher(DispatcherConfig{}, newTestLogger(t))

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(
		t, d.Register(
			CommandSpec{Path: []string{"slow"}},
			func(ctx context.Context, inv *Invocation) error {
				close(started)
				<-release
				return inv.Reply(ctx, Reply{Content: "done"})
			},
		),
	)
	require.NoError(t, d.Register(CommandSpec{Path: []string{"ping"}}, echoHandler))

	rec := newReplyRecorder()
	require.True(t, d.Dispatch(ctx, testMessage("inu-slow", "alice", rec)))
	<-started
	assert.Equal(t, int64(1), d.InFlight())

	shutdownErr := make(chan error, 1)
	go func() {
		shutdownErr <- d.Shutdown(ctx)
	}()

	pings := newReplyRecorder()
	assert.Eventually(
		t, func() bool {
			return !d.Dispatch(ctx, testMessage("inu-ping", "bob", pings))
		}, 5*time.Second, 5*time.Millisecond,
	)
	assert.False(t, d.Handle(ctx, testMessage("inu-ping", "bob", pings)))

	select {
	case err := <-shutdownErr:
		t.Fatalf("shutdown returned before the handler finished: %v", err)
	default:
	}

	close(release)
	select {
	case err := <-shutdownErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown didn't return")
	}
	assert.Contains(t, rec.texts(), "done")
	assert.Equal(t, int64(0), d.InFlight())
}

func TestDispatcherShutdownCancelsHandlers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	d := NewDispatcher(DispatcherConfig{}, newTestLogger(t))

	started := make(chan struct{})
	require.NoError(
		t, d.Register(
			CommandSpec{Path: []string{"stuck"}},
			func(ctx context.Context, _ *Invocation) error {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			},
		),
	)

	rec := newReplyRecorder()
	require.True(t, d.Dispatch(context.Background(), testMessage("inu-stuck", "alice", rec)))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	assert.Equal(t, []string{DefaultDiscordErrorMessage}, rec.texts())
}

func TestTokenize(t *testing.T) {
	testCases := []struct {
		input    string
		expected []string
		quoted   []bool
		wantErr  bool
	}{
		{input: "tag add greet", expected: []string{"tag", "add", "greet"}, quoted: []bool{false, false, false}},
		{input: "  a \t b\n", expected: []string{"a", "b"}, quoted: []bool{false, false}},
		{input: `a "b c" d`, expected: []string{"a", "b c", "d"}, quoted: []bool{false, true, false}},
		{input: `"say \"hi\""`, expected: []string{`say "hi"`}, quoted: []bool{true}},
		{input: `"a\\b" "\n"`, expected: []string{`a\b`, `\n`}, quoted: []bool{true, true}},
		{input: `"" x`, expected: []string{"", "x"}, quoted: []bool{true, false}},
		{input: "naïve tåg", expected: []string{"naïve", "tåg"}, quoted: []bool{false, false}},
		{input: "", expected: nil},
		{input: `a "open`, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(
			tc.input, func(t *testing.T) {
				tokens, err := tokenize(tc.input)
				if tc.wantErr {
					assert.ErrorIs(t, err, ErrInvalid)
					return
				}
				require.NoError(t, err)
				var texts []string
				var quoted []bool
				for _, tok := range tokens {
					texts = append(texts, tok.text)
					quoted = append(quoted, tok.quoted)
				}
				assert.Equal(t, tc.expected, texts)
				assert.Equal(t, tc.quoted, quoted)
			},
		)
	}
}

func parseInput(t testing.TB, spec CommandSpec, input string) (map[string]any, error) {
	t.Helper()
	tokens, err := tokenize(input)
	require.NoError(t, err)
	args, err := parseArgs(spec, input, tokens)
	if err != nil {
		return nil, err
	}
	values := map[string]any{}
	for _, a := range args {
		values[a.Spec.Name] = a.Value
	}
	return values, nil
}

func TestParseArgs(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected map[string]any
		wantErr  bool
	}{
		{
			name:     "rest keeps inner whitespace",
			input:    "greet hello   world",
			expected: map[string]any{"name": "greet", "value": "hello   world"},
		},
		{
			name:     "leading flag",
			input:    "--global greet hi",
			expected: map[string]any{"global": true, "name": "greet", "value": "hi"},
		},
		{
			name:     "flag between positionals",
			input:    "greet --GLOBAL hi",
			expected: map[string]any{"global": true, "name": "greet", "value": "hi"},
		},
		{
			name:     "flag inside rest is text",
			input:    "greet hi --global",
			expected: map[string]any{"name": "greet", "value": "hi --global"},
		},
		{
			name:     "repeated flag",
			input:    "--global --global greet hi",
			expected: map[string]any{"global": true, "name": "greet", "value": "hi"},
		},
		{
			name:     "single quoted rest",
			input:    `greet "quoted   value"`,
			expected: map[string]any{"name": "greet", "value": "quoted   value"},
		},
		{
			name:     "quoted rest followed by more",
			input:    `greet "a" b`,
			expected: map[string]any{"name": "greet", "value": `"a" b`},
		},
		{
			name:     "quoted flag is a value",
			input:    `"--global" greet hi`,
			expected: map[string]any{"name": "--global", "value": "greet hi"},
		},
		{name: "missing value", input: "greet", wantErr: true},
		{name: "unknown flag", input: "--nope greet hi", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				values, err := parseInput(t, testAddSpec, tc.input)
				if tc.wantErr {
					assert.ErrorIs(t, err, ErrInvalid)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.expected, values)
			},
		)
	}
}

func TestParseArgsTypes(t *testing.T) {
	spec := CommandSpec{
		Path: []string{"typed"},
		Args: []ArgSpec{
			{Name: "count", Type: ArgInt, Required: true},
			{Name: "user", Type: ArgUserID},
			{Name: "ok", Type: ArgBool},
		},
	}
	testCases := []struct {
		input    string
		expected map[string]any
		wantErr  bool
	}{
		{input: "5", expected: map[string]any{"count": int64(5)}},
		{input: "-3 <@123>", expected: map[string]any{"count": int64(-3), "user": "123"}},
		{input: "1 <@!456> yes", expected: map[string]any{"count": int64(1), "user": "456", "ok": true}},
		{input: "1 789 off", expected: map[string]any{"count": int64(1), "user": "789", "ok": false}},
		{input: "1 789 true", expected: map[string]any{"count": int64(1), "user": "789", "ok": true}},
		{input: "five", wantErr: true},
		{input: "1 bob", wantErr: true},
		{input: "1 <@>", wantErr: true},
		{input: "1 2 maybe", wantErr: true},
		{input: "1 2 yes extra", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(
			tc.input, func(t *testing.T) {
				values, err := parseInput(t, spec, tc.input)
				if tc.wantErr {
					assert.ErrorIs(t, err, ErrInvalid)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.expected, values)
			},
		)
	}
}

func TestInvocationArgs(t *testing.T) {
	inv := &Invocation{
		Args: []Arg{
			{Spec: ArgSpec{Name: "name", Type: ArgString}, Value: "greet"},
			{Spec: ArgSpec{Name: "count", Type: ArgInt}, Value: int64(7)},
			{Spec: globalFlag, Value: true},
		},
	}
	assert.True(t, inv.Has("name"))
	assert.False(t, inv.Has("user"))
	assert.Equal(t, "greet", inv.String("name"))
	assert.Equal(t, "", inv.String("count"))
	assert.Equal(t, int64(7), inv.Int("count", 10))
	assert.Equal(t, int64(10), inv.Int("missing", 10))
	assert.True(t, inv.Bool(argGlobal))
	assert.False(t, inv.Bool("name"))
}

func TestCommandSpecUsage(t *testing.T) {
	assert.Equal(t, "inu-tag add [--global] <name> <value…>", testAddSpec.Usage("inu-"))
	assert.Equal(
		t,
		"!tag list [--global] [user]",
		CommandSpec{
			Path: []string{"tag", "list"},
			Args: []ArgSpec{globalFlag, {Name: "user", Type: ArgUserID}},
		}.Usage("!"),
	)
	assert.Equal(t, "inu-sys", CommandSpec{Path: []string{"sys"}}.Usage("inu-"))
}

func TestReplyText(t *testing.T) {
	assert.Equal(t, "hi", Reply{Content: "hi"}.Text())
	assert.Equal(t, "**Title**\nbody", Reply{Title: "Title", Content: "body"}.Text())
	assert.Equal(
		t,
		"**greet**\n**Owner:** <@1>\n**Scope:** global",
		Reply{
			Title: "greet",
			Fields: []ReplyField{
				{Name: "Owner", Value: "<@1>"},
				{Name: "Scope", Value: "global"},
			},
		}.Text(),
	)
	assert.Equal(
		t,
		"body\n**A:** 1",
		Reply{Content: "body", Fields: []ReplyField{{Name: "A", Value: "1"}}}.Text(),
	)

	long := Reply{Content: strings.Repeat("x", discordMaxMessageLength+10)}.Text()
	assert.Len(t, []rune(long), discordMaxMessageLength)
}
