package inu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"
)

const (
	argGlobal = "global"

	defaultUsageTop = 10
	maxUsageTop     = 25

	// maxListedTags caps the names shown by `tag list`
	maxListedTags = 50

	replyNotFound    = "No such tag."
	replyNameTaken   = "That name is already used."
	replyForbidden   = "You don't own that tag."
	replyTryAgain    = "Try again."
	replyGlobalOwner = "Only bot owners can add global tags."
)

// errGlobalOwnerRequired is returned when a non-owner tries to create a
// global tag
var errGlobalOwnerRequired = fmt.Errorf("%w: global tags are owner-only", ErrForbidden)

var globalFlag = ArgSpec{Name: argGlobal, Type: ArgBool, Flag: true}

// commandHandlers implements the chat commands on top of the tag store
// and usage counter
type commandHandlers struct {
	tags       *TagStore
	usage      *UsageCounter
	authorizer Authorizer
	dispatcher *Dispatcher
	sysInfo    func() SystemInfo
	logger     *slog.Logger
}

// registerCommands adds every chat command to the dispatcher
func registerCommands(d *Dispatcher, h *commandHandlers) error {
	h.dispatcher = d
	commands := []struct {
		spec    CommandSpec
		handler HandlerFunc
	}{
		{
			spec: CommandSpec{
				Path: []string{"tag", "add"},
				Args: []ArgSpec{
					globalFlag,
					{Name: "name", Type: ArgString, Required: true},
					{Name: "value", Type: ArgString, Required: true, Rest: true},
				},
				Help: "Create a tag in this server",
			},
			handler: h.tagAdd,
		},
		{
			spec: CommandSpec{
				Path:    []string{"tag", "remove"},
				Aliases: [][]string{{"tag", "del"}},
				Args: []ArgSpec{
					globalFlag,
					{Name: "name", Type: ArgString, Required: true},
				},
				Help: "Delete a tag you own",
			},
			handler: h.tagRemove,
		},
		{
			spec: CommandSpec{
				Path: []string{"tag", "edit"},
				Args: []ArgSpec{
					globalFlag,
					{Name: "name", Type: ArgString, Required: true},
					{Name: "value", Type: ArgString, Required: true, Rest: true},
				},
				Help: "Replace a tag's value",
			},
			handler: h.tagEdit,
		},
		{
			spec: CommandSpec{
				Path: []string{"tag", "info"},
				Args: []ArgSpec{
					{Name: "name", Type: ArgString, Required: true},
				},
				Help: "Show who owns a tag, its aliases and when it changed",
			},
			handler: h.tagInfo,
		},
		{
			spec: CommandSpec{
				Path: []string{"tag", "alias"},
				Args: []ArgSpec{
					globalFlag,
					{Name: "name", Type: ArgString, Required: true},
					{Name: "alias", Type: ArgString, Required: true},
				},
				Help: "Give a tag another name",
			},
			handler: h.tagAlias,
		},
		{
			spec: CommandSpec{
				Path: []string{"tag", "unalias"},
				Args: []ArgSpec{
					globalFlag,
					{Name: "name", Type: ArgString, Required: true},
					{Name: "alias", Type: ArgString, Required: true},
				},
				Help: "Remove one of a tag's aliases",
			},
			handler: h.tagUnalias,
		},
		{
			spec: CommandSpec{
				Path: []string{"tag", "rename"},
				Args: []ArgSpec{
					globalFlag,
					{Name: "old", Type: ArgString, Required: true},
					{Name: "new", Type: ArgString, Required: true},
				},
				Help: "Rename a tag (or one of its aliases)",
			},
			handler: h.tagRename,
		},
		{
			spec: CommandSpec{
				Path: []string{"tag", "list"},
				Args: []ArgSpec{
					globalFlag,
					{Name: "user", Type: ArgUserID},
				},
				Help: "List tags in this server, optionally only those owned by a user",
			},
			handler: h.tagList,
		},
		{
			spec: CommandSpec{
				Path: []string{"tag"},
				Args: []ArgSpec{
					{Name: "name", Type: ArgString, Required: true},
				},
				Help: "Show a tag",
			},
			handler: h.tagGet,
		},
		{
			spec: CommandSpec{
				Path: []string{"usage"},
				Args: []ArgSpec{
					{Name: "count", Type: ArgInt},
				},
				Help: "Show the most used commands",
			},
			handler: h.usageTop,
		},
		{
			spec: CommandSpec{
				Path: []string{"sys"},
				Help: "Show system info",
			},
			handler: h.sys,
		},
		{
			spec: CommandSpec{
				Path: []string{"help"},
				Help: "List commands",
			},
			handler: h.help,
		},
	}

	var errs []error
	for _, c := range commands {
		errs = append(errs, d.Register(c.spec, c.handler))
	}
	return errors.Join(errs...)
}

// usageMiddleware counts every invocation of a command in the invoking
// guild. Counting failures are logged, not surfaced.
func usageMiddleware(counter *UsageCounter, logger *slog.Logger) Middleware {
	return func(spec CommandSpec, next HandlerFunc) HandlerFunc {
		name := spec.Name()
		return func(ctx context.Context, inv *Invocation) error {
			if _, err := counter.Adjust(ctx, name, inv.GuildID, 1); err != nil &&
				!errors.Is(err, ErrClamped) {
				contextLoggerOr(ctx, logger).WarnContext(
					ctx,
					"failed to count command usage",
					"command", name,
					tint.Err(err),
				)
			}
			return next(ctx, inv)
		}
	}
}

// retryUnavailable calls fn, and once more if it failed with
// ErrBackendUnavailable
func retryUnavailable[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	v, err := fn()
	if errors.Is(err, ErrBackendUnavailable) && ctx.Err() == nil {
		contextLoggerOr(ctx, nil).WarnContext(ctx, "retrying after backend error", tint.Err(err))
		v, err = fn()
	}
	return v, err
}

// replyForError translates store errors to the text shown to users. It
// returns false for errors that aren't expected outcomes.
func replyForError(err error) (string, bool) {
	var validationErr *ValidationError
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, ErrNotFound):
		return replyNotFound, true
	case errors.Is(err, ErrNameTaken):
		return replyNameTaken, true
	case errors.Is(err, errGlobalOwnerRequired):
		return replyGlobalOwner, true
	case errors.Is(err, ErrForbidden):
		return replyForbidden, true
	case errors.As(err, &validationErr):
		return upperFirst(validationErr.Error()) + ".", true
	case errors.Is(err, ErrBackendUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return replyTryAgain, true
	}
	return "", false
}

func upperFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// replyError replies with the translation of err, or returns err if it
// has none
func (h *commandHandlers) replyError(ctx context.Context, inv *Invocation, err error) error {
	msg, ok := replyForError(err)
	if !ok {
		return err
	}
	logger := contextLoggerOr(ctx, h.logger)
	if errors.Is(err, ErrBackendUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		logger.WarnContext(ctx, "command failed, asking user to retry", tint.Err(err))
	} else {
		logger.DebugContext(ctx, "command rejected", tint.Err(err))
	}
	return inv.Reply(ctx, Reply{Content: msg})
}

// lookupScope is the scope tags are read from: the invoking guild, or
// global in a DM
func lookupScope(inv *Invocation) Scope {
	return GuildScope(inv.GuildID)
}

// mutationScope is the scope a mutating command targets. `--global`
// targets the global scope, otherwise the invoking guild. Mutations in a
// DM must say --global explicitly.
func mutationScope(inv *Invocation) (Scope, error) {
	if inv.Bool(argGlobal) {
		return GlobalScope, nil
	}
	if inv.GuildID == "" {
		return "", invalid("scope", "use --global to manage global tags from a direct message")
	}
	return GuildScope(inv.GuildID), nil
}

func (h *commandHandlers) tagAdd(ctx context.Context, inv *Invocation) error {
	scope, err := mutationScope(inv)
	if err != nil {
		return h.replyError(ctx, inv, err)
	}
	if scope.IsGlobal() {
		if err = h.requireGlobalModerator(ctx, inv); err != nil {
			return h.replyError(ctx, inv, err)
		}
	}
	_, err = retryUnavailable(
		ctx, func() (Tag, error) {
			return h.tags.Create(ctx, scope, inv.String("name"), inv.String("value"), inv.UserID)
		},
	)
	if err != nil {
		return h.replyError(ctx, inv, err)
	}
	return inv.Reply(ctx, Reply{Content: "created"})
}

func (h *commandHandlers) requireGlobalModerator(ctx context.Context, inv *Invocation) error {
	if h.authorizer == nil {
		return errGlobalOwnerRequired
	}
	ok, err := retryUnavailable(
		ctx, func() (bool, error) {
			return h.authorizer.IsModerator(ctx, inv.UserID, GlobalScope)
		},
	)
	if err != nil {
		if !errors.Is(err, ErrBackendUnavailable) {
			err = fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		}
		return err
	}
	if !ok {
		return errGlobalOwnerRequired
	}
	return nil
}

func (h *commandHandlers) tagRemove(ctx context.Context, inv *Invocation) error {
	scope, err := mutationScope(inv)
	if err != nil {
		return h.replyError(ctx, inv, err)
	}
	_, err = retryUnavailable(
		ctx, func() (struct{}, error) {
			return struct{}{}, h.tags.Remove(ctx, scope, inv.String("name"), inv.UserID)
		},
	)
	if err != nil {
		return h.replyError(ctx, inv, err)
	}
	return inv.Reply(ctx, Reply{Content: "removed"})
}

func (h *commandHandlers) tagEdit(ctx context.Context, inv *Invocation) error {
	scope, err := mutationScope(inv)
	if err != nil {
		return h.replyError(ctx, inv, err)
	}
	_, err = retryUnavailable(
		ctx, func() (Tag, error) {
			return h.tags.EditValue(ctx, scope, inv.String("name"), inv.String("value"), inv.UserID)
		},
	)
	if err != nil {
		return h.replyError(ctx, inv, err)
	}
	return inv.Reply(ctx, Reply{Content: "updated"})
}

func (h *commandHandlers) tagAlias(ctx context.Context, inv *Invocation) error {
	scope, err := mutationScope(inv)
	if err != nil {
		return h.replyError(ctx, inv, err)
	}
	tag, err := retryUnavailable(
		ctx, func() (Tag, error) {
			return h.tags.AddAlias(ctx, scope, inv.String("name"), inv.String("alias"), inv.UserID)
		},
	)
	if err != nil {
		return h.replyError(ctx, inv, err)
	}
	return inv.Reply(ctx, Reply{Content: fmt.Sprintf("aliased `%s` to `%s`", inv.String("alias"), tag.Name)})
}

func (h *commandHandlers) tagUnalias(ctx context.Context, inv *Invocation) error {
	scope, err := mutationScope(inv)
	if err != nil {
		return h.replyError(ctx, inv, err)
	}
	tag, err := retryUnavailable(
		ctx, func() (Tag, error) {
			return h.tags.RemoveAlias(ctx, scope, inv.String("name"), inv.String("alias"), inv.UserID)
		},
	)
	if err != nil {
		return h.replyError(ctx, inv, err)
	}
	return inv.Reply(ctx, Reply{Content: fmt.Sprintf("removed alias `%s` from `%s`", inv.String("alias"), tag.Name)})
}

func (h *commandHandlers) tagRename(ctx context.Context, inv *Invocation) error {
	scope, err := mutationScope(inv)
	if err != nil {
		return h.replyError(ctx, inv, err)
	}
	_, err = retryUnavailable(
		ctx, func() (Tag, error) {
			return h.tags.Rename(ctx, scope, inv.String("old"), inv.String("new"), inv.UserID)
		},
	)
	if err != nil {
		return h.replyError(ctx, inv, err)
	}
	return inv.Reply(ctx, Reply{Content: "renamed"})
}

func (h *commandHandlers) tagGet(ctx context.Context, inv *Invocation) error {
	tag, err := retryUnavailable(
		ctx, func() (Tag, error) {
			return h.tags.Get(ctx, lookupScope(inv), inv.String("name"))
		},
	)
	if err != nil {
		return h.replyError(ctx, inv, err)
	}
	return inv.Reply(ctx, Reply{Content: tag.Value})
}

func (h *commandHandlers) tagInfo(ctx context.Context, inv *Invocation) error {
	tag, err := retryUnavailable(
		ctx, func() (Tag, error) {
			return h.tags.Get(ctx, lookupScope(inv), inv.String("name"))
		},
	)
	if err != nil {
		return h.replyError(ctx, inv, err)
	}
	aliases := "none"
	if len(tag.Aliases) > 0 {
		aliases = "`" + strings.Join(tag.Aliases, "`, `") + "`"
	}
	return inv.Reply(
		ctx, Reply{
			Title: tag.Name,
			Fields: []ReplyField{
				{Name: "Owner", Value: fmt.Sprintf("<@%s>", tag.Owner)},
				{Name: "Scope", Value: tag.Scope.String()},
				{Name: "Aliases", Value: aliases},
				{Name: "Created", Value: humanize.Time(tag.CreatedAt)},
				{Name: "Updated", Value: humanize.Time(tag.UpdatedAt)},
				{Name: "ID", Value: tag.ID},
			},
		},
	)
}

func (h *commandHandlers) tagList(ctx context.Context, inv *Invocation) error {
	scope := lookupScope(inv)
	if inv.Bool(argGlobal) {
		scope = GlobalScope
	}
	names, err := retryUnavailable(
		ctx, func() ([]string, error) {
			var names []string
			for tag, err := range h.tags.List(ctx, scope, inv.String("user")) {
				if err != nil {
					return nil, err
				}
				names = append(names, tag.Name)
			}
			return names, nil
		},
	)
	if err != nil {
		return h.replyError(ctx, inv, err)
	}
	if len(names) == 0 {
		return inv.Reply(ctx, Reply{Content: "No tags."})
	}
	shown := names
	if len(shown) > maxListedTags {
		shown = shown[:maxListedTags]
	}
	content := "`" + strings.Join(shown, "`, `") + "`"
	if more := len(names) - len(shown); more > 0 {
		content += fmt.Sprintf(" (and %s more)", humanize.Comma(int64(more)))
	}
	title := humanize.Comma(int64(len(names))) + " tags"
	if len(names) == 1 {
		title = "1 tag"
	}
	return inv.Reply(ctx, Reply{Title: title, Content: content})
}

func (h *commandHandlers) usageTop(ctx context.Context, inv *Invocation) error {
	n := inv.Int("count", defaultUsageTop)
	if n < 1 || n > maxUsageTop {
		return h.replyError(ctx, inv, invalid("count", fmt.Sprintf("must be between 1 and %d", maxUsageTop)))
	}
	top, err := retryUnavailable(
		ctx, func() ([]UsageCount, error) {
			return h.usage.Top(ctx, inv.GuildID, int(n))
		},
	)
	if err != nil {
		return h.replyError(ctx, inv, err)
	}
	if len(top) == 0 {
		return inv.Reply(ctx, Reply{Content: "No commands used yet."})
	}
	var sb strings.Builder
	for i, u := range top {
		fmt.Fprintf(&sb, "%d. `%s` (%s)\n", i+1, u.Command, humanize.Comma(u.Count))
	}
	return inv.Reply(ctx, Reply{Title: "Top commands", Content: strings.TrimSpace(sb.String())})
}

func (h *commandHandlers) sys(ctx context.Context, inv *Invocation) error {
	if h.sysInfo == nil {
		return errors.New("system info unavailable")
	}
	return inv.Reply(ctx, h.sysInfo().Reply())
}

func (h *commandHandlers) help(ctx context.Context, inv *Invocation) error {
	var sb strings.Builder
	prefix := h.dispatcher.Prefix()
	for _, spec := range h.dispatcher.Commands() {
		fmt.Fprintf(&sb, "`%s`: %s\n", spec.Usage(prefix), spec.Help)
	}
	return inv.Reply(ctx, Reply{Title: "Commands", Content: strings.TrimSpace(sb.String())})
}
