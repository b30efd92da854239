package inu

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	TagNameMaxLength = 64
	TagMaxAliases    = 16

	globalScope      = "global"
	guildScopePrefix = "guild:"
)

// reservedTagNames are the words that follow `tag` in a command. A tag
// with one of these names could never be looked up.
var reservedTagNames = []string{
	"add",
	"remove",
	"del",
	"edit",
	"alias",
	"unalias",
	"rename",
	"list",
	"info",
}

// Scope partitions tags. It's either [GlobalScope] or a guild scope
// created with [GuildScope].
type Scope string

// GlobalScope holds tags visible from every guild and DM
const GlobalScope Scope = globalScope

// GuildScope returns the scope for the given guild ID. An empty guild ID
// (ex: a direct message) yields the global scope.
func GuildScope(guildID string) Scope {
	if guildID == "" {
		return GlobalScope
	}
	return Scope(guildScopePrefix + guildID)
}

// ParseScope parses `global` or `guild:<id>`
func ParseScope(s string) (Scope, error) {
	s = strings.TrimSpace(s)
	if s == globalScope {
		return GlobalScope, nil
	}
	id, ok := strings.CutPrefix(s, guildScopePrefix)
	if !ok || id == "" || strings.ContainsAny(id, "/|") {
		return "", invalid("scope", fmt.Sprintf("%q must be %q or %q", s, globalScope, guildScopePrefix+"<id>"))
	}
	return Scope(s), nil
}

func (s Scope) IsGlobal() bool {
	return s == GlobalScope
}

// GuildID returns the guild ID for a guild scope, and an empty string
// for the global scope
func (s Scope) GuildID() string {
	if s.IsGlobal() {
		return ""
	}
	id, _ := strings.CutPrefix(string(s), guildScopePrefix)
	return id
}

func (s Scope) String() string {
	return string(s)
}

func (s Scope) validate() error {
	_, err := ParseScope(string(s))
	return err
}

// Tag is a named snippet of text
type Tag struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Aliases   []string  `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Value     string    `json:"value" yaml:"value"`
	Owner     string    `json:"owner" yaml:"owner"`
	Scope     Scope     `json:"scope" yaml:"scope"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

func (t Tag) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", t.ID),
		slog.String("name", t.Name),
		slog.String("owner", t.Owner),
		slog.String("scope", t.Scope.String()),
	}
	if len(t.Aliases) > 0 {
		attrs = append(attrs, slog.Any("aliases", t.Aliases))
	}
	return slog.GroupValue(attrs...)
}

// Names returns the primary name followed by the aliases
func (t Tag) Names() []string {
	names := make([]string, 0, len(t.Aliases)+1)
	names = append(names, t.Name)
	return append(names, t.Aliases...)
}

// HasName reports whether name (normalized) is the tag's name or one of
// its aliases
func (t Tag) HasName(name string) bool {
	n := NormalizeName(name)
	return slices.ContainsFunc(
		t.Names(), func(s string) bool {
			return NormalizeName(s) == n
		},
	)
}

// aliasIndex returns the position of name in Aliases, or -1
func (t Tag) aliasIndex(name string) int {
	n := NormalizeName(name)
	return slices.IndexFunc(
		t.Aliases, func(s string) bool {
			return NormalizeName(s) == n
		},
	)
}

func (t Tag) clone() Tag {
	t.Aliases = slices.Clone(t.Aliases)
	return t
}

// NormalizeName returns the lookup form of a tag name
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// validateName checks a name as typed by the user, returning the trimmed
// display form
func validateName(field, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalid(field, "must not be empty")
	}
	if n := utf8.RuneCountInString(name); n > TagNameMaxLength {
		return "", invalid(
			field,
			fmt.Sprintf("must be at most %d characters (got %d)", TagNameMaxLength, n),
		)
	}
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.' {
			continue
		}
		return "", invalid(
			field,
			fmt.Sprintf("%q isn't allowed (use letters, digits, '-', '_' or '.')", r),
		)
	}
	if slices.Contains(reservedTagNames, NormalizeName(name)) {
		return "", invalid(field, fmt.Sprintf("%q is reserved", name))
	}
	return name, nil
}

func validateValue(value string, maxLength int) error {
	if strings.TrimSpace(value) == "" {
		return invalid("value", "must not be empty")
	}
	if maxLength > 0 {
		if n := utf8.RuneCountInString(value); n > maxLength {
			return invalid(
				"value",
				fmt.Sprintf("must be at most %d characters (got %d)", maxLength, n),
			)
		}
	}
	return nil
}

// nextUpdatedAt returns a timestamp strictly after prev
func nextUpdatedAt(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}
