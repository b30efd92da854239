package inu

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	// moderatorPermissions are the guild permissions which grant
	// moderator capability over guild tags
	moderatorPermissions = discordgo.PermissionAdministrator |
		discordgo.PermissionManageServer |
		discordgo.PermissionManageMessages

	defaultModeratorCacheTTL = time.Minute
)

// StaticAuthorizer grants moderator capability from fixed lists of user
// IDs. Owners are moderators in every scope, including global.
type StaticAuthorizer struct {
	Owners     []string
	Moderators map[Scope][]string
}

func (a StaticAuthorizer) IsModerator(_ context.Context, userID string, scope Scope) (bool, error) {
	if userID == "" {
		return false, nil
	}
	if slices.Contains(a.Owners, userID) {
		return true, nil
	}
	return slices.Contains(a.Moderators[scope], userID), nil
}

// AnyAuthorizer grants moderator capability if any of its authorizers
// does. Errors are only returned if no authorizer granted it.
type AnyAuthorizer []Authorizer

func (a AnyAuthorizer) IsModerator(ctx context.Context, userID string, scope Scope) (bool, error) {
	var firstErr error
	for _, auth := range a {
		ok, err := auth.IsModerator(ctx, userID, scope)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, firstErr
}

// DiscordAuthorizer grants moderator capability in a guild scope to the
// guild owner, and to members holding a role with the administrator,
// manage server or manage messages permission. It never grants the
// global scope. Results are cached briefly.
type DiscordAuthorizer struct {
	session DiscordSessionHandler
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]moderatorCacheEntry
}

type moderatorCacheEntry struct {
	ok      bool
	expires time.Time
}

func NewDiscordAuthorizer(session DiscordSessionHandler) *DiscordAuthorizer {
	return &DiscordAuthorizer{
		session: session,
		ttl:     defaultModeratorCacheTTL,
		cache:   map[string]moderatorCacheEntry{},
	}
}

func (a *DiscordAuthorizer) IsModerator(
	ctx context.Context,
	userID string,
	scope Scope,
) (bool, error) {
	guildID := scope.GuildID()
	if guildID == "" || userID == "" {
		return false, nil
	}
	cacheKey := guildID + "|" + userID
	now := time.Now()

	a.mu.Lock()
	entry, ok := a.cache[cacheKey]
	a.mu.Unlock()
	if ok && now.Before(entry.expires) {
		return entry.ok, nil
	}

	isMod, err := a.check(ctx, guildID, userID)
	if err != nil {
		return false, err
	}
	a.mu.Lock()
	a.cache[cacheKey] = moderatorCacheEntry{ok: isMod, expires: now.Add(a.ttl)}
	a.mu.Unlock()
	return isMod, nil
}

func (a *DiscordAuthorizer) check(ctx context.Context, guildID, userID string) (bool, error) {
	opt := discordgo.WithContext(ctx)

	guild, err := a.session.Guild(guildID, opt)
	if err != nil {
		return false, fmt.Errorf("%w: fetching guild %s: %w", ErrBackendUnavailable, guildID, err)
	}
	if guild.OwnerID == userID {
		return true, nil
	}

	member, err := a.session.GuildMember(guildID, userID, opt)
	if err != nil {
		return false, fmt.Errorf("%w: fetching member %s: %w", ErrBackendUnavailable, userID, err)
	}
	roles := guild.Roles
	if len(roles) == 0 {
		roles, err = a.session.GuildRoles(guildID, opt)
		if err != nil {
			return false, fmt.Errorf("%w: fetching roles: %w", ErrBackendUnavailable, err)
		}
	}
	return memberHasPermission(guildID, member, roles, moderatorPermissions), nil
}

// memberHasPermission reports whether any of the member's roles (or the
// guild's @everyone role) carries any of the given permission bits
func memberHasPermission(
	guildID string,
	member *discordgo.Member,
	roles []*discordgo.Role,
	perms int64,
) bool {
	if member == nil {
		return false
	}
	for _, role := range roles {
		if role == nil {
			continue
		}
		if role.ID != guildID && !slices.Contains(member.Roles, role.ID) {
			continue
		}
		if role.Permissions&perms != 0 {
			return true
		}
	}
	return false
}
