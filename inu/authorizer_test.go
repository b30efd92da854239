package inu

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticAuthorizer(t *testing.T) {
	ctx := context.Background()
	auth := StaticAuthorizer{
		Owners:     []string{"owner"},
		Moderators: map[Scope][]string{guildScope: {"mod"}},
	}

	testCases := []struct {
		user     string
		scope    Scope
		expected bool
	}{
		{user: "owner", scope: GlobalScope, expected: true},
		{user: "owner", scope: otherGuildScope, expected: true},
		{user: "mod", scope: guildScope, expected: true},
		{user: "mod", scope: otherGuildScope},
		{user: "mod", scope: GlobalScope},
		{user: "rando", scope: guildScope},
		{user: "", scope: guildScope},
	}
	for _, tc := range testCases {
		ok, err := auth.IsModerator(ctx, tc.user, tc.scope)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, ok, "%s in %s", tc.user, tc.scope)
	}
}

func TestAnyAuthorizer(t *testing.T) {
	ctx := context.Background()
	broken := &mockAuthorizer{}
	broken.On("IsModerator", "alice", guildScope).Return(false, errors.New("discord is down"))
	broken.On("IsModerator", "owner", guildScope).Return(false, errors.New("discord is down"))

	auth := AnyAuthorizer{broken, StaticAuthorizer{Owners: []string{"owner"}}}

	ok, err := auth.IsModerator(ctx, "owner", guildScope)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = auth.IsModerator(ctx, "alice", guildScope)
	assert.EqualError(t, err, "discord is down")
	assert.False(t, ok)

	ok, err = AnyAuthorizer{}.IsModerator(ctx, "alice", guildScope)
	require.NoError(t, err)
	assert.False(t, ok)

	broken.AssertExpectations(t)
}

func TestDiscordAuthorizer(t *testing.T) {
	ctx := context.Background()
	guildID := testGuild

	roles := []*discordgo.Role{
		{ID: guildID, Name: "@everyone", Permissions: discordgo.PermissionSendMessages},
		{ID: "r-mod", Name: "mods", Permissions: discordgo.PermissionManageMessages},
		{ID: "r-admin", Name: "admins", Permissions: discordgo.PermissionAdministrator},
		{ID: "r-fan", Name: "fans", Permissions: discordgo.PermissionAddReactions},
	}

	session := newMockDiscordSession(t)
	session.On("Guild", guildID).Return(&discordgo.Guild{ID: guildID, OwnerID: "owner", Roles: roles}, nil)
	session.On("GuildMember", guildID, "mod").Return(&discordgo.Member{Roles: []string{"r-fan", "r-mod"}}, nil)
	session.On("GuildMember", guildID, "admin").Return(&discordgo.Member{Roles: []string{"r-admin"}}, nil)
	session.On("GuildMember", guildID, "fan").Return(&discordgo.Member{Roles: []string{"r-fan"}}, nil)
	session.On("GuildMember", guildID, "nobody").Return(&discordgo.Member{}, nil)

	auth := NewDiscordAuthorizer(session)

	testCases := []struct {
		user     string
		expected bool
	}{
		{user: "owner", expected: true},
		{user: "mod", expected: true},
		{user: "admin", expected: true},
		{user: "fan"},
		{user: "nobody"},
	}
	for _, tc := range testCases {
		ok, err := auth.IsModerator(ctx, tc.user, guildScope)
		require.NoError(t, err, tc.user)
		assert.Equal(t, tc.expected, ok, tc.user)
	}

	// cached
	for _, tc := range testCases {
		ok, err := auth.IsModerator(ctx, tc.user, guildScope)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, ok)
	}
	session.AssertNumberOfCalls(t, "Guild", len(testCases))
	session.AssertNumberOfCalls(t, "GuildMember", len(testCases)-1)
	session.AssertNotCalled(t, "GuildRoles", guildID)

	// the global scope is never granted
	ok, err := auth.IsModerator(ctx, "owner", GlobalScope)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = auth.IsModerator(ctx, "", guildScope)
	require.NoError(t, err)
	assert.False(t, ok)
	session.AssertNumberOfCalls(t, "Guild", len(testCases))
}

func TestDiscordAuthorizerEveryoneRole(t *testing.T) {
	ctx := context.Background()
	guildID := testGuild

	session := newMockDiscordSession(t)
	session.On("Guild", guildID).Return(&discordgo.Guild{ID: guildID, OwnerID: "owner"}, nil)
	session.On("GuildMember", guildID, "anyone").Return(&discordgo.Member{}, nil)
	session.On("GuildRoles", guildID).Return(
		[]*discordgo.Role{
			{ID: guildID, Name: "@everyone", Permissions: discordgo.PermissionManageServer},
		},
		nil,
	)

	auth := NewDiscordAuthorizer(session)
	auth.ttl = 0

	for i := 0; i < 2; i++ {
		ok, err := auth.IsModerator(ctx, "anyone", guildScope)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	// an expired entry is fetched again
	session.AssertNumberOfCalls(t, "GuildRoles", 2)
}

func TestDiscordAuthorizerErrors(t *testing.T) {
	ctx := context.Background()

	session := newMockDiscordSession(t)
	session.On("Guild", testGuild).Return(nil, errors.New("rate limited")).Once()
	session.On("Guild", testGuild).Return(&discordgo.Guild{ID: testGuild}, nil)
	session.On("GuildMember", testGuild, "alice").Return(nil, errors.New("unknown member"))
	session.On("Guild", testOtherGuild).Return(&discordgo.Guild{ID: testOtherGuild}, nil)
	session.On("GuildMember", testOtherGuild, "alice").Return(&discordgo.Member{}, nil)
	session.On("GuildRoles", testOtherGuild).Return(nil, errors.New("missing access"))

	auth := NewDiscordAuthorizer(session)

	_, err := auth.IsModerator(ctx, "alice", guildScope)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.ErrorContains(t, err, "rate limited")

	// errors aren't cached
	_, err = auth.IsModerator(ctx, "alice", guildScope)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.ErrorContains(t, err, "unknown member")

	_, err = auth.IsModerator(ctx, "alice", otherGuildScope)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.ErrorContains(t, err, "missing access")

	session.AssertExpectations(t)
}

func TestMemberHasPermission(t *testing.T) {
	roles := []*discordgo.Role{
		nil,
		{ID: "r1", Permissions: discordgo.PermissionManageMessages},
	}
	assert.True(t, memberHasPermission("g", &discordgo.Member{Roles: []string{"r1"}}, roles, moderatorPermissions))
	assert.False(t, memberHasPermission("g", &discordgo.Member{Roles: []string{"r2"}}, roles, moderatorPermissions))
	assert.False(t, memberHasPermission("g", nil, roles, moderatorPermissions))
}
