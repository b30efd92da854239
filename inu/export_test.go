package inu

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sortTags(tags []Tag) []Tag {
	slices.SortFunc(tags, func(a, b Tag) int { return strings.Compare(a.ID, b.ID) })
	return tags
}

func TestExportImportTags(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestTagStore(t, NewMemoryBackend(), nil)

	var want []Tag
	for _, c := range []struct {
		scope Scope
		name  string
		value string
	}{
		{guildScope, "greet", "hello"},
		{guildScope, "rules", "be nice\nno spam"},
		{otherGuildScope, "greet", "hi"},
		{GlobalScope, "faq", "read the docs"},
	} {
		tag, err := store.Create(ctx, c.scope, c.name, c.value, "alice")
		require.NoError(t, err)
		want = append(want, tag)
	}
	tag, err := store.AddAlias(ctx, guildScope, "rules", "r", "alice")
	require.NoError(t, err)
	want[1] = tag

	var buf bytes.Buffer
	n, err := ExportTags(ctx, store, guildScope, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var doc TagExport
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, Version, doc.Version)
	assert.False(t, doc.ExportedAt.IsZero())
	if diff := cmp.Diff(sortTags(slices.Clone(want[:2])), sortTags(doc.Tags)); diff != "" {
		t.Errorf("unexpected export (-want +got):\n%s", diff)
	}

	buf.Reset()
	n, err = ExportTags(ctx, store, "", &buf)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)
	exported := buf.String()

	fresh := newTestTagStore(t, NewMemoryBackend(), nil)
	report, err := ImportTags(ctx, fresh, strings.NewReader(exported), newTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, ImportReport{Imported: len(want)}, report)

	got, err := fresh.Get(ctx, guildScope, "R")
	require.NoError(t, err)
	if diff := cmp.Diff(want[1], got); diff != "" {
		t.Errorf("unexpected tag (-want +got):\n%s", diff)
	}
	var all []Tag
	for tag, err := range fresh.All(ctx) {
		require.NoError(t, err)
		all = append(all, tag)
	}
	if diff := cmp.Diff(sortTags(slices.Clone(want)), sortTags(all)); diff != "" {
		t.Errorf("unexpected tags (-want +got):\n%s", diff)
	}

	// importing the same tags again skips all of them
	report, err = ImportTags(ctx, fresh, strings.NewReader(exported), newTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, ImportReport{Skipped: len(want)}, report)
}

func TestImportTagsSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestTagStore(t, NewMemoryBackend(), nil)
	_, err := store.Create(ctx, guildScope, "greet", "hello", "alice")
	require.NoError(t, err)

	input := `
version: test
tags:
  - id: "1"
    name: Greet
    value: hi again
    owner: bob
    scope: guild:100
  - id: "2"
    name: add
    value: reserved
    owner: bob
    scope: guild:100
  - id: "3"
    name: welcome
    value: ""
    owner: bob
    scope: guild:100
  - id: "4"
    name: welcome
    value: hi there
    owner: bob
    scope: nowhere
  - id: "5"
    name: welcome
    aliases: [hey]
    value: hi there
    owner: bob
    scope: guild:100
`
	report, err := ImportTags(ctx, store, strings.NewReader(input), newTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, ImportReport{Imported: 1, Skipped: 4}, report)

	tag, err := store.Get(ctx, guildScope, "hey")
	require.NoError(t, err)
	assert.Equal(t, "5", tag.ID)
	assert.Equal(t, "bob", tag.Owner)
	assert.False(t, tag.CreatedAt.IsZero())
	assert.Equal(t, tag.CreatedAt, tag.UpdatedAt)

	tag, err = store.Get(ctx, guildScope, "greet")
	require.NoError(t, err)
	assert.Equal(t, "hello", tag.Value)
}

func TestImportTagsEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestTagStore(t, NewMemoryBackend(), nil)

	report, err := ImportTags(ctx, store, strings.NewReader(""), newTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, ImportReport{}, report)

	_, err = ImportTags(ctx, store, strings.NewReader("tags: {nope"), newTestLogger(t))
	assert.ErrorContains(t, err, "decoding tags")

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = ImportTags(
		canceled,
		store,
		strings.NewReader("tags:\n  - name: x\n    value: y\n    owner: z\n    scope: global\n"),
		newTestLogger(t),
	)
	assert.ErrorIs(t, err, context.Canceled)
}
