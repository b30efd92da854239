package inu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lmittmann/tint"
)

const (
	tagNamespace     = "tags"
	tagNameNamespace = "tag_names"

	// staleClaimAge is how old a name claim must be before it can be
	// taken over, when the tag it points to doesn't carry the name
	staleClaimAge = 30 * time.Second

	// resolveAttempts bounds how many times a mutation re-resolves a tag
	// whose names changed between lookup and locking
	resolveAttempts = 3
)

// Authorizer decides whether a user holds moderator capability in a scope
type Authorizer interface {
	IsModerator(ctx context.Context, userID string, scope Scope) (bool, error)
}

// nameClaim is the value stored in the name index. Claiming a name is a
// single PutCreate on its index key.
type nameClaim struct {
	TagID     string    `json:"tag_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// TagStore manages tags on top of a Backend. Tag records live in the
// `tags` namespace, keyed by `<scope>/<id>`. The `tag_names` namespace
// maps `<scope>/<normalized name>` to the tag carrying that name.
type TagStore struct {
	backend        Backend
	authorizer     Authorizer
	ids            *snowflake.Node
	locks          *keyedMutex
	maxValueLength int
	logger         *slog.Logger

	// reindexing holds writers off while the index is rebuilt
	reindexing sync.RWMutex

	cacheMu sync.RWMutex
	cache   map[string]string
}

// NewTagStore returns a TagStore using the given backend. authorizer may
// be nil, in which case only owners can mutate their tags.
func NewTagStore(
	backend Backend,
	authorizer Authorizer,
	config *TagStoreConfig,
	logger *slog.Logger,
) (*TagStore, error) {
	if backend == nil {
		return nil, errors.New("tag store requires a backend")
	}
	if logger == nil {
		logger = slog.Default()
	}
	nodeID := int64(DefaultTagStoreNodeID)
	maxValueLength := DefaultTagValueMaxLength
	if config != nil {
		nodeID = config.NodeID
		if config.MaxValueLength > 0 {
			maxValueLength = config.MaxValueLength
		}
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("creating id generator: %w", err)
	}
	return &TagStore{
		backend:        backend,
		authorizer:     authorizer,
		ids:            node,
		locks:          newKeyedMutex(),
		maxValueLength: maxValueLength,
		logger:         logger.With(loggerNameKey, "tag_store"),
		cache:          map[string]string{},
	}, nil
}

func tagKey(scope Scope, id string) string {
	return string(scope) + "/" + id
}

func indexKey(scope Scope, name string) string {
	return string(scope) + "/" + NormalizeName(name)
}

func nameLockKey(scope Scope, name string) string {
	return "n:" + indexKey(scope, name)
}

func tagLockKey(scope Scope, id string) string {
	return "t:" + tagKey(scope, id)
}

// validateLookup checks a name used to find an existing tag. Unlike
// validateName, reserved words are allowed through.
func validateLookup(field, name string) error {
	name = strings.TrimSpace(name)
	if slices.Contains(reservedTagNames, NormalizeName(name)) {
		return nil
	}
	_, err := validateName(field, name)
	return err
}

// Get returns the tag in scope with the given name or alias. Guild
// scopes fall through to the global scope.
func (s *TagStore) Get(ctx context.Context, scope Scope, name string) (Tag, error) {
	if err := scope.validate(); err != nil {
		return Tag{}, err
	}
	if err := validateLookup("name", name); err != nil {
		return Tag{}, err
	}
	tag, err := s.lookup(ctx, scope, name)
	if errors.Is(err, ErrNotFound) && !scope.IsGlobal() {
		return s.lookup(ctx, GlobalScope, name)
	}
	return tag, err
}

// lookup resolves name within a single scope
func (s *TagStore) lookup(ctx context.Context, scope Scope, name string) (Tag, error) {
	key := indexKey(scope, name)

	if id, ok := s.cached(key); ok {
		tag, err := s.getTag(ctx, scope, id)
		switch {
		case err == nil && tag.HasName(name):
			return tag, nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return Tag{}, err
		}
		s.evict(key)
	}

	claim, err := s.getClaim(ctx, key)
	if err != nil {
		return Tag{}, err
	}
	tag, err := s.getTag(ctx, scope, claim.TagID)
	if err != nil {
		return Tag{}, err
	}
	// claimed but not (or no longer) carried by the tag: either a write
	// in progress, or a stale claim
	if !tag.HasName(name) {
		return Tag{}, ErrNotFound
	}
	s.cacheMu.Lock()
	s.cache[key] = tag.ID
	s.cacheMu.Unlock()
	return tag, nil
}

// Create adds a new tag to scope
func (s *TagStore) Create(
	ctx context.Context,
	scope Scope,
	name string,
	value string,
	owner string,
) (Tag, error) {
	if err := scope.validate(); err != nil {
		return Tag{}, err
	}
	name, err := validateName("name", name)
	if err != nil {
		return Tag{}, err
	}
	if err = validateValue(value, s.maxValueLength); err != nil {
		return Tag{}, err
	}
	if strings.TrimSpace(owner) == "" {
		return Tag{}, invalid("owner", "must not be empty")
	}

	now := time.Now().UTC()
	tag := Tag{
		ID:        s.ids.Generate().String(),
		Name:      name,
		Value:     value,
		Owner:     owner,
		Scope:     scope,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err = s.insert(ctx, tag); err != nil {
		return Tag{}, err
	}
	s.logger.DebugContext(ctx, "created tag", "tag", tag)
	return tag, nil
}

// Restore inserts a tag as-is (ex: from an export), keeping its ID,
// owner and timestamps. A missing ID is generated.
func (s *TagStore) Restore(ctx context.Context, tag Tag) (Tag, error) {
	tag = tag.clone()
	if err := tag.Scope.validate(); err != nil {
		return Tag{}, err
	}
	var err error
	if tag.Name, err = validateName("name", tag.Name); err != nil {
		return Tag{}, err
	}
	if len(tag.Aliases) > TagMaxAliases {
		return Tag{}, invalid("aliases", fmt.Sprintf("at most %d allowed", TagMaxAliases))
	}
	seen := map[string]bool{NormalizeName(tag.Name): true}
	for i, alias := range tag.Aliases {
		if tag.Aliases[i], err = validateName("alias", alias); err != nil {
			return Tag{}, err
		}
		n := NormalizeName(alias)
		if seen[n] {
			return Tag{}, invalid("aliases", fmt.Sprintf("%q is repeated", alias))
		}
		seen[n] = true
	}
	if err = validateValue(tag.Value, s.maxValueLength); err != nil {
		return Tag{}, err
	}
	if strings.TrimSpace(tag.Owner) == "" {
		return Tag{}, invalid("owner", "must not be empty")
	}
	if tag.ID == "" {
		tag.ID = s.ids.Generate().String()
	}
	now := time.Now().UTC()
	if tag.CreatedAt.IsZero() {
		tag.CreatedAt = now
	}
	if tag.UpdatedAt.Before(tag.CreatedAt) {
		tag.UpdatedAt = tag.CreatedAt
	}
	if err = s.insert(ctx, tag); err != nil {
		return Tag{}, err
	}
	return tag, nil
}

// insert claims every name of a new tag, then writes the tag record
func (s *TagStore) insert(ctx context.Context, tag Tag) error {
	s.reindexing.RLock()
	defer s.reindexing.RUnlock()

	keys := []string{tagLockKey(tag.Scope, tag.ID)}
	for _, n := range tag.Names() {
		keys = append(keys, nameLockKey(tag.Scope, n))
	}
	unlock, err := s.locks.Lock(ctx, keys...)
	if err != nil {
		return err
	}
	defer unlock()
	defer s.evictTag(tag)

	if err = ctx.Err(); err != nil {
		return err
	}
	// claims already held by this ID would otherwise be released by the
	// failed put below
	switch _, err = s.getTag(ctx, tag.Scope, tag.ID); {
	case err == nil:
		return invalid("id", fmt.Sprintf("tag %s already exists", tag.ID))
	case !errors.Is(err, ErrNotFound):
		return err
	}
	commitCtx := context.WithoutCancel(ctx)

	claimed, err := s.claimNames(commitCtx, tag.Scope, tag.ID, tag.Names())
	if err != nil {
		return err
	}
	if err = s.putTag(commitCtx, tag, PutCreate); err != nil {
		s.releaseClaims(commitCtx, tag.Scope, tag.ID, claimed)
		if errors.Is(err, ErrConflict) {
			return invalid("id", fmt.Sprintf("tag %s already exists", tag.ID))
		}
		return err
	}
	return nil
}

// EditValue replaces the value of the tag in scope named name
func (s *TagStore) EditValue(
	ctx context.Context,
	scope Scope,
	name string,
	value string,
	actor string,
) (Tag, error) {
	if err := validateValue(value, s.maxValueLength); err != nil {
		return Tag{}, err
	}
	return s.mutate(
		ctx, scope, name, actor, nil,
		func(ctx context.Context, tag Tag) (Tag, error) {
			updated := tag.clone()
			updated.Value = value
			updated.UpdatedAt = nextUpdatedAt(tag.UpdatedAt)
			if err := s.putTag(ctx, updated, PutReplace); err != nil {
				return Tag{}, err
			}
			return updated, nil
		},
	)
}

// AddAlias gives the tag in scope named name an additional name
func (s *TagStore) AddAlias(
	ctx context.Context,
	scope Scope,
	name string,
	alias string,
	actor string,
) (Tag, error) {
	alias, err := validateName("alias", alias)
	if err != nil {
		return Tag{}, err
	}
	return s.mutate(
		ctx, scope, name, actor, []string{alias},
		func(ctx context.Context, tag Tag) (Tag, error) {
			if tag.HasName(alias) {
				return Tag{}, ErrNameTaken
			}
			if len(tag.Aliases) >= TagMaxAliases {
				return Tag{}, invalid(
					"alias",
					fmt.Sprintf("a tag can have at most %d aliases", TagMaxAliases),
				)
			}
			claimed, claimErr := s.claimNames(ctx, scope, tag.ID, []string{alias})
			if claimErr != nil {
				return Tag{}, claimErr
			}
			updated := tag.clone()
			updated.Aliases = append(updated.Aliases, alias)
			updated.UpdatedAt = nextUpdatedAt(tag.UpdatedAt)
			if putErr := s.putTag(ctx, updated, PutReplace); putErr != nil {
				s.releaseClaims(ctx, scope, tag.ID, claimed)
				return Tag{}, putErr
			}
			return updated, nil
		},
	)
}

// RemoveAlias removes one of the tag's aliases. The primary name can't be
// removed this way, see Rename.
func (s *TagStore) RemoveAlias(
	ctx context.Context,
	scope Scope,
	name string,
	alias string,
	actor string,
) (Tag, error) {
	if err := validateLookup("alias", alias); err != nil {
		return Tag{}, err
	}
	return s.mutate(
		ctx, scope, name, actor, nil,
		func(ctx context.Context, tag Tag) (Tag, error) {
			if NormalizeName(alias) == NormalizeName(tag.Name) {
				return Tag{}, invalid(
					"alias",
					fmt.Sprintf("%q is the tag's primary name, rename it instead", tag.Name),
				)
			}
			idx := tag.aliasIndex(alias)
			if idx < 0 {
				return Tag{}, invalid(
					"alias",
					fmt.Sprintf("%q is not an alias of %q", strings.TrimSpace(alias), tag.Name),
				)
			}
			updated := tag.clone()
			updated.Aliases = slices.Delete(updated.Aliases, idx, idx+1)
			if len(updated.Aliases) == 0 {
				updated.Aliases = nil
			}
			updated.UpdatedAt = nextUpdatedAt(tag.UpdatedAt)
			if err := s.putTag(ctx, updated, PutReplace); err != nil {
				return Tag{}, err
			}
			s.releaseClaims(ctx, scope, tag.ID, []string{indexKey(scope, alias)})
			return updated, nil
		},
	)
}

// Rename replaces oldName with newName. If oldName is one of the tag's
// aliases, that alias is the one renamed.
func (s *TagStore) Rename(
	ctx context.Context,
	scope Scope,
	oldName string,
	newName string,
	actor string,
) (Tag, error) {
	newName, err := validateName("new name", newName)
	if err != nil {
		return Tag{}, err
	}
	return s.mutate(
		ctx, scope, oldName, actor, []string{newName},
		func(ctx context.Context, tag Tag) (Tag, error) {
			updated := tag.clone()
			updated.UpdatedAt = nextUpdatedAt(tag.UpdatedAt)
			sameName := NormalizeName(oldName) == NormalizeName(newName)

			if !sameName && tag.HasName(newName) {
				return Tag{}, ErrNameTaken
			}
			if idx := tag.aliasIndex(oldName); idx >= 0 {
				updated.Aliases[idx] = newName
			} else {
				updated.Name = newName
			}

			// changing only the casing keeps the same index entry
			if sameName {
				if putErr := s.putTag(ctx, updated, PutReplace); putErr != nil {
					return Tag{}, putErr
				}
				return updated, nil
			}

			claimed, claimErr := s.claimNames(ctx, scope, tag.ID, []string{newName})
			if claimErr != nil {
				return Tag{}, claimErr
			}
			if putErr := s.putTag(ctx, updated, PutReplace); putErr != nil {
				s.releaseClaims(ctx, scope, tag.ID, claimed)
				return Tag{}, putErr
			}
			s.releaseClaims(ctx, scope, tag.ID, []string{indexKey(scope, oldName)})
			return updated, nil
		},
	)
}

// Remove deletes the tag in scope named name
func (s *TagStore) Remove(ctx context.Context, scope Scope, name string, actor string) error {
	_, err := s.mutate(
		ctx, scope, name, actor, nil,
		func(ctx context.Context, tag Tag) (Tag, error) {
			if err := s.backend.Delete(ctx, tagNamespace, tagKey(scope, tag.ID)); err != nil {
				return Tag{}, err
			}
			keys := make([]string, 0, len(tag.Aliases)+1)
			for _, n := range tag.Names() {
				keys = append(keys, indexKey(scope, n))
			}
			s.releaseClaims(ctx, scope, tag.ID, keys)
			return tag, nil
		},
	)
	if err == nil {
		s.logger.DebugContext(ctx, "removed tag", "scope", scope, "name", name, "actor", actor)
	}
	return err
}

// mutate resolves name in scope (without falling through to global),
// checks actor may modify the tag, locks the tag and its names (plus
// extraNames), then calls fn with the freshly re-read tag. fn runs
// detached from ctx cancellation, so a commit in progress completes.
func (s *TagStore) mutate(
	ctx context.Context,
	scope Scope,
	name string,
	actor string,
	extraNames []string,
	fn func(ctx context.Context, tag Tag) (Tag, error),
) (Tag, error) {
	if err := scope.validate(); err != nil {
		return Tag{}, err
	}
	if err := validateLookup("name", name); err != nil {
		return Tag{}, err
	}

	s.reindexing.RLock()
	defer s.reindexing.RUnlock()

	for attempt := 0; attempt < resolveAttempts; attempt++ {
		tag, err := s.lookup(ctx, scope, name)
		if err != nil {
			return Tag{}, err
		}
		if err = s.authorize(ctx, tag, actor); err != nil {
			return Tag{}, err
		}

		keys := []string{tagLockKey(scope, tag.ID)}
		for _, n := range append(tag.Names(), extraNames...) {
			keys = append(keys, nameLockKey(scope, n))
		}
		unlock, err := s.locks.Lock(ctx, keys...)
		if err != nil {
			return Tag{}, err
		}

		result, retry, err := s.mutateLocked(ctx, scope, name, tag, fn)
		unlock()
		if !retry {
			return result, err
		}
		logTrace(ctx, s.logger, "tag changed while locking, retrying", "tag", tag, "attempt", attempt)
	}
	return Tag{}, fmt.Errorf("%w: tag %q kept changing", ErrBackendUnavailable, name)
}

func (s *TagStore) mutateLocked(
	ctx context.Context,
	scope Scope,
	name string,
	locked Tag,
	fn func(ctx context.Context, tag Tag) (Tag, error),
) (result Tag, retry bool, err error) {
	current, err := s.lookup(ctx, scope, name)
	if err != nil {
		return Tag{}, false, err
	}
	if current.ID != locked.ID || !slices.Equal(current.Names(), locked.Names()) {
		return Tag{}, true, nil
	}
	if err = ctx.Err(); err != nil {
		return Tag{}, false, err
	}

	defer s.evictTag(current)
	result, err = fn(context.WithoutCancel(ctx), current)
	if err == nil {
		s.evictTag(result)
	}
	return result, false, err
}

func (s *TagStore) authorize(ctx context.Context, tag Tag, actor string) error {
	if actor != "" && actor == tag.Owner {
		return nil
	}
	if s.authorizer == nil || actor == "" {
		return ErrForbidden
	}
	ok, err := s.authorizer.IsModerator(ctx, actor, tag.Scope)
	if err != nil {
		if errors.Is(err, ErrBackendUnavailable) {
			return err
		}
		return fmt.Errorf("%w: checking moderator: %w", ErrBackendUnavailable, err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// List lazily yields the tags in scope, ordered by ID (creation order).
// If owner is set, only tags owned by that user are yielded.
func (s *TagStore) List(ctx context.Context, scope Scope, owner string) iter.Seq2[Tag, error] {
	return func(yield func(Tag, error) bool) {
		if err := scope.validate(); err != nil {
			yield(Tag{}, err)
			return
		}
		for tag, err := range s.scanTags(ctx, string(scope)+"/") {
			if err != nil {
				yield(Tag{}, err)
				return
			}
			if owner != "" && tag.Owner != owner {
				continue
			}
			if !yield(tag, nil) {
				return
			}
		}
	}
}

// All lazily yields every tag in every scope
func (s *TagStore) All(ctx context.Context) iter.Seq2[Tag, error] {
	return s.scanTags(ctx, "")
}

func (s *TagStore) scanTags(ctx context.Context, prefix string) iter.Seq2[Tag, error] {
	return func(yield func(Tag, error) bool) {
		for entry, err := range s.backend.Scan(ctx, tagNamespace, prefix) {
			if err != nil {
				yield(Tag{}, err)
				return
			}
			var tag Tag
			if err = json.Unmarshal(entry.Value, &tag); err != nil {
				s.logger.WarnContext(
					ctx,
					"skipping unreadable tag record",
					"key", entry.Key,
					tint.Err(err),
				)
				continue
			}
			if !yield(tag, nil) {
				return
			}
		}
	}
}

// ReindexReport summarizes a Reindex run
type ReindexReport struct {
	Tags     int `json:"tags"`
	Names    int `json:"names"`
	Restored int `json:"restored"`
	Dropped  int `json:"dropped"`

	// Duplicates counts names carried by more than one tag in a scope.
	// The oldest tag keeps the name.
	Duplicates int `json:"duplicates"`
}

func (r ReindexReport) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("tags", r.Tags),
		slog.Int("names", r.Names),
		slog.Int("restored", r.Restored),
		slog.Int("dropped", r.Dropped),
		slog.Int("duplicates", r.Duplicates),
	)
}

// Reindex rebuilds the name index from the tag records, restoring
// missing claims and dropping ones that no tag carries. Mutations are
// held off until it completes.
func (s *TagStore) Reindex(ctx context.Context) (ReindexReport, error) {
	s.reindexing.Lock()
	defer s.reindexing.Unlock()

	var report ReindexReport
	start := time.Now()

	type owner struct {
		tagID   string
		created time.Time
	}
	expected := map[string]owner{}
	for tag, err := range s.All(ctx) {
		if err != nil {
			return report, err
		}
		report.Tags++
		for _, n := range tag.Names() {
			key := indexKey(tag.Scope, n)
			if prev, ok := expected[key]; ok {
				report.Duplicates++
				s.logger.WarnContext(
					ctx,
					"name carried by multiple tags",
					"key", key,
					"kept", prev.tagID,
					"other", tag.ID,
				)
				if !tag.CreatedAt.Before(prev.created) {
					continue
				}
			}
			expected[key] = owner{tagID: tag.ID, created: tag.CreatedAt}
		}
	}
	report.Names = len(expected)

	// collect first, the backend may not allow writes during a scan
	existing := map[string]string{}
	for entry, err := range s.backend.Scan(ctx, tagNameNamespace, "") {
		if err != nil {
			return report, err
		}
		var claim nameClaim
		if json.Unmarshal(entry.Value, &claim) != nil {
			claim.TagID = ""
		}
		existing[entry.Key] = claim.TagID
	}

	for key, tagID := range existing {
		if _, ok := expected[key]; ok {
			continue
		}
		if err := s.backend.Delete(ctx, tagNameNamespace, key); err != nil &&
			!errors.Is(err, ErrNotFound) {
			return report, err
		}
		logTrace(ctx, s.logger, "dropped name claim", "key", key, "tag_id", tagID)
		report.Dropped++
	}

	now := time.Now().UTC()
	for key, o := range expected {
		if existing[key] == o.tagID {
			continue
		}
		data, err := json.Marshal(nameClaim{TagID: o.tagID, ClaimedAt: now})
		if err != nil {
			return report, err
		}
		if err = s.backend.Put(ctx, tagNameNamespace, key, data, PutUpsert); err != nil {
			return report, err
		}
		logTrace(ctx, s.logger, "restored name claim", "key", key, "tag_id", o.tagID)
		report.Restored++
	}

	s.cacheMu.Lock()
	clear(s.cache)
	s.cacheMu.Unlock()

	s.logger.InfoContext(
		ctx,
		"reindexed tags",
		"report", report,
		"duration", time.Since(start),
	)
	return report, nil
}

// Invalidate drops cached index entries affected by a change to the
// given backend key. It's fed by backend change notifications.
func (s *TagStore) Invalidate(namespace, key string) {
	switch namespace {
	case tagNameNamespace:
		s.evict(key)
	case tagNamespace:
		_, id, ok := strings.Cut(key, "/")
		if !ok {
			return
		}
		s.cacheMu.Lock()
		for k, v := range s.cache {
			if v == id {
				delete(s.cache, k)
			}
		}
		s.cacheMu.Unlock()
	}
}

func (s *TagStore) cached(key string) (string, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	id, ok := s.cache[key]
	return id, ok
}

func (s *TagStore) evict(keys ...string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	for _, k := range keys {
		delete(s.cache, k)
	}
}

func (s *TagStore) evictTag(tag Tag) {
	keys := make([]string, 0, len(tag.Aliases)+1)
	for _, n := range tag.Names() {
		keys = append(keys, indexKey(tag.Scope, n))
	}
	s.evict(keys...)
}

func (s *TagStore) getTag(ctx context.Context, scope Scope, id string) (Tag, error) {
	data, err := s.backend.Get(ctx, tagNamespace, tagKey(scope, id))
	if err != nil {
		return Tag{}, err
	}
	var tag Tag
	if err = json.Unmarshal(data, &tag); err != nil {
		return Tag{}, fmt.Errorf("%w: decoding tag %s: %w", ErrBackendUnavailable, id, err)
	}
	return tag, nil
}

func (s *TagStore) putTag(ctx context.Context, tag Tag, mode PutMode) error {
	data, err := json.Marshal(tag)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, tagNamespace, tagKey(tag.Scope, tag.ID), data, mode)
}

func (s *TagStore) getClaim(ctx context.Context, key string) (nameClaim, error) {
	var claim nameClaim
	data, err := s.backend.Get(ctx, tagNameNamespace, key)
	if err != nil {
		return claim, err
	}
	if err = json.Unmarshal(data, &claim); err != nil {
		return claim, fmt.Errorf("%w: decoding name claim %s: %w", ErrBackendUnavailable, key, err)
	}
	return claim, nil
}

// claimNames claims each name for tagID, returning the claimed index
// keys. If any name is taken, the names claimed so far are released and
// ErrNameTaken is returned.
func (s *TagStore) claimNames(
	ctx context.Context,
	scope Scope,
	tagID string,
	names []string,
) ([]string, error) {
	claimed := make([]string, 0, len(names))
	for _, name := range names {
		key := indexKey(scope, name)
		if err := s.claimName(ctx, scope, key, tagID); err != nil {
			s.releaseClaims(ctx, scope, tagID, claimed)
			return nil, err
		}
		claimed = append(claimed, key)
	}
	return claimed, nil
}

func (s *TagStore) claimName(ctx context.Context, scope Scope, key string, tagID string) error {
	data, err := json.Marshal(nameClaim{TagID: tagID, ClaimedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	err = s.backend.Put(ctx, tagNameNamespace, key, data, PutCreate)
	if !errors.Is(err, ErrConflict) {
		return err
	}

	existing, err := s.getClaim(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		// released since the conflict
		err = s.backend.Put(ctx, tagNameNamespace, key, data, PutCreate)
		if errors.Is(err, ErrConflict) {
			return ErrNameTaken
		}
		return err
	case err != nil:
		return err
	case existing.TagID == tagID:
		return nil
	}

	stale, err := s.isStaleClaim(ctx, scope, key, existing)
	if err != nil {
		return err
	}
	if !stale {
		return ErrNameTaken
	}

	// compare-and-swap, in case another process got there first
	err = s.backend.Update(
		ctx, tagNameNamespace, key, func(current []byte, exists bool) ([]byte, error) {
			var c nameClaim
			if exists && json.Unmarshal(current, &c) == nil &&
				(c.TagID != existing.TagID || !c.ClaimedAt.Equal(existing.ClaimedAt)) {
				return nil, ErrNameTaken
			}
			return data, nil
		},
	)
	if err == nil {
		s.logger.InfoContext(
			ctx,
			"took over stale name claim",
			"key", key,
			"previous_tag_id", existing.TagID,
			"tag_id", tagID,
		)
	}
	return err
}

func (s *TagStore) isStaleClaim(
	ctx context.Context,
	scope Scope,
	key string,
	claim nameClaim,
) (bool, error) {
	if time.Since(claim.ClaimedAt) < staleClaimAge {
		return false, nil
	}
	tag, err := s.getTag(ctx, scope, claim.TagID)
	switch {
	case errors.Is(err, ErrNotFound):
		return true, nil
	case err != nil:
		return false, err
	}
	_, name, _ := strings.Cut(key, "/")
	return !tag.HasName(name), nil
}

// releaseClaims deletes the given index keys, if they're still claimed
// by tagID. Failures are logged rather than returned: a leftover claim
// becomes stale and is taken over by the next writer, or by Reindex.
func (s *TagStore) releaseClaims(ctx context.Context, _ Scope, tagID string, keys []string) {
	for _, key := range keys {
		claim, err := s.getClaim(ctx, key)
		if err == nil && claim.TagID == tagID {
			err = s.backend.Delete(ctx, tagNameNamespace, key)
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.WarnContext(
				ctx,
				"failed to release name claim",
				"key", key,
				"tag_id", tagID,
				tint.Err(err),
			)
		}
	}
}
