package inu

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// newTestAPIBot returns a bot with the API enabled and storage opened
// (without connecting to discord), along with a valid API token
func newTestAPIBot(t testing.TB, backend string) (*Bot, string) {
	t.Helper()
	token, err := GenerateToken()
	require.NoError(t, err)
	tokenHash, err := HashPassword(token)
	require.NoError(t, err)

	cfg := DefaultTestConfig(t)
	if backend != "" {
		cfg.TagStore.Backend = backend
	}
	cfg.API.Enabled = true
	cfg.API.TokenHash = tokenHash

	bot, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, bot.api)
	require.NoError(t, bot.initStorage(context.Background()))
	t.Cleanup(func() { bot.closeBackend(context.Background()) })
	return bot, token
}

func apiRequest(t testing.TB, bot *Bot, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(method, path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	bot.api.engine.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAPIHealthCheck(t *testing.T) {
	bot, _ := newTestAPIBot(t, backendMemory)

	w := apiRequest(t, bot, http.MethodGet, apiHealthCheck, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	bot.running.Store(true)
	w = apiRequest(t, bot, http.MethodGet, apiHealthCheck, "")
	require.Equal(t, http.StatusOK, w.Code)
	info := decodeJSON[SystemInfo](t, w)
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, backendMemory, info.Backend)
	assert.False(t, info.Connected)
}

func TestAPIAuth(t *testing.T) {
	bot, token := newTestAPIBot(t, backendMemory)
	bot.api.authLimiter = rate.NewLimiter(rate.Every(time.Hour), 2)

	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathTags, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathTags, token)
	assert.Equal(t, http.StatusOK, w.Code)

	// a verified token doesn't draw from the limiter again
	w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathTags, token)
	assert.Equal(t, http.StatusOK, w.Code)

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathTags, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathTags, "wrong")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathTags, token)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIAuthBurst(t *testing.T) {
	bot, token := newTestAPIBot(t, backendMemory)
	bot.api.authLimiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	const requests = 20
	codes := make(chan int, requests)
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathTags, "wrong").Code
		}()
	}
	wg.Wait()
	close(codes)

	counts := map[int]int{}
	for code := range codes {
		counts[code]++
	}
	// only one token was ever checked against the hash
	assert.Equal(
		t,
		map[int]int{http.StatusUnauthorized: 1, http.StatusTooManyRequests: requests - 1},
		counts,
	)

	// with the budget spent, even the right token can't be verified
	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathTags, token)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAPITags(t *testing.T) {
	bot, token := newTestAPIBot(t, "")
	ctx := context.Background()

	_, err := bot.tags.Create(ctx, guildScope, "greet", "hello", "alice")
	require.NoError(t, err)
	_, err = bot.tags.Create(ctx, guildScope, "rules", "be nice", "bob")
	require.NoError(t, err)
	_, err = bot.tags.Create(ctx, GlobalScope, "faq", "read the docs", "bob")
	require.NoError(t, err)

	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathTags, token)
	require.Equal(t, http.StatusOK, w.Code)
	all := decodeJSON[tagsResponse](t, w)
	assert.Len(t, all.Tags, 3)
	assert.False(t, all.Truncated)

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+"/tags?scope=guild:100", token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.ElementsMatch(t, []string{"greet", "rules"}, tagNames(decodeJSON[tagsResponse](t, w).Tags))

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+"/tags?scope=guild:100&owner=bob", token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"rules"}, tagNames(decodeJSON[tagsResponse](t, w).Tags))

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+"/tags?owner=bob", token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.ElementsMatch(t, []string{"rules", "faq"}, tagNames(decodeJSON[tagsResponse](t, w).Tags))

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+"/tags?scope=nowhere", token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+"/tags/guild:100/GREET", token)
	require.Equal(t, http.StatusOK, w.Code)
	tag := decodeJSON[Tag](t, w)
	assert.Equal(t, "greet", tag.Name)
	assert.Equal(t, "alice", tag.Owner)

	// reads fall through to the global scope
	w = apiRequest(t, bot, http.MethodGet, apiPrefix+"/tags/guild:100/faq", token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, GlobalScope, decodeJSON[Tag](t, w).Scope)

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+"/tags/guild:100/nope", token)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = apiRequest(t, bot, http.MethodGet, apiPrefix+"/tags/bogus/greet", token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = apiRequest(t, bot, http.MethodDelete, apiPrefix+"/tags/guild:100/greet", token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "removed", decodeJSON[httpReply](t, w).Message)

	_, err = bot.tags.Get(ctx, guildScope, "greet")
	assert.ErrorIs(t, err, ErrNotFound)

	w = apiRequest(t, bot, http.MethodDelete, apiPrefix+"/tags/guild:100/greet", token)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathTagsReindex, token)
	require.Equal(t, http.StatusOK, w.Code)
	report := decodeJSON[ReindexReport](t, w)
	assert.Equal(t, 2, report.Tags)
	assert.Equal(t, 2, report.Names)
}

func TestAPIUsage(t *testing.T) {
	bot, token := newTestAPIBot(t, backendMemory)
	ctx := context.Background()

	for _, c := range []struct {
		command string
		guild   string
		delta   int64
	}{
		{"tag", testGuild, 3},
		{"tag add", testGuild, 1},
		{"tag", testOtherGuild, 2},
	} {
		_, err := bot.usage.Adjust(ctx, c.command, c.guild, c.delta)
		require.NoError(t, err)
	}

	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathUsage, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(
		t,
		[]UsageCount{{Command: "tag", Count: 5}, {Command: "tag add", Count: 1}},
		decodeJSON[[]UsageCount](t, w),
	)

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+"/usage?guild=200&n=1", token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []UsageCount{{Command: "tag", Count: 2}}, decodeJSON[[]UsageCount](t, w))

	for _, n := range []string{"0", "-1", "1001", "many"} {
		w = apiRequest(t, bot, http.MethodGet, apiPrefix+"/usage?n="+n, token)
		if n == "0" {
			assert.Equal(t, http.StatusOK, w.Code, n)
			continue
		}
		assert.Equal(t, http.StatusBadRequest, w.Code, n)
	}
}

func TestAPICompact(t *testing.T) {

	bot, token := newTestAPIBot(t, backendMemory)
	w := apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathCompact, token)
	assert.Equal(t, http.StatusConflict, w.Code)

	bot, token = newTestAPIBot(t, backendFile+":"+t.TempDir())
	w = apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathCompact, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "compacted", decodeJSON[httpReply](t, w).Message)
}
