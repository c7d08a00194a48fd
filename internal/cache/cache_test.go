package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/webgrab/pkg/models"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	store, err := NewRedisStore(context.Background(), "redis://"+mr.Addr(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return mr, store
}

func TestBinaryRoundTripIgnoresBase64Preference(t *testing.T) {
	_, store := setupRedis(t)
	c := New(store, nil)
	ctx := context.Background()

	png := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff, 0x10, '=', '+'}
	out := &models.Capture{
		Op:          models.KindScreenshot,
		Data:        png,
		ContentType: "image/png",
		Format:      "png",
		Size:        len(png),
		URL:         "https://example.com/",
	}

	writeReq := &models.ScreenshotRequest{Common: models.Common{URL: "https://example.com", Base64: true}}
	readReq := &models.ScreenshotRequest{Common: models.Common{URL: "https://example.com", Base64: false}}

	writeKey, err := Key("user-1", writeReq)
	require.NoError(t, err)
	readKey, err := Key("user-1", readReq)
	require.NoError(t, err)
	require.Equal(t, writeKey, readKey, "base64 preference must not change the cache key")

	require.NoError(t, c.Save(ctx, writeKey, out, 12*time.Hour))

	got, ok := c.Lookup(ctx, models.KindScreenshot, readKey)
	require.True(t, ok)
	capture, ok := got.(*models.Capture)
	require.True(t, ok)
	assert.Equal(t, png, capture.Data)
	assert.Equal(t, models.KindScreenshot, capture.Kind())
	assert.Equal(t, "image/png", capture.ContentType)
}

func TestLookupTreatsStaleEntryAsMiss(t *testing.T) {
	store := NewMemoryStore(0)
	c := New(store, nil)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	out := &models.PageContent{Op: models.KindMarkdown, URL: "https://example.com/", Content: "# hi"}
	require.NoError(t, c.Save(ctx, "k", out, 30*time.Minute))

	c.now = func() time.Time { return base.Add(29 * time.Minute) }
	_, ok := c.Lookup(ctx, models.KindMarkdown, "k")
	assert.True(t, ok)

	c.now = func() time.Time { return base.Add(31 * time.Minute) }
	_, ok = c.Lookup(ctx, models.KindMarkdown, "k")
	assert.False(t, ok)
}

func TestLookupTreatsCorruptEntryAsMiss(t *testing.T) {
	mr, store := setupRedis(t)
	c := New(store, nil)

	require.NoError(t, mr.Set("test:links:bad", "{not json"))
	_, ok := c.Lookup(context.Background(), models.KindLinks, "bad")
	assert.False(t, ok)

	require.NoError(t, mr.Set("test:links:wrongkind", `{"kind":"pdf","output":{}}`))
	_, ok = c.Lookup(context.Background(), models.KindLinks, "wrongkind")
	assert.False(t, ok)
}

func TestLookupTreatsStoreFailureAsMiss(t *testing.T) {
	mr, store := setupRedis(t)
	c := New(store, nil)
	mr.Close()

	_, ok := c.Lookup(context.Background(), models.KindContent, "anything")
	assert.False(t, ok)
}

func TestRedisStoreAppliesTTL(t *testing.T) {
	mr, store := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "search", "k", []byte("v"), 10*time.Minute))
	assert.Equal(t, 10*time.Minute, mr.TTL("test:search:k"))

	mr.FastForward(11 * time.Minute)
	_, ok, err := store.Match(ctx, "search", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodeRejectsUnknownBinaryEncoding(t *testing.T) {
	raw := []byte(`{"kind":"pdf","output":{"kind":"pdf"},"binary":"abc","binaryEncoding":"hex","cachedAt":"2026-01-01T00:00:00Z"}`)
	_, err := Decode(models.KindPDF, raw, time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC))
	assert.Error(t, err)
}

func TestMemoryStoreSweepsUnreadEntries(t *testing.T) {
	store := NewMemoryStore(5 * time.Millisecond)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "markdown", "short", []byte("a"), 10*time.Millisecond))
	require.NoError(t, store.Put(ctx, "markdown", "forever", []byte("b"), 0))
	assert.Equal(t, 2, store.Len())

	assert.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 5*time.Millisecond)

	v, ok, err := store.Match(ctx, "markdown", "forever")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("b"), v)

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	require.NoError(t, store.Put(ctx, "pdf", "a", []byte("a"), time.Minute))
	require.NoError(t, store.Put(ctx, "pdf", "b", []byte("b"), time.Hour))
	assert.Zero(t, store.Sweep())

	store.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Len())
	require.NoError(t, store.Close())
}
