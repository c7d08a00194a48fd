package artifact

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/webgrab/internal/storage"
	"github.com/shehryarbajwa/webgrab/pkg/models"
)

type failingObjects struct{ ObjectStore }

func (failingObjects) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("bucket unavailable")
}

func newTestStore(t *testing.T, objects ObjectStore) *Store {
	t.Helper()

	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	if objects == nil {
		fs, err := NewFileStore(filepath.Join(dir, "objects"))
		require.NoError(t, err)
		objects = fs
	}
	return NewStore(db, objects, "https://grab.example/v1/files", nil)
}

func screenshotInput() Input {
	return Input{
		UserID:      "u1",
		Data:        []byte{0x89, 'P', 'N', 'G'},
		SourceURL:   "https://example.com/",
		Kind:        models.KindScreenshot,
		ContentType: "image/png",
		Format:      "png",
		Metadata:    map[string]any{"width": 1280},
	}
}

func TestStoreAndOpen(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	a, err := s.Store(ctx, screenshotInput())
	require.NoError(t, err)
	assert.Equal(t, "https://grab.example/v1/files/"+a.ID, a.URL)
	assert.EqualValues(t, 4, a.Size)

	got, body, err := s.Open(ctx, a.ID)
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data)
	assert.Equal(t, "image/png", got.ContentType)
	assert.Equal(t, models.KindScreenshot, got.Kind)
	assert.EqualValues(t, 1280, got.Metadata["width"])
}

func TestReserveMintsURLBeforePersist(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	r := s.Reserve(screenshotInput())
	assert.Equal(t, "https://grab.example/v1/files/"+r.ID, r.URL)

	_, err := s.Get(ctx, r.ID)
	require.ErrorIs(t, err, ErrNotFound)

	a, err := s.Persist(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, r.ID, a.ID)
	assert.Equal(t, r.URL, a.URL)
}

func TestEachStoreIsANewArtifact(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	a1, err := s.Store(ctx, screenshotInput())
	require.NoError(t, err)
	a2, err := s.Store(ctx, screenshotInput())
	require.NoError(t, err)
	assert.NotEqual(t, a1.ID, a2.ID)
	assert.NotEqual(t, a1.Key, a2.Key)
}

func TestPersistFailureLeavesNoIndexRow(t *testing.T) {
	s := newTestStore(t, failingObjects{})
	ctx := context.Background()

	r := s.Reserve(screenshotInput())
	_, err := s.Persist(ctx, r)
	require.Error(t, err)

	_, err = s.Get(ctx, r.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	a, err := s.Store(ctx, screenshotInput())
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, a.ID))
	_, _, err = s.Open(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, a.ID), ErrNotFound)
}

func TestStoreUserWithDotsInID(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	in := screenshotInput()
	in.UserID = "a..b@example.com"
	a, err := s.Store(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "a..b@example.com", a.UserID)
	assert.NotContains(t, a.Key, "..")

	_, body, err := s.Open(ctx, a.ID)
	require.NoError(t, err)
	body.Close()
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = fs.PutObject(context.Background(), "../escape", "text/plain", []byte("x"))
	assert.Error(t, err)
}
