package library

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/personclip/pkg/storage"
	"github.com/stretchr/testify/require"
)

type errAuthorizer struct{}

func (errAuthorizer) Authorized(ctx context.Context) (bool, error) {
	return false, errors.New("permission dialog dismissed")
}

func setup(t *testing.T) (*storage.StorageFS, string) {
	store, err := storage.NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	local := filepath.Join(t.TempDir(), "0b9e5d2e.mp4")
	require.NoError(t, os.WriteFile(local, []byte("segment"), 0644))
	return store, local
}

func TestPersistAuthorized(t *testing.T) {
	store, local := setup(t)
	lib := NewLibrary(logs.NewTestingLog(t), store, NewStaticAuthorizer(true), "")
	require.Equal(t, DefaultAlbum, lib.Album())

	ok, err := lib.Persist(context.Background(), local)
	require.NoError(t, err)
	require.True(t, ok)

	b, err := storage.ReadFile(context.Background(), store, "### Human Detection/0b9e5d2e.mp4")
	require.NoError(t, err)
	require.Equal(t, "segment", string(b))
	// Local file is kept
	require.FileExists(t, local)

	url, err := lib.URL(local)
	require.NoError(t, err)
	require.Contains(t, url, "0b9e5d2e.mp4")
}

func TestPersistDenied(t *testing.T) {
	store, local := setup(t)
	auth := NewStaticAuthorizer(false)
	lib := NewLibrary(logs.NewTestingLog(t), store, auth, "clips")

	ok, err := lib.Persist(context.Background(), local)
	require.NoError(t, err)
	require.False(t, ok)
	exists, err := store.Exists(context.Background(), "clips/0b9e5d2e.mp4")
	require.NoError(t, err)
	require.False(t, exists)
	require.FileExists(t, local)

	// Authorization can change at runtime
	auth.Set(true)
	ok, err = lib.Persist(context.Background(), local)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPersistErrors(t *testing.T) {
	store, local := setup(t)
	lib := NewLibrary(logs.NewTestingLog(t), store, errAuthorizer{}, "")
	ok, err := lib.Persist(context.Background(), local)
	require.Error(t, err)
	require.False(t, ok)

	lib = NewLibrary(logs.NewTestingLog(t), store, NewStaticAuthorizer(true), "")
	ok, err = lib.Persist(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"))
	require.Error(t, err)
	require.False(t, ok)
}
