// Package library hands finished segments over to permanent storage.
package library

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/personclip/pkg/storage"
	"github.com/cyclopcam/personclip/server/log"
)

// DefaultAlbum is the folder inside the library that receives our segments
const DefaultAlbum = "### Human Detection"

// Authorizer decides whether we may write into the library
type Authorizer interface {
	Authorized(ctx context.Context) (bool, error)
}

// StaticAuthorizer is an Authorizer whose answer is set by configuration, and can
// be changed at runtime.
type StaticAuthorizer struct {
	allowed atomic.Bool
}

func NewStaticAuthorizer(allowed bool) *StaticAuthorizer {
	a := &StaticAuthorizer{}
	a.allowed.Store(allowed)
	return a
}

func (a *StaticAuthorizer) Set(allowed bool) {
	a.allowed.Store(allowed)
}

func (a *StaticAuthorizer) Authorized(ctx context.Context) (bool, error) {
	return a.allowed.Load(), nil
}

// Library copies local files into an album in a storage.Storage
type Library struct {
	log   logs.Log
	store storage.Storage
	auth  Authorizer
	album string
}

func NewLibrary(logger logs.Log, store storage.Storage, auth Authorizer, album string) *Library {
	if album == "" {
		album = DefaultAlbum
	}
	return &Library{
		log:   log.NewPrefixLogger(logger, "Library"),
		store: store,
		auth:  auth,
		album: album,
	}
}

func (l *Library) Album() string {
	return l.album
}

// StorageName returns the name inside storage that a local file is persisted to
func (l *Library) StorageName(localPath string) string {
	return storage.Join(l.album, filepath.Base(localPath))
}

// Persist copies a local file into the album.
// If we are not authorized, Persist returns (false, nil), and does not touch storage.
// The local file is never deleted.
func (l *Library) Persist(ctx context.Context, localPath string) (bool, error) {
	ok, err := l.auth.Authorized(ctx)
	if err != nil {
		return false, fmt.Errorf("Failed to check library authorization: %w", err)
	}
	if !ok {
		l.log.Warnf("Not authorized to save %v. Allow library access to keep future segments.", filepath.Base(localPath))
		return false, nil
	}
	name := l.StorageName(localPath)
	if err := storage.CopyLocalFile(ctx, l.store, name, localPath); err != nil {
		return false, fmt.Errorf("Failed to save %v to library: %w", filepath.Base(localPath), err)
	}
	l.log.Infof("Saved %v", name)
	return true, nil
}

// URL returns a URL for a file that has been persisted, if the storage has one
func (l *Library) URL(localPath string) (string, error) {
	return l.store.URL(l.StorageName(localPath))
}
