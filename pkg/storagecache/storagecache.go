// Package storagecache keeps local copies of blob store files, so that they can be served with random access.
package storagecache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/personclip/pkg/storage"
)

// StorageCache caches blob store files on the local disk so that
// clients can seek inside them. It would be possible to build this
// functionality without a cache, but then we couldn't just use
// http.ServeContent, and would instead need to implement all of
// the range request headers, etc.
// Files are evicted in least-recently-used order once the cache
// exceeds maxBytes. A file that is open is never evicted.
type StorageCache struct {
	log       logs.Log
	upstream  storage.Storage
	cacheRoot string
	maxBytes  int64

	itemsLock sync.Mutex
	bytesUsed int64
	items     map[string]*cacheItem
	tick      int64
}

type cacheItem struct {
	filename string
	size     int64
	lock     int
	lastUsed int64
}

type CacheItemReader struct {
	store *StorageCache
	item  *cacheItem
	f     *os.File // OS file in our cache
}

func (r *CacheItemReader) Read(p []byte) (n int, err error) {
	return r.f.Read(p)
}

func (r *CacheItemReader) Seek(offset int64, whence int) (int64, error) {
	return r.f.Seek(offset, whence)
}

func (r *CacheItemReader) Close() error {
	r.store.itemsLock.Lock()
	defer r.store.itemsLock.Unlock()
	r.item.lock--
	return r.f.Close()
}

// Filename returns the path of the file on local disk
func (r *CacheItemReader) Filename() string {
	return r.f.Name()
}

// NewStorageCache wipes cacheRoot and starts empty
func NewStorageCache(log logs.Log, upstream storage.Storage, cacheRoot string, maxBytes int64) (*StorageCache, error) {
	os.RemoveAll(cacheRoot)
	if err := os.MkdirAll(cacheRoot, 0755); err != nil {
		return nil, err
	}
	c := &StorageCache{
		log:       log,
		upstream:  upstream,
		cacheRoot: cacheRoot,
		maxBytes:  maxBytes,
		items:     map[string]*cacheItem{},
	}
	return c, nil
}

func (s *StorageCache) BytesUsed() int64 {
	s.itemsLock.Lock()
	defer s.itemsLock.Unlock()
	return s.bytesUsed
}

// Open returns a seekable reader of a file in upstream storage.
// If the file is not yet in the cache, it is downloaded first.
func (s *StorageCache) Open(ctx context.Context, filename string) (*CacheItemReader, error) {
	if err := storage.ValidateName(filename); err != nil {
		return nil, err
	}
	s.itemsLock.Lock()
	defer s.itemsLock.Unlock()
	item := s.items[filename]
	if item == nil {
		s.purgeStale()
		if err := s.acquire(ctx, filename); err != nil {
			return nil, err
		}
		item = s.items[filename]
	}
	f, err := os.Open(s.localPath(filename))
	if err != nil {
		return nil, err
	}
	item.lock++
	item.lastUsed = s.tick
	s.tick++
	return &CacheItemReader{
		store: s,
		item:  item,
		f:     f,
	}, nil
}

func (s *StorageCache) localPath(filename string) string {
	return filepath.Join(s.cacheRoot, filepath.FromSlash(filename))
}

func (s *StorageCache) acquire(ctx context.Context, filename string) error {
	src, err := s.upstream.ReadFile(ctx, filename)
	if err != nil {
		return err
	}
	defer src.Reader.Close()
	ondiskFilename := s.localPath(filename)
	if err := os.MkdirAll(filepath.Dir(ondiskFilename), 0755); err != nil {
		return err
	}
	dst, err := os.Create(ondiskFilename)
	if err != nil {
		return err
	}
	size, err := io.Copy(dst, src.Reader)
	if err == nil {
		err = dst.Close()
	} else {
		dst.Close()
	}
	if err != nil {
		os.Remove(dst.Name())
		return err
	}
	s.log.Debugf("Cached %v (%v bytes)", filename, size)
	item := &cacheItem{
		filename: filename,
		size:     size,
		lastUsed: s.tick,
		lock:     0,
	}
	s.bytesUsed += size
	s.items[filename] = item
	return nil
}

func (s *StorageCache) purgeStale() {
	if s.bytesUsed > s.maxBytes {
		unused := []*cacheItem{}
		for _, item := range s.items {
			if item.lock == 0 {
				unused = append(unused, item)
			}
		}
		sort.Slice(unused, func(i, j int) bool {
			return unused[i].lastUsed < unused[j].lastUsed
		})
		for _, item := range unused {
			if s.bytesUsed <= s.maxBytes {
				break
			}
			s.bytesUsed -= item.size
			delete(s.items, item.filename)
			os.Remove(s.localPath(item.filename))
		}
	}
}
