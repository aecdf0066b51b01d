package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrCacheUnavailable wraps every cache backend failure. Callers treat it
// as a miss, never as a job failure.
var ErrCacheUnavailable = errors.New("cache unavailable")

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCacheUnavailable, op, err)
}

// FileCache stores one archive per key under a directory:
//
//	{Dir}/{key[0:2]}/{key}.tar.zst
type FileCache struct {
	Dir string
}

// NewFileCache creates a filesystem cache rooted at dir.
func NewFileCache(dir string) *FileCache {
	return &FileCache{Dir: dir}
}

// Has reports whether an entry exists for key.
func (c *FileCache) Has(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(c.entryPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, unavailable("stat", err)
}

// Fetch returns the entry stored under key.
func (c *FileCache) Fetch(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(c.entryPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, unavailable("read", err)
	}
	return data, true, nil
}

// Store writes the entry through a temp file and a rename, so readers
// never observe a partial archive.
func (c *FileCache) Store(_ context.Context, key string, data []byte) error {
	path := c.entryPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return unavailable("mkdir", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return unavailable("create", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return unavailable("write", err)
	}
	if err := tmp.Close(); err != nil {
		return unavailable("close", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

func (c *FileCache) entryPath(key string) string {
	name := strings.ReplaceAll(key, string(os.PathSeparator), "_")
	prefix := name
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(c.Dir, prefix, name+".tar.zst")
}
