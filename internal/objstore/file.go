package objstore

import (
	"context"
	"encoding/hex"
	"hash/fnv"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	logx "postpilot/pkg/logx"
)

const fileSuffix = ".obj"

// fileStore keeps one file per key under a root directory:
//
//	<root>/scheduled/instagram/acme/<jobId>.obj
//
// Writes go through a temp file + rename so readers never see a torn object.
// Versions are content hashes; conditional writes are serialized in-process.
type fileStore struct {
	root string
	log  logx.Logger
	mu   sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Versioned, error) {
	root := strings.TrimSpace(cfg.Path)
	if root == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, Unavailable(err, "create storage dir")
	}
	return &fileStore{root: root, log: log}, nil
}

func (s *fileStore) pathFor(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	clean := path.Clean("/" + key)
	if clean != "/"+key || strings.HasSuffix(key, "/") {
		return "", errors.Newf("objstore: invalid key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)) + fileSuffix, nil
}

func contentVersion(data []byte) string {
	h := fnv.New64a()
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *fileStore) Put(ctx context.Context, key string, data []byte) error {
	p, err := s.pathFor(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(p, data)
}

func (s *fileStore) writeLocked(p string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return Unavailable(err, "mkdir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return Unavailable(err, "create temp")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return Unavailable(err, "write temp")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return Unavailable(err, "sync temp")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return Unavailable(err, "close temp")
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return Unavailable(err, "rename")
	}
	return nil
}

func (s *fileStore) PutIfVersion(ctx context.Context, key string, data []byte, version string) (string, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := os.ReadFile(p)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", Unavailable(err, "read")
	}
	if version == "" && exists {
		return "", ErrVersionConflict
	}
	if version != "" && (!exists || contentVersion(cur) != version) {
		return "", ErrVersionConflict
	}
	if err := s.writeLocked(p, data); err != nil {
		return "", err
	}
	return contentVersion(data), nil
}

func (s *fileStore) Get(ctx context.Context, key string) (Object, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return Object{}, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, Unavailable(err, "read")
	}
	obj := Object{Key: key, Data: b, Version: contentVersion(b)}
	if st, err := os.Stat(p); err == nil {
		obj.Updated = st.ModTime()
	}
	return obj, nil
}

func (s *fileStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	dir := path.Dir(prefix + "x")
	start := s.root
	if dir != "." {
		start = filepath.Join(s.root, filepath.FromSlash(dir))
	}
	keys := make([]string, 0, 16)
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), fileSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return nil
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), fileSuffix)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, Unavailable(err, "list")
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	p, err := s.pathFor(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Unavailable(err, "delete")
	}
	return nil
}

func (s *fileStore) Close() error { return nil }
