package objstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Versioned store. Used in tests and for dry runs.
type Memory struct {
	mu   sync.RWMutex
	seq  uint64
	objs map[string]memObj
}

type memObj struct {
	data    []byte
	version uint64
	updated time.Time
}

func NewMemory() *Memory { return &Memory{objs: map[string]memObj{}} }

func (m *Memory) Put(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	m.putLocked(key, data)
	m.mu.Unlock()
	return nil
}

func (m *Memory) putLocked(key string, data []byte) string {
	m.seq++
	m.objs[key] = memObj{data: append([]byte(nil), data...), version: m.seq, updated: time.Now()}
	return strconv.FormatUint(m.seq, 10)
}

func (m *Memory) PutIfVersion(ctx context.Context, key string, data []byte, version string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.objs[key]
	switch {
	case version == "" && exists:
		return "", ErrVersionConflict
	case version != "" && (!exists || strconv.FormatUint(cur.version, 10) != version):
		return "", ErrVersionConflict
	}
	return m.putLocked(key, data), nil
}

func (m *Memory) Get(ctx context.Context, key string) (Object, error) {
	m.mu.RLock()
	o, ok := m.objs[key]
	m.mu.RUnlock()
	if !ok {
		return Object{}, ErrNotFound
	}
	return Object{
		Key:     key,
		Data:    append([]byte(nil), o.data...),
		Version: strconv.FormatUint(o.version, 10),
		Updated: o.updated,
	}, nil
}

func (m *Memory) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	m.mu.RLock()
	keys := make([]string, 0, 16)
	for k := range m.objs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objs, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

// Len is the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objs)
}
