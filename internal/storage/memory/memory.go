package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/scopedstore/internal/storage"
)

// Store implements storage.Backend in-memory; intended for tests and local dev.
type Store struct {
	mu   sync.RWMutex
	objs map[string]*objectEntry

	sortedKeys []string
	closed     bool
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{objs: make(map[string]*objectEntry)}
}

// Close drops all stored objects.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objs = make(map[string]*objectEntry)
	s.sortedKeys = nil
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objs)
}

// StatObject returns metadata for key if present.
func (s *Store) StatObject(_ context.Context, key string) (*storage.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return entry.info(key), nil
}

// GetObject returns the payload for key if present.
func (s *Store) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[key]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(entry.payload)),
		Info:   entry.info(key),
	}, nil
}

// PutObject stores or replaces the object for key.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	entry := &objectEntry{
		payload:     payload,
		etag:        uuid.Must(uuid.NewV7()).String(),
		contentType: contentType,
		updated:     time.Now().UTC(),
	}
	s.mu.Lock()
	if _, exists := s.objs[key]; !exists {
		s.insertKeyLocked(key)
	}
	s.objs[key] = entry
	s.mu.Unlock()
	return entry.info(key), nil
}

// DeleteObject removes the object for key.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objs[key]; !exists {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	delete(s.objs, key)
	s.removeKeyLocked(key)
	return nil
}

// ListObjects returns in-memory objects sorted lexicographically.
func (s *Store) ListObjects(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.sortedKeys
	startIdx := sort.SearchStrings(keys, opts.Prefix)
	if opts.StartAfter != "" {
		after := sort.Search(len(keys), func(i int) bool { return keys[i] > opts.StartAfter })
		if after > startIdx {
			startIdx = after
		}
	}
	result := &storage.ListResult{}
	added := 0
	lastPrefix := ""
	for idx := startIdx; idx < len(keys); idx++ {
		key := keys[idx]
		if !strings.HasPrefix(key, opts.Prefix) {
			break
		}
		folded := ""
		if !opts.Recursive {
			rest := key[len(opts.Prefix):]
			if slash := strings.Index(rest, "/"); slash >= 0 {
				folded = opts.Prefix + rest[:slash+1]
				if folded == lastPrefix {
					continue
				}
			}
		}
		if opts.Limit > 0 && added >= opts.Limit {
			result.Truncated = true
			break
		}
		added++
		if folded != "" {
			result.Prefixes = append(result.Prefixes, folded)
			lastPrefix = folded
			result.NextStartAfter = folded
			continue
		}
		result.Objects = append(result.Objects, *s.objs[key].info(key))
		result.NextStartAfter = key
	}
	return result, nil
}

func (e *objectEntry) info(key string) *storage.ObjectInfo {
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         e.etag,
		Size:         int64(len(e.payload)),
		LastModified: e.updated,
		ContentType:  e.contentType,
	}
}

func (s *Store) insertKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		return
	}
	s.sortedKeys = append(s.sortedKeys, "")
	copy(s.sortedKeys[idx+1:], s.sortedKeys[idx:])
	s.sortedKeys[idx] = key
}

func (s *Store) removeKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		s.sortedKeys = append(s.sortedKeys[:idx], s.sortedKeys[idx+1:]...)
	}
}
