package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/scopedstore/internal/storage"
)

const infoSuffix = ".info.json"

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	Now  func() time.Time
}

// Store implements storage.Backend backed by the local filesystem. Objects
// live under <root>/objects with a JSON sidecar holding the ETag and
// content type.
type Store struct {
	root      string
	tmpDir    string
	objectDir string
	now       func() time.Time
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	tmpDir := filepath.Join(root, "tmp")
	objectDir := filepath.Join(root, "objects")
	for _, dir := range []string{tmpDir, objectDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	return &Store{root: root, tmpDir: tmpDir, objectDir: objectDir, now: cfg.Now}, nil
}

// Root returns the directory backing the store.
func (s *Store) Root() string { return s.root }

// Close satisfies storage.Backend; the disk store holds no open handles.
func (s *Store) Close() error { return nil }

func (s *Store) loggers(ctx context.Context) (pslog.Logger, pslog.Logger) {
	logger := pslog.LoggerFromContext(ctx)
	return logger, logger
}

type objectInfoRecord struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix,omitempty"`
}

func (s *Store) objectDataPath(key string) (string, error) {
	normalized, err := normalizeObjectKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.objectDir, filepath.FromSlash(normalized)), nil
}

func normalizeObjectKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: object key required")
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || strings.HasSuffix(clean, infoSuffix) {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	return clean, nil
}

func (s *Store) keyFromObjectPath(objectPath string) (string, error) {
	rel, err := filepath.Rel(s.objectDir, objectPath)
	if err != nil {
		return "", fmt.Errorf("disk: compute relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("disk: object path outside root: %q", objectPath)
	}
	return filepath.ToSlash(rel), nil
}

func (s *Store) loadObjectInfo(key, dataPath string) (*storage.ObjectInfo, error) {
	fi, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	if fi.IsDir() {
		return nil, storage.ErrNotFound
	}
	payload, err := os.ReadFile(dataPath + infoSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("disk: missing object metadata for %q", key)
		}
		return nil, fmt.Errorf("disk: read object metadata for %q: %w", key, err)
	}
	var rec objectInfoRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("disk: decode object metadata for %q: %w", key, err)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         fi.Size(),
		LastModified: fi.ModTime().UTC(),
		ContentType:  rec.ContentType,
	}, nil
}

// StatObject returns metadata for key.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	_, verbose := s.loggers(ctx)
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return nil, err
	}
	info, err := s.loadObjectInfo(key, dataPath)
	if err != nil {
		return nil, err
	}
	verbose.Debug("disk.stat_object.success", "key", key, "size", info.Size)
	return info, nil
}

// GetObject streams the object payload for key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.get_object.begin", "key", key)
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	info, err := s.loadObjectInfo(key, dataPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			verbose.Debug("disk.get_object.not_found", "key", key)
		}
		return storage.GetObjectResult{}, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("disk.get_object.open_error", "key", key, "error", err)
		return storage.GetObjectResult{}, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	verbose.Debug("disk.get_object.success", "key", key, "etag", info.ETag, "size", info.Size)
	return storage.GetObjectResult{Reader: f, Info: info}, nil
}

// PutObject writes an object via a temp file and rename.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.put_object.begin", "key", key)
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
	}
	tmp, err := os.CreateTemp(s.tmpDir, "object-*")
	if err != nil {
		return nil, fmt.Errorf("disk: create temp object for %q: %w", key, err)
	}
	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err == nil {
		err = syncFile(tmp)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		logger.Debug("disk.put_object.write_error", "key", key, "error", err)
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: rename object %q: %w", key, err)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	now := s.now().UTC()
	rec := objectInfoRecord{
		ETag:          hex.EncodeToString(hasher.Sum(nil)),
		ContentType:   contentType,
		UpdatedAtUnix: now.Unix(),
	}
	if err := s.writeJSONAtomic(dataPath+infoSuffix, rec); err != nil {
		return nil, fmt.Errorf("disk: write metadata for %q: %w", key, err)
	}
	verbose.Debug("disk.put_object.success", "key", key, "size", written, "etag", rec.ETag)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         written,
		LastModified: now,
		ContentType:  contentType,
	}, nil
}

// DeleteObject removes an object and prunes empty parent directories.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.delete_object.begin", "key", key, "ignore_not_found", opts.IgnoreNotFound)
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dataPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		logger.Debug("disk.delete_object.remove_error", "key", key, "error", err)
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	if err := os.Remove(dataPath + infoSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debug("disk.delete_object.remove_info_error", "key", key, "error", err)
		return fmt.Errorf("disk: remove object metadata %q: %w", key, err)
	}
	verbose.Debug("disk.delete_object.success", "key", key)

	dir := filepath.Dir(dataPath)
	for dir != s.objectDir && dir != "." {
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, syscall.ENOTEMPTY) {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil
}

// ListObjects enumerates on-disk objects using lexical ordering of keys.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	logger, verbose := s.loggers(ctx)
	start := time.Now()
	verbose.Trace("disk.list_objects.begin", "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)

	keys := make([]string, 0, 64)
	err := filepath.WalkDir(s.objectDir, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), infoSuffix) {
			return nil
		}
		key, err := s.keyFromObjectPath(p)
		if err != nil {
			return err
		}
		if strings.HasPrefix(key, opts.Prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		logger.Debug("disk.list_objects.walk_error", "error", err)
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	sort.Strings(keys)

	result := &storage.ListResult{}
	lastPrefix := ""
	added := 0
	for _, key := range keys {
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
		entry := key
		if folded != "" {
			entry = folded
		}
		if opts.StartAfter != "" && entry <= opts.StartAfter {
			continue
		}
		if opts.Limit > 0 && added >= opts.Limit {
			result.Truncated = true
			break
		}
		added++
		result.NextStartAfter = entry
		if folded != "" {
			result.Prefixes = append(result.Prefixes, folded)
			lastPrefix = folded
			continue
		}
		dataPath, err := s.objectDataPath(key)
		if err != nil {
			return nil, err
		}
		info, err := s.loadObjectInfo(key, dataPath)
		if err != nil {
			logger.Debug("disk.list_objects.load_error", "key", key, "error", err)
			return nil, err
		}
		result.Objects = append(result.Objects, *info)
	}
	verbose.Debug("disk.list_objects.success",
		"prefix", opts.Prefix,
		"count", len(result.Objects),
		"prefixes", len(result.Prefixes),
		"truncated", result.Truncated,
		"elapsed", time.Since(start),
	)
	return result, nil
}

func (s *Store) writeJSONAtomic(dest string, v any) error {
	tmp, err := os.CreateTemp(s.tmpDir, "objectinfo-*")
	if err != nil {
		return err
	}
	if err := json.NewEncoder(tmp).Encode(v); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return syncDir(filepath.Dir(dest))
}

func syncDir(p string) error {
	dir, err := os.Open(p)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
