package s3

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"
	"pkt.systems/scopedstore/internal/storage"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	PartSize       int64
	ServerSideEnc  string
	KMSKeyID       string
	// AccessKeyID, SecretAccessKey and SessionToken pin static credentials.
	// Scoped stores always set them; the shared store falls back to the
	// environment/IAM chain when AccessKeyID is empty.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	CustomCreds     *credentials.Credentials
	Transport       http.RoundTripper
}

// Store implements storage.Backend backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = otelhttp.NewTransport(defaultTransport())
	}
	var creds *credentials.Credentials
	switch {
	case cfg.CustomCreds != nil:
		creds = cfg.CustomCreds
	case cfg.AccessKeyID != "":
		creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
	default:
		chain := []credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		}
		creds = credentials.NewChainCredentials(chain)
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() *http.Transport {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Transport{}
	}
	clone := base.Clone()
	if clone.MaxIdleConns == 0 {
		clone.MaxIdleConns = 256
	}
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	if clone.ExpectContinueTimeout == 0 {
		clone.ExpectContinueTimeout = 1 * time.Second
	}
	return clone
}

// Close satisfies storage.Backend and is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// Client exposes the underlying MinIO client for diagnostics.
func (s *Store) Client() *minio.Client {
	return s.client
}

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

// Config returns a copy of the configuration used to build the store.
// Credentials are not included.
func (s *Store) Config() Config {
	cfg := s.cfg
	cfg.SecretAccessKey = ""
	cfg.SessionToken = ""
	cfg.CustomCreds = nil
	return cfg
}

func (s *Store) loggers(ctx context.Context) (pslog.Logger, pslog.Logger) {
	logger := pslog.LoggerFromContext(ctx)
	return logger, logger
}

// StatObject returns object metadata for key.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	logger, verbose := s.loggers(ctx)
	object := s.objectKey(key)
	verbose.Trace("s3.stat_object.begin", "key", key, "object", object)
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			verbose.Debug("s3.stat_object.not_found", "key", key, "object", object)
			return nil, storage.ErrNotFound
		}
		logger.Debug("s3.stat_object.error", "key", key, "object", object, "error", err)
		return nil, s.wrapError(err, "s3: stat object")
	}
	meta := &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(info.ETag),
		Size:         info.Size,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
	}
	verbose.Debug("s3.stat_object.success", "key", key, "object", object, "size", meta.Size)
	return meta, nil
}

// GetObject downloads the raw payload for key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	logger, verbose := s.loggers(ctx)
	object := s.objectKey(key)
	verbose.Trace("s3.get_object.begin", "key", key, "object", object)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		logger.Debug("s3.get_object.get_error", "key", key, "object", object, "error", err)
		return storage.GetObjectResult{}, s.wrapError(err, "s3: get object")
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			verbose.Debug("s3.get_object.not_found", "key", key, "object", object)
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("s3.get_object.stat_error", "key", key, "object", object, "error", err)
		return storage.GetObjectResult{}, s.wrapError(err, "s3: stat object")
	}
	meta := &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(info.ETag),
		Size:         info.Size,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
	}
	verbose.Debug("s3.get_object.success", "key", key, "object", object, "etag", meta.ETag, "size", meta.Size)
	return storage.GetObjectResult{Reader: &notFoundAwareObject{object: obj}, Info: meta}, nil
}

// PutObject uploads raw object bytes.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger, verbose := s.loggers(ctx)
	object := s.objectKey(key)
	verbose.Trace("s3.put_object.begin", "key", key, "object", object, "size", opts.Size)
	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType}
	if putOpts.ContentType == "" {
		putOpts.ContentType = storage.ContentTypeOctetStream
	}
	if s.cfg.PartSize > 0 {
		putOpts.PartSize = uint64(s.cfg.PartSize)
	}
	s.applySSE(&putOpts)
	length := opts.Size
	if length <= 0 {
		length = seekLength(body)
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, body, length, putOpts)
	if err != nil {
		logger.Debug("s3.put_object.put_error", "key", key, "object", object, "error", err)
		return nil, s.wrapError(err, "s3: put object")
	}
	meta := &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(info.ETag),
		Size:         info.Size,
		LastModified: time.Now().UTC(),
		ContentType:  putOpts.ContentType,
	}
	verbose.Debug("s3.put_object.success", "key", key, "object", object, "etag", meta.ETag, "size", meta.Size)
	return meta, nil
}

// DeleteObject removes an object.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger, verbose := s.loggers(ctx)
	object := s.objectKey(key)
	verbose.Trace("s3.delete_object.begin", "key", key, "object", object, "ignore_not_found", opts.IgnoreNotFound)
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		logger.Debug("s3.delete_object.remove_error", "key", key, "object", object, "error", err)
		return s.wrapError(err, "s3: delete object")
	}
	verbose.Debug("s3.delete_object.success", "key", key, "object", object)
	return nil
}

// ListObjects enumerates objects under opts.Prefix.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	logger, verbose := s.loggers(ctx)
	start := time.Now()
	verbose.Trace("s3.list_objects.begin",
		"prefix", opts.Prefix,
		"start_after", opts.StartAfter,
		"limit", opts.Limit,
		"recursive", opts.Recursive,
	)

	root := s.cfg.Prefix
	if root != "" {
		root += "/"
	}
	listOpts := minio.ListObjectsOptions{
		Prefix:    root + strings.TrimPrefix(opts.Prefix, "/"),
		Recursive: opts.Recursive,
	}
	if opts.StartAfter != "" {
		listOpts.StartAfter = root + strings.TrimPrefix(opts.StartAfter, "/")
	}
	if opts.Limit > 0 {
		listOpts.MaxKeys = opts.Limit + 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	result := &storage.ListResult{}
	lastKey := ""
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, listOpts) {
		if object.Err != nil {
			logger.Debug("s3.list_objects.error", "prefix", opts.Prefix, "error", object.Err)
			return nil, s.wrapError(object.Err, "s3: list objects")
		}
		logicalKey := strings.TrimPrefix(object.Key, root)
		if root != "" && logicalKey == object.Key {
			continue
		}
		if opts.Limit > 0 && len(result.Objects)+len(result.Prefixes) >= opts.Limit {
			result.Truncated = true
			break
		}
		if !opts.Recursive && strings.HasSuffix(logicalKey, "/") {
			result.Prefixes = append(result.Prefixes, logicalKey)
			lastKey = logicalKey
			continue
		}
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          logicalKey,
			ETag:         stripETag(object.ETag),
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  object.ContentType,
		})
		lastKey = logicalKey
	}
	result.NextStartAfter = lastKey
	verbose.Debug("s3.list_objects.success",
		"prefix", opts.Prefix,
		"count", len(result.Objects),
		"prefixes", len(result.Prefixes),
		"truncated", result.Truncated,
		"elapsed", time.Since(start),
	)
	return result, nil
}

func (s *Store) objectKey(key string) string {
	return s.withPrefix(strings.TrimPrefix(key, "/"))
}

func (s *Store) withPrefix(p string) string {
	if s.cfg.Prefix == "" {
		return p
	}
	return path.Join(s.cfg.Prefix, p)
}

func (s *Store) applySSE(opts *minio.PutObjectOptions) {
	switch strings.ToUpper(s.cfg.ServerSideEnc) {
	case "AES256":
		opts.ServerSideEncryption = encrypt.NewSSE()
	case "AWS:KMS", "KMS":
		if s.cfg.KMSKeyID != "" {
			if enc, err := encrypt.NewSSEKMS(s.cfg.KMSKeyID, nil); err == nil {
				opts.ServerSideEncryption = enc
			}
		}
	}
}

func seekLength(body io.Reader) int64 {
	seeker, ok := body.(io.Seeker)
	if !ok {
		return -1
	}
	current, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return -1
	}
	end, err := seeker.Seek(0, io.SeekEnd)
	if err != nil {
		return -1
	}
	if _, err := seeker.Seek(current, io.SeekStart); err != nil {
		return -1
	}
	return end - current
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}
