package aws

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"
	"pkt.systems/scopedstore/internal/storage"
)

// Config controls the behaviour of the AWS S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
	// Static credentials. When AccessKeyID is empty the default AWS
	// credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Store implements storage.Backend backed by AWS S3.
type Store struct {
	client *s3.Client
	cfg    Config
}

const awsOpTimeout = 5 * time.Minute

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	httpClient := &http.Client{Transport: otelhttp.NewTransport(defaultTransport(cfg.Insecure))}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
			// S3-compatible endpoints frequently reject trailing checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
	})

	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport(insecure bool) *http.Transport {
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
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Close satisfies storage.Backend and is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

// Client exposes the underlying AWS client for diagnostics.
func (s *Store) Client() *s3.Client {
	return s.client
}

// Config returns a copy of the configuration used to build the store,
// without secrets.
func (s *Store) Config() Config {
	cfg := s.cfg
	cfg.SecretAccessKey = ""
	cfg.SessionToken = ""
	return cfg
}

func (s *Store) loggers(ctx context.Context) (pslog.Logger, pslog.Logger) {
	logger := pslog.LoggerFromContext(ctx)
	return logger, logger
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) <= awsOpTimeout {
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

// BucketExists returns whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// StatObject returns object metadata via HeadObject.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	logger, verbose := s.loggers(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.objectKey(key)
	verbose.Trace("aws.stat_object.begin", "key", key, "object", object)
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		if isNotFound(err) {
			verbose.Debug("aws.stat_object.not_found", "key", key, "object", object)
			return nil, storage.ErrNotFound
		}
		logger.Debug("aws.stat_object.error", "key", key, "object", object, "error", err)
		return nil, s.wrapError(err, "aws: head object")
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(aws.ToString(resp.ETag)),
		Size:         aws.ToInt64(resp.ContentLength),
		LastModified: aws.ToTime(resp.LastModified),
		ContentType:  aws.ToString(resp.ContentType),
	}
	verbose.Debug("aws.stat_object.success", "key", key, "object", object, "size", info.Size)
	return info, nil
}

// GetObject downloads the raw payload for key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	logger, verbose := s.loggers(ctx)
	ctx, cancel := withTimeout(ctx)
	object := s.objectKey(key)
	verbose.Trace("aws.get_object.begin", "key", key, "object", object)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		cancel()
		if isNotFound(err) {
			verbose.Debug("aws.get_object.not_found", "key", key, "object", object)
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("aws.get_object.get_error", "key", key, "object", object, "error", err)
		return storage.GetObjectResult{}, s.wrapError(err, "aws: get object")
	}
	meta := &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(aws.ToString(resp.ETag)),
		Size:         aws.ToInt64(resp.ContentLength),
		LastModified: aws.ToTime(resp.LastModified),
		ContentType:  aws.ToString(resp.ContentType),
	}
	verbose.Debug("aws.get_object.success", "key", key, "object", object, "etag", meta.ETag, "size", meta.Size)
	return storage.GetObjectResult{Reader: wrapReadCloser(resp.Body, cancel), Info: meta}, nil
}

// PutObject uploads raw object bytes.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger, verbose := s.loggers(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.objectKey(key)
	verbose.Trace("aws.put_object.begin", "key", key, "object", object, "size", opts.Size)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	length := opts.Size
	if length <= 0 {
		length = seekLength(body)
	}
	if length < 0 {
		// The SDK signs payloads over plain HTTP, which needs a seekable body.
		buf, err := io.ReadAll(body)
		if err != nil {
			logger.Debug("aws.put_object.buffer_error", "key", key, "object", object, "error", err)
			return nil, fmt.Errorf("aws: buffer object: %w", err)
		}
		body = bytes.NewReader(buf)
		length = int64(len(buf))
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(object),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(length),
	}
	applySSEToPut(input, s.cfg.ServerSideEnc, s.cfg.KMSKeyID)

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		logger.Debug("aws.put_object.put_error", "key", key, "object", object, "error", err)
		return nil, s.wrapError(err, "aws: put object")
	}
	meta := &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(aws.ToString(out.ETag)),
		Size:         length,
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
	}
	verbose.Debug("aws.put_object.success", "key", key, "object", object, "etag", meta.ETag, "size", meta.Size)
	return meta, nil
}

// DeleteObject removes an object. S3 deletes are idempotent, so a missing
// key is detected with HeadObject when the caller cares.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger, verbose := s.loggers(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.objectKey(key)
	verbose.Trace("aws.delete_object.begin", "key", key, "object", object, "ignore_not_found", opts.IgnoreNotFound)
	if !opts.IgnoreNotFound {
		if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)}); err != nil {
			if isNotFound(err) {
				return storage.ErrNotFound
			}
			logger.Debug("aws.delete_object.head_error", "key", key, "object", object, "error", err)
			return s.wrapError(err, "aws: head object")
		}
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		if isNotFound(err) && opts.IgnoreNotFound {
			return nil
		}
		logger.Debug("aws.delete_object.delete_error", "key", key, "object", object, "error", err)
		return s.wrapError(err, "aws: delete object")
	}
	verbose.Debug("aws.delete_object.success", "key", key, "object", object)
	return nil
}

// ListObjects enumerates objects under opts.Prefix using ListObjectsV2 pagination.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	logger, verbose := s.loggers(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	start := time.Now()
	verbose.Trace("aws.list_objects.begin",
		"prefix", opts.Prefix,
		"start_after", opts.StartAfter,
		"limit", opts.Limit,
		"recursive", opts.Recursive,
	)

	root := s.cfg.Prefix
	if root != "" {
		root += "/"
	}
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(root + strings.TrimPrefix(opts.Prefix, "/")),
	}
	if !opts.Recursive {
		input.Delimiter = aws.String("/")
	}
	if opts.StartAfter != "" {
		input.StartAfter = aws.String(root + strings.TrimPrefix(opts.StartAfter, "/"))
	}
	if opts.Limit > 0 {
		input.MaxKeys = aws.Int32(int32(opts.Limit + 1))
	}

	result := &storage.ListResult{}
	lastKey := ""
	full := func() bool {
		return opts.Limit > 0 && len(result.Objects)+len(result.Prefixes) >= opts.Limit
	}
	for {
		resp, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			logger.Debug("aws.list_objects.error", "prefix", opts.Prefix, "error", err)
			return nil, s.wrapError(err, "aws: list objects")
		}
		for _, cp := range resp.CommonPrefixes {
			if full() {
				result.Truncated = true
				break
			}
			logical := strings.TrimPrefix(aws.ToString(cp.Prefix), root)
			result.Prefixes = append(result.Prefixes, logical)
			lastKey = logical
		}
		for _, object := range resp.Contents {
			if result.Truncated {
				break
			}
			raw := aws.ToString(object.Key)
			logicalKey := strings.TrimPrefix(raw, root)
			if root != "" && logicalKey == raw {
				continue
			}
			if full() {
				result.Truncated = true
				break
			}
			result.Objects = append(result.Objects, storage.ObjectInfo{
				Key:          logicalKey,
				ETag:         stripETag(aws.ToString(object.ETag)),
				Size:         aws.ToInt64(object.Size),
				LastModified: aws.ToTime(object.LastModified),
			})
			lastKey = logicalKey
		}
		if result.Truncated || !aws.ToBool(resp.IsTruncated) {
			break
		}
		if opts.Limit > 0 && full() {
			result.Truncated = true
			break
		}
		input.ContinuationToken = resp.NextContinuationToken
	}
	result.NextStartAfter = lastKey
	verbose.Debug("aws.list_objects.success",
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

func wrapReadCloser(rc io.ReadCloser, cancel context.CancelFunc) io.ReadCloser {
	if cancel == nil {
		return rc
	}
	return &cancelReadCloser{ReadCloser: rc, cancel: cancel}
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func applySSEToPut(input *s3.PutObjectInput, mode, keyID string) {
	switch strings.ToUpper(mode) {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "AWS:KMS", "KMS":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if keyID != "" {
			input.SSEKMSKeyId = aws.String(keyID)
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

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		if status >= http.StatusInternalServerError {
			return true
		}
		switch status {
		case http.StatusTooManyRequests, http.StatusRequestTimeout:
			return true
		}
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return isNetworkConnectionError(opErr.Err)
	}
	return false
}

func httpStatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}
