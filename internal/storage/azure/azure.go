package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"pkt.systems/pslog"
	"pkt.systems/scopedstore/internal/storage"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store implements storage.Backend backed by Azure Blob Storage. It only
// serves as the shared backend; scoped credentials are S3 access keys.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions()
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err = client.CreateContainer(ctx, cfg.Container, nil)
	if err != nil {
		if !isContainerExists(err) {
			return nil, fmt.Errorf("azure: create container: %w", err)
		}
	}

	return &Store{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func defaultClientOptions() *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: defaultTransporter(),
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	if t.rt == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
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
	return transportAdapter{rt: clone}
}

// Client exposes the underlying Azure Blob client (primarily for diagnostics).
func (s *Store) Client() *azblob.Client {
	return s.client
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

// Close satisfies storage.Backend (no-op for Azure).
func (s *Store) Close() error { return nil }

func (s *Store) prefixed(parts ...string) string {
	name := path.Join(parts...)
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func escapeSegments(p string) []string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return nil
	}
	parts := strings.Split(p, "/")
	escaped := make([]string, len(parts))
	for i, segment := range parts {
		escaped[i] = url.PathEscape(segment)
	}
	return escaped
}

func (s *Store) objectBlob(key string) (string, error) {
	segments := escapeSegments(key)
	if len(segments) == 0 {
		return "", fmt.Errorf("azure: object key required")
	}
	return s.prefixed(segments...), nil
}

// logicalName strips the store prefix and undoes segment escaping.
func (s *Store) logicalName(name string) string {
	if s.prefix != "" {
		name = strings.TrimPrefix(name, s.prefix+"/")
	}
	name = strings.TrimPrefix(name, "/")
	if decoded, err := url.PathUnescape(name); err == nil {
		return decoded
	}
	return name
}

func (s *Store) containerClient() *container.Client {
	return s.client.ServiceClient().NewContainerClient(s.container)
}

// StatObject returns blob properties for key.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	blobName, err := s.objectBlob(key)
	if err != nil {
		return nil, err
	}
	resp, err := s.containerClient().NewBlobClient(blobName).GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		pslog.LoggerFromContext(ctx).Debug("azure.stat_object.error", "key", key, "error", err)
		return nil, fmt.Errorf("azure: get properties: %w", err)
	}
	info := &storage.ObjectInfo{Key: key}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	return info, nil
}

// GetObject opens the blob referenced by key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	blobName, err := s.objectBlob(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, blobName, nil)
	if err != nil {
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		pslog.LoggerFromContext(ctx).Debug("azure.get_object.error", "key", key, "error", err)
		return storage.GetObjectResult{}, fmt.Errorf("azure: download object: %w", err)
	}
	info := &storage.ObjectInfo{Key: key}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	return storage.GetObjectResult{Reader: resp.Body, Info: info}, nil
}

// PutObject uploads a blob.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	blobName, err := s.objectBlob(key)
	if err != nil {
		return nil, err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	uploadOpts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	}
	resp, err := s.client.UploadStream(ctx, s.container, blobName, body, uploadOpts)
	if err != nil {
		pslog.LoggerFromContext(ctx).Debug("azure.put_object.error", "key", key, "error", err)
		return nil, fmt.Errorf("azure: upload object: %w", err)
	}
	info := &storage.ObjectInfo{Key: key, ContentType: contentType, Size: opts.Size, LastModified: time.Now().UTC()}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	return info, nil
}

// DeleteObject removes the blob.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	blobName, err := s.objectBlob(key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteBlob(ctx, s.container, blobName, nil)
	if err != nil {
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return fmt.Errorf("azure: delete object: %w", err)
	}
	return nil
}

// ListObjects enumerates blobs under opts.Prefix. Non-recursive listings use
// the hierarchy pager with a "/" delimiter.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	blobPrefix := strings.TrimPrefix(opts.Prefix, "/")
	if segments := escapeSegments(blobPrefix); len(segments) > 0 {
		joined := strings.Join(segments, "/")
		if strings.HasSuffix(blobPrefix, "/") {
			joined += "/"
		}
		blobPrefix = joined
	}
	if s.prefix != "" {
		blobPrefix = s.prefix + "/" + blobPrefix
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = int(^uint(0) >> 1)
	}
	result := &storage.ListResult{}
	lastKey := ""
	accept := func(logical string) bool {
		if logical == "" {
			return false
		}
		if opts.StartAfter != "" && logical <= opts.StartAfter {
			return false
		}
		return true
	}
	full := func() bool { return len(result.Objects)+len(result.Prefixes) >= limit }
	appendItem := func(item *container.BlobItem) {
		logical := s.logicalName(to.Deref(item.Name))
		if !accept(logical) {
			return
		}
		info := storage.ObjectInfo{Key: logical}
		if item.Properties != nil {
			if item.Properties.ETag != nil {
				info.ETag = string(*item.Properties.ETag)
			}
			if item.Properties.ContentLength != nil {
				info.Size = *item.Properties.ContentLength
			}
			if item.Properties.LastModified != nil {
				info.LastModified = item.Properties.LastModified.UTC()
			}
			if item.Properties.ContentType != nil {
				info.ContentType = *item.Properties.ContentType
			}
		}
		result.Objects = append(result.Objects, info)
		lastKey = logical
	}

	if opts.Recursive {
		pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &blobPrefix})
	flat:
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("azure: list objects: %w", err)
			}
			for _, item := range page.Segment.BlobItems {
				if item.Name == nil {
					continue
				}
				if full() {
					result.Truncated = true
					break flat
				}
				appendItem(item)
			}
		}
		result.NextStartAfter = lastKey
		return result, nil
	}

	pager := s.containerClient().NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{Prefix: &blobPrefix})
hierarchy:
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure: list objects: %w", err)
		}
		for _, p := range page.Segment.BlobPrefixes {
			if p.Name == nil {
				continue
			}
			if full() {
				result.Truncated = true
				break hierarchy
			}
			logical := s.logicalName(*p.Name)
			if accept(logical) {
				result.Prefixes = append(result.Prefixes, logical)
				lastKey = logical
			}
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			if full() {
				result.Truncated = true
				break hierarchy
			}
			appendItem(item)
		}
	}
	result.NextStartAfter = lastKey
	return result, nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
