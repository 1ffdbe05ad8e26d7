package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ContentTypeOctetStream is the default content type for written objects.
const ContentTypeOctetStream = "application/octet-stream"

// ErrNotFound indicates the requested key or resource is missing.
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Backend defines the object storage contract consumed by the scoped store.
// Keys are full object paths relative to the backend root (bucket plus
// optional URL prefix).
type Backend interface {
	// StatObject returns object metadata without reading the payload.
	StatObject(ctx context.Context, key string) (*ObjectInfo, error)
	// GetObject fetches the raw bytes for key and returns a reader alongside
	// metadata. Callers must close the returned reader.
	GetObject(ctx context.Context, key string) (GetObjectResult, error)
	// PutObject writes a blob to the provided key.
	PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// DeleteObject removes the object identified by key.
	DeleteObject(ctx context.Context, key string, opts DeleteObjectOptions) error
	// ListObjects enumerates objects under opts.Prefix in ascending lexical
	// order. Results are limited by opts.Limit when >0 and resume from
	// opts.StartAfter when provided.
	ListObjects(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Close releases backend resources.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// ObjectInfo captures metadata exposed by object-oriented backends.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutObjectOptions controls metadata for PutObject.
type PutObjectOptions struct {
	ContentType string
	// Size is the payload length when known, -1 or 0 lets the backend detect it.
	Size int64
}

// DeleteObjectOptions controls DeleteObject semantics.
type DeleteObjectOptions struct {
	IgnoreNotFound bool
}

// ListOptions guides ListObjects traversal.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
	// Recursive lists every object below Prefix. When false, keys containing
	// a further "/" after Prefix are folded into ListResult.Prefixes.
	Recursive bool
}

// ListResult captures the outcome of a ListObjects call.
type ListResult struct {
	Objects        []ObjectInfo
	Prefixes       []string
	NextStartAfter string
	Truncated      bool
}

// GetObjectResult captures an object reader with its metadata.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}
