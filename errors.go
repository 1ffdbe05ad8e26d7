package scopedstore

import (
	"context"
	"errors"

	"pkt.systems/scopedstore/internal/credcache"
	"pkt.systems/scopedstore/internal/credential"
	"pkt.systems/scopedstore/internal/router"
	"pkt.systems/scopedstore/internal/storage"
)

// Errors returned by Store. They alias the sentinels of the layers that
// produce them, so errors.Is matches regardless of wrapping.
var (
	ErrCredentialUnavailable = credential.ErrCredentialUnavailable
	ErrCredentialDenied      = credential.ErrCredentialDenied
	ErrCredentialMalformed   = credential.ErrCredentialMalformed
	ErrInvalidRequest        = credential.ErrInvalidRequest
	ErrPathScopeUnresolvable = router.ErrPathScopeUnresolvable
	ErrNotImplemented        = storage.ErrNotImplemented
	ErrNotFound              = storage.ErrNotFound
	ErrClosed                = credcache.ErrClosed
	// ErrShortBuffer is returned by Read when the object does not fit.
	ErrShortBuffer = errors.New("scopedstore: short buffer")
)

// ErrorKind classifies errors for logs, metrics and CLI exit codes.
type ErrorKind string

// Error kinds.
const (
	KindNone                  ErrorKind = ""
	KindCredentialUnavailable ErrorKind = "credential_unavailable"
	KindCredentialDenied      ErrorKind = "credential_denied"
	KindCredentialMalformed   ErrorKind = "credential_malformed"
	KindInvalidRequest        ErrorKind = "invalid_request"
	KindPathScopeUnresolvable ErrorKind = "path_scope_unresolvable"
	KindNotImplemented        ErrorKind = "not_implemented"
	KindNotFound              ErrorKind = "not_found"
	KindShortBuffer           ErrorKind = "short_buffer"
	KindClosed                ErrorKind = "closed"
	KindCanceled              ErrorKind = "canceled"
	KindStorage               ErrorKind = "storage_error"
)

var kindTable = []struct {
	err  error
	kind ErrorKind
}{
	{ErrCredentialUnavailable, KindCredentialUnavailable},
	{ErrCredentialDenied, KindCredentialDenied},
	{ErrCredentialMalformed, KindCredentialMalformed},
	{ErrInvalidRequest, KindInvalidRequest},
	{ErrPathScopeUnresolvable, KindPathScopeUnresolvable},
	{ErrNotImplemented, KindNotImplemented},
	{ErrNotFound, KindNotFound},
	{ErrShortBuffer, KindShortBuffer},
	{ErrClosed, KindClosed},
	{context.Canceled, KindCanceled},
	{context.DeadlineExceeded, KindCanceled},
}

// KindOf maps err to its ErrorKind. Unrecognised errors are KindStorage.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindStorage
}
