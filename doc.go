// Package scopedstore is a collection-scoped storage access layer. It sits
// between a data engine's object-storage calls and an access manager that
// issues short-lived, per-collection storage credentials (BYOK, bring your
// own key).
//
// # Routing
//
// With BYOK disabled every call is served by one shared backend built from
// Config.Store. With BYOK enabled the collection id is read from the object
// path and a backend built from that collection's credentials serves the
// call. Listings are not tied to a collection and use global credentials
// (collection id -1).
//
// The collection id lives in the path segment at index
// strings.Count(RootPath, "/")+2, so with an empty root or a single-segment
// root the path "files/insert_log/42/7/1" belongs to collection 42. Set
// Config.CollectionSegmentIndex to pin a different segment.
//
//	cfg := scopedstore.Config{
//	    Store:            "s3://minio:9000/milvus?path-style=1&insecure=1",
//	    RootPath:         "files",
//	    BYOK:             true,
//	    AccessManagerURL: "access-manager:50051",
//	    InstanceName:     "engine-a",
//	}
//	store, err := scopedstore.New(ctx, cfg, scopedstore.WithLogger(logger))
//	if err != nil { return err }
//	defer store.Close()
//	data, err := store.ReadAll(ctx, "files/insert_log/42/7/1")
//
// # Credential cache
//
// Scoped backends are cached per collection until their credentials expire.
// An entry is valid while now <= expiration. Concurrent misses for one
// collection share a single credential request. A failed refresh leaves the
// previous entry in place and returns the error; there are no automatic
// retries of credential requests.
//
// # Errors
//
// Failures keep their sentinel through wrapping, so callers test them with
// errors.Is: ErrCredentialUnavailable, ErrCredentialDenied,
// ErrCredentialMalformed, ErrPathScopeUnresolvable, ErrNotImplemented and
// ErrNotFound. KindOf maps an error to a stable name for logs and metrics.
//
// # Configuration
//
// The legacy environment variables INSTANCE_NAME and
// ACCESS_MANAGER_SERVICE_URL are used when the corresponding fields are empty.
// The scopedstore CLI additionally reads every flag from SCOPEDSTORE_*
// variables and an optional YAML config file.
package scopedstore
