// Package router decides which storage backend serves each call: the shared
// backend when BYOK is off, or a collection-scoped backend resolved from the
// credential cache.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/scopedstore/internal/loggingutil"
	"pkt.systems/scopedstore/internal/storage"
)

// Op identifies the storage verb being routed.
type Op int

// Routed operations.
const (
	OpExist Op = iota
	OpSize
	OpRead
	OpWrite
	OpRemove
	OpList
)

var opNames = [...]string{"exist", "size", "read", "write", "remove", "list"}

func (o Op) String() string {
	if o < 0 || int(o) >= len(opNames) {
		return fmt.Sprintf("op(%d)", int(o))
	}
	return opNames[o]
}

// Mutating reports whether the op changes stored data.
func (o Op) Mutating() bool {
	return o == OpWrite || o == OpRemove
}

// ParseOp maps a name such as "read" or "list" to an Op.
func ParseOp(name string) (Op, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "get":
		return OpRead, nil
	case "put":
		return OpWrite, nil
	case "rm", "delete":
		return OpRemove, nil
	case "ls":
		return OpList, nil
	}
	for i, n := range opNames {
		if n == name {
			return Op(i), nil
		}
	}
	return 0, fmt.Errorf("router: unknown op %q", name)
}

// WriteAccessPolicy controls the write flag sent with credential requests.
type WriteAccessPolicy string

const (
	// WriteAccessAlways requests write access for every operation.
	WriteAccessAlways WriteAccessPolicy = "always"
	// WriteAccessOperation requests write access only for mutating operations.
	WriteAccessOperation WriteAccessPolicy = "operation"
)

// ParseWriteAccessPolicy validates a policy name. Empty means always.
func ParseWriteAccessPolicy(v string) (WriteAccessPolicy, error) {
	switch WriteAccessPolicy(strings.ToLower(strings.TrimSpace(v))) {
	case "", WriteAccessAlways:
		return WriteAccessAlways, nil
	case WriteAccessOperation:
		return WriteAccessOperation, nil
	default:
		return "", fmt.Errorf("router: unknown write access policy %q", v)
	}
}

// WriteAccess reports the write flag requested for op.
func (p WriteAccessPolicy) WriteAccess(op Op) bool {
	if p == WriteAccessOperation {
		return op.Mutating()
	}
	return true
}

// Cache resolves collection-scoped backends. *credcache.Cache satisfies it.
type Cache interface {
	Resolve(ctx context.Context, collectionID int64, instanceName, bucketName string, writeAccess bool) (storage.Backend, error)
}

// Config configures a Router.
type Config struct {
	// Shared serves every call when BYOK is disabled.
	Shared storage.Backend
	// BYOK routes calls through Cache.
	BYOK     bool
	Cache    Cache
	Resolver Resolver
	// InstanceName and BucketName are forwarded on credential requests.
	InstanceName string
	BucketName   string
	WritePolicy  WriteAccessPolicy
	Logger       pslog.Logger
}

// Plan computes routing decisions without any backend attached.
type Plan struct {
	BYOK        bool
	Resolver    Resolver
	WritePolicy WriteAccessPolicy
}

// Scope reports the routing decision for op on path. Listings use global
// credentials; every other op takes the collection id from path.
func (p Plan) Scope(op Op, path string) (storage.Scope, error) {
	if !p.BYOK {
		return storage.Scope{}, nil
	}
	if op == OpList {
		return storage.Scope{CollectionID: storage.GlobalCollectionID, Scoped: true}, nil
	}
	if p.Resolver == nil {
		return storage.Scope{}, errors.New("router: BYOK requires a path resolver")
	}
	id, err := p.Resolver.CollectionID(path)
	if err != nil {
		return storage.Scope{}, err
	}
	return storage.Scope{CollectionID: id, Scoped: true, WriteAccess: p.WritePolicy.WriteAccess(op)}, nil
}

// Router selects the backend for one storage call.
type Router struct {
	plan     Plan
	shared   storage.Backend
	cache    Cache
	instance string
	bucket   string
	logger   pslog.Logger
}

// New validates cfg and returns a Router.
func New(cfg Config) (*Router, error) {
	policy, err := ParseWriteAccessPolicy(string(cfg.WritePolicy))
	if err != nil {
		return nil, err
	}
	if cfg.BYOK {
		if cfg.Cache == nil {
			return nil, errors.New("router: BYOK requires a credential cache")
		}
		if cfg.Resolver == nil {
			return nil, errors.New("router: BYOK requires a path resolver")
		}
	} else if cfg.Shared == nil {
		return nil, errors.New("router: shared backend required when BYOK is disabled")
	}
	return &Router{
		plan:     Plan{BYOK: cfg.BYOK, Resolver: cfg.Resolver, WritePolicy: policy},
		shared:   cfg.Shared,
		cache:    cfg.Cache,
		instance: cfg.InstanceName,
		bucket:   cfg.BucketName,
		logger:   loggingutil.WithSubsystem(cfg.Logger, "storage.router"),
	}, nil
}

// BYOK reports whether calls are routed through collection credentials.
func (r *Router) BYOK() bool {
	return r.plan.BYOK
}

// Scope reports the routing decision for op on path without resolving a
// backend.
func (r *Router) Scope(op Op, path string) (storage.Scope, error) {
	return r.plan.Scope(op, path)
}

// Route returns the backend serving op on path together with a context
// carrying the routing scope. Resolution failures are returned unchanged and
// never fall back to the shared backend.
func (r *Router) Route(ctx context.Context, op Op, path string) (context.Context, storage.Backend, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	scope, err := r.Scope(op, path)
	if err != nil {
		loggingutil.FromContext(ctx, r.logger).Debug("router.route.unresolvable", "op", op.String(), "path", path, "error", err)
		return ctx, nil, err
	}
	ctx = storage.ContextWithScope(ctx, scope)
	if !scope.Scoped {
		return ctx, r.shared, nil
	}
	backend, err := r.cache.Resolve(ctx, scope.CollectionID, r.instance, r.bucket, scope.WriteAccess)
	if err != nil {
		loggingutil.FromContext(ctx, r.logger).Debug("router.route.resolve_failed",
			"op", op.String(),
			"collection_id", scope.CollectionID,
			"error", err,
		)
		return ctx, nil, err
	}
	return ctx, backend, nil
}
