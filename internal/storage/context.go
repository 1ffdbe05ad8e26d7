package storage

import "context"

type contextKey string

const (
	collectionScopeKey contextKey = "storage.collection_scope"
)

// GlobalCollectionID selects credentials not bound to a collection. Listings
// are always served with it.
const GlobalCollectionID int64 = -1

// Scope describes which credential scope serves a storage call.
type Scope struct {
	// CollectionID is the tenant collection, or -1 for global credentials.
	CollectionID int64
	// Scoped is false when the shared backend serves the call.
	Scoped bool
	// WriteAccess records whether write credentials were requested.
	WriteAccess bool
}

// ContextWithScope attaches the routing scope to ctx for use by storage wrappers.
func ContextWithScope(ctx context.Context, scope Scope) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, collectionScopeKey, scope)
}

// ScopeFromContext retrieves a scope previously attached to ctx.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	if ctx == nil {
		return Scope{}, false
	}
	value := ctx.Value(collectionScopeKey)
	if value == nil {
		return Scope{}, false
	}
	scope, ok := value.(Scope)
	return scope, ok
}
