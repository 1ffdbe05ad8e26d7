package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
	"google.golang.org/grpc/metadata"
)

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

// MetadataKey is the gRPC metadata key carrying the correlation id to the
// access manager.
const MetadataKey = "x-correlation-id"

type contextKey struct{}

// Set records the correlation ID on ctx. Invalid ids leave ctx unchanged.
func Set(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// Ensure returns ctx carrying a correlation ID, generating one when absent.
func Ensure(ctx context.Context) context.Context {
	if Has(ctx) {
		return ctx
	}
	return Set(ctx, Generate())
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation ID.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Outgoing appends the correlation ID on ctx to outgoing gRPC metadata.
func Outgoing(ctx context.Context) context.Context {
	id := ID(ctx)
	if id == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, MetadataKey, id)
}

// FromIncoming extracts a correlation ID from incoming gRPC metadata.
func FromIncoming(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(MetadataKey) {
		if id, ok := Normalize(v); ok {
			return id
		}
	}
	return ""
}

// Normalize validates and canonicalizes an external correlation identifier.
// It returns the normalized ID and true if the input is acceptable.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", false
	}
	if len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new random correlation identifier.
func Generate() string {
	return xid.New().String()
}
