package router

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrPathScopeUnresolvable is returned when a collection id cannot be
// extracted from an object path.
var ErrPathScopeUnresolvable = errors.New("router: path scope unresolvable")

// Resolver extracts the owning collection id from an object path.
type Resolver interface {
	CollectionID(path string) (int64, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(path string) (int64, error)

// CollectionID calls f.
func (f ResolverFunc) CollectionID(path string) (int64, error) {
	return f(path)
}

// RootOffsetResolver locates the collection id relative to the configured
// root path. With root "files" the path "a/b/42/file.bin" yields 42.
type RootOffsetResolver struct {
	RootPath string
}

// Index returns the segment index the resolver reads.
func (r RootOffsetResolver) Index() int {
	return strings.Count(r.RootPath, "/") + 2
}

// CollectionID implements Resolver.
func (r RootOffsetResolver) CollectionID(path string) (int64, error) {
	return segmentID(path, r.Index())
}

// SegmentResolver reads the collection id from a fixed segment index.
type SegmentResolver struct {
	Index int
}

// CollectionID implements Resolver.
func (r SegmentResolver) CollectionID(path string) (int64, error) {
	return segmentID(path, r.Index)
}

func segmentID(path string, index int) (int64, error) {
	if index < 0 {
		return 0, fmt.Errorf("%w: negative segment index %d", ErrPathScopeUnresolvable, index)
	}
	segments := strings.Split(path, "/")
	if len(segments) <= index {
		return 0, fmt.Errorf("%w: %q has %d segments, need more than %d", ErrPathScopeUnresolvable, path, len(segments), index)
	}
	segment := strings.TrimSpace(segments[index])
	if segment == "" {
		return 0, fmt.Errorf("%w: %q has an empty segment at %d", ErrPathScopeUnresolvable, path, index)
	}
	id, err := strconv.ParseInt(segment, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q segment %d is not numeric", ErrPathScopeUnresolvable, path, index)
	}
	if id < 0 {
		return 0, fmt.Errorf("%w: %q segment %d is negative", ErrPathScopeUnresolvable, path, index)
	}
	return id, nil
}
