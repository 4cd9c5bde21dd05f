package cache

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/pagecache/pkg/filter"
)

var (
	// ErrBuildFailure indicates the builder for a key failed. Nothing was cached.
	ErrBuildFailure = errors.New("build failure")

	// ErrFilterFailed indicates the filter pipeline rejected the body.
	ErrFilterFailed = filter.ErrFilterFailed

	// ErrInvalidKey indicates an empty or malformed cache key
	ErrInvalidKey = errors.New("invalid cache key")

	// ErrInvalidContent indicates a builder returned no content
	ErrInvalidContent = errors.New("invalid content")
)

// BuildError wraps the error returned by a Builder.
// errors.Is(err, ErrBuildFailure) holds for every BuildError.
type BuildError struct {
	Key string
	Err error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s: %v", e.Key, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

func (e *BuildError) Is(target error) bool {
	return target == ErrBuildFailure
}
