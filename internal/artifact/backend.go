// Package artifact stores the files produced by runs and hands them to
// downstream stages.
//
// Artifacts are kept under "<run id>/<relative path>" keys in a Backend. A
// go-billy filesystem backend covers local directories and in-memory
// storage; a MinIO backend covers S3-compatible object stores. Published
// artifacts are immutable.
package artifact

import (
	"context"
	"io"
)

// Object is a stored blob.
type Object struct {
	Key  string
	Size int64
}

// Backend is the blob storage used by Store.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns every object under prefix, sorted by key. A prefix with no
	// objects yields an empty list.
	List(ctx context.Context, prefix string) ([]Object, error)
	DeletePrefix(ctx context.Context, prefix string) error
}
