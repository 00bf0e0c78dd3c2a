// Package blob abstracts the artifact store behind a ranged-read interface.
//
// The pipeline depends on concurrent reads against one key while writing a
// distinct key. Implementations that serialize reads against a key being
// written must therefore never be handed the same key for both sides; the
// injection step writes to a sibling ".new" key and swaps.
package blob

import (
	"context"
	"time"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Part identifies one completed part of a multipart upload. Numbers are
// 1-based and must be submitted to CompleteMultipart in ascending order.
type Part struct {
	Number int32
	ETag   string
}

// Store is the ranged blob store consumed by the pipeline and the janitor.
type Store interface {
	// Head returns size and etag without reading the body.
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// ReadRange returns length bytes starting at offset. A short object
	// yields a ShortRead error, not a truncated slice.
	ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error)

	// Put stores data under key in a single shot.
	Put(ctx context.Context, key string, data []byte) error

	// CreateMultipart begins a multipart upload and returns its id.
	CreateMultipart(ctx context.Context, key string) (string, error)

	// UploadPart uploads one part. Part numbers start at 1.
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (Part, error)

	// CompleteMultipart finishes the upload. Parts must be sorted by
	// ascending part number.
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) error

	// AbortMultipart abandons the upload and frees its parts.
	AbortMultipart(ctx context.Context, key, uploadID string) error

	// List returns every object under prefix, following continuation
	// cursors internally. An empty prefix lists the whole bucket.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// DeleteBatch removes the given keys and returns how many were
	// deleted. Missing keys are not an error.
	DeleteBatch(ctx context.Context, keys []string) (int, error)
}
