// Package objectstore is the pipeline's only way to read and write the two
// blob buckets that hold a document's raw upload and its normalized
// markdown artifact. Every stage executor that touches a bucket does so
// through this narrow interface: fetch an artifact, or write one back.
// Nothing in this pipeline lists a bucket, deletes an object, or copies one
// out from under a running job, so the interface only carries the two
// operations actually exercised.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Errors returned by ObjectStore implementations.
var (
	ErrNotFound     = errors.New("object not found")
	ErrAccessDenied = errors.New("access denied")
)

// ObjectAttrs carries the metadata an object read returns alongside its
// bytes.
type ObjectAttrs struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
}

// PutOptions configures a Put call.
type PutOptions struct {
	// ContentType sets the MIME type of the object.
	ContentType string
	// Metadata contains custom key-value pairs to store with the object.
	Metadata map[string]string
}

// ObjectStore is the read/write surface one logical bucket exposes to the
// stage executors. Implementations must be safe for concurrent use.
type ObjectStore interface {
	// Get retrieves an object by key. The caller must close the returned
	// reader. Returns ErrNotFound if the object does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectAttrs, error)

	// Put stores an object with the given key, fully consuming r, and
	// returns the stored object's ETag.
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (etag string, err error)
}

// KeyFor builds the object key within one logical bucket:
// "{owner_id}/{document_id}.{ext}". The bucket name itself is implicit
// because each ObjectStore instance is already scoped to one logical
// bucket (raw or parsed).
func KeyFor(ownerID string, documentID fmt.Stringer, ext string) string {
	return fmt.Sprintf("%s/%s.%s", ownerID, documentID.String(), ext)
}
