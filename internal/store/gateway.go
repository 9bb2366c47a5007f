// Package store provides a typed gateway over a generic distributed
// key-value store with secondary-index query support. Records are JSON
// values versioned by an optimistic-concurrency etag; queries are typed
// filter trees rendered to the store's query language only at the
// gateway boundary.
package store

import "context"

// Record is a stored value plus its concurrency token and internal
// record id. The id is assigned by the store, increases monotonically
// per bucket, and is the default sort and pagination key.
type Record struct {
	Bucket string
	Key    string
	Value  []byte
	Etag   string
	ID     int64
}

// PutOptions controls a conditional write. When Etag is non-empty the
// write succeeds only if the stored record still carries that etag.
type PutOptions struct {
	Etag string
}

// Query selects records from a bucket. Records are ordered by internal
// record id ascending unless Sort names another attribute; Marker
// resumes after the given record id; Limit caps the page size.
type Query struct {
	Filter     Filter
	Sort       string
	Descending bool
	Limit      int
	Marker     int64
}

// DeleteRequest names one bucket's slice of a batched delete-many call.
type DeleteRequest struct {
	Bucket string
	Filter Filter
	Limit  int
}

// Gateway is the narrow interface the store client consumes. The
// distributed store's replication protocol is not modeled here.
type Gateway interface {
	// Get performs a point read, returning NotFoundError if absent.
	Get(ctx context.Context, bucket, key string) (*Record, error)

	// Put writes a record and returns its new etag. With a non-empty
	// PutOptions.Etag it returns ConflictError on token mismatch.
	Put(ctx context.Context, bucket, key string, value []byte, opts PutOptions) (string, error)

	// Delete removes a single record, tolerating absence.
	Delete(ctx context.Context, bucket, key string) error

	// Find returns one page of records matching the query.
	Find(ctx context.Context, bucket string, q Query) ([]Record, error)

	// DeleteMany performs a single batched multi-bucket delete, returning
	// per request the count of records actually deleted.
	DeleteMany(ctx context.Context, reqs []DeleteRequest) ([]int, error)
}
