package store

import "context"

// Store is the shared document-store contract. Concrete backends
// (MemoryStore, PostgresStore, RedisStore) all satisfy it.
type Store interface {
	// ClaimAvailable selects up to opts.Size eligible tasks, prioritizing
	// opts.ClaimTasksByID, and atomically marks them claiming/owned/leased
	// in a single round trip. A requested id whose task is idle is claimed
	// even if its runAt has not arrived yet.
	ClaimAvailable(ctx context.Context, opts ClaimOptions) (ClaimResult, error)

	// Update performs an optimistic write against doc.Version, returning
	// ErrVersionConflict if the token is stale.
	Update(ctx context.Context, doc *TaskDocument) (*TaskDocument, error)

	// Create inserts a new document. If an id collision occurs it returns
	// ErrVersionConflict (ensureScheduled treats this as idempotent success).
	Create(ctx context.Context, doc *TaskDocument) (*TaskDocument, error)

	// Remove idempotently deletes a document.
	Remove(ctx context.Context, id string) error

	// Get fetches a single document, or ErrNotFound.
	Get(ctx context.Context, id string) (*TaskDocument, error)

	// Fetch performs a read-only listing.
	Fetch(ctx context.Context, opts SearchOptions) (FetchResult, error)

	// GetLifecycle returns just the status of a task, or ErrNotFound.
	GetLifecycle(ctx context.Context, id string) (Status, error)

	// Errors returns the store's error observable, consumed by
	// ManagedConfiguration.
	Errors() <-chan error
}

// UpdateResult pairs a BatchUpdater result with its originating document.
type UpdateResult struct {
	Doc *TaskDocument
	Err error
}

// BatchUpdater is an optional capability: a backend that can coalesce many
// single-document updates into one bulk round trip. BufferedStore uses it
// when available and falls back to issuing individual Update calls
// otherwise.
type BatchUpdater interface {
	UpdateBatch(ctx context.Context, docs []*TaskDocument) ([]UpdateResult, error)
}
