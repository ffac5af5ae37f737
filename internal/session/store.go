package session

import "context"

// Store is the durable session mapping shared by every worker. Mutations are
// flushed to the backing medium before they return, so a crash loses at most
// the in-flight mutation. Read-modify-write cycles are atomic per id.
type Store interface {
	// Create allocates a session with a fresh unique id, persists it, and
	// returns it. Ids are never reused.
	Create(ctx context.Context) (*Session, error)

	// Get returns the live record, or ErrNotFound. It does not extend the
	// session's liveness; callers that want that must Touch explicitly.
	Get(ctx context.Context, id string) (*Session, error)

	// Has reports whether id exists.
	Has(ctx context.Context, id string) (bool, error)

	// Update applies mutate to the record under id's write lock and
	// re-persists it. Unknown ids are a silent no-op; callers that care
	// pre-check with Has.
	Update(ctx context.Context, id string, mutate func(*Session)) error

	// Put persists an externally constructed session, overwriting any
	// record with the same id. Used for client-chosen ids.
	Put(ctx context.Context, s *Session) error

	// Delete removes the session from memory and durable storage. Deleting
	// an unknown id is not an error, and deletion is permanent: subsequent
	// Gets report ErrNotFound.
	Delete(ctx context.Context, id string) error

	// Touch marks the session as used now. Called once per request on
	// successful resolution.
	Touch(ctx context.Context, id string) error

	Close() error
}
