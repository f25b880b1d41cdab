package imagestore

import "context"

// StoredObject identifies an object's current location in the store
type StoredObject struct {
	URL      string
	ObjectID string
}

// ObjectStore defines the interface for the remote media store. The
// service depends on exactly these three operations; the store offers no
// transactional guarantees across calls.
type ObjectStore interface {
	// Upload stores content under the given folder and returns its location
	Upload(ctx context.Context, content []byte, mimeType, folder string) (*StoredObject, error)

	// Rename moves an object to a new object path
	Rename(ctx context.Context, objectID, newObjectID string) (*StoredObject, error)

	// Delete removes an object; deleting a missing object is not an error
	Delete(ctx context.Context, objectID string) error
}
