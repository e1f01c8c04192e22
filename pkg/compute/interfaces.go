package compute

import "context"

// Store persists task inputs and outputs between steps. Implementations
// chunk and compress large payloads; callers only see logical IDs.
type Store interface {
	// Get returns the payload stored under id, or an error carrying "not found".
	Get(ctx context.Context, id string) ([]byte, error)
	// Put stores data under id with a record status (RecordPending, RecordCompleted, RecordError).
	Put(ctx context.Context, id string, data []byte, status string) error
	// Status returns the record status stored with id.
	Status(ctx context.Context, id string) (string, error)
	Delete(ctx context.Context, id string) error
}
