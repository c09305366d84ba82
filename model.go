package kfr

import "context"

// Model is one replica of the synchronized tree,
// as seen by a Synchronizer.
type Model interface {
	// Changes is the queue of paths whose records this model has changed.
	// It has exactly one consumer.
	Changes() *Queue

	// Get produces the current record for path.
	// It returns ErrNotFound if the model has never seen path.
	Get(ctx context.Context, path string) (Kfr, error)

	// GetContent materializes the current content for path at dest
	// and returns a FatKfr over it,
	// bound to the record that was current when the content was read.
	// The FatKfr owns dest: closing it removes the file.
	GetContent(ctx context.Context, path, dest string) (*FatKfr, error)

	// Put offers a new state for rec.Path.
	// The content must be a FatKfr for rec
	// (absent if rec is a tombstone).
	// Put is a no-op if rec cannot replace the model's current record.
	// It does not close content.
	Put(ctx context.Context, rec Kfr, content *FatKfr) error

	Close() error
}
