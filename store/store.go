// Package store defines the interface for durable path->record stores,
// and a registry of store implementations.
package store

import (
	"context"

	"github.com/bobg/kfr"
)

// Store is a durable map from path to record.
//
// Each method call sees a consistent snapshot,
// and each Put is applied as a whole or not at all.
// Stores do no conflict resolution;
// callers gate writes with kfr.CanReplace.
type Store interface {
	// Get produces the record for path,
	// or kfr.ErrNotFound.
	Get(ctx context.Context, path string) (kfr.Kfr, error)

	// GetMulti produces the records for those of paths that have one.
	// Paths with no record are absent from the result.
	GetMulti(ctx context.Context, paths []string) (map[string]kfr.Kfr, error)

	// All calls f on every record in path order.
	// If f returns an error,
	// All stops and returns it.
	// Callers must not call other methods of the same Store from f.
	All(ctx context.Context, f func(kfr.Kfr) error) error

	// Put upserts recs by path, atomically.
	Put(ctx context.Context, recs ...kfr.Kfr) error

	Close() error
}
