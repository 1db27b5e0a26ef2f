package cache

import (
	"context"
	"time"
)

// Provider is the storage primitive behind the registry.
// It stores []byte values, which represent response snapshots, in named partitions.
// Partitions are listed in the order they were created.
//
// Implementations must be thread-safe!
type Provider interface {
	// Create creates the partition if it does not exist yet.
	Create(ctx context.Context, name string) error
	// Names returns all partition names, oldest partition first.
	Names(ctx context.Context) ([]string, error)
	// Has checks if the named partition exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes a partition and all its entries.
	// It returns false if there was no such partition.
	Delete(ctx context.Context, name string) (bool, error)
	// Get returns the stored bytes for a key in a partition.
	// The boolean is false if there is no such entry.
	Get(ctx context.Context, name, key string) ([]byte, bool, error)
	// Put stores bytes under the key, creating the partition if needed.
	// An existing entry is replaced.
	Put(ctx context.Context, name, key string, storedAt time.Time, bytes []byte) error
	// Purge removes a single entry.
	Purge(ctx context.Context, name, key string) error
	// Keys calls the given callback for each key in a partition.
	Keys(ctx context.Context, name string, cb func(string)) error
	// Close releases the underlying storage.
	Close() error
}
