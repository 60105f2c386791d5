// Package indexmanager opens, wires and closes the storage and index layers
// behind a single handle.
package indexmanager

import (
	"context"

	"github.com/sushant-115/rstardb/core/indexing/spatial"
	"github.com/sushant-115/rstardb/core/storage_engine/heapfile"
)

// IndexManager is the surface front ends (the CLI shell and subcommands) work
// against.
type IndexManager interface {
	Insert(ctx context.Context, rec heapfile.Record) (heapfile.RecordPointer, error)
	IndexRecord(ctx context.Context, ptr heapfile.RecordPointer) error
	Delete(ctx context.Context, ptr heapfile.RecordPointer) error
	BulkLoad(ctx context.Context, recs []heapfile.Record) error
	ReadRecord(ptr heapfile.RecordPointer) (heapfile.Record, error)

	RangeQuery(ctx context.Context, min, max []float64) ([]heapfile.RecordPointer, error)
	KNNQuery(ctx context.Context, p []float64, k int) ([]spatial.Neighbor, error)
	SkylineQuery(ctx context.Context) ([]heapfile.RecordPointer, error)

	// Check verifies the tree structure; Verify also cross-checks it
	// against a heap file scan.
	Check(ctx context.Context) error
	Verify(ctx context.Context) (VerifyReport, error)
	Stats(ctx context.Context) (Stats, error)

	// Snapshot copies the flushed files into dir and returns their checksums.
	Snapshot(ctx context.Context, dir string) (map[string][]byte, error)
	Flush(ctx context.Context) error
	Close(ctx context.Context) error

	Dimension() int
	// Name returns the name/type of this index manager (e.g., "spatial").
	Name() string
}

var _ IndexManager = (*SpatialIndexManager)(nil)
