package indexmanager

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/sushant-115/rstardb/core/indexing/spatial"
	"github.com/sushant-115/rstardb/core/indexing/spatial/nodestore"
	"github.com/sushant-115/rstardb/core/indexing/spatial/seqscan"
	"github.com/sushant-115/rstardb/core/storage_engine/common"
	"github.com/sushant-115/rstardb/core/storage_engine/heapfile"
	flushmanager "github.com/sushant-115/rstardb/core/write_engine/flush_manager"
	nodecache "github.com/sushant-115/rstardb/core/write_engine/node_cache"
	"github.com/sushant-115/rstardb/pkg/config"
	"github.com/sushant-115/rstardb/pkg/telemetry"
	"go.uber.org/zap"
)

// ===============================================
// SpatialIndexManager: heap file + R*-tree behind one handle
// ===============================================

// SpatialIndexManager owns the heap file, the node store and the tree built
// over them. Calls are serialised by a mutex; the tree itself is not
// goroutine-safe.
type SpatialIndexManager struct {
	mu       sync.Mutex
	storage  config.StorageConfig
	snapshot config.SnapshotConfig
	heap     *heapfile.HeapFile
	store    *nodestore.PagedNodeStore
	tree     *spatial.RStarTree
	logger   *zap.Logger
	closed   bool
}

// Stats gathers the counters of every layer.
type Stats struct {
	Tree  spatial.TreeStats
	Heap  heapfile.Stats
	Cache nodecache.Stats
	// File sizes in bytes.
	HeapBytes  int64
	IndexBytes int64
}

// VerifyReport compares what the index returns for the whole space with what
// a heap scan finds.
type VerifyReport struct {
	Indexed int
	Scanned int
	Missing []heapfile.RecordPointer // in the heap, not in the index
	Extra   []heapfile.RecordPointer // in the index, not live in the heap
}

// OK reports whether the tree and the heap file agree.
func (r VerifyReport) OK() bool { return len(r.Missing) == 0 && len(r.Extra) == 0 }

// Open creates the data directory if needed and opens (or creates) the heap
// and index files described by cfg. tel may be nil.
func Open(cfg *config.Config, logger *zap.Logger, tel *telemetry.Telemetry) (*SpatialIndexManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "spatial_index_manager"))
	s := cfg.Storage
	if err := os.MkdirAll(s.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating data dir %s: %v", flushmanager.ErrIO, s.DataDir, err)
	}

	heap, err := heapfile.Open(s.HeapPath(), s.Dimension, heapfile.Options{
		RecordCacheSize: s.RecordCacheSize,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open heap file: %w", err)
	}
	store, err := nodestore.Open(s.IndexPath(), s.Dimension, s.MaxEntries, s.MinEntries, logger)
	if err != nil {
		heap.Close()
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}

	opts := spatial.Options{
		MaxEntries:       s.MaxEntries,
		MinEntries:       s.MinEntries,
		ReinsertFraction: s.ReinsertFraction,
		CacheCapacity:    s.NodeCacheCapacity,
		Logger:           logger,
	}
	if tel != nil {
		opts.Tracer = tel.Tracer
		opts.Instruments = tel.Instruments
	}
	tree, err := spatial.New(heap, store, opts)
	if err != nil {
		store.Close()
		heap.Close()
		return nil, fmt.Errorf("failed to build r*-tree: %w", err)
	}

	logger.Info("spatial index opened",
		zap.String("data_dir", s.DataDir),
		zap.Int("dimension", s.Dimension),
		zap.Int64("live_records", heap.Stats().LiveRecords))
	return &SpatialIndexManager{
		storage:  s,
		snapshot: cfg.Snapshot,
		heap:     heap,
		store:    store,
		tree:     tree,
		logger:   logger,
	}, nil
}

// Name returns "spatial".
func (m *SpatialIndexManager) Name() string { return "spatial" }

// Dimension is the configured point dimension.
func (m *SpatialIndexManager) Dimension() int { return m.storage.Dimension }

func (m *SpatialIndexManager) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return flushmanager.ErrFileClosed
	}
	return nil
}

// Insert stores rec and indexes it.
func (m *SpatialIndexManager) Insert(ctx context.Context, rec heapfile.Record) (heapfile.RecordPointer, error) {
	if err := m.lock(); err != nil {
		return heapfile.RecordPointer{}, err
	}
	defer m.mu.Unlock()
	return m.tree.Insert(ctx, rec)
}

// IndexRecord indexes a record that is already in the heap file.
func (m *SpatialIndexManager) IndexRecord(ctx context.Context, ptr heapfile.RecordPointer) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	return m.tree.IndexRecord(ctx, ptr)
}

// Delete looks up the record's coordinates and removes it from the index and
// the heap file.
func (m *SpatialIndexManager) Delete(ctx context.Context, ptr heapfile.RecordPointer) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	rec, err := m.readLive(ptr)
	if err != nil {
		return err
	}
	return m.tree.Delete(ctx, ptr, rec.Coords)
}

// BulkLoad packs recs into an empty index.
func (m *SpatialIndexManager) BulkLoad(ctx context.Context, recs []heapfile.Record) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	return m.tree.BulkLoad(ctx, recs)
}

// ReadRecord returns the live record at ptr; a deleted slot is ErrRecordNotFound.
func (m *SpatialIndexManager) ReadRecord(ptr heapfile.RecordPointer) (heapfile.Record, error) {
	if err := m.lock(); err != nil {
		return heapfile.Record{}, err
	}
	defer m.mu.Unlock()
	return m.readLive(ptr)
}

func (m *SpatialIndexManager) readLive(ptr heapfile.RecordPointer) (heapfile.Record, error) {
	rec, err := m.heap.ReadRecord(ptr)
	if err != nil {
		return heapfile.Record{}, err
	}
	if rec.IsTombstone() {
		return heapfile.Record{}, fmt.Errorf("%w: %s", flushmanager.ErrRecordNotFound, ptr)
	}
	return rec, nil
}

// RangeQuery returns the records inside [min, max].
func (m *SpatialIndexManager) RangeQuery(ctx context.Context, min, max []float64) ([]heapfile.RecordPointer, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return m.tree.RangeQuery(ctx, min, max)
}

// KNNQuery returns the k records nearest to p.
func (m *SpatialIndexManager) KNNQuery(ctx context.Context, p []float64, k int) ([]spatial.Neighbor, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return m.tree.KNNQuery(ctx, p, k)
}

// SkylineQuery returns the records no other record dominates.
func (m *SpatialIndexManager) SkylineQuery(ctx context.Context) ([]heapfile.RecordPointer, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return m.tree.SkylineQuery(ctx)
}

// Check validates the tree structure.
func (m *SpatialIndexManager) Check(ctx context.Context) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	return m.tree.Check(ctx)
}

// Stats gathers tree, heap, cache and file size figures.
func (m *SpatialIndexManager) Stats(ctx context.Context) (Stats, error) {
	if err := m.lock(); err != nil {
		return Stats{}, err
	}
	defer m.mu.Unlock()
	treeStats, err := m.tree.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		Tree:       treeStats,
		Heap:       m.heap.Stats(),
		Cache:      m.tree.CacheStats(),
		HeapBytes:  fileSize(m.heap.Path()),
		IndexBytes: fileSize(m.store.Path()),
	}
	return stats, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Verify checks the tree structure and cross-checks a whole-space range query
// against a heap scan.
func (m *SpatialIndexManager) Verify(ctx context.Context) (VerifyReport, error) {
	if err := m.lock(); err != nil {
		return VerifyReport{}, err
	}
	defer m.mu.Unlock()
	if err := m.tree.Check(ctx); err != nil {
		return VerifyReport{}, err
	}
	min, max := make([]float64, m.storage.Dimension), make([]float64, m.storage.Dimension)
	for i := range min {
		min[i], max[i] = math.Inf(-1), math.Inf(1)
	}
	indexed, err := m.tree.RangeQuery(ctx, min, max)
	if err != nil {
		return VerifyReport{}, err
	}
	scanned, err := seqscan.Range(m.heap, min, max)
	if err != nil {
		return VerifyReport{}, err
	}

	report := VerifyReport{Indexed: len(indexed), Scanned: len(scanned)}
	inIndex := make(map[heapfile.RecordPointer]int, len(indexed))
	for _, ptr := range indexed {
		inIndex[ptr]++
	}
	for _, ptr := range scanned {
		if inIndex[ptr] == 0 {
			report.Missing = append(report.Missing, ptr)
			continue
		}
		inIndex[ptr]--
	}
	for _, ptr := range indexed {
		if inIndex[ptr] > 0 {
			report.Extra = append(report.Extra, ptr)
			inIndex[ptr]--
		}
	}
	if !report.OK() {
		m.logger.Warn("index and heap file disagree",
			zap.Int("missing", len(report.Missing)), zap.Int("extra", len(report.Extra)))
	}
	return report, nil
}

// Flush persists every dirty node and syncs both files.
func (m *SpatialIndexManager) Flush(ctx context.Context) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	return m.tree.Flush(ctx)
}

// Snapshot flushes the index and copies both files into dir, throttled and
// checksummed per the snapshot settings. The result maps file names to their
// SHA-256 when verification is on.
func (m *SpatialIndexManager) Snapshot(ctx context.Context, dir string) (map[string][]byte, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	if dir == "" {
		dir = m.snapshot.Dir
	}
	if err := m.tree.Flush(ctx); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating snapshot dir %s: %v", flushmanager.ErrIO, dir, err)
	}

	sums := make(map[string][]byte, 2)
	for _, src := range []string{m.heap.Path(), m.store.Path()} {
		name := filepath.Base(src)
		sum, err := common.CopyThrottled(ctx, src, filepath.Join(dir, name), m.snapshot.RateBytesPerSec, m.snapshot.Verify)
		if err != nil {
			return nil, fmt.Errorf("snapshot of %s: %w", name, err)
		}
		sums[name] = sum
	}
	m.logger.Info("snapshot written", zap.String("dir", dir), zap.Int("files", len(sums)))
	return sums, nil
}

// Close flushes the tree and closes both files. Later calls fail with
// ErrFileClosed.
func (m *SpatialIndexManager) Close(ctx context.Context) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.closed = true
	treeErr := m.tree.Close(ctx)
	storeErr := m.store.Close()
	heapErr := m.heap.Close()
	for _, err := range []error{treeErr, storeErr, heapErr} {
		if err != nil {
			return err
		}
	}
	m.logger.Info("spatial index closed")
	return nil
}
