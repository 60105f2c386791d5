// Package spatial implements a disk-resident R*-tree over d-dimensional points.
//
// Records live in a heapfile.HeapFile; tree nodes live one per page in a
// nodestore.PagedNodeStore and are only ever reached through a
// nodecache.NodeCache owned by the tree. Parent and child links are page ids.
// The tree is single-threaded: one owner per process, no locking.
package spatial

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/rstardb/core/indexing/spatial/geom"
	"github.com/sushant-115/rstardb/core/indexing/spatial/nodestore"
	"github.com/sushant-115/rstardb/core/storage_engine/heapfile"
	flushmanager "github.com/sushant-115/rstardb/core/write_engine/flush_manager"
	nodecache "github.com/sushant-115/rstardb/core/write_engine/node_cache"
	pagemanager "github.com/sushant-115/rstardb/core/write_engine/page_manager"
	"github.com/sushant-115/rstardb/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const (
	// DefaultMaxEntries is the default node capacity M.
	DefaultMaxEntries = 50
	// DefaultMinEntries is the default minimum fill m of a non-root node.
	DefaultMinEntries = DefaultMaxEntries / 2
	// DefaultReinsertFraction is the share of M removed by a forced reinsertion.
	DefaultReinsertFraction = 0.3
	// DefaultCacheCapacity is the default number of resident nodes.
	DefaultCacheCapacity = 256
)

// Options configure an RStarTree. Zero values take the defaults above.
type Options struct {
	MaxEntries       int
	MinEntries       int
	ReinsertFraction float64
	CacheCapacity    int
	Logger           *zap.Logger
	Tracer           trace.Tracer
	Instruments      *telemetry.Instruments
}

func (o *Options) applyDefaults() {
	if o.MaxEntries == 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.MinEntries == 0 {
		o.MinEntries = o.MaxEntries / 2
	}
	if o.ReinsertFraction == 0 {
		o.ReinsertFraction = DefaultReinsertFraction
	}
	if o.CacheCapacity == 0 {
		o.CacheCapacity = DefaultCacheCapacity
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Tracer == nil {
		o.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
}

// RStarTree is the index. It owns its node cache; the heap file and node store
// are owned by the caller and must outlive the tree.
type RStarTree struct {
	heap  *heapfile.HeapFile
	meta  *nodestore.PagedNodeStore
	cache *nodecache.NodeCache

	dim           int
	maxEntries    int
	minEntries    int
	reinsertCount int
	rootID        pagemanager.PageID

	logger      *zap.Logger
	tracer      trace.Tracer
	instruments *telemetry.Instruments
}

// operation is the bookkeeping of one top-level mutating call.
type operation struct {
	ctx context.Context
	id  string
	// reinserted holds the pages that already went through a forced
	// reinsertion during this call; a second overflow splits them.
	reinserted map[pagemanager.PageID]struct{}
}

// New builds a tree over heap and store. A store without a root gets an empty
// leaf root.
func New(heap *heapfile.HeapFile, store *nodestore.PagedNodeStore, opts Options) (*RStarTree, error) {
	opts.applyDefaults()
	meta := store.Meta()
	switch {
	case heap.Dimension() != meta.Dimension:
		return nil, fmt.Errorf("%w: heap file dimension %d, index dimension %d",
			flushmanager.ErrDimensionMismatch, heap.Dimension(), meta.Dimension)
	case opts.MaxEntries != meta.MaxEntries || opts.MinEntries != meta.MinEntries:
		return nil, fmt.Errorf("%w: tree fanout %d/%d does not match index file %d/%d", flushmanager.ErrInvalidInput,
			opts.MaxEntries, opts.MinEntries, meta.MaxEntries, meta.MinEntries)
	case opts.MinEntries < 2 || opts.MinEntries > opts.MaxEntries/2:
		return nil, fmt.Errorf("%w: min entries %d outside [2, %d]", flushmanager.ErrInvalidInput, opts.MinEntries, opts.MaxEntries/2)
	}
	reinsertCount := int(math.Floor(opts.ReinsertFraction * float64(opts.MaxEntries)))
	if opts.ReinsertFraction <= 0 || opts.ReinsertFraction >= 1 || reinsertCount < 1 {
		return nil, fmt.Errorf("%w: reinsert fraction %v removes no entries from a node of %d",
			flushmanager.ErrInvalidInput, opts.ReinsertFraction, opts.MaxEntries)
	}

	logger := opts.Logger.With(zap.String("component", "rstartree"))
	cache, err := nodecache.New(store, opts.CacheCapacity, logger, opts.Instruments)
	if err != nil {
		return nil, err
	}
	t := &RStarTree{
		heap:          heap,
		meta:          store,
		cache:         cache,
		dim:           meta.Dimension,
		maxEntries:    opts.MaxEntries,
		minEntries:    opts.MinEntries,
		reinsertCount: reinsertCount,
		rootID:        meta.RootPageID,
		logger:        logger,
		tracer:        opts.Tracer,
		instruments:   opts.Instruments,
	}

	if t.rootID == pagemanager.InvalidPageID {
		rootID, err := t.cache.Allocate(nodestore.NewNode(0))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate root: %w", err)
		}
		if err := t.setRoot(rootID); err != nil {
			return nil, err
		}
	} else if _, err := t.fetch(t.rootID); err != nil {
		return nil, fmt.Errorf("failed to load root page %d: %w", t.rootID, err)
	}

	t.logger.Info("r*-tree ready",
		zap.Int("dimension", t.dim),
		zap.Int("max_entries", t.maxEntries),
		zap.Int("min_entries", t.minEntries),
		zap.Int("reinsert_count", t.reinsertCount),
		zap.Int32("root_page_id", int32(t.rootID)))
	return t, nil
}

// begin opens a span and the per-call bookkeeping of a public operation.
func (t *RStarTree) begin(ctx context.Context, name string) (*operation, trace.Span) {
	op := &operation{
		id:         uuid.NewString(),
		reinserted: make(map[pagemanager.PageID]struct{}),
	}
	ctx, span := t.tracer.Start(ctx, "RStarTree."+name, trace.WithAttributes(attribute.String("op_id", op.id)))
	op.ctx = ctx
	return op, span
}

// end closes what begin opened, recording err on the span.
func (t *RStarTree) end(op *operation, span trace.Span, name string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		t.logger.Error("tree operation failed",
			zap.String("op", name), zap.String("op_id", op.id), zap.Error(err))
	}
	t.instruments.ObserveOp(op.ctx, name, start)
	span.End()
}

func (t *RStarTree) fetch(pageID pagemanager.PageID) (*nodestore.Node, error) {
	return t.cache.Fetch(pageID)
}

func (t *RStarTree) store(n *nodestore.Node) error {
	return t.cache.Store(n)
}

// update applies fn to the node at pageID and stores it back.
func (t *RStarTree) update(pageID pagemanager.PageID, fn func(n *nodestore.Node) error) error {
	n, err := t.fetch(pageID)
	if err != nil {
		return err
	}
	if err := fn(n); err != nil {
		return err
	}
	return t.store(n)
}

// setParent re-stamps a child's parent link when it differs.
func (t *RStarTree) setParent(child, parent pagemanager.PageID) error {
	n, err := t.fetch(child)
	if err != nil {
		return err
	}
	if n.ParentPageID == parent {
		return nil
	}
	n.ParentPageID = parent
	return t.store(n)
}

func (t *RStarTree) setRoot(rootID pagemanager.PageID) error {
	if err := t.setParent(rootID, pagemanager.InvalidPageID); err != nil {
		return err
	}
	if t.rootID != rootID {
		t.logger.Info("root changed", zap.Int32("old_root", int32(t.rootID)), zap.Int32("new_root", int32(rootID)))
	}
	t.rootID = rootID
	return t.meta.SetRoot(rootID)
}

func (t *RStarTree) validatePoint(coords []float64) (geom.MBR, error) {
	if err := geom.ValidateCoords(coords, t.dim); err != nil {
		return geom.MBR{}, err
	}
	return geom.Point(coords)
}

// Dimension is the number of coordinates per point.
func (t *RStarTree) Dimension() int { return t.dim }

// RootPageID is the page currently holding the root.
func (t *RStarTree) RootPageID() pagemanager.PageID { return t.rootID }

// Height is the number of levels, 1 for a lone leaf root.
func (t *RStarTree) Height() (int, error) {
	root, err := t.fetch(t.rootID)
	if err != nil {
		return 0, err
	}
	return root.Level + 1, nil
}

// CacheStats exposes the node cache counters.
func (t *RStarTree) CacheStats() nodecache.Stats { return t.cache.Stats() }

// Flush writes every dirty node and the root id, then syncs both files.
func (t *RStarTree) Flush(ctx context.Context) error {
	_, span := t.tracer.Start(ctx, "RStarTree.Flush")
	defer span.End()
	if err := t.cache.FlushAll(); err != nil {
		return err
	}
	if err := t.meta.SetRoot(t.rootID); err != nil {
		return err
	}
	if err := t.meta.Sync(); err != nil {
		return err
	}
	return t.heap.Sync()
}

// Close flushes and drops the cache. The files stay open.
func (t *RStarTree) Close(ctx context.Context) error {
	if err := t.Flush(ctx); err != nil {
		return err
	}
	t.cache.Clear()
	return nil
}
