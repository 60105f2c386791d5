package spatial

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/rstardb/core/indexing/spatial/geom"
	"github.com/sushant-115/rstardb/core/indexing/spatial/nodestore"
	"github.com/sushant-115/rstardb/core/storage_engine/heapfile"
	flushmanager "github.com/sushant-115/rstardb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/rstardb/core/write_engine/page_manager"
	"github.com/sushant-115/rstardb/pkg/telemetry"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// --- Test Helpers ---

type treeFixture struct {
	dir   string
	dim   int
	opts  Options
	heap  *heapfile.HeapFile
	store *nodestore.PagedNodeStore
	tree  *RStarTree
}

func openFixture(t *testing.T, dir string, dim int, opts Options) *treeFixture {
	t.Helper()
	logger := opts.Logger
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	if opts.MaxEntries == 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MinEntries == 0 {
		opts.MinEntries = opts.MaxEntries / 2
	}
	opts.Logger = logger

	heap, err := heapfile.Open(filepath.Join(dir, "records.heap"), dim, heapfile.Options{Logger: logger})
	require.NoError(t, err)
	store, err := nodestore.Open(filepath.Join(dir, "index.rtree"), dim, opts.MaxEntries, opts.MinEntries, logger)
	require.NoError(t, err)
	tree, err := New(heap, store, opts)
	require.NoError(t, err)
	return &treeFixture{dir: dir, dim: dim, opts: opts, heap: heap, store: store, tree: tree}
}

func newFixture(t *testing.T, dim int, opts Options) *treeFixture {
	t.Helper()
	f := openFixture(t, t.TempDir(), dim, opts)
	t.Cleanup(func() { f.close(t) })
	return f
}

func (f *treeFixture) close(t *testing.T) {
	t.Helper()
	if f.tree == nil {
		return
	}
	require.NoError(t, f.tree.Close(context.Background()))
	require.NoError(t, f.store.Close())
	require.NoError(t, f.heap.Close())
	f.tree = nil
}

// reopen closes every file and opens them again from disk.
func (f *treeFixture) reopen(t *testing.T) {
	t.Helper()
	f.close(t)
	g := openFixture(t, f.dir, f.dim, f.opts)
	*f = *g
}

func randomRecords(seed int64, n, dim int) []heapfile.Record {
	rng := rand.New(rand.NewSource(seed))
	recs := make([]heapfile.Record, n)
	for i := range recs {
		coords := make([]float64, dim)
		for d := range coords {
			coords[d] = rng.Float64() * 1000
		}
		recs[i] = heapfile.Record{ID: int64(i + 1), Name: fmt.Sprintf("poi-%d", i+1), Coords: coords}
	}
	return recs
}

func insertAll(t *testing.T, tree *RStarTree, recs []heapfile.Record) []heapfile.RecordPointer {
	t.Helper()
	ptrs := make([]heapfile.RecordPointer, len(recs))
	for i, rec := range recs {
		ptr, err := tree.Insert(context.Background(), rec)
		require.NoError(t, err, "insert %d", i)
		ptrs[i] = ptr
	}
	return ptrs
}

func everything(dim int) ([]float64, []float64) {
	min, max := make([]float64, dim), make([]float64, dim)
	for i := range min {
		min[i], max[i] = math.Inf(-1), math.Inf(1)
	}
	return min, max
}

func sortPointers(ptrs []heapfile.RecordPointer) {
	sort.Slice(ptrs, func(i, j int) bool {
		if ptrs[i].BlockID != ptrs[j].BlockID {
			return ptrs[i].BlockID < ptrs[j].BlockID
		}
		return ptrs[i].SlotID < ptrs[j].SlotID
	})
}

func requireSamePointers(t *testing.T, want, got []heapfile.RecordPointer) {
	t.Helper()
	want = append([]heapfile.RecordPointer(nil), want...)
	got = append([]heapfile.RecordPointer(nil), got...)
	sortPointers(want)
	sortPointers(got)
	require.Equal(t, want, got)
}

// --- Test Cases ---

func TestRStarTree_EmptyTree(t *testing.T) {
	f := newFixture(t, 2, Options{})
	ctx := context.Background()

	height, err := f.tree.Height()
	require.NoError(t, err)
	require.Equal(t, 1, height)

	min, max := everything(2)
	ptrs, err := f.tree.RangeQuery(ctx, min, max)
	require.NoError(t, err)
	require.Empty(t, ptrs)

	neighbors, err := f.tree.KNNQuery(ctx, []float64{1, 1}, 3)
	require.NoError(t, err)
	require.Empty(t, neighbors)

	skyline, err := f.tree.SkylineQuery(ctx)
	require.NoError(t, err)
	require.Empty(t, skyline)
	require.NoError(t, f.tree.Check(ctx))
}

func TestRStarTree_IncrementalInsert200(t *testing.T) {
	f := newFixture(t, 2, Options{})
	ctx := context.Background()
	recs := randomRecords(1, 200, 2)
	ptrs := insertAll(t, f.tree, recs)

	require.NoError(t, f.tree.Check(ctx))
	stats, err := f.tree.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 200, stats.LeafEntries)
	require.GreaterOrEqual(t, stats.Height, 2)

	min, max := everything(2)
	got, err := f.tree.RangeQuery(ctx, min, max)
	require.NoError(t, err)
	requireSamePointers(t, ptrs, got)
}

// treeEvent is one split or reinsertion debug log.
type treeEvent struct {
	msg    string
	pageID pagemanager.PageID
}

// opEvents drains logs and groups the tree events by op_id in log order.
func opEvents(logs *observer.ObservedLogs) map[string][]treeEvent {
	events := map[string][]treeEvent{}
	for _, entry := range logs.TakeAll() {
		if entry.Message != "node split" && entry.Message != "forced reinsertion" {
			continue
		}
		fields := entry.ContextMap()
		opID, _ := fields["op_id"].(string)
		pageID, _ := fields["page_id"].(int32)
		events[opID] = append(events[opID], treeEvent{msg: entry.Message, pageID: pagemanager.PageID(pageID)})
	}
	return events
}

func TestRStarTree_ForcedReinsertionPolicy(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())
	inst, err := telemetry.NewInstruments(provider.Meter("test"))
	require.NoError(t, err)

	f := newFixture(t, 2, Options{MaxEntries: 4, MinEntries: 2, Logger: zap.New(core), Instruments: inst})
	ctx := context.Background()
	recs := randomRecords(11, 400, 2)

	// The first overflow is the leaf root's: it splits without reinserting.
	rootBefore := f.tree.RootPageID()
	insertAll(t, f.tree, recs[:5])
	events := opEvents(logs)
	require.Len(t, events, 1)
	for _, evs := range events {
		require.Equal(t, []treeEvent{{msg: "node split", pageID: rootBefore}}, evs)
	}
	height, err := f.tree.Height()
	require.NoError(t, err)
	require.Equal(t, 2, height)

	reinsertions, rootSplits := 0, 0
	for i, rec := range recs[5:] {
		rootBefore := f.tree.RootPageID()
		heightBefore, err := f.tree.Height()
		require.NoError(t, err)
		_, err = f.tree.Insert(ctx, rec)
		require.NoError(t, err)

		for _, evs := range opEvents(logs) {
			seen := map[pagemanager.PageID]bool{}
			for _, ev := range evs {
				if ev.msg != "forced reinsertion" {
					continue
				}
				require.False(t, seen[ev.pageID], "insert %d reinserted page %d twice", i, ev.pageID)
				seen[ev.pageID] = true
				reinsertions++
			}
			// The first event touching the old root, if any, is its split.
			for _, ev := range evs {
				if ev.pageID == rootBefore {
					require.Equal(t, "node split", ev.msg, "insert %d", i)
					break
				}
			}
		}

		heightAfter, err := f.tree.Height()
		require.NoError(t, err)
		if heightAfter > heightBefore {
			rootSplits++
		}
	}
	require.Positive(t, reinsertions)
	require.Positive(t, rootSplits)
	require.NoError(t, f.tree.Check(ctx))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	var counted int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok && m.Name == "rstar.tree.reinsertions" {
				for _, dp := range data.DataPoints {
					counted += dp.Value
				}
			}
		}
	}
	require.Equal(t, int64(reinsertions), counted)

	min, max := everything(2)
	got, err := f.tree.RangeQuery(ctx, min, max)
	require.NoError(t, err)
	require.Len(t, got, len(recs))
}

func TestRStarTree_BulkLoadNoTallerThanIncremental(t *testing.T) {
	ctx := context.Background()
	recs := randomRecords(1, 200, 2)

	incremental := newFixture(t, 2, Options{})
	insertAll(t, incremental.tree, recs)
	incHeight, err := incremental.tree.Height()
	require.NoError(t, err)

	bulk := newFixture(t, 2, Options{})
	require.NoError(t, bulk.tree.BulkLoad(ctx, recs))
	require.NoError(t, bulk.tree.Check(ctx))
	bulkHeight, err := bulk.tree.Height()
	require.NoError(t, err)
	require.LessOrEqual(t, bulkHeight, incHeight)

	min, max := everything(2)
	got, err := bulk.tree.RangeQuery(ctx, min, max)
	require.NoError(t, err)
	require.Len(t, got, 200)

	ids := make(map[int64]bool)
	for _, ptr := range got {
		rec, err := bulk.heap.ReadRecord(ptr)
		require.NoError(t, err)
		ids[rec.ID] = true
	}
	require.Len(t, ids, 200)
}

func TestRStarTree_BulkLoadDeepTree(t *testing.T) {
	f := newFixture(t, 2, Options{MaxEntries: 4, MinEntries: 2})
	ctx := context.Background()
	recs := randomRecords(7, 300, 2)
	require.NoError(t, f.tree.BulkLoad(ctx, recs))
	require.NoError(t, f.tree.Check(ctx))

	height, err := f.tree.Height()
	require.NoError(t, err)
	require.Greater(t, height, 3)

	// A bulk-loaded tree accepts further inserts and deletes.
	extra := randomRecords(8, 50, 2)
	for i := range extra {
		extra[i].ID += 1000
	}
	ptrs := insertAll(t, f.tree, extra)
	require.NoError(t, f.tree.Check(ctx))
	for i, ptr := range ptrs[:25] {
		require.NoError(t, f.tree.Delete(ctx, ptr, extra[i].Coords))
	}
	require.NoError(t, f.tree.Check(ctx))
	stats, err := f.tree.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 325, stats.LeafEntries)
}

func TestRStarTree_BulkLoadRequiresEmptyTree(t *testing.T) {
	f := newFixture(t, 2, Options{})
	ctx := context.Background()
	_, err := f.tree.Insert(ctx, heapfile.Record{ID: 1, Coords: []float64{1, 1}})
	require.NoError(t, err)

	err = f.tree.BulkLoad(ctx, randomRecords(1, 10, 2))
	require.ErrorIs(t, err, flushmanager.ErrTreeNotEmpty)
}

func TestRStarTree_InsertThenDelete(t *testing.T) {
	f := newFixture(t, 2, Options{})
	ctx := context.Background()
	recs := randomRecords(3, 120, 2)
	ptrs := insertAll(t, f.tree, recs)

	victim := 42
	require.NoError(t, f.tree.Delete(ctx, ptrs[victim], recs[victim].Coords))
	require.NoError(t, f.tree.Check(ctx))

	min, max := everything(2)
	got, err := f.tree.RangeQuery(ctx, min, max)
	require.NoError(t, err)
	require.Len(t, got, 119)
	require.NotContains(t, got, ptrs[victim])

	neighbors, err := f.tree.KNNQuery(ctx, recs[victim].Coords, 5)
	require.NoError(t, err)
	for _, n := range neighbors {
		require.NotEqual(t, ptrs[victim], n.Pointer)
	}

	rec, err := f.heap.ReadRecord(ptrs[victim])
	require.NoError(t, err)
	require.True(t, rec.IsTombstone())

	err = f.tree.Delete(ctx, ptrs[victim], recs[victim].Coords)
	require.ErrorIs(t, err, flushmanager.ErrRecordNotFound)
}

func TestRStarTree_DeleteWrongCoordsLeavesRecord(t *testing.T) {
	f := newFixture(t, 2, Options{})
	ctx := context.Background()
	ptr, err := f.tree.Insert(ctx, heapfile.Record{ID: 9, Name: "kept", Coords: []float64{3, 4}})
	require.NoError(t, err)

	err = f.tree.Delete(ctx, ptr, []float64{4, 3})
	require.ErrorIs(t, err, flushmanager.ErrRecordNotFound)

	rec, err := f.heap.ReadRecord(ptr)
	require.NoError(t, err)
	require.Equal(t, int64(9), rec.ID)
}

func TestRStarTree_DeleteMostKeepsInvariants(t *testing.T) {
	f := newFixture(t, 2, Options{MaxEntries: 6, MinEntries: 3})
	ctx := context.Background()
	recs := randomRecords(11, 400, 2)
	ptrs := insertAll(t, f.tree, recs)
	require.NoError(t, f.tree.Check(ctx))

	rng := rand.New(rand.NewSource(5))
	order := rng.Perm(len(recs))
	for i, idx := range order[:390] {
		require.NoError(t, f.tree.Delete(ctx, ptrs[idx], recs[idx].Coords), "delete #%d", i)
		if i%50 == 0 {
			require.NoError(t, f.tree.Check(ctx), "after delete #%d", i)
		}
	}
	require.NoError(t, f.tree.Check(ctx))

	want := make([]heapfile.RecordPointer, 0, 10)
	for _, idx := range order[390:] {
		want = append(want, ptrs[idx])
	}
	min, max := everything(2)
	got, err := f.tree.RangeQuery(ctx, min, max)
	require.NoError(t, err)
	requireSamePointers(t, want, got)

	for _, idx := range order[390:] {
		require.NoError(t, f.tree.Delete(ctx, ptrs[idx], recs[idx].Coords))
	}
	require.NoError(t, f.tree.Check(ctx))
	height, err := f.tree.Height()
	require.NoError(t, err)
	require.Equal(t, 1, height)
}

func TestRStarTree_RangeQueryMatchesBruteForce(t *testing.T) {
	f := newFixture(t, 3, Options{MaxEntries: 8, MinEntries: 3})
	ctx := context.Background()
	recs := randomRecords(21, 500, 3)
	ptrs := insertAll(t, f.tree, recs)
	require.NoError(t, f.tree.Check(ctx))

	rng := rand.New(rand.NewSource(9))
	for q := 0; q < 20; q++ {
		min, max := make([]float64, 3), make([]float64, 3)
		for d := 0; d < 3; d++ {
			a, b := rng.Float64()*1000, rng.Float64()*1000
			min[d], max[d] = math.Min(a, b), math.Max(a, b)
		}
		box, err := geom.New(min, max)
		require.NoError(t, err)

		var want []heapfile.RecordPointer
		for i, rec := range recs {
			if box.ContainsPoint(rec.Coords) {
				want = append(want, ptrs[i])
			}
		}
		got, err := f.tree.RangeQuery(ctx, min, max)
		require.NoError(t, err)
		requireSamePointers(t, want, got)
	}

	// Boundaries are inclusive.
	got, err := f.tree.RangeQuery(ctx, recs[0].Coords, recs[0].Coords)
	require.NoError(t, err)
	require.Contains(t, got, ptrs[0])

	// Idempotent.
	again, err := f.tree.RangeQuery(ctx, recs[0].Coords, recs[0].Coords)
	require.NoError(t, err)
	require.Equal(t, got, again)
}

func TestRStarTree_KNNMatchesBruteForce(t *testing.T) {
	f := newFixture(t, 2, Options{MaxEntries: 10, MinEntries: 4})
	ctx := context.Background()
	recs := randomRecords(31, 300, 2)
	insertAll(t, f.tree, recs)

	query := []float64{500, 500}
	dists := make([]float64, len(recs))
	for i, rec := range recs {
		dists[i] = geom.Distance(query, rec.Coords)
	}
	sort.Float64s(dists)

	neighbors, err := f.tree.KNNQuery(ctx, query, 15)
	require.NoError(t, err)
	require.Len(t, neighbors, 15)
	for i, n := range neighbors {
		require.InDelta(t, dists[i], n.Distance, 1e-9)
		if i > 0 {
			require.LessOrEqual(t, neighbors[i-1].Distance, n.Distance)
		}
		rec, err := f.heap.ReadRecord(n.Pointer)
		require.NoError(t, err)
		require.InDelta(t, n.Distance, geom.Distance(query, rec.Coords), 1e-9)
	}

	all, err := f.tree.KNNQuery(ctx, query, 1000)
	require.NoError(t, err)
	require.Len(t, all, 300)

	none, err := f.tree.KNNQuery(ctx, query, 0)
	require.NoError(t, err)
	require.Empty(t, none)

	_, err = f.tree.KNNQuery(ctx, query, -1)
	require.ErrorIs(t, err, flushmanager.ErrInvalidInput)
}

func TestRStarTree_Skyline(t *testing.T) {
	points := [][]float64{{0, 0}, {1, 5}, {5, 1}, {3, 3}, {5, 5}}
	f := newFixture(t, 2, Options{})
	ctx := context.Background()
	recs := make([]heapfile.Record, len(points))
	for i, p := range points {
		recs[i] = heapfile.Record{ID: int64(i + 1), Coords: p}
	}
	ptrs := insertAll(t, f.tree, recs)

	var want []heapfile.RecordPointer
	for i, p := range points {
		dominated := false
		for j, q := range points {
			if i != j && geom.Dominates(q, p) {
				dominated = true
			}
		}
		if !dominated {
			want = append(want, ptrs[i])
		}
	}

	got, err := f.tree.SkylineQuery(ctx)
	require.NoError(t, err)
	requireSamePointers(t, want, got)
	require.Equal(t, []heapfile.RecordPointer{ptrs[0]}, got)
}

func TestSkyline_SweepAndPairwise(t *testing.T) {
	ptr := func(slot int32) heapfile.RecordPointer { return heapfile.RecordPointer{BlockID: 1, SlotID: slot} }

	// 2-D sweep: (5,5) is dominated by (3,3); the duplicate (2,4) is kept twice.
	twoD := []SkylinePoint{
		{Pointer: ptr(0), Coords: []float64{1, 5}},
		{Pointer: ptr(1), Coords: []float64{5, 1}},
		{Pointer: ptr(2), Coords: []float64{3, 3}},
		{Pointer: ptr(3), Coords: []float64{5, 5}},
		{Pointer: ptr(4), Coords: []float64{2, 4}},
		{Pointer: ptr(5), Coords: []float64{2, 4}},
		{Pointer: ptr(6), Coords: []float64{1, 6}},
	}
	requireSamePointers(t,
		[]heapfile.RecordPointer{ptr(0), ptr(1), ptr(2), ptr(4), ptr(5)},
		Skyline(twoD))

	threeD := []SkylinePoint{
		{Pointer: ptr(0), Coords: []float64{1, 2, 3}},
		{Pointer: ptr(1), Coords: []float64{2, 2, 3}},
		{Pointer: ptr(2), Coords: []float64{3, 1, 1}},
		{Pointer: ptr(3), Coords: []float64{1, 2, 3}},
	}
	requireSamePointers(t, []heapfile.RecordPointer{ptr(0), ptr(2), ptr(3)}, Skyline(threeD))
	require.Empty(t, Skyline(nil))
}

func TestRStarTree_ReopenPersistsTree(t *testing.T) {
	dir := t.TempDir()
	opts := Options{MaxEntries: 8, MinEntries: 4}
	f := openFixture(t, dir, 2, opts)
	t.Cleanup(func() { f.close(t) })
	ctx := context.Background()

	recs := randomRecords(41, 150, 2)
	ptrs := insertAll(t, f.tree, recs)
	require.NoError(t, f.tree.Delete(ctx, ptrs[0], recs[0].Coords))
	heightBefore, err := f.tree.Height()
	require.NoError(t, err)

	f.reopen(t)

	require.NoError(t, f.tree.Check(ctx))
	heightAfter, err := f.tree.Height()
	require.NoError(t, err)
	require.Equal(t, heightBefore, heightAfter)

	min, max := everything(2)
	got, err := f.tree.RangeQuery(ctx, min, max)
	require.NoError(t, err)
	requireSamePointers(t, ptrs[1:], got)

	ptr, err := f.tree.Insert(ctx, heapfile.Record{ID: 999, Coords: []float64{1, 1}})
	require.NoError(t, err)
	// The tombstoned slot is reused.
	require.Equal(t, ptrs[0], ptr)
}

func TestRStarTree_SmallCacheForcesWriteBack(t *testing.T) {
	f := newFixture(t, 2, Options{MaxEntries: 6, MinEntries: 3, CacheCapacity: 3})
	ctx := context.Background()
	recs := randomRecords(51, 250, 2)
	ptrs := insertAll(t, f.tree, recs)
	for i := 0; i < 100; i++ {
		require.NoError(t, f.tree.Delete(ctx, ptrs[i], recs[i].Coords))
	}
	require.NoError(t, f.tree.Check(ctx))

	stats := f.tree.CacheStats()
	require.Positive(t, stats.Evictions)
	require.Positive(t, stats.WriteBacks)
	require.LessOrEqual(t, stats.Resident, 3)

	min, max := everything(2)
	got, err := f.tree.RangeQuery(ctx, min, max)
	require.NoError(t, err)
	requireSamePointers(t, ptrs[100:], got)
}

func TestRStarTree_IndexRecord(t *testing.T) {
	f := newFixture(t, 2, Options{})
	ctx := context.Background()

	ptr, err := f.heap.InsertRecord(heapfile.Record{ID: 5, Name: "loaded", Coords: []float64{7, 8}})
	require.NoError(t, err)
	require.NoError(t, f.tree.IndexRecord(ctx, ptr))

	got, err := f.tree.RangeQuery(ctx, []float64{7, 8}, []float64{7, 8})
	require.NoError(t, err)
	require.Equal(t, []heapfile.RecordPointer{ptr}, got)

	require.NoError(t, f.heap.DeleteRecord(ptr))
	err = f.tree.IndexRecord(ctx, ptr)
	require.ErrorIs(t, err, flushmanager.ErrRecordNotFound)
}

func TestRStarTree_InvalidInput(t *testing.T) {
	f := newFixture(t, 2, Options{})
	ctx := context.Background()

	_, err := f.tree.Insert(ctx, heapfile.Record{ID: 1, Coords: []float64{1}})
	require.ErrorIs(t, err, flushmanager.ErrDimensionMismatch)

	_, err = f.tree.Insert(ctx, heapfile.Record{ID: 1, Coords: []float64{1, math.NaN()}})
	require.ErrorIs(t, err, flushmanager.ErrInvalidInput)

	_, err = f.tree.RangeQuery(ctx, []float64{0}, []float64{1, 1})
	require.ErrorIs(t, err, flushmanager.ErrDimensionMismatch)

	_, err = f.tree.RangeQuery(ctx, []float64{5, 5}, []float64{1, 1})
	require.ErrorIs(t, err, flushmanager.ErrInvalidInput)

	_, err = f.tree.KNNQuery(ctx, []float64{1, 2, 3}, 1)
	require.ErrorIs(t, err, flushmanager.ErrDimensionMismatch)

	// A failed insert leaves nothing behind.
	min, max := everything(2)
	got, err := f.tree.RangeQuery(ctx, min, max)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestNew_RejectsMismatchedFiles(t *testing.T) {
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)
	heap, err := heapfile.Open(filepath.Join(dir, "records.heap"), 3, heapfile.Options{Logger: logger})
	require.NoError(t, err)
	defer heap.Close()
	store, err := nodestore.Open(filepath.Join(dir, "index.rtree"), 2, 50, 25, logger)
	require.NoError(t, err)
	defer store.Close()

	_, err = New(heap, store, Options{Logger: logger})
	require.ErrorIs(t, err, flushmanager.ErrDimensionMismatch)
}

func TestChooseSplit_RespectsMinimumFill(t *testing.T) {
	entries := make([]nodestore.Entry, 11)
	for i := range entries {
		mbr, err := geom.Point([]float64{float64(i), float64(i % 3)})
		require.NoError(t, err)
		entries[i] = nodestore.NewLeafEntry(mbr, heapfile.RecordPointer{BlockID: 1, SlotID: int32(i)})
	}
	g1, g2 := chooseSplit(entries, 4, 2)
	require.GreaterOrEqual(t, len(g1), 4)
	require.GreaterOrEqual(t, len(g2), 4)
	require.Equal(t, 11, len(g1)+len(g2))

	// Points spread along x split on x, so the halves do not overlap.
	b1, _ := geom.UnionAll(entryBoxes(g1))
	b2, _ := geom.UnionAll(entryBoxes(g2))
	require.Zero(t, b1.Overlap(b2))
}

func TestPackGroups_EvenSizes(t *testing.T) {
	entries := make([]nodestore.Entry, 51)
	groups := packGroups(entries, 50)
	require.Len(t, groups, 2)
	require.Len(t, groups[0], 26)
	require.Len(t, groups[1], 25)
}
