package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are the index metrics. A nil *Instruments records nothing, so
// components can be built without telemetry.
type Instruments struct {
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	cacheEvictions  metric.Int64Counter
	cacheWriteBacks metric.Int64Counter
	splits          metric.Int64Counter
	reinsertions    metric.Int64Counter
	condensedNodes  metric.Int64Counter
	opDuration      metric.Float64Histogram
}

// NewInstruments registers the index counters and histogram on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		inst Instruments
		err  error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&inst.cacheHits, "rstar.cache.hits", "Node cache lookups served from memory."},
		{&inst.cacheMisses, "rstar.cache.misses", "Node cache lookups that read the index file."},
		{&inst.cacheEvictions, "rstar.cache.evictions", "Nodes evicted from the node cache."},
		{&inst.cacheWriteBacks, "rstar.cache.writebacks", "Dirty nodes written back to the index file."},
		{&inst.splits, "rstar.tree.splits", "Node splits."},
		{&inst.reinsertions, "rstar.tree.reinsertions", "Forced reinsertions."},
		{&inst.condensedNodes, "rstar.tree.condensed_nodes", "Underfull nodes dissolved while condensing after a delete."},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", c.name, err)
		}
	}
	inst.opDuration, err = meter.Float64Histogram("rstar.op.duration",
		metric.WithDescription("Duration of public tree operations."),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram rstar.op.duration: %w", err)
	}
	return &inst, nil
}

// CacheHit counts a node served from the cache.
func (i *Instruments) CacheHit(ctx context.Context) {
	if i != nil {
		i.cacheHits.Add(ctx, 1)
	}
}

// CacheMiss counts a node read from the index file.
func (i *Instruments) CacheMiss(ctx context.Context) {
	if i != nil {
		i.cacheMisses.Add(ctx, 1)
	}
}

// CacheEviction counts an eviction and, if wroteBack, its write-back.
func (i *Instruments) CacheEviction(ctx context.Context, wroteBack bool) {
	if i == nil {
		return
	}
	i.cacheEvictions.Add(ctx, 1)
	if wroteBack {
		i.cacheWriteBacks.Add(ctx, 1)
	}
}

// Split counts a node split at level.
func (i *Instruments) Split(ctx context.Context, level int) {
	if i != nil {
		i.splits.Add(ctx, 1, metric.WithAttributes(attribute.Int("level", level)))
	}
}

// Reinsertion counts a forced reinsertion from a node at level.
func (i *Instruments) Reinsertion(ctx context.Context, level int) {
	if i != nil {
		i.reinsertions.Add(ctx, 1, metric.WithAttributes(attribute.Int("level", level)))
	}
}

// Condensed adds the number of nodes dissolved by one delete.
func (i *Instruments) Condensed(ctx context.Context, nodes int) {
	if i != nil && nodes > 0 {
		i.condensedNodes.Add(ctx, int64(nodes))
	}
}

// ObserveOp records how long the named operation took since start.
func (i *Instruments) ObserveOp(ctx context.Context, op string, start time.Time) {
	if i != nil {
		i.opDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000,
			metric.WithAttributes(attribute.String("op", op)))
	}
}
