package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/sushant-115/rstardb/core/indexmanager"
	"github.com/sushant-115/rstardb/core/storage_engine/heapfile"
	flushmanager "github.com/sushant-115/rstardb/core/write_engine/flush_manager"
	"go.uber.org/zap"
)

func newBulkLoadCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var header, incremental bool
	cmd := &cobra.Command{
		Use:   "bulkload <csv>",
		Short: "Load id,name,c1,...,cd rows from a CSV file",
		Long: `Reads records from a CSV file (use - for stdin) whose rows are
id,name,c1,...,cd and loads them into the index. An empty index is packed
bottom-up; --incremental inserts the rows one by one instead and works on a
non-empty index.
`,
		Args: cobra.ExactArgs(1),
		RunE: withEnvironment(func(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
			var in io.Reader = stdin
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			recs, err := readCSV(in, env.index.Dimension(), header)
			if err != nil {
				return err
			}

			if incremental {
				for _, rec := range recs {
					if _, err := env.index.Insert(ctx, rec); err != nil {
						return fmt.Errorf("record %d: %w", rec.ID, err)
					}
				}
			} else if err := env.index.BulkLoad(ctx, recs); err != nil {
				if errors.Is(err, flushmanager.ErrTreeNotEmpty) {
					return fmt.Errorf("%w (use --incremental to add to an existing index)", err)
				}
				return err
			}
			env.logger.Info("bulk load finished", zap.Int("records", len(recs)), zap.Bool("incremental", incremental))
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %s records\n", humanize.Comma(int64(len(recs))))
			return nil
		}),
	}
	cmd.Flags().BoolVar(&header, "header", false, "Skip the first row.")
	cmd.Flags().BoolVar(&incremental, "incremental", false, "Insert rows one at a time.")
	return cmd
}

// readCSV parses id,name,c1,...,cd rows.
func readCSV(in io.Reader, dim int, header bool) ([]heapfile.Record, error) {
	r := csv.NewReader(in)
	r.FieldsPerRecord = dim + 2
	if header {
		// The header may carry any number of columns.
		r.FieldsPerRecord = -1
	}
	r.TrimLeadingSpace = true

	var recs []heapfile.Record
	for line := 1; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return recs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", flushmanager.ErrInvalidInput, err)
		}
		if header && line == 1 {
			r.FieldsPerRecord = dim + 2
			continue
		}
		rec, err := parseRecord(row[0], row[1], row[2:], dim)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		recs = append(recs, rec)
	}
}

func parseRecord(id, name string, coords []string, dim int) (heapfile.Record, error) {
	rec := heapfile.Record{Name: name}
	var err error
	if rec.ID, err = strconv.ParseInt(strings.TrimSpace(id), 10, 64); err != nil {
		return heapfile.Record{}, fmt.Errorf("%w: bad id %q", flushmanager.ErrInvalidInput, id)
	}
	if rec.Coords, err = parseFloats(coords, dim); err != nil {
		return heapfile.Record{}, err
	}
	return rec, nil
}

func parseFloats(fields []string, want int) ([]float64, error) {
	if len(fields) != want {
		return nil, fmt.Errorf("%w: got %d coordinates, want %d", flushmanager.ErrDimensionMismatch, len(fields), want)
	}
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad coordinate %q", flushmanager.ErrInvalidInput, f)
		}
		out[i] = v
	}
	return out, nil
}

func newVerifyCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the tree and compare it against a heap file scan",
		Args:  cobra.NoArgs,
		RunE: withEnvironment(func(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
			report, err := env.index.Verify(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "indexed %s, scanned %s\n", humanize.Comma(int64(report.Indexed)), humanize.Comma(int64(report.Scanned)))
			for _, ptr := range report.Missing {
				fmt.Fprintf(out, "missing from index: %s\n", ptr)
			}
			for _, ptr := range report.Extra {
				fmt.Fprintf(out, "not in heap file: %s\n", ptr)
			}
			if !report.OK() {
				return fmt.Errorf("%w: index and heap file disagree", flushmanager.ErrInvariant)
			}
			fmt.Fprintln(out, "ok")
			return nil
		}),
	}
}

func newCheckCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the structural invariants of the tree",
		Args:  cobra.NoArgs,
		RunE: withEnvironment(func(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
			if err := env.index.Check(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		}),
	}
}

func newStatsCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print tree, heap file and cache statistics",
		Args:  cobra.NoArgs,
		RunE: withEnvironment(func(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
			stats, err := env.index.Stats(ctx)
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), stats)
			return nil
		}),
	}
}

func printStats(out io.Writer, s indexmanager.Stats) {
	fmt.Fprintf(out, "records:      %s live in %s data pages (%s)\n",
		humanize.Comma(s.Heap.LiveRecords), humanize.Comma(int64(s.Heap.DataPages)), humanize.Bytes(uint64(s.HeapBytes)))
	fmt.Fprintf(out, "tree:         height %d, root page %d, %s leaf entries (%s)\n",
		s.Tree.Height, s.Tree.RootPageID, humanize.Comma(int64(s.Tree.LeafEntries)), humanize.Bytes(uint64(s.IndexBytes)))
	levels := make([]int, 0, len(s.Tree.NodesPerLevel))
	for level := range s.Tree.NodesPerLevel {
		levels = append(levels, level)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(levels)))
	for _, level := range levels {
		fmt.Fprintf(out, "  level %d:    %s nodes\n", level, humanize.Comma(int64(s.Tree.NodesPerLevel[level])))
	}
	fmt.Fprintf(out, "node cache:   %d resident (%d dirty), %s hits, %s misses, %s evictions, %s write-backs\n",
		s.Cache.Resident, s.Cache.Dirty,
		humanize.Comma(int64(s.Cache.Hits)), humanize.Comma(int64(s.Cache.Misses)),
		humanize.Comma(int64(s.Cache.Evictions)), humanize.Comma(int64(s.Cache.WriteBacks)))
}

func newSnapshotCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot [dir]",
		Short: "Copy the heap and index files into a directory",
		Long: `Flushes the index and copies both files into dir (or the configured
snapshot directory), rate limited and checksummed as configured.
`,
		Args: cobra.MaximumNArgs(1),
		RunE: withEnvironment(func(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			sums, err := env.index.Snapshot(ctx, dir)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(sums))
			for name := range sums {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				if sums[name] == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\n", name)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  sha256:%x\n", name, sums[name])
			}
			return nil
		}),
	}
}
