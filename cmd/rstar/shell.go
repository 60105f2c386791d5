package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/sushant-115/rstardb/core/storage_engine/heapfile"
	flushmanager "github.com/sushant-115/rstardb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/rstardb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

const (
	promptBegin string = "rstar> "
	exitCommand string = "exit"
)

const shellHelp = `commands:
  insert <id> <name> <c1> ... <cd>   add a record
  delete <block> <slot>              remove a record
  get <block> <slot>                 print a record
  range <min1> ... <mind> <max1> ... <maxd>
  knn <k> <p1> ... <pd>
  skyline
  check | stats | flush | help | exit
`

func newShellCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var historyPath string
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell over the index",
		Args:  cobra.NoArgs,
		RunE: withEnvironment(func(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
			rl, err := readline.NewEx(&readline.Config{
				Prompt:       promptBegin,
				HistoryFile:  historyPath,
				HistoryLimit: 10000,

				Stdin:  io.NopCloser(stdin),
				Stdout: stdout,
				Stderr: stderr,
			})
			if err != nil {
				return fmt.Errorf("getting readline: %w", err)
			}
			defer rl.Close()

			sh := &shell{env: env, out: rl.Stdout(), session: uuid.NewString()}
			env.logger.Info("shell session started", zap.String("session_id", sh.session))
			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					continue
				}
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("reading line: %w", err)
				}
				quit, err := sh.exec(ctx, line)
				if err != nil {
					fmt.Fprintf(sh.out, "error: %v\n", err)
				}
				if quit {
					return nil
				}
			}
		}),
	}
	cmd.Flags().StringVar(&historyPath, "history", "", "File to keep command history in.")
	return cmd
}

type shell struct {
	env     *environment
	out     io.Writer
	session string
}

// exec runs one shell line. quit is true after exit.
func (s *shell) exec(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	index := s.env.index
	dim := index.Dimension()
	name, args := strings.ToLower(fields[0]), fields[1:]

	switch name {
	case exitCommand, "quit":
		return true, nil

	case "help":
		fmt.Fprint(s.out, shellHelp)

	case "insert":
		if len(args) != dim+2 {
			return false, fmt.Errorf("usage: insert <id> <name> <c1> ... <c%d>", dim)
		}
		rec, err := parseRecord(args[0], args[1], args[2:], dim)
		if err != nil {
			return false, err
		}
		ptr, err := index.Insert(ctx, rec)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "inserted at %s\n", ptr)

	case "delete":
		ptr, err := parsePointer(args)
		if err != nil {
			return false, err
		}
		if err := index.Delete(ctx, ptr); err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "deleted %s\n", ptr)

	case "get":
		ptr, err := parsePointer(args)
		if err != nil {
			return false, err
		}
		rec, err := index.ReadRecord(ptr)
		if err != nil {
			return false, err
		}
		s.printRecord(ptr, rec, "")

	case "range":
		if len(args) != 2*dim {
			return false, fmt.Errorf("usage: range <min1> ... <min%d> <max1> ... <max%d>", dim, dim)
		}
		min, err := parseFloats(args[:dim], dim)
		if err != nil {
			return false, err
		}
		max, err := parseFloats(args[dim:], dim)
		if err != nil {
			return false, err
		}
		ptrs, err := index.RangeQuery(ctx, min, max)
		if err != nil {
			return false, err
		}
		return false, s.printPointers(ptrs)

	case "knn":
		if len(args) != dim+1 {
			return false, fmt.Errorf("usage: knn <k> <p1> ... <p%d>", dim)
		}
		k, err := strconv.Atoi(args[0])
		if err != nil {
			return false, fmt.Errorf("%w: bad k %q", flushmanager.ErrInvalidInput, args[0])
		}
		p, err := parseFloats(args[1:], dim)
		if err != nil {
			return false, err
		}
		neighbors, err := index.KNNQuery(ctx, p, k)
		if err != nil {
			return false, err
		}
		for _, n := range neighbors {
			rec, err := index.ReadRecord(n.Pointer)
			if err != nil {
				return false, err
			}
			s.printRecord(n.Pointer, rec, fmt.Sprintf("  dist=%.6g", n.Distance))
		}
		fmt.Fprintf(s.out, "(%d results)\n", len(neighbors))

	case "skyline":
		ptrs, err := index.SkylineQuery(ctx)
		if err != nil {
			return false, err
		}
		return false, s.printPointers(ptrs)

	case "check":
		if err := index.Check(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, "ok")

	case "stats":
		stats, err := index.Stats(ctx)
		if err != nil {
			return false, err
		}
		printStats(s.out, stats)

	case "flush":
		if err := index.Flush(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, "flushed")

	default:
		return false, fmt.Errorf("unknown command %q (try help)", name)
	}
	return false, nil
}

func (s *shell) printPointers(ptrs []heapfile.RecordPointer) error {
	for _, ptr := range ptrs {
		rec, err := s.env.index.ReadRecord(ptr)
		if err != nil {
			return err
		}
		s.printRecord(ptr, rec, "")
	}
	fmt.Fprintf(s.out, "(%d results)\n", len(ptrs))
	return nil
}

func (s *shell) printRecord(ptr heapfile.RecordPointer, rec heapfile.Record, suffix string) {
	fmt.Fprintf(s.out, "%s id=%d name=%q coords=%v%s\n", ptr, rec.ID, rec.Name, rec.Coords, suffix)
}

func parsePointer(args []string) (heapfile.RecordPointer, error) {
	if len(args) != 2 {
		return heapfile.RecordPointer{}, fmt.Errorf("usage: <block> <slot>")
	}
	block, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		return heapfile.RecordPointer{}, fmt.Errorf("%w: bad block %q", flushmanager.ErrInvalidInput, args[0])
	}
	slot, err := strconv.ParseInt(args[1], 10, 32)
	if err != nil {
		return heapfile.RecordPointer{}, fmt.Errorf("%w: bad slot %q", flushmanager.ErrInvalidInput, args[1])
	}
	return heapfile.RecordPointer{BlockID: pagemanager.PageID(block), SlotID: int32(slot)}, nil
}
