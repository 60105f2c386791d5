package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/sushant-115/rstardb/core/indexmanager"
	"github.com/sushant-115/rstardb/pkg/config"
	"github.com/sushant-115/rstardb/pkg/logger"
	"github.com/sushant-115/rstardb/pkg/telemetry"
	"go.uber.org/zap"
)

// NewRootCommand builds the rstar command tree over the given streams.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "rstar",
		Short: "rstar is a disk-resident R*-tree point index.",
		Long: `rstar stores d-dimensional point records in a paged heap file and
indexes them with a disk-resident R*-tree supporting range, k-nearest-neighbour
and skyline queries.

Every subcommand opens the heap and index files named in the configuration,
creating them on first use.
`,
		SilenceUsage: true,
	}
	addPersistentFlags(rc.PersistentFlags())

	rc.AddCommand(newShellCommand(stdin, stdout, stderr))
	rc.AddCommand(newBulkLoadCommand(stdin, stdout, stderr))
	rc.AddCommand(newVerifyCommand(stdin, stdout, stderr))
	rc.AddCommand(newCheckCommand(stdin, stdout, stderr))
	rc.AddCommand(newStatsCommand(stdin, stdout, stderr))
	rc.AddCommand(newSnapshotCommand(stdin, stdout, stderr))

	rc.SetIn(stdin)
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

func addPersistentFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "Configuration file to read from.")
	fs.String("log-level", "", "Override the configured log level (debug, info, warn, error).")
}

// environment is everything a subcommand needs, opened from the persistent flags.
type environment struct {
	cfg      *config.Config
	logger   *zap.Logger
	index    indexmanager.IndexManager
	shutdown telemetry.ShutdownFunc
}

func openEnvironment(cmd *cobra.Command) (*environment, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("problem getting config flag: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("problem getting log-level flag: %v", err)
	}
	if level != "" {
		cfg.Logger.Level = level
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("failed to start telemetry: %w", err)
	}
	index, err := indexmanager.Open(cfg, log, tel)
	if err != nil {
		_ = shutdown(context.Background())
		log.Sync()
		return nil, err
	}
	return &environment{cfg: cfg, logger: log, index: index, shutdown: shutdown}, nil
}

func (e *environment) close(ctx context.Context) error {
	err := e.index.Close(ctx)
	if serr := e.shutdown(ctx); serr != nil && err == nil {
		err = serr
	}
	e.logger.Sync()
	return err
}

// withEnvironment wraps a subcommand body with opening and closing the index.
func withEnvironment(run func(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		env, err := openEnvironment(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		runErr := run(ctx, env, cmd, args)
		if err := env.close(ctx); err != nil && runErr == nil {
			runErr = err
		}
		return runErr
	}
}
