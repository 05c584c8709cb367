package main

import (
	"fmt"
	"io"

	"TicketForge/internal/biz"
	"TicketForge/internal/conf"
	"TicketForge/internal/data"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root ticketctl command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ticketctl",
		Short: "Inspect and manage TicketForge ticket tracking state",
		Long: "ticketctl reads and edits the ticket tracking snapshot shared with the TicketForge service.\n" +
			"Stop the service before editing: it rewrites the snapshot on its next flush.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().String("snapshot", "", "snapshot file to use instead of the configured backend")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newStatusCmd(),
		newFailedCmd(),
		newExhaustedCmd(),
		newShowCmd(),
		newRetryCmd(),
		newClearCmd(),
		newResetCmd(),
	)

	return root
}

// session is a tracker opened over the configured snapshot store.
type session struct {
	tracker *biz.TicketTracker
	cleanup func()
}

func (s *session) Close() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

// openSession loads the configuration and builds the tracker the same way
// the service does, so both sides agree on backend, retry policy and audit.
func openSession(cmd *cobra.Command) (*session, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	snapshotPath, _ := cmd.Flags().GetString("snapshot")
	verbose, _ := cmd.Flags().GetBool("verbose")

	bc, err := conf.NewBootstrap(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if snapshotPath != "" {
		bc.Data.Snapshot = &conf.Snapshot{Backend: data.SnapshotBackendFile, Path: snapshotPath}
	}

	logger := newLogger(cmd.ErrOrStderr(), verbose)

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// redis/mysql 未配置时返回 nil，连接失败也不致命
	rdb, redisCleanup, err := data.NewRedisClient(bc.Data, logger)
	if err != nil {
		return nil, err
	}
	cleanups = append(cleanups, redisCleanup)

	db, dbCleanup, err := data.NewMySQLClient(bc.Data, logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	cleanups = append(cleanups, dbCleanup)

	d, dataCleanup, err := data.NewData(bc.Data, logger, rdb, db)
	if err != nil {
		cleanup()
		return nil, err
	}
	cleanups = append(cleanups, dataCleanup)

	store, err := data.NewSnapshotStore(bc.Data, d, logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	audit, auditCleanup := data.NewAuditLogger(d, logger)
	cleanups = append(cleanups, auditCleanup)

	metrics := biz.NewMetricsCollectorFromConf(bc.Monitor)
	tracker := biz.NewTicketTracker(bc.Tracker, store, audit, metrics, logger)

	return &session{tracker: tracker, cleanup: cleanup}, nil
}

// newLogger writes warnings and errors to w; debug output needs --verbose.
func newLogger(w io.Writer, verbose bool) log.Logger {
	level := log.LevelWarn
	if verbose {
		level = log.LevelDebug
	}
	return log.NewFilter(log.NewStdLogger(w), log.FilterLevel(level))
}

func warnServiceRunning(cmd *cobra.Command) {
	fmt.Fprintln(cmd.ErrOrStderr(), "note: make sure the TicketForge service is stopped, it overwrites the snapshot on its next flush")
}
