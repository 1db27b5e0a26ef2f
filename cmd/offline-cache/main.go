package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/syncqueue"
)

const memoryDB = "memory"

var (
	// CLI flags
	configFilenameFlag string
	originFlag         string
	hostFlag           string
	portFlag           int
	dbFilenameFlag     string
	queueFilenameFlag  string
	verbosityTraceFlag bool
	logFilenameFlag    string
	pruneSyncedFlag    bool

	// this is set by goreleaser
	version string
)

func init() {
	if version == "" {
		version = "DEV"
	}
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "offline-cache",
		Short:         "Offline-first caching worker in front of the ELP Obras web app",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogger()
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flags.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flags.StringVar(&hostFlag, "host", "", "Hostname of origin (overrides config)")
	flags.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory cache)")
	flags.StringVar(&queueFilenameFlag, "queue-db", "", "Sync queue DB file name (use 'memory' for in-memory queue)")
	flags.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flags.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	root.AddCommand(
		newServeCommand(),
		newPrecacheCommand(),
		newPruneCommand(),
		newQueueCommand(),
		newVersionCommand(),
	)
	return root
}

func setupLogger() error {
	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return nil
}

// loadConfig layers the command line flags over file and environment config.
func loadConfig(cmd *cobra.Command) (offlinecache.Config, error) {
	config, err := offlinecache.LoadConfig(configFilenameFlag)
	if err != nil {
		return config, err
	}
	flags := cmd.Flags()
	if flags.Changed("origin") {
		config.Origin = originFlag
	}
	if flags.Changed("host") {
		config.OriginHost = hostFlag
	}
	if flags.Changed("db") {
		config.CacheDB = dbFilenameFlag
	}
	if flags.Changed("queue-db") {
		config.QueueDB = queueFilenameFlag
	}
	if flags.Lookup("port") != nil && flags.Changed("port") {
		config.Port = portFlag
	}
	return config, config.Validate()
}

// openWorker creates the worker with its storage; call the returned
// function to close everything again.
func openWorker(cmd *cobra.Command) (*offlinecache.Worker, func(), error) {
	config, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	var provider cache.Provider
	if config.CacheDB == memoryDB {
		provider = cache.NewMemoryProvider()
	} else {
		sqlite, err := cache.NewSQLiteProvider(config.CacheDB)
		if err != nil {
			return nil, nil, err
		}
		provider = sqlite
	}

	queueFilename := config.QueueDB
	if queueFilename == memoryDB {
		queueFilename = ""
	}
	queue, err := syncqueue.Open(queueFilename, log.Logger)
	if err != nil {
		provider.Close()
		return nil, nil, err
	}

	worker, err := offlinecache.New(offlinecache.Options{
		Config:   config,
		Provider: provider,
		Queue:    queue,
		Logger:   &log.Logger,
	})
	if err != nil {
		queue.Close()
		provider.Close()
		return nil, nil, err
	}
	closeAll := func() {
		if err := worker.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close worker")
		}
		if err := queue.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close queue")
		}
		if err := provider.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close cache")
		}
	}
	return worker, closeAll, nil
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Install and activate the worker, then serve traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, closeAll, err := openWorker(cmd)
			if err != nil {
				return err
			}
			defer closeAll()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := worker.Start(ctx); err != nil {
				return err
			}

			config := worker.Config()
			server := &http.Server{
				Addr:    fmt.Sprintf(":%d", config.Port),
				Handler: worker,
			}
			serverErr := make(chan error, 1)
			go func() {
				log.Info().Msgf("Serving port %v for %s (with hostname '%s')", config.Port, config.Origin, config.OriginHost)
				if err := server.ListenAndServe(); err != http.ErrServerClosed {
					serverErr <- err
				}
			}()

			select {
			case <-ctx.Done():
				log.Info().Msg("Shutdown signal received")
			case err := <-serverErr:
				return err
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Error shutting down server")
			}
			log.Info().Msg("Shutdown complete")
			return nil
		},
	}
	cmd.Flags().IntVar(&portFlag, "port", 8080, "Port to listen on (overrides config)")
	return cmd
}

func newPrecacheCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "precache",
		Short: "Fill the current static partition without activating",
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, closeAll, err := openWorker(cmd)
			if err != nil {
				return err
			}
			defer closeAll()

			report, err := worker.Precache(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "precached %d resources\n", report.Precached)
			for _, u := range report.Failed {
				fmt.Fprintf(out, "failed: %s\n", u)
			}
			return nil
		},
	}
}

func newPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete partitions of other versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, closeAll, err := openWorker(cmd)
			if err != nil {
				return err
			}
			defer closeAll()

			deleted, err := worker.Registry().DeleteAllExcept(cmd.Context(), worker.Config().CurrentCacheNames()...)
			if err != nil {
				return err
			}
			for _, name := range deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "deleted: %s\n", name)
			}
			return nil
		},
	}
}

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the background sync queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, closeAll, err := openWorker(cmd)
			if err != nil {
				return err
			}
			defer closeAll()

			ctx := cmd.Context()
			queue := worker.Queue()
			if pruneSyncedFlag {
				n, err := queue.PruneSynced(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d synced submissions\n", n)
			}
			items, err := queue.All(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, item := range items {
				fmt.Fprintf(out, "%s\t%s\t%s %s\t%s\tattempts=%d\t%s\n",
					item.ID, item.Tag, item.Method, item.URL, item.State, item.Attempts, item.LastError)
			}
			counts, err := queue.Counts(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "pending=%d syncing=%d synced=%d failed-retryable=%d\n",
				counts[syncqueue.StatePending], counts[syncqueue.StateSyncing],
				counts[syncqueue.StateSynced], counts[syncqueue.StateRetrying])
			return nil
		},
	}
	cmd.Flags().BoolVar(&pruneSyncedFlag, "prune-synced", false, "Remove synced submissions first")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
