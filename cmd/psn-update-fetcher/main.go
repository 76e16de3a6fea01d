package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vertextoedge/psn-update-fetcher/internal/adapter/filesystem"
	"github.com/vertextoedge/psn-update-fetcher/internal/adapter/psn"
	"github.com/vertextoedge/psn-update-fetcher/internal/adapter/sqlite"
	"github.com/vertextoedge/psn-update-fetcher/internal/config"
	"github.com/vertextoedge/psn-update-fetcher/internal/domain"
	"github.com/vertextoedge/psn-update-fetcher/internal/logger"
	"github.com/vertextoedge/psn-update-fetcher/internal/service/downloader"
	"github.com/vertextoedge/psn-update-fetcher/internal/service/maintenance"
	"github.com/vertextoedge/psn-update-fetcher/internal/service/merger"
	"github.com/vertextoedge/psn-update-fetcher/internal/service/queue"
	"github.com/vertextoedge/psn-update-fetcher/internal/service/resolver"
	"go.uber.org/zap"
)

const version = "0.1.0"

// errDownloadsFailed makes the process exit non-zero after the summary
// has been printed
var errDownloadsFailed = errors.New("some updates could not be downloaded")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type fetchOptions struct {
	configPath string
	titles     []string
	silent     bool
}

func newRootCommand() *cobra.Command {
	opts := &fetchOptions{}

	cmd := &cobra.Command{
		Use:     "psn-update-fetcher",
		Short:   "Search and download game updates from the PSN update servers",
		Version: version,
		Long: `Search and download game updates from the PSN update servers.

Examples:
  psn-update-fetcher -t "BLUS30035 NPUB30493"
  psn-update-fetcher -t CUSA00001 -s -d /srv/updates`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (default: ./psn-update-fetcher.yaml if present)")
	cmd.PersistentFlags().StringP("destination-path", "d", "pkgs/", "Target folder to save the downloaded update files to")
	cmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")

	cmd.Flags().StringArrayVarP(&opts.titles, "titles", "t", nil, "The serial(s) you want to search for, in quotes and separated by spaces")
	cmd.Flags().BoolVarP(&opts.silent, "silent", "s", false, "Downloads all available updates printing only errors, without needing user intervention")
	cmd.Flags().Int("concurrency", 3, "Number of packages downloaded at the same time")
	_ = cmd.MarkFlagRequired("titles")

	cmd.AddCommand(newHistoryCommand(&opts.configPath))

	return cmd
}

// setup loads configuration and initializes the logger
func setup(cmd *cobra.Command, configPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, logger.GetZapLogger(), nil
}

func runFetch(cmd *cobra.Command, opts *fetchOptions) error {
	cfg, zapLogger, err := setup(cmd, opts.configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	out := cmd.OutOrStdout()
	serials := splitSerials(opts.titles)

	zapLogger.Info("starting psn-update-fetcher",
		zap.String("version", version),
		zap.Strings("titles", serials),
		zap.Bool("silent", opts.silent),
		zap.String("destination", cfg.Download.Destination))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize filesystem manager
	fsManager, err := filesystem.NewManagerWithBufferSize(cfg.Download.Destination, cfg.Download.GetBufferSize(), zapLogger)
	if err != nil {
		return fmt.Errorf("failed to create filesystem manager: %w", err)
	}

	// Open task ledger
	store, err := sqlite.Open(cfg.GetDatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open task database: %w", err)
	}
	defer store.Close()

	// Recover from interrupted runs before queueing anything new
	maintenance.New(&maintenance.Config{
		StaleTaskTimeout:   cfg.Queue.GetStaleTaskTimeout(),
		FinishedTaskMaxAge: cfg.Queue.GetFinishedTaskMaxAge(),
	}, store, fsManager, zapLogger).RunOnce()

	client := psn.NewClient(&psn.ClientConfig{
		SkipTLSVerify:  cfg.PSN.SkipTLSVerify,
		RequestTimeout: cfg.PSN.GetRequestTimeout(),
		BufferSizeMB:   cfg.Download.BufferSizeMB,
	}, zapLogger)

	endpoints := psn.Endpoints{
		PS3BaseURL: cfg.PSN.PS3BaseURL,
		PS4BaseURL: cfg.PSN.PS4BaseURL,
		HMACKey:    cfg.PSN.HMACKey,
	}

	if opts.silent {
		zapLogger.Info("running in silent mode")
	} else {
		fmt.Fprintln(out, "Searching for updates...")
		fmt.Fprintln(out)
	}

	updates := resolveAll(ctx, resolver.New(client, endpoints, zapLogger), serials, out)
	if len(updates) == 0 {
		return nil
	}

	q := queue.New(&queue.Config{
		ConcurrentDownloads: cfg.Queue.ConcurrentDownloads,
		MaxRetries:          cfg.Queue.MaxRetries,
		RetryBackoff:        cfg.Queue.GetRetryBackoff(),
		PollInterval:        cfg.Queue.GetPollInterval(),
	}, store,
		downloader.New(client, fsManager, zapLogger, cfg.Download.GetProgressInterval()),
		merger.New(fsManager, zapLogger),
		zapLogger)

	in := bufio.NewReader(cmd.InOrStdin())
	var totalBytes uint64
	for _, update := range updates {
		var selection []int
		if !opts.silent {
			fmt.Fprintln(out, updateHeader(update))
			for i, pkg := range update.Packages {
				fmt.Fprintln(out, packageLine(i, pkg))
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Enter the updates you want to download, separated by a space (ie: 1 3 4 5). An empty input will download all updates.")

			line, err := in.ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("failed to read selection: %w", err)
			}
			selection = parseSelection(line, len(update.Packages))
			zapLogger.Info("user selection", zap.String("title_id", update.TitleID), zap.Ints("selection", selection))

			fmt.Fprintf(out, "%s - Downloading update(s): %s\n\n", titleLabel(update), selectedVersions(update, selection))
		}

		if _, err := q.Enqueue(update, selection); err != nil {
			return fmt.Errorf("failed to queue updates for %s: %w", update.TitleID, err)
		}
		totalBytes += selectedSize(update, selection)
	}

	observer := newProgressObserver(out, opts.silent, totalBytes)
	summary, err := q.Run(ctx, observer)
	observer.Finish()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(out, "Interrupted, unfinished downloads will resume on the next run.")
			return nil
		}
		return err
	}

	if !opts.silent {
		fmt.Fprintln(out, summaryLine(summary))
	}
	if summary.Failed > 0 || summary.MergeErrs > 0 {
		return errDownloadsFailed
	}
	return nil
}

// resolveAll looks up every serial concurrently and prints failures in
// input order. Successful lookups are returned in input order.
func resolveAll(ctx context.Context, r *resolver.Resolver, serials []string, out io.Writer) []*domain.UpdateInfo {
	type result struct {
		update *domain.UpdateInfo
		err    error
	}

	results := make([]result, len(serials))
	var wg sync.WaitGroup
	for i, serial := range serials {
		wg.Add(1)
		go func() {
			defer wg.Done()
			update, err := r.Resolve(ctx, serial)
			results[i] = result{update: update, err: err}
		}()
	}
	wg.Wait()

	updates := make([]*domain.UpdateInfo, 0, len(serials))
	for i, res := range results {
		if res.err != nil {
			fmt.Fprintln(out, describeResolveError(serials[i], res.err))
			continue
		}
		updates = append(updates, res.update)
	}
	return updates
}

// splitSerials accepts both repeated flags and a single quoted,
// space separated list
func splitSerials(titles []string) []string {
	var serials []string
	for _, t := range titles {
		serials = append(serials, strings.Fields(t)...)
	}
	return serials
}

func newHistoryCommand(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent download tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(cmd, *configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, err := sqlite.Open(cfg.GetDatabasePath())
			if err != nil {
				return fmt.Errorf("failed to open task database: %w", err)
			}
			defer store.Close()

			tasks, err := store.ListTasks(limit)
			if err != nil {
				return fmt.Errorf("failed to list tasks: %w", err)
			}

			return writeHistory(cmd.OutOrStdout(), tasks, time.Now())
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of tasks to list")

	return cmd
}
