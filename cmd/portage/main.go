package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/portage/pkg/config"
	"github.com/cuemby/portage/pkg/events"
	"github.com/cuemby/portage/pkg/log"
	"github.com/cuemby/portage/pkg/manager"
	"github.com/cuemby/portage/pkg/metrics"
	"github.com/cuemby/portage/pkg/scanner"
	"github.com/cuemby/portage/pkg/stats"
	"github.com/cuemby/portage/pkg/storage"
	"github.com/cuemby/portage/pkg/types"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "portage",
	Short:   "Portage - managed, resumable file-replication service",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("Portage version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "portage.yaml", "Path to the YAML configuration file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(bucketCmd)
	rootCmd.AddCommand(conflictCmd)
	rootCmd.AddCommand(retryCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func openStore(cfg config.Config) (*storage.Store, *stats.Ledger, error) {
	ledger := stats.New()
	store, err := storage.Open(cfg.DatabasePath, ledger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open queue store: %w", err)
	}
	return store, ledger, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bucket manager, restoring any buckets left running at last shutdown",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		store, _, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		broker := events.NewBroker(500 * time.Millisecond)
		broker.Start()
		defer broker.Stop()

		mgr, err := manager.New(cfg, store, broker)
		if err != nil {
			return fmt.Errorf("failed to construct manager: %w", err)
		}
		if err := mgr.LoadAll(); err != nil {
			return fmt.Errorf("failed to load buckets: %w", err)
		}
		if err := mgr.RestoreState(); err != nil {
			return fmt.Errorf("failed to restore bucket state: %w", err)
		}

		for _, def := range cfg.Buckets {
			bucket := &types.Bucket{Name: def.Name, SourceFolders: def.SourceFolders, DestFolder: def.DestFolder, WorkerCount: def.WorkerCount}
			if _, err := mgr.CreateBucket(bucket); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to bootstrap bucket %q: %v\n", def.Name, err)
			}
		}

		metricsAddr := "127.0.0.1:9090"
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
			}
		}()
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)
		fmt.Println("Portage is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		buckets, err := store.ListBuckets()
		if err != nil {
			return fmt.Errorf("failed to list buckets: %w", err)
		}
		if err := mgr.StopAll(); err != nil {
			return fmt.Errorf("failed to stop all buckets: %w", err)
		}
		// StopAll persists every bucket as stopped; put back the running
		// status so the next serve's RestoreState starts them again.
		for _, b := range buckets {
			if b.Status != types.BucketRunning {
				continue
			}
			if err := store.UpdateBucketStatus(b.ID, types.BucketRunning); err != nil {
				return fmt.Errorf("failed to persist running status of bucket %d: %w", b.ID, err)
			}
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

var bucketCmd = &cobra.Command{
	Use:   "bucket",
	Short: "Manage replication buckets",
}

var bucketCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a new bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, _, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		sources, _ := cmd.Flags().GetStringSlice("source")
		dest, _ := cmd.Flags().GetString("dest")
		workers, _ := cmd.Flags().GetInt("workers")
		if workers == 0 {
			workers = cfg.WorkerDefaultCount
		}

		broker := events.NewBroker(0)
		mgr, err := manager.New(cfg, store, broker)
		if err != nil {
			return err
		}

		bucket := &types.Bucket{Name: args[0], SourceFolders: sources, DestFolder: dest, WorkerCount: workers}
		created, err := mgr.CreateBucket(bucket)
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}

		fmt.Printf("✓ Bucket created: %s (id=%d)\n", created.Name, created.ID)
		return nil
	},
}

var bucketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List buckets",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, _, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		buckets, err := store.ListBuckets()
		if err != nil {
			return fmt.Errorf("failed to list buckets: %w", err)
		}
		if len(buckets) == 0 {
			fmt.Println("No buckets found")
			return nil
		}

		fmt.Printf("%-6s %-20s %-10s %-8s %s\n", "ID", "NAME", "STATUS", "WORKERS", "SOURCES")
		for _, b := range buckets {
			fmt.Printf("%-6d %-20s %-10s %-8d %s\n", b.ID, b.Name, b.Status, b.WorkerCount, strings.Join(b.SourceFolders, ","))
		}
		return nil
	},
}

var bucketStatsCmd = &cobra.Command{
	Use:   "stats ID",
	Short: "Show per-folder, per-status counts for a bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, _, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid bucket id %q", args[0])
		}

		folderStats, err := store.FolderStatsCached(id)
		if err != nil {
			return fmt.Errorf("failed to load folder stats: %w", err)
		}
		if len(folderStats) == 0 {
			fmt.Println("No queued files for this bucket")
			return nil
		}

		fmt.Printf("%-40s %-8s %-11s %-9s %-6s %s\n", "FOLDER", "PENDING", "IN_PROGRESS", "COMPLETED", "ERROR", "CONFLICT")
		for folder, counts := range folderStats {
			fmt.Printf("%-40s %-8d %-11d %-9d %-6d %d\n", folder,
				counts.ByStatus[types.EntryPending], counts.ByStatus[types.EntryInProgress],
				counts.ByStatus[types.EntryCompleted], counts.ByStatus[types.EntryError],
				counts.ByStatus[types.EntryConflict])
		}
		return nil
	},
}

var bucketScanCmd = &cobra.Command{
	Use:   "scan ID",
	Short: "Scan a bucket's source folders and enqueue any new files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, _, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid bucket id %q", args[0])
		}
		bucket, err := store.GetBucket(id)
		if err != nil {
			return fmt.Errorf("failed to load bucket: %w", err)
		}

		total := 0
		for _, folder := range bucket.SourceFolders {
			n, err := scanner.Scan(store, id, folder, scanner.Options{
				Recursive:         cfg.ScanRecursive,
				IgnorePatterns:    cfg.ScanIgnorePatterns,
				FastPathSizeMatch: cfg.FastPathSizeMatch,
				DestFolder:        bucket.DestFolder,
			})
			if err != nil {
				return fmt.Errorf("failed to scan %s: %w", folder, err)
			}
			total += n
		}
		fmt.Printf("✓ Scanned bucket %d: %d new files enqueued\n", id, total)
		return nil
	},
}

func bucketLifecycleCmd(use, short string, apply func(*manager.Manager, int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, _, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid bucket id %q", args[0])
			}

			broker := events.NewBroker(0)
			mgr, err := manager.New(cfg, store, broker)
			if err != nil {
				return err
			}
			if err := mgr.LoadAll(); err != nil {
				return err
			}
			if err := apply(mgr, id); err != nil {
				return fmt.Errorf("%s failed: %w", use, err)
			}
			fmt.Printf("✓ Bucket %d: %s\n", id, use)
			return nil
		},
	}
}

func init() {
	bucketCreateCmd.Flags().StringSlice("source", nil, "Source folder (repeatable)")
	bucketCreateCmd.Flags().String("dest", "", "Destination folder")
	bucketCreateCmd.Flags().Int("workers", 0, "Worker cap (defaults to config's workerDefaultCount)")
	bucketCreateCmd.MarkFlagRequired("source")
	bucketCreateCmd.MarkFlagRequired("dest")

	bucketCmd.AddCommand(bucketCreateCmd)
	bucketCmd.AddCommand(bucketListCmd)
	bucketCmd.AddCommand(bucketStatsCmd)
	bucketCmd.AddCommand(bucketScanCmd)
	bucketCmd.AddCommand(bucketLifecycleCmd("start", "Start a bucket's scheduler", (*manager.Manager).Start))
	bucketCmd.AddCommand(bucketLifecycleCmd("pause", "Pause a bucket's scheduler", (*manager.Manager).Pause))
	bucketCmd.AddCommand(bucketLifecycleCmd("resume", "Resume a bucket's scheduler", (*manager.Manager).Resume))
	bucketCmd.AddCommand(bucketLifecycleCmd("stop", "Stop a bucket's scheduler", (*manager.Manager).Stop))
}

var conflictCmd = &cobra.Command{
	Use:   "conflict",
	Short: "Resolve queue entries stuck in conflict",
}

var conflictResolveCmd = &cobra.Command{
	Use:   "resolve BUCKET_ID ENTRY_ID",
	Short: "Resolve one conflict row with --action overwrite|skip",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, _, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		bucketID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid bucket id %q", args[0])
		}
		entryID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid entry id %q", args[1])
		}
		action, _ := cmd.Flags().GetString("action")

		if err := store.ResolveConflict(bucketID, entryID, types.ConflictAction(action)); err != nil {
			return fmt.Errorf("failed to resolve conflict: %w", err)
		}
		fmt.Printf("✓ Conflict resolved for entry %d (%s)\n", entryID, action)
		return nil
	},
}

func init() {
	conflictResolveCmd.Flags().String("action", "", "overwrite or skip")
	conflictResolveCmd.MarkFlagRequired("action")
	conflictCmd.AddCommand(conflictResolveCmd)
}

var retryCmd = &cobra.Command{
	Use:   "retry BUCKET_ID ENTRY_ID",
	Short: "Retry one error row, returning it to pending",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, _, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		bucketID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid bucket id %q", args[0])
		}
		entryID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid entry id %q", args[1])
		}

		if err := store.RetryError(bucketID, entryID); err != nil {
			return fmt.Errorf("failed to retry entry: %w", err)
		}
		fmt.Printf("✓ Entry %d returned to pending\n", entryID)
		return nil
	},
}
