// ============================================================================
// ci-dispatch CLI
// ============================================================================
//
// Command structure:
//   ci-dispatch                  # root command
//   ├── serve                    # dispatcher: HTTP + gRPC + metrics
//   ├── client                   # build client: poll, claim, run over gRPC
//   │   ├── --server             # dispatcher gRPC address
//   │   ├── --build-key
//   │   ├── --name
//   │   ├── --build-config       # repeatable
//   │   └── --workers
//   ├── status                   # store statistics
//   │   └── --dump-wal           # print committed WAL records
//   ├── --config, -c             # config file (YAML, or TOML by extension)
//   └── --version
//
// serve:
//   1. Load config
//   2. Open the store (memory + WAL/snapshot, or postgres)
//   3. Build the controller with hosting and metrics
//   4. Apply the seed file
//   5. Serve HTTP and gRPC until SIGINT/SIGTERM, then close the store
//      (the memory store writes a final snapshot on close)
//
// status loads the snapshot and replays the WAL tail read-only for the memory
// driver, so it never opens a WAL that a running dispatcher owns for writing.
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/ci-dispatch/internal/config"
	"github.com/ChuLiYu/ci-dispatch/internal/controller"
	"github.com/ChuLiYu/ci-dispatch/internal/fixtures"
	"github.com/ChuLiYu/ci-dispatch/internal/hosting"
	"github.com/ChuLiYu/ci-dispatch/internal/jobmanager"
	"github.com/ChuLiYu/ci-dispatch/internal/metrics"
	"github.com/ChuLiYu/ci-dispatch/internal/rpc"
	"github.com/ChuLiYu/ci-dispatch/internal/server"
	"github.com/ChuLiYu/ci-dispatch/internal/snapshot"
	"github.com/ChuLiYu/ci-dispatch/internal/storage/postgres"
	"github.com/ChuLiYu/ci-dispatch/internal/storage/wal"
	"github.com/ChuLiYu/ci-dispatch/internal/store"
	"github.com/ChuLiYu/ci-dispatch/internal/worker"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "1.0.0"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ci-dispatch",
		Short: "ci-dispatch: a CI job dispatcher and build client",
		Long: `ci-dispatch turns repository events into build jobs and hands them
to build clients:
- ready queue with recipe dependencies
- atomic job claims
- step reporting with status aggregation
- commit status and PR comment updates`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildClientCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	var httpAddr, grpcAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatcher",
		Long:  "Serve the client protocol over HTTP and gRPC, plus the management endpoints and /metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.HTTP.Addr = httpAddr
			}
			if grpcAddr != "" {
				cfg.GRPC.Addr = grpcAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (overrides http.addr)")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC listen address (overrides grpc.addr)")

	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	var (
		collector *metrics.Collector
		srvOpts   []server.Option
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector = metrics.NewCollector(reg)
		srvOpts = append(srvOpts, server.WithGatherer(reg))
	}

	start := time.Now()
	st, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("close store", "error", err)
		}
	}()
	collector.SetRecoveryTime(time.Since(start).Seconds())

	var api hosting.API = hosting.Noop{}
	if cfg.Hosting.RemoteUpdate {
		api = hosting.NewGitHub(cfg.Hosting.Token, cfg.Hosting.BaseURL, cfg.Hosting.Timeout)
	}
	opts := []controller.Option{
		controller.WithHosting(api),
		controller.WithConfig(controller.Config{
			RemoteUpdate:  cfg.Hosting.RemoteUpdate,
			StatusContext: cfg.Hosting.StatusContext,
			BaseURL:       cfg.Hosting.StatusURL,
		}),
	}
	if collector != nil {
		opts = append(opts, controller.WithMetrics(collector))
	}
	ctrl := controller.New(st, opts...)

	if cfg.SeedFile != "" {
		seed, err := fixtures.Load(cfg.SeedFile)
		if err != nil {
			return err
		}
		if _, err := seed.Apply(ctx, st, ctrl); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
	}

	if jm, ok := st.(*jobmanager.JobManager); ok && cfg.Storage.SnapshotPath != "" && cfg.Storage.SnapshotInterval > 0 {
		go jm.RunSnapshotLoop(ctx, cfg.Storage.SnapshotInterval)
	}

	grpcDone := make(chan error, 1)
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
		}
		grpcServer := rpc.NewGRPCServer(ctrl)
		go func() {
			slog.Info("grpc server listening", "addr", cfg.GRPC.Addr)
			grpcDone <- grpcServer.Serve(lis)
		}()
		defer grpcServer.GracefulStop()
	}

	httpDone := make(chan error, 1)
	go func() {
		httpDone <- server.New(ctrl, srvOpts...).ListenAndServe(ctx, cfg.HTTP.Addr)
	}()

	slog.Info("dispatcher started", "driver", cfg.Storage.Driver, "remote_update", cfg.Hosting.RemoteUpdate)

	// the store is closed only after the HTTP server has drained
	select {
	case err := <-httpDone:
		if err == nil && ctx.Err() != nil {
			slog.Info("dispatcher stopped")
		}
		return err
	case err := <-grpcDone:
		if err == nil {
			err = errors.New("grpc server stopped")
		}
		return fmt.Errorf("grpc server: %w", err)
	}
}

// openStore opens the configured backend.
func openStore(cfg config.Storage) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.Open(cfg.DSN)
	default:
		return jobmanager.Open(jobmanager.Options{
			WALPath:         cfg.WALPath,
			SnapshotPath:    cfg.SnapshotPath,
			SyncOnAppend:    cfg.SyncOnAppend,
			SnapshotBackups: cfg.SnapshotBackups,
		})
	}
}

// ============================================================================
// client
// ============================================================================

func buildClientCommand() *cobra.Command {
	var (
		serverAddr string
		buildKey   string
		name       string
		configs    []string
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Start a build client",
		Long:  "Poll the dispatcher over gRPC, claim ready jobs and run their steps with sh",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("server") {
				cfg.Client.Server = serverAddr
			}
			if flags.Changed("build-key") {
				cfg.Client.BuildKey = buildKey
			}
			if flags.Changed("name") {
				cfg.Client.Name = name
			}
			if flags.Changed("build-config") {
				cfg.Client.Configs = configs
			}
			if flags.Changed("workers") {
				cfg.Client.Workers = workers
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runClient(ctx, cfg.Client)
		},
	}

	cmd.Flags().StringVar(&serverAddr, "server", "", "dispatcher gRPC address")
	cmd.Flags().StringVar(&buildKey, "build-key", "", "build key of the owning user")
	cmd.Flags().StringVar(&name, "name", "", "client name (random when empty)")
	cmd.Flags().StringSliceVar(&configs, "build-config", nil, "build config this client can run (repeatable)")
	cmd.Flags().IntVar(&workers, "workers", 0, "jobs run at the same time")

	return cmd
}

func runClient(ctx context.Context, cfg config.Client) error {
	if cfg.BuildKey == "" {
		return errors.New("client.build_key is required")
	}
	if len(cfg.Configs) == 0 {
		return errors.New("at least one build config is required")
	}

	conn, err := grpc.NewClient(cfg.Server, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to dispatcher: %w", err)
	}
	defer conn.Close()

	c := worker.NewClient(worker.NewGRPCSource(conn), worker.ClientConfig{
		BuildKey:     cfg.BuildKey,
		ClientName:   cfg.Name,
		Configs:      cfg.Configs,
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
		JobTimeout:   cfg.JobTimeout,
	})
	slog.Info("connecting to dispatcher", "server", cfg.Server, "name", c.Name())
	return c.Run(ctx, nil)
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var dumpWAL bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), cfg, dumpWAL)
		},
	}

	cmd.Flags().BoolVar(&dumpWAL, "dump-wal", false, "print the committed WAL records (memory driver)")
	return cmd
}

func showStatus(ctx context.Context, out io.Writer, cfg config.Config, dumpWAL bool) error {
	fmt.Fprintf(out, "Config:  %s\n", configFile)
	fmt.Fprintf(out, "Driver:  %s\n", cfg.Storage.Driver)

	var stats store.Stats
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pg, err := postgres.Open(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if stats, err = pg.Stats(ctx); err != nil {
			return err
		}
	default:
		snapPath, walPath := cfg.Storage.SnapshotPath, cfg.Storage.WALPath
		haveSnap := snapPath != "" && snapshot.NewManager(snapPath).Exists()
		haveWAL := walPath != "" && fileExists(walPath)
		if !haveSnap && !haveWAL {
			fmt.Fprintf(out, "Snapshot: none at %s\n", snapPath)
			return nil
		}

		jm, in, err := jobmanager.Inspect(jobmanager.Options{WALPath: walPath, SnapshotPath: snapPath})
		if err != nil {
			return err
		}
		if haveSnap {
			fmt.Fprintf(out, "Snapshot: %s (seq %d)\n", snapPath, in.SnapshotSeq)
		} else {
			fmt.Fprintf(out, "Snapshot: none at %s\n", snapPath)
		}
		if haveWAL {
			if err := walSummary(out, walPath, in.Replayed); err != nil {
				return err
			}
		}
		if dumpWAL && haveWAL {
			if err := wal.DumpWAL(walPath, out); err != nil {
				return fmt.Errorf("dump wal: %w", err)
			}
		}
		if stats, err = jm.Stats(ctx); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "Events:  %d\n", stats.Events)
	fmt.Fprintf(out, "Jobs:    %d\n", stats.Jobs)
	fmt.Fprintf(out, "Steps:   %d\n", stats.StepResults)
	fmt.Fprintf(out, "Clients: %d\n", stats.Clients)

	statuses := make([]string, 0, len(stats.JobStatus))
	for s := range stats.JobStatus {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(out, "  %-12s %d\n", s, stats.JobStatus[s])
	}
	return nil
}

// walSummary prints the committed record count, the last seq and how many
// records the snapshot does not cover yet.
func walSummary(out io.Writer, path string, replayed int) error {
	total, err := wal.CountEvents(path)
	if err != nil {
		return err
	}
	last, err := wal.GetLastEvent(path)
	switch {
	case errors.Is(err, wal.ErrEmptyWAL):
		fmt.Fprintf(out, "WAL:      %s (empty)\n", path)
		return nil
	case err != nil:
		return err
	}
	fmt.Fprintf(out, "WAL:      %s (%d records, last seq %d, %d after snapshot)\n", path, total, last.Seq, replayed)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
