package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/vonshlovens/drivesync-pg/internal/config"
	"github.com/vonshlovens/drivesync-pg/internal/db"
	"github.com/vonshlovens/drivesync-pg/internal/drive"
	"github.com/vonshlovens/drivesync-pg/internal/manager"
	"github.com/vonshlovens/drivesync-pg/internal/server"
	"github.com/vonshlovens/drivesync-pg/internal/storage"
	"github.com/vonshlovens/drivesync-pg/internal/sync"
	"github.com/vonshlovens/drivesync-pg/internal/upload"
	"github.com/vonshlovens/drivesync-pg/internal/watcher"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "drivesync-pg",
		Short:   "Google Drive file manager backed by Postgres",
		Long:    `Mirrors a Google Drive folder tree into PostgreSQL, serves it over HTTP and keeps both sides in step.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		syncCmd(),
		quickCmd(),
		statusCmd(),
		migrateCmd(),
		initCmd(),
		watchCmd(),
		repairRootsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the wired components shared by the commands
type app struct {
	cfg      *config.Config
	db       *db.DB
	drive    *drive.Client
	local    *storage.LocalStore
	engine   *sync.Engine
	pipeline *upload.Pipeline
	manager  *manager.Manager
}

func openApp(ctx context.Context, progress bool) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.New(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	client, err := drive.New(ctx, &cfg.Drive)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to connect to drive: %w", err)
	}

	logger := slog.Default()
	local := storage.NewLocalStore(cfg.Storage.UploadDir, nil)

	engine := sync.NewEngine(database, client,
		sync.WithLogger(logger),
		sync.WithConcurrency(cfg.Sync.Concurrency),
		sync.WithOwner(cfg.Sync.Owner),
		sync.WithFullSyncTimeout(cfg.Sync.FullSyncTimeout),
		sync.WithQuickSyncTimeout(cfg.Sync.QuickSyncTimeout),
		sync.WithProgress(progress),
	)

	pipeline := upload.NewPipeline(database, client, local, engine,
		upload.WithLogger(logger),
		upload.WithThumbnailDelays(cfg.Sync.ImageThumbnailDelay, cfg.Sync.VideoThumbnailDelay),
	)

	return &app{
		cfg:      cfg,
		db:       database,
		drive:    client,
		local:    local,
		engine:   engine,
		pipeline: pipeline,
		manager:  manager.New(database, client, local, logger),
	}, nil
}

func (a *app) Close() {
	a.pipeline.Close()
	a.db.Close()
}

func (a *app) ingester() (*watcher.Ingester, error) {
	watchCfg := a.cfg.Watch
	if watchCfg.InboxPath == "" {
		return nil, errors.New("watch.inbox_path is not configured")
	}
	if watchCfg.Principal == "" {
		watchCfg.Principal = a.cfg.Sync.Owner
	}

	ledger, err := watcher.NewLedger(watchCfg.InboxPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open inbox ledger: %w", err)
	}
	return watcher.NewIngester(&watchCfg, a.pipeline, ledger, watcher.WithIngestLogger(slog.Default())), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	var migrate, watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long:  `Serves the mirrored drive over HTTP. With --watch the inbox folder is ingested alongside.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if migrate {
				if err := a.db.RunMigrations(ctx); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
			}

			srv := server.New(&a.cfg.Server, a.manager, a.pipeline, a.engine, slog.Default())

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx) })

			if watch {
				in, err := a.ingester()
				if err != nil {
					return err
				}
				g.Go(func() error { return in.Run(gctx) })
			}

			slog.Info("server started", "addr", a.cfg.Server.Addr, "watch", watch)
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "run pending migrations before serving")
	cmd.Flags().BoolVar(&watch, "watch", false, "ingest the configured inbox folder")
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "One-time full sync, then exit",
		Long:  `Walks the whole drive tree from the root folder and mirrors every folder and file into the database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.engine.FullSync(ctx)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}

			fmt.Println("Sync completed.")
			fmt.Printf("  Folders: %d\n", report.Folders)
			fmt.Printf("  Files: %d\n", report.Files)
			fmt.Printf("  Skipped: %d\n", report.Skipped)
			fmt.Printf("  Failed: %d\n", report.Failed)
			fmt.Printf("  Duration: %s\n", report.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func quickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quick <folder-id>",
		Short: "Sync the direct children of one folder",
		Long:  `Picks up changes made to a folder's direct children since its last sync.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.QuickSync(ctx, args[0]); err != nil {
				return fmt.Errorf("quick sync failed: %w", err)
			}

			fmt.Printf("Folder %s is up to date.\n", args[0])
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection status and mirror info",
		Long:  `Shows the current database connection status, last sync time and row counts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			database, err := db.New(ctx, &cfg.Database)
			if err != nil {
				fmt.Printf("Database Status: Disconnected\n")
				fmt.Printf("Error: %v\n", err)
				return nil
			}
			defer database.Close()

			status, err := database.GetStatus(ctx)
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}

			fmt.Println("=== DriveSync-PG Status ===")
			fmt.Printf("Database Status: Connected\n")
			fmt.Printf("  Host: %s\n", cfg.Database.Host)
			fmt.Printf("  Database: %s\n", cfg.Database.Database)
			fmt.Printf("  Schema: %s\n", cfg.Database.Schema)
			fmt.Println()
			fmt.Printf("Drive Root: %s\n", cfg.Drive.RootFolderID)
			fmt.Printf("Upload Dir: %s\n", cfg.Storage.UploadDir)
			fmt.Println()
			fmt.Printf("Mirror:\n")
			fmt.Printf("  Folders: %d\n", status.TotalFolders)
			fmt.Printf("  Files: %d\n", status.TotalFiles)
			fmt.Printf("  Tags: %d\n", status.TotalTags)
			if status.RootFolders > 1 {
				fmt.Printf("  Root folders: %d (run repair-roots)\n", status.RootFolders)
			}
			if status.LastSyncTime != nil {
				fmt.Printf("  Last Sync: %s\n", status.LastSyncTime.Format(time.RFC3339))
			}

			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	var showStatus bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Runs all pending embedded database migrations.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			database, err := db.New(ctx, &cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer database.Close()

			if showStatus {
				return database.MigrationStatus(ctx)
			}

			if err := database.RunMigrations(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Println("Migrations completed successfully.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&showStatus, "status", false, "print migration status instead of migrating")
	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup to create config file",
		Long:  `Interactively creates a configuration file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := bufio.NewReader(os.Stdin)
			ask := func(prompt, def string) string {
				if def != "" {
					fmt.Printf("%s [%s]: ", prompt, def)
				} else {
					fmt.Printf("%s: ", prompt)
				}
				answer, _ := reader.ReadString('\n')
				answer = strings.TrimSpace(answer)
				if answer == "" {
					return def
				}
				return answer
			}

			cfg := config.DefaultConfig()

			fmt.Println("=== DriveSync-PG Setup ===")
			fmt.Println()

			fmt.Println("Database Configuration:")
			cfg.Database.Host = ask("  Host", "localhost")
			port := ask("  Port", "5432")
			if _, err := fmt.Sscanf(port, "%d", &cfg.Database.Port); err != nil {
				return fmt.Errorf("invalid port %q", port)
			}
			cfg.Database.User = ask("  User", "")
			cfg.Database.Database = ask("  Database name", "")
			if cfg.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
			cfg.Database.Schema = ask("  Schema name", config.SanitizeIdentifier(cfg.Database.Database))
			cfg.Database.SSLMode = ask("  SSL mode", cfg.Database.SSLMode)
			cfg.Database.Password = "${DB_PASSWORD}"

			fmt.Println("\nDrive Configuration:")
			cfg.Drive.CredentialsFile = ask("  Service account credentials file", "")
			if _, err := os.Stat(cfg.Drive.CredentialsFile); err != nil {
				return fmt.Errorf("credentials file not found: %s", cfg.Drive.CredentialsFile)
			}
			cfg.Drive.RootFolderID = ask("  Root folder id", "")
			if cfg.Drive.RootFolderID == "" {
				return fmt.Errorf("root folder id is required")
			}

			fmt.Println("\nLocal Storage:")
			cfg.Storage.UploadDir = ask("  Upload directory", cfg.Storage.UploadDir)

			fmt.Println("\nInbox (leave empty to disable):")
			cfg.Watch.InboxPath = ask("  Inbox path", "")

			content, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}

			configDir, err := config.GetStateDir()
			if err != nil {
				return err
			}
			configPath := filepath.Join(configDir, "config.yaml")

			if err := os.WriteFile(configPath, content, 0600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			fmt.Printf("\nConfig file written to: %s\n", configPath)
			fmt.Printf("\nIMPORTANT: Set the DB_PASSWORD environment variable before running.\n")
			fmt.Println("\nTo run migrations, run: drivesync-pg migrate")
			fmt.Println("To mirror the drive, run: drivesync-pg sync")
			fmt.Println("To start the server, run: drivesync-pg serve")

			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Upload files dropped into the inbox folder",
		Long:  `Watches the configured inbox folder and uploads every file that settles there, removing it once stored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			in, err := a.ingester()
			if err != nil {
				return err
			}

			fmt.Printf("Watching %s. Press Ctrl+C to stop.\n", a.cfg.Watch.InboxPath)
			return in.Run(ctx)
		},
	}
}

func repairRootsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair-roots",
		Short: "Merge duplicate root folders",
		Long:  `Keeps the oldest root folder, moves the children of every other root under it and deletes the duplicates.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.manager.RepairRoots(ctx)
			if err != nil {
				return fmt.Errorf("repair failed: %w", err)
			}

			fmt.Printf("Removed %d duplicate root folder(s).\n", removed)
			return nil
		},
	}
}
