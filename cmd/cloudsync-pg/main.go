package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vonshlovens/cloudsync-pg/internal/config"
	"github.com/vonshlovens/cloudsync-pg/internal/creds"
	"github.com/vonshlovens/cloudsync-pg/internal/db"
	"github.com/vonshlovens/cloudsync-pg/internal/dedupe"
	"github.com/vonshlovens/cloudsync-pg/internal/policy"
	"github.com/vonshlovens/cloudsync-pg/internal/provider"
	"github.com/vonshlovens/cloudsync-pg/internal/sync"
	"github.com/vonshlovens/cloudsync-pg/internal/vault"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "cloudsync-pg",
		Short:   "Cloud storage metadata aggregator for Postgres",
		Long:    `A daemon that connects to cloud storage providers, reconciles their file listings into a PostgreSQL catalog, and finds duplicates across accounts.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Setup logging
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		daemonCmd(),
		syncCommand(),
		statusCmd(),
		duplicatesCmd(),
		accountsCmd(),
		migrateCmd(),
		initCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// stack wires the full service graph for one command invocation.
type stack struct {
	cfg      *config.Config
	database *db.DB
	vault    *vault.Vault
	registry *provider.Registry
	runner   *sync.Runner
	detector *dedupe.Detector
}

func buildStack(ctx context.Context) (*stack, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.New(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	v, err := vault.New(cfg.Vault.EncryptionKey)
	if err != nil {
		database.Close()
		return nil, err
	}

	registry := provider.NewRegistry()
	// The in-memory provider backs local development and smoke tests. Real
	// integrations register themselves here as they land.
	registry.Register(provider.NewMemory("memory"))

	manager := creds.NewManager(v, database)
	engine := sync.NewEngine(database, registry, manager, cfg)

	return &stack{
		cfg:      cfg,
		database: database,
		vault:    v,
		registry: registry,
		runner:   sync.NewRunner(engine, database),
		detector: dedupe.NewDetector(database),
	}, nil
}

func (s *stack) close() {
	s.database.Close()
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Start the background polling sync process",
		Long:  `Starts a daemon that periodically reconciles every active account against its provider.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			s, err := buildStack(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			interval := time.Duration(s.cfg.Sync.PollIntervalMinutes) * time.Minute
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			slog.Info("daemon started", "poll_interval", interval)
			fmt.Println("Polling connected accounts. Press Ctrl+C to stop.")

			syncAll := func() {
				accounts, err := s.database.ListActiveAccounts(ctx)
				if err != nil {
					slog.Error("failed to list accounts", "error", err)
					return
				}
				for _, acct := range accounts {
					if err := s.runner.Trigger(ctx, acct.ID); err != nil {
						if errors.Is(err, sync.ErrSyncAlreadyRunning) {
							slog.Debug("sync already in flight", "account_id", acct.ID)
							continue
						}
						slog.Error("failed to trigger sync", "account_id", acct.ID, "error", err)
					}
				}
			}

			syncAll()
			for {
				select {
				case <-sigCh:
					slog.Info("shutting down...")
					cancel()
					s.runner.Wait()
					return nil
				case <-ticker.C:
					syncAll()
				}
			}
		},
	}
}

func syncCommand() *cobra.Command {
	var (
		accountID int64
		userID    int64
		all       bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile one account or all of a user's accounts, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			s, err := buildStack(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			if !all {
				if accountID == 0 {
					return fmt.Errorf("either --account or --all with --user is required")
				}
				if err := s.runner.Run(ctx, accountID); err != nil {
					return fmt.Errorf("sync failed: %w", err)
				}
				fmt.Println("Sync completed successfully.")
				return nil
			}

			if userID == 0 {
				return fmt.Errorf("--all requires --user")
			}
			accounts, err := s.database.ListAccountsByUser(ctx, userID)
			if err != nil {
				return err
			}

			bar := progressbar.Default(int64(len(accounts)), "syncing accounts")
			failures := 0
			for _, acct := range accounts {
				if acct.IsActive {
					if err := s.runner.Run(ctx, acct.ID); err != nil {
						slog.Error("account sync failed", "account_id", acct.ID, "error", err)
						failures++
					}
				}
				_ = bar.Add(1)
			}
			if failures > 0 {
				return fmt.Errorf("%d account(s) failed to sync", failures)
			}
			fmt.Println("All accounts synced successfully.")
			return nil
		},
	}

	cmd.Flags().Int64Var(&accountID, "account", 0, "account id to sync")
	cmd.Flags().Int64Var(&userID, "user", 0, "user id whose accounts to sync")
	cmd.Flags().BoolVar(&all, "all", false, "sync every active account of --user")
	return cmd
}

func statusCmd() *cobra.Command {
	var (
		accountID int64
		userID    int64
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connection status and sync info",
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

			fmt.Println("=== Cloudsync-PG Status ===")
			fmt.Printf("Database Status: Connected\n")
			fmt.Printf("  Host: %s\n", cfg.Database.Host)
			fmt.Printf("  Database: %s\n", cfg.Database.Database)
			fmt.Printf("  Schema: %s\n", cfg.Database.Schema)

			if userID != 0 {
				stats, err := database.GetUserStats(ctx, userID)
				if err != nil {
					return fmt.Errorf("failed to get user stats: %w", err)
				}
				fmt.Println()
				fmt.Printf("User %d:\n", userID)
				fmt.Printf("  Connected Accounts: %d\n", stats.Accounts)
				fmt.Printf("  Active Files: %d\n", stats.ActiveFiles)
				fmt.Printf("  Total Size: %d bytes\n", stats.TotalBytes)
			}

			if accountID != 0 {
				run, err := database.LatestRunLog(ctx, accountID)
				if err != nil {
					return fmt.Errorf("failed to get latest run: %w", err)
				}
				fmt.Println()
				fmt.Printf("Account %d:\n", accountID)
				if run == nil {
					fmt.Println("  No sync runs recorded.")
					return nil
				}
				fmt.Printf("  Last Run: %s (%s)\n", run.StartedAt.Format(time.RFC3339), run.Status)
				fmt.Printf("  Processed: %d  Added: %d  Updated: %d  Deactivated: %d\n",
					run.FilesProcessed, run.FilesAdded, run.FilesUpdated, run.FilesDeactivated)
				if run.ErrorDetail != nil {
					fmt.Printf("  Error: %s\n", *run.ErrorDetail)
				}
			}

			return nil
		},
	}

	cmd.Flags().Int64Var(&accountID, "account", 0, "show latest sync run for this account")
	cmd.Flags().Int64Var(&userID, "user", 0, "show aggregate stats for this user")
	return cmd
}

func duplicatesCmd() *cobra.Command {
	var (
		userID   int64
		modeName string
	)

	cmd := &cobra.Command{
		Use:   "duplicates",
		Short: "List duplicate files across a user's accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if userID == 0 {
				return fmt.Errorf("--user is required")
			}

			var modeFilter *policy.Mode
			if modeName != "" {
				mode := policy.Mode(modeName)
				if !mode.Valid() {
					return fmt.Errorf("unknown mode %q", modeName)
				}
				modeFilter = &mode
			}

			s, err := buildStack(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			groups, err := s.detector.FindDuplicates(ctx, userID, modeFilter)
			if err != nil {
				return fmt.Errorf("duplicate detection failed: %w", err)
			}

			if len(groups) == 0 {
				fmt.Println("No duplicates found.")
				return nil
			}

			var wasted int64
			for _, g := range groups {
				wasted += g.WastedBytes
				fmt.Printf("%s  (%d copies, %d bytes wasted)\n", g.Hash, g.Count, g.WastedBytes)
				for _, f := range g.Files {
					path := f.Name
					if f.Path != nil {
						path = *f.Path
					}
					fmt.Printf("  [%d] account=%d  %s\n", f.ID, f.AccountID, path)
				}
			}
			fmt.Printf("\n%d duplicate group(s), %d bytes reclaimable.\n", len(groups), wasted)
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id to scan")
	cmd.Flags().StringVar(&modeName, "mode", "", "restrict to accounts in this mode (metadata or full_access)")
	return cmd
}

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Connect, list, and disconnect cloud storage accounts",
	}
	cmd.AddCommand(accountsListCmd(), accountsConnectCmd(), accountsDisconnectCmd())
	return cmd
}

func accountsListCmd() *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's connected accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if userID == 0 {
				return fmt.Errorf("--user is required")
			}

			s, err := buildStack(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			accounts, err := s.database.ListAccountsByUser(ctx, userID)
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				fmt.Println("No accounts connected.")
				return nil
			}
			for _, acct := range accounts {
				state := "active"
				if !acct.IsActive {
					state = "inactive"
				}
				fmt.Printf("[%d] %s %s (%s, %s)", acct.ID, acct.Provider, acct.AccountEmail, acct.Mode, state)
				if acct.LastSync != nil {
					fmt.Printf("  last sync %s", acct.LastSync.Format(time.RFC3339))
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	return cmd
}

func accountsConnectCmd() *cobra.Command {
	var (
		userID       int64
		providerKind string
		modeName     string
		code         string
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect a cloud storage account via OAuth",
		Long: `Starts the OAuth flow for a provider. Without --code it prints the
authorization URL to visit; run again with --code to finish the connection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if userID == 0 || providerKind == "" {
				return fmt.Errorf("--user and --provider are required")
			}
			mode := policy.Mode(modeName)
			if !mode.Valid() {
				return fmt.Errorf("unknown mode %q (use metadata or full_access)", modeName)
			}

			s, err := buildStack(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			prov, err := s.registry.Get(providerKind)
			if err != nil {
				return err
			}

			if code == "" {
				// Metadata mode asks for the narrower scope set up front so the
				// consent screen matches what the account will be allowed to do.
				scopes := []string{"files.metadata.read"}
				if mode == policy.ModeFullAccess {
					scopes = []string{"files.read", "files.write"}
				}
				fmt.Println("Visit this URL to authorize, then re-run with --code:")
				fmt.Println(prov.AuthorizationURL(uuid.NewString(), scopes))
				return nil
			}

			pair, err := prov.ExchangeCode(ctx, code)
			if err != nil {
				return fmt.Errorf("code exchange failed: %w", err)
			}
			info, err := prov.AccountInfo(ctx, pair.AccessToken)
			if err != nil {
				return fmt.Errorf("could not fetch account info: %w", err)
			}

			encAccess, err := s.vault.Encrypt(pair.AccessToken)
			if err != nil {
				return err
			}
			acct := &db.Account{
				UserID:       userID,
				Provider:     providerKind,
				AccountEmail: info.Email,
				Mode:         mode,
				AccessToken:  encAccess,
				StorageUsed:  info.StorageUsed,
				StorageLimit: info.StorageLimit,
			}
			if pair.RefreshToken != "" {
				encRefresh, err := s.vault.Encrypt(pair.RefreshToken)
				if err != nil {
					return err
				}
				acct.RefreshToken = &encRefresh
			}
			if !pair.ExpiresAt.IsZero() {
				expires := pair.ExpiresAt
				acct.TokenExpiresAt = &expires
			}

			if err := s.database.CreateAccount(ctx, acct); err != nil {
				return fmt.Errorf("failed to store account: %w", err)
			}

			fmt.Printf("Connected %s account %s (id %d, %s mode).\n", providerKind, info.Email, acct.ID, mode)
			fmt.Printf("Run: cloudsync-pg sync --account %d\n", acct.ID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	cmd.Flags().StringVar(&providerKind, "provider", "", "provider kind to connect")
	cmd.Flags().StringVar(&modeName, "mode", "metadata", "privacy mode (metadata or full_access)")
	cmd.Flags().StringVar(&code, "code", "", "authorization code from the consent redirect")
	return cmd
}

func accountsDisconnectCmd() *cobra.Command {
	var accountID int64

	cmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect an account and remove its catalog entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if accountID == 0 {
				return fmt.Errorf("--account is required")
			}

			s, err := buildStack(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			acct, err := s.database.GetAccount(ctx, accountID)
			if err != nil {
				return err
			}
			if acct == nil {
				return fmt.Errorf("account %d not found", accountID)
			}

			if err := s.database.DeleteAccount(ctx, accountID); err != nil {
				return fmt.Errorf("failed to disconnect account: %w", err)
			}

			fmt.Printf("Disconnected %s account %s and removed its file records.\n", acct.Provider, acct.AccountEmail)
			return nil
		},
	}

	cmd.Flags().Int64Var(&accountID, "account", 0, "account id to disconnect")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Runs all pending database migrations.`,
	}

	migrationsDir := ""
	cmd.Flags().StringVar(&migrationsDir, "dir", "migrations", "migrations directory")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
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

		// Resolve migrations directory
		if !filepath.IsAbs(migrationsDir) {
			exe, _ := os.Executable()
			exeDir := filepath.Dir(exe)
			if _, err := os.Stat(filepath.Join(exeDir, migrationsDir)); err == nil {
				migrationsDir = filepath.Join(exeDir, migrationsDir)
			} else {
				cwd, _ := os.Getwd()
				migrationsDir = filepath.Join(cwd, migrationsDir)
			}
		}

		if err := database.RunMigrations(ctx, migrationsDir); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		fmt.Println("Migrations completed successfully.")
		return nil
	}

	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a starter config file with a fresh encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := vault.GenerateKey()
			if err != nil {
				return fmt.Errorf("failed to generate encryption key: %w", err)
			}

			cfg := config.DefaultConfig()
			cfg.Database.Host = "localhost"
			cfg.Database.User = "cloudsync"
			cfg.Database.Password = "${DB_PASSWORD}"
			cfg.Database.Database = "cloudsync"
			cfg.Vault.EncryptionKey = key
			cfg.Providers = map[string]config.ProviderConfig{
				"drive": {
					ClientID:     "your-client-id",
					ClientSecret: "${DRIVE_CLIENT_SECRET}",
					RedirectURI:  "http://localhost:8080/oauth/callback",
				},
			}

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}

			configDir, err := config.GetStateDir()
			if err != nil {
				return err
			}
			configPath := filepath.Join(configDir, "config.yaml")

			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("config file already exists: %s", configPath)
			}

			if err := os.WriteFile(configPath, out, 0600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			fmt.Printf("Config file written to: %s\n", configPath)
			fmt.Println("\nThe vault encryption key was generated for you. Keep it safe;")
			fmt.Println("credentials encrypted with it cannot be recovered without it.")
			fmt.Println("\nIMPORTANT: Set the DB_PASSWORD environment variable before running.")
			fmt.Println("To run migrations, run: cloudsync-pg migrate")
			fmt.Println("To start syncing, run: cloudsync-pg daemon")

			return nil
		},
	}
}
