package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/proctor/internal/config"
	"github.com/andresmejia3/proctor/internal/store"
	"github.com/andresmejia3/proctor/internal/utils"
	"github.com/spf13/cobra"
)

// dbAnnotation marks commands that cannot run without the session database.
const dbAnnotation = "requires-db"

var (
	// DB is the global database connection shared by subcommands. Nil when no database is configured.
	DB *store.Store
	// Cfg is the effective configuration (defaults < config file < env < flags).
	Cfg *config.Config
	// Logger is the structured logger built from Cfg.Log.
	Logger *slog.Logger

	cfgFile string
	dbURL   string
	v       = config.NewViper()
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "proctor",
	Short:   "Live exam proctoring: camera violation detection with automatic submission",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 1. Configuration
		var err error
		Cfg, err = config.Load(v, cfgFile)
		if err != nil {
			return err
		}

		// 2. Logging
		Logger = utils.NewLogger(Cfg.Log.Level, Cfg.Log.JSON)
		slog.SetDefault(Logger)

		// 3. Database
		url := resolveDBURL(Cfg.Database.URL, cmd.Annotations[dbAnnotation] == "true")
		if url == "" {
			return nil
		}
		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), url)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
	},
}

// resolveDBURL picks the connection string from config, then POSTGRES_* variables.
// Commands that require a database fall back to a local default; the rest run without one.
func resolveDBURL(configured string, required bool) string {
	if configured != "" {
		return configured
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	if required {
		// Fallback to local default if no env vars are present
		return "postgres://localhost:5432/proctor"
	}
	return ""
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML/TOML/JSON config file")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: $PROCTOR_DATABASE_URL or POSTGRES_* variables)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")

	_ = v.BindPFlag("database.url", rootCmd.PersistentFlags().Lookup("db"))
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}
