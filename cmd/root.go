package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/joho/godotenv"
	"github.com/m-mizutani/goerr/v2"
	"github.com/not-amarnath/final-year-project/internal/config"
	"github.com/not-amarnath/final-year-project/internal/logging"
	"github.com/not-amarnath/final-year-project/internal/store"
	"github.com/not-amarnath/final-year-project/internal/utils"
	"github.com/not-amarnath/final-year-project/internal/worker"
	"github.com/spf13/cobra"
)

var (
	// configPath is the YAML config file. The default path may be absent.
	configPath string
	// dbURL overrides database.url and DATABASE_URL.
	dbURL string
	// logLevel overrides log.level.
	logLevel string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "sentinel",
	Short:   "Live face enrollment and recognition station",
	Version: Version,
}

func Execute() {
	// Ctrl+C (SIGINT) or SIGTERM cancels every command's context.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initEnv)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: DATABASE_URL or POSTGRES_* variables)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func initEnv() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// loadConfig resolves the configuration and installs the default logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath, configPath != config.DefaultPath)
	if err != nil {
		return nil, err
	}
	if dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if logLevel != "" {
		if !logging.ValidLevel(logLevel) {
			return nil, goerr.New("invalid log level", goerr.V("level", logLevel))
		}
		cfg.Log.Level = logLevel
	}
	logging.SetDefault(logging.New(cfg.Log.Level, os.Stderr))
	return cfg, nil
}

// openStore connects to the database. Commands that only make sense with
// persistence call this; serve treats the database as optional.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	if cfg.Database.URL == "" {
		return nil, goerr.New("no database configured; set DATABASE_URL, POSTGRES_HOST or --db")
	}
	db, err := store.New(ctx, cfg.Database.URL, cfg.Engine.Dimension)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// startEngine launches the face engine and waits for its models.
func startEngine(ctx context.Context, cfg *config.Config) (*worker.PythonWorker, error) {
	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := worker.NewPythonWorker(0, cfg.Engine.Worker())
	if err != nil {
		return nil, err
	}

	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	sp.Suffix = " Loading face models..."
	sp.Start()
	err = w.AwaitReady(ctx)
	sp.Stop()
	if err != nil {
		utils.ShowError(os.Stderr, "Face engine failed to load", err, w.Command())
		w.Close()
		return nil, err
	}
	if dim := w.Dimension(); dim != cfg.Engine.Dimension {
		w.Close()
		return nil, goerr.Wrap(worker.ErrProtocol, "engine embedding length differs from configuration",
			goerr.V("engine", dim), goerr.V("configured", cfg.Engine.Dimension))
	}
	return w, nil
}
