package cmd

import (
	"context"
	"os"
	"time"

	"github.com/not-amarnath/final-year-project/internal/capture"
	"github.com/not-amarnath/final-year-project/internal/config"
	"github.com/not-amarnath/final-year-project/internal/logging"
	"github.com/not-amarnath/final-year-project/internal/monitor"
	"github.com/not-amarnath/final-year-project/internal/snapshot"
	"github.com/not-amarnath/final-year-project/internal/utils"
	"github.com/not-amarnath/final-year-project/internal/web"
	"github.com/not-amarnath/final-year-project/internal/worker"
	"github.com/spf13/cobra"
)

var (
	serveAddr      string
	serveAutoStart bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitoring station and its dashboard API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "Listen address (default from config, :8080)")
	serveCmd.Flags().BoolVar(&serveAutoStart, "start", false, "Start the camera and recognition immediately")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := logging.Default()

	opts := []monitor.Option{
		monitor.WithLogger(logger),
		monitor.WithBaseContext(ctx),
		monitor.WithEncoder(snapshot.New(cfg.Snapshot.Quality, cfg.Snapshot.MaxSize)),
	}
	if cfg.Database.URL != "" {
		db, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		opts = append(opts, monitor.WithArchive(db))
	} else {
		logger.Warn("no database configured; enrollments and evidence are kept in memory only")
	}

	// The engine loads its models in the background; until then ticks are skipped
	// and enrollments fail with a retryable error.
	engine, err := worker.NewPythonWorker(0, cfg.Engine.Worker())
	if err != nil {
		return err
	}
	defer engine.Close()
	go watchEngine(ctx, engine, cfg.Engine.Dimension)

	r := cfg.Recognition
	m := monitor.New(capture.NewFFmpegSource(cfg.Capture.Input()), engine, monitor.Settings{
		MatchThreshold:    r.MatchThreshold,
		EvidenceThreshold: r.EvidenceThreshold,
		EvidenceCapacity:  r.EvidenceCapacity,
		TickInterval:      r.TickInterval(),
		DegradedAfter:     r.DegradedAfter,
		ReadyTimeout:      cfg.Capture.ReadyTimeout(),
	}, opts...)
	defer m.Shutdown()

	if _, err := m.RestorePersons(ctx); err != nil {
		return err
	}

	if serveAutoStart {
		go autoStart(ctx, m)
	}

	srv := web.NewServer(m, cfg.Server.Addr, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func watchEngine(ctx context.Context, engine *worker.PythonWorker, dim int) {
	logger := logging.Default()
	if err := engine.AwaitReady(ctx); err != nil {
		if ctx.Err() == nil {
			utils.ShowError(os.Stderr, "Face engine failed to load", err, engine.Command())
		}
		return
	}
	if got := engine.Dimension(); got != dim {
		logger.Error("engine embedding length differs from configuration", "engine", got, "configured", dim)
		return
	}
	logger.Info("face engine ready", "dimension", engine.Dimension())
}

// autoStart brings up the camera and then recognition once the camera is Active.
func autoStart(ctx context.Context, m *monitor.Monitor) {
	logger := logging.Default()
	if _, err := m.StartCamera(ctx); err != nil {
		logger.Error("failed to start camera", "error", err)
		return
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		switch m.Status().Camera.State {
		case capture.Active:
			if err := m.StartRecognition(0); err != nil {
				logger.Error("failed to start recognition", "error", err)
			}
			return
		case capture.Error, capture.Off:
			logger.Error("camera did not become active", "status", m.Status().Camera.Message)
			return
		}
	}
}
