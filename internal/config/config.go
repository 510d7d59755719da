package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/not-amarnath/final-year-project/internal/logging"
	"github.com/not-amarnath/final-year-project/internal/utils"
	"github.com/not-amarnath/final-year-project/internal/worker"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// DefaultPath is read when present; a missing file there is not an error.
const DefaultPath = "sentinel.yaml"

type Config struct {
	Recognition RecognitionConfig `yaml:"recognition"`
	Capture     CaptureConfig     `yaml:"capture"`
	Engine      EngineConfig      `yaml:"engine"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	Database    DatabaseConfig    `yaml:"database"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

type RecognitionConfig struct {
	MatchThreshold    float64 `yaml:"match_threshold"`
	EvidenceThreshold float64 `yaml:"evidence_threshold"`
	EvidenceCapacity  int     `yaml:"evidence_capacity"`
	TickIntervalMs    int     `yaml:"tick_interval_ms"`
	DegradedAfter     int     `yaml:"degraded_after"` // 0 disables the breaker
}

// TickInterval returns the tick period.
func (c RecognitionConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

type CaptureConfig struct {
	Binary         string `yaml:"binary"`
	Format         string `yaml:"format"` // empty lets ffmpeg probe, e.g. for rtsp:// inputs
	Device         string `yaml:"device"`
	Width          int    `yaml:"width"`
	Height         int    `yaml:"height"`
	FPS            int    `yaml:"fps"`
	ReadyTimeoutMs int    `yaml:"ready_timeout_ms"`
}

// Input converts the section into an ffmpeg capture input.
func (c CaptureConfig) Input() utils.CaptureInput {
	return utils.CaptureInput{
		Binary: c.Binary,
		Format: c.Format,
		Device: c.Device,
		Width:  c.Width,
		Height: c.Height,
		FPS:    c.FPS,
	}
}

func (c CaptureConfig) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutMs) * time.Millisecond
}

type EngineConfig struct {
	Command          string   `yaml:"command"`
	Args             []string `yaml:"args"`
	Dimension        int      `yaml:"dimension"`
	StartupTimeoutMs int      `yaml:"startup_timeout_ms"`
	RequestTimeoutMs int      `yaml:"request_timeout_ms"`
}

// Worker converts the section into a worker launch config.
func (c EngineConfig) Worker() worker.Config {
	return worker.Config{
		Command:        c.Command,
		Args:           append([]string(nil), c.Args...),
		StartupTimeout: time.Duration(c.StartupTimeoutMs) * time.Millisecond,
		RequestTimeout: time.Duration(c.RequestTimeoutMs) * time.Millisecond,
	}
}

type SnapshotConfig struct {
	Quality int `yaml:"quality"`
	MaxSize int `yaml:"max_size"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // empty runs everything in memory
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// Embedded file; this cannot fail in a built binary.
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	return &cfg
}

// Load layers defaults, the YAML file at path and the environment, then validates.
// A missing file is only an error when required is set.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, goerr.Wrap(err, "failed to parse config file", goerr.V("path", path))
			}
		case errors.Is(err, os.ErrNotExist) && !required:
		default:
			return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envInt reads an environment variable as an integer. Unset or empty keeps current.
func envInt(key string, current int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return current, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return current, goerr.Wrap(err, "invalid integer in environment", goerr.V("key", key))
	}
	return n, nil
}

func envFloat(key string, current float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return current, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return current, goerr.Wrap(err, "invalid number in environment", goerr.V("key", key))
	}
	return f, nil
}

func envString(key, current string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return current
}

func (c *Config) applyEnv() error {
	var err error
	r := &c.Recognition
	if r.MatchThreshold, err = envFloat("SENTINEL_MATCH_THRESHOLD", r.MatchThreshold); err != nil {
		return err
	}
	if r.EvidenceThreshold, err = envFloat("SENTINEL_EVIDENCE_THRESHOLD", r.EvidenceThreshold); err != nil {
		return err
	}
	if r.EvidenceCapacity, err = envInt("SENTINEL_EVIDENCE_CAPACITY", r.EvidenceCapacity); err != nil {
		return err
	}
	if r.TickIntervalMs, err = envInt("SENTINEL_TICK_INTERVAL_MS", r.TickIntervalMs); err != nil {
		return err
	}
	if r.DegradedAfter, err = envInt("SENTINEL_DEGRADED_AFTER", r.DegradedAfter); err != nil {
		return err
	}

	c.Capture.Device = envString("SENTINEL_CAMERA_DEVICE", c.Capture.Device)
	c.Capture.Format = envString("SENTINEL_CAMERA_FORMAT", c.Capture.Format)
	c.Capture.Binary = envString("SENTINEL_FFMPEG", c.Capture.Binary)

	c.Engine.Command = envString("SENTINEL_ENGINE_COMMAND", c.Engine.Command)
	if script := os.Getenv("SENTINEL_ENGINE_SCRIPT"); script != "" {
		c.Engine.Args = []string{"-u", script}
	}
	if c.Engine.Dimension, err = envInt("SENTINEL_EMBEDDING_DIM", c.Engine.Dimension); err != nil {
		return err
	}

	c.Server.Addr = envString("SENTINEL_LISTEN_ADDR", c.Server.Addr)
	c.Log.Level = envString("SENTINEL_LOG_LEVEL", c.Log.Level)
	c.Database.URL = envString("DATABASE_URL", c.Database.URL)
	if c.Database.URL == "" {
		c.Database.URL = postgresURLFromEnv()
	}
	return nil
}

// postgresURLFromEnv builds a connection string from the POSTGRES_* variables
// that the compose setup exports. Empty when POSTGRES_HOST is unset.
func postgresURLFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
}

// Validate rejects settings the recognition core cannot run with.
func (c *Config) Validate() error {
	var problems []string
	r := c.Recognition
	if r.MatchThreshold <= 0 {
		problems = append(problems, "recognition.match_threshold must be positive")
	}
	if r.EvidenceThreshold <= 0 {
		problems = append(problems, "recognition.evidence_threshold must be positive")
	}
	if r.EvidenceCapacity < 1 {
		problems = append(problems, "recognition.evidence_capacity must be at least 1")
	}
	if r.TickIntervalMs < 100 {
		problems = append(problems, "recognition.tick_interval_ms must be at least 100")
	}
	if r.DegradedAfter < 0 {
		problems = append(problems, "recognition.degraded_after must not be negative")
	}
	if c.Engine.Dimension <= 0 {
		problems = append(problems, "engine.dimension must be positive")
	}
	if c.Engine.Command == "" {
		problems = append(problems, "engine.command is required")
	}
	if c.Capture.Device == "" {
		problems = append(problems, "capture.device is required")
	}
	if c.Snapshot.Quality < 1 || c.Snapshot.Quality > 100 {
		problems = append(problems, "snapshot.quality must be within 1..100")
	}
	if !logging.ValidLevel(c.Log.Level) {
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	if len(problems) > 0 {
		return goerr.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}
