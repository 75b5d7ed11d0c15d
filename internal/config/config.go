// Package config loads MaxQ's server configuration: defaults, then
// environment variables (spec §6.5), then CLI flags (spec §6.4), in that
// order of precedence. Grounded on cmd/sandbox/main.go's loadConfig — a
// struct of defaults overridden field-by-field from os.Getenv, adapted here
// with an explicit third flag-override layer since MaxQ also exposes a CLI
// surface the sandbox command does not.
package config

import (
	"flag"
	"os"
	"strconv"
)

// Config holds every tunable named in spec §6.4 and §6.5.
type Config struct {
	Port                 int
	Host                 string
	DataDir              string
	FlowsRoot            string
	MaxLogCapture        int
	MaxConcurrentSteps   int
	SchedulerIntervalMs  int
	SchedulerBatchSize   int
	AbortGraceMs         int
	APIURL               string
	APIKey               string
	LogLevel             string
}

// Default returns the baseline configuration before env/flag overrides,
// matching the defaults named throughout spec §4 and §6.
func Default() Config {
	return Config{
		Port:                8080,
		Host:                "0.0.0.0",
		DataDir:             "./data",
		FlowsRoot:           "./flows",
		MaxLogCapture:       8192,
		MaxConcurrentSteps:  10,
		SchedulerIntervalMs: 200,
		SchedulerBatchSize:  10,
		AbortGraceMs:        5000,
		APIURL:              "http://localhost:8080",
		LogLevel:            "info",
	}
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// applyEnv overrides cfg fields from the MAXQ_* environment variables
// listed in spec §6.5.
func applyEnv(cfg *Config) {
	envStr("MAXQ_DATA_DIR", &cfg.DataDir)
	envStr("MAXQ_FLOWS_ROOT", &cfg.FlowsRoot)
	envInt("MAXQ_SERVER_PORT", &cfg.Port)
	envStr("MAXQ_SERVER_HOST", &cfg.Host)
	envInt("MAXQ_MAX_LOG_CAPTURE", &cfg.MaxLogCapture)
	envInt("MAXQ_MAX_CONCURRENT_STEPS", &cfg.MaxConcurrentSteps)
	envInt("MAXQ_SCHEDULER_INTERVAL_MS", &cfg.SchedulerIntervalMs)
	envInt("MAXQ_SCHEDULER_BATCH_SIZE", &cfg.SchedulerBatchSize)
	envInt("MAXQ_ABORT_GRACE_MS", &cfg.AbortGraceMs)
	envStr("MAXQ_API_URL", &cfg.APIURL)
	envStr("MAXQ_API_KEY", &cfg.APIKey)
	envStr("LOG_LEVEL", &cfg.LogLevel)
}

// Load builds a Config by layering defaults, then environment variables,
// then the given command-line arguments (spec §6.4's flag set). args
// should not include the program name (i.e. os.Args[1:]).
func Load(args []string) (Config, error) {
	cfg := Default()
	applyEnv(&cfg)

	fs := flag.NewFlagSet("maxq", flag.ContinueOnError)
	port := fs.Int("port", cfg.Port, "HTTP listen port")
	dataDir := fs.String("data-dir", cfg.DataDir, "directory holding maxq.db")
	flowsRoot := fs.String("flows", cfg.FlowsRoot, "root directory of flow definitions")
	maxConcurrent := fs.Int("max-concurrent-steps", cfg.MaxConcurrentSteps, "global cap on running steps")
	maxLogCapture := fs.Int("max-log-capture", cfg.MaxLogCapture, "per-stream captured output bytes")
	schedulerInterval := fs.Int("scheduler-interval", cfg.SchedulerIntervalMs, "scheduler tick interval in ms")
	schedulerBatch := fs.Int("scheduler-batch-size", cfg.SchedulerBatchSize, "max claims per scheduler tick")
	abortGrace := fs.Int("abort-grace-ms", cfg.AbortGraceMs, "SIGTERM-to-SIGKILL grace period in ms")
	logLevel := fs.String("log-level", cfg.LogLevel, "debug|info|warn|error")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.Port = *port
	cfg.DataDir = *dataDir
	cfg.FlowsRoot = *flowsRoot
	cfg.MaxConcurrentSteps = *maxConcurrent
	cfg.MaxLogCapture = *maxLogCapture
	cfg.SchedulerIntervalMs = *schedulerInterval
	cfg.SchedulerBatchSize = *schedulerBatch
	cfg.AbortGraceMs = *abortGrace
	cfg.LogLevel = *logLevel
	if os.Getenv("MAXQ_API_URL") == "" {
		// No explicit MAXQ_API_URL: derive it from the resolved port so
		// flow.sh/step.sh always get a reachable $MAXQ_API even when only
		// --port was overridden on the command line.
		cfg.APIURL = "http://localhost:" + strconv.Itoa(cfg.Port)
	}

	return cfg, nil
}
