package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"flagwatch/detector"
	"flagwatch/utils"
	"flagwatch/version"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ErrHelp is returned by LoadConfig when -h or --help was requested.
var ErrHelp = pflag.ErrHelp

type Config struct {
	WatchDir            string              `json:"watch_dir" yaml:"watch_dir"`
	FlagsDir            string              `json:"flags_dir" yaml:"flags_dir"`
	Extension           string              `json:"extension" yaml:"extension"`
	IncludePatterns     []string            `json:"include_patterns" yaml:"include_patterns"`
	ExcludePatterns     []string            `json:"exclude_patterns" yaml:"exclude_patterns"`
	QueueSize           int                 `json:"queue_size" yaml:"queue_size"`
	Concurrency         int                 `json:"concurrency" yaml:"concurrency"`
	MaxReadsPerSecond   int                 `json:"max_reads_per_second" yaml:"max_reads_per_second"`
	PollInterval        time.Duration       `json:"poll_interval" yaml:"poll_interval"`
	ForcePolling        bool                `json:"force_polling" yaml:"force_polling"`
	Thresholds          detector.Thresholds `json:"thresholds" yaml:"thresholds"`
	LogLevel            string              `json:"log_level" yaml:"log_level"`
	LogFormat           string              `json:"log_format" yaml:"log_format"`
	Backfill            bool                `json:"backfill" yaml:"backfill"`
	ExportSession       string              `json:"export_session" yaml:"export_session"`
	ExportFile          string              `json:"export_file" yaml:"export_file"`
	DiagStallThreshold  time.Duration       `json:"diag_stall_threshold" yaml:"diag_stall_threshold"`
	DiagDir             string              `json:"diag_dir" yaml:"diag_dir"`
	DiagGoroutineLeak   bool                `json:"diag_goroutine_leak" yaml:"diag_goroutine_leak"`
	OtelEndpoint        string              `json:"otel_endpoint" yaml:"otel_endpoint"`
	OtelFromEnv         bool                `json:"otel_from_env" yaml:"otel_from_env"`
	OtelHeaders         map[string]string   `json:"otel_headers" yaml:"otel_headers"`
	OtelServiceName     string              `json:"otel_service_name" yaml:"otel_service_name"`
	OtelTimeout         time.Duration       `json:"otel_timeout" yaml:"otel_timeout"`
	TraceFlight         bool                `json:"trace_flight" yaml:"trace_flight"`
	TraceFlightFile     string              `json:"trace_flight_file" yaml:"trace_flight_file"`
	TraceFlightMaxBytes uint64              `json:"trace_flight_max_bytes" yaml:"trace_flight_max_bytes"`
	TraceFlightMinAge   time.Duration       `json:"trace_flight_min_age" yaml:"trace_flight_min_age"`
	ConfigFile          string              `json:"-" yaml:"-"`
	ShowVersion         bool                `json:"-" yaml:"-"`
}

// Default returns the configuration used when neither a file nor flags
// override anything.
func Default() *Config {
	return &Config{
		WatchDir:          "../data/timeslots",
		FlagsDir:          "../data/flags",
		Extension:         ".json",
		IncludePatterns:   []string{},
		ExcludePatterns:   []string{},
		QueueSize:         100,
		Concurrency:       runtime.NumCPU(),
		MaxReadsPerSecond: 0,
		PollInterval:      time.Second,
		Thresholds:        detector.DefaultThresholds(),
		LogLevel:          "info",
		LogFormat:         "text",
		DiagDir:           ".",
		OtelHeaders:       map[string]string{},
		OtelServiceName:   "flagwatch",
		OtelTimeout:       5 * time.Second,
		TraceFlightFile:   "trace-flight.out",
	}
}

// LoadConfig builds the configuration from defaults, an optional config
// file and then the flags in args that were explicitly set.
func LoadConfig(args []string) (*Config, error) {
	cfg := Default()
	th := cfg.Thresholds

	fs := pflag.NewFlagSet("flagwatch", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	watchDir := fs.String("watch-dir", cfg.WatchDir, fmt.Sprintf("Directory the monitoring agent writes snapshots to (default: %s).", cfg.WatchDir))
	flagsDir := fs.String("flags-dir", cfg.FlagsDir, fmt.Sprintf("Directory anomaly flags are written to (default: %s).", cfg.FlagsDir))
	extension := fs.String("extension", cfg.Extension, fmt.Sprintf("Snapshot file extension (default: %s).", cfg.Extension))
	includes := fs.String("include", "", "Comma-separated list of snapshot name patterns to include (default: all).")
	excludes := fs.String("exclude", "", "Comma-separated list of snapshot name patterns to exclude (default: none).")
	queueSize := fs.Int("queue-size", cfg.QueueSize, fmt.Sprintf("Capacity of the pending snapshot queue (default: %d).", cfg.QueueSize))
	concurrency := fs.Int("concurrency", cfg.Concurrency, fmt.Sprintf("Maximum snapshots processed at once (default: %d).", cfg.Concurrency))
	maxReads := fs.Int("max-reads-per-second", cfg.MaxReadsPerSecond, "Maximum snapshot reads per second (default: 0, unlimited).")
	pollInterval := fs.Duration("poll-interval", cfg.PollInterval, fmt.Sprintf("Directory scan interval for the polling watcher (default: %s).", cfg.PollInterval))
	forcePolling := fs.Bool("force-polling", cfg.ForcePolling, fmt.Sprintf("Scan the directory instead of using inotify (default: %t).", cfg.ForcePolling))
	cpuThreshold := fs.Float64("cpu-threshold", th.CPU, fmt.Sprintf("CPU usage percent above which a flag is raised (default: %v).", th.CPU))
	memoryThreshold := fs.Float64("memory-threshold", th.Memory, fmt.Sprintf("Memory usage percent above which a flag is raised (default: %v).", th.Memory))
	idleThreshold := fs.Uint32("idle-threshold", th.IdleSeconds, fmt.Sprintf("Idle seconds above which prolonged inactivity is flagged (default: %d).", th.IdleSeconds))
	focusThreshold := fs.Float64("focus-threshold", th.Focus, fmt.Sprintf("Focus score below which low focus is flagged (default: %v).", th.Focus))
	stressThreshold := fs.Float64("stress-threshold", th.Stress, fmt.Sprintf("Stress level above which high stress is flagged (default: %v).", th.Stress))
	fatigueThreshold := fs.Float64("fatigue-threshold", th.Fatigue, fmt.Sprintf("Fatigue level above which fatigue is flagged (default: %v).", th.Fatigue))
	logLevel := fs.String("log-level", cfg.LogLevel, fmt.Sprintf("Log level: debug, info, warn, error, fatal, or panic (default: %s).", cfg.LogLevel))
	logFormat := fs.String("log-format", cfg.LogFormat, fmt.Sprintf("Log format: text or json (default: %s).", cfg.LogFormat))
	backfill := fs.Bool("backfill", cfg.Backfill, fmt.Sprintf("Process snapshots already in the watch directory at startup (default: %t).", cfg.Backfill))
	exportSession := fs.String("export-session", "", "Export the flags of this session and exit (default: none).")
	exportFile := fs.String("export-file", "", "Destination of the session export (default: <session>.ndjson.zst).")
	diagStall := fs.Duration(
		"diag-stall-threshold",
		cfg.DiagStallThreshold,
		"If positive, emit diagnostics when snapshot processing stalls for this duration (default: 0/off).",
	)
	diagDir := fs.String("diag-dir", cfg.DiagDir, "Diagnostics output directory (default: current directory).")
	diagGoroutineLeak := fs.Bool(
		"diag-goroutine-leak",
		cfg.DiagGoroutineLeak,
		"Write goroutine leak profile on shutdown (default: false).",
	)
	otelEndpoint := fs.String("otel-endpoint", cfg.OtelEndpoint, "OTLP/HTTP logs endpoint saved flags are exported to (default: none).")
	otelFromEnv := fs.Bool("otel-from-env", cfg.OtelFromEnv, "Allow OTEL endpoint fallback from OTEL environment variables (default: false).")
	otelHeaders := fs.String("otel-headers", "", "Comma-separated OTEL headers (key=value) for export (default: none).")
	otelServiceName := fs.String("otel-service-name", cfg.OtelServiceName, fmt.Sprintf("OTEL service name for export (default: %s).", cfg.OtelServiceName))
	otelTimeout := fs.Duration("otel-timeout", cfg.OtelTimeout, "OTEL export timeout (default: 5s).")
	traceFlight := fs.Bool("trace-flight", cfg.TraceFlight, fmt.Sprintf("Enable flight recorder tracing (default: %t).", cfg.TraceFlight))
	traceFlightFile := fs.String("trace-flight-file", cfg.TraceFlightFile, fmt.Sprintf("Flight recorder output file (default: %s).", cfg.TraceFlightFile))
	traceFlightMaxBytes := fs.Uint64("trace-flight-max-bytes", cfg.TraceFlightMaxBytes, "Max bytes for flight recorder buffer (default: 0 for runtime default).")
	traceFlightMinAge := fs.Duration("trace-flight-min-age", cfg.TraceFlightMinAge, "Minimum age of trace events to retain (default: 0).")
	configFile := fs.String("config", "", "Path to a JSON or YAML configuration file (default: none).")
	showVersion := fs.Bool("version", false, "Print version and exit")
	fs.BoolP("help", "h", false, "Show help")

	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			displayHelp(fs)
		}
		return nil, err
	}
	if help, _ := fs.GetBool("help"); help {
		displayHelp(fs)
		return nil, ErrHelp
	}
	if rest := fs.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if *showVersion {
		cfg.ShowVersion = true
		return cfg, nil
	}

	if *configFile != "" {
		cfg.ConfigFile = *configFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "watch-dir":
			cfg.WatchDir = *watchDir
		case "flags-dir":
			cfg.FlagsDir = *flagsDir
		case "extension":
			cfg.Extension = *extension
		case "include":
			cfg.IncludePatterns = parseCommaSeparated(*includes)
		case "exclude":
			cfg.ExcludePatterns = parseCommaSeparated(*excludes)
		case "queue-size":
			cfg.QueueSize = *queueSize
		case "concurrency":
			cfg.Concurrency = *concurrency
		case "max-reads-per-second":
			cfg.MaxReadsPerSecond = *maxReads
		case "poll-interval":
			cfg.PollInterval = *pollInterval
		case "force-polling":
			cfg.ForcePolling = *forcePolling
		case "cpu-threshold":
			cfg.Thresholds.CPU = *cpuThreshold
		case "memory-threshold":
			cfg.Thresholds.Memory = *memoryThreshold
		case "idle-threshold":
			cfg.Thresholds.IdleSeconds = *idleThreshold
		case "focus-threshold":
			cfg.Thresholds.Focus = *focusThreshold
		case "stress-threshold":
			cfg.Thresholds.Stress = *stressThreshold
		case "fatigue-threshold":
			cfg.Thresholds.Fatigue = *fatigueThreshold
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "backfill":
			cfg.Backfill = *backfill
		case "export-session":
			cfg.ExportSession = *exportSession
		case "export-file":
			cfg.ExportFile = *exportFile
		case "diag-stall-threshold":
			cfg.DiagStallThreshold = *diagStall
		case "diag-dir":
			cfg.DiagDir = *diagDir
		case "diag-goroutine-leak":
			cfg.DiagGoroutineLeak = *diagGoroutineLeak
		case "otel-endpoint":
			cfg.OtelEndpoint = *otelEndpoint
		case "otel-from-env":
			cfg.OtelFromEnv = *otelFromEnv
		case "otel-headers":
			cfg.OtelHeaders = parseHeaders(*otelHeaders)
		case "otel-service-name":
			cfg.OtelServiceName = *otelServiceName
		case "otel-timeout":
			cfg.OtelTimeout = *otelTimeout
		case "trace-flight":
			cfg.TraceFlight = *traceFlight
		case "trace-flight-file":
			cfg.TraceFlightFile = *traceFlightFile
		case "trace-flight-max-bytes":
			cfg.TraceFlightMaxBytes = *traceFlightMaxBytes
		case "trace-flight-min-age":
			cfg.TraceFlightMinAge = *traceFlightMinAge
		}
	})

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func displayHelp(fs *pflag.FlagSet) {
	fmt.Println("flagwatch - snapshot anomaly flag detection")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  flagwatch [options]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Print(fs.FlagUsages())
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  flagwatch --watch-dir /var/lib/agent/timeslots --flags-dir /var/lib/agent/flags")
	fmt.Println("  flagwatch --backfill --cpu-threshold 85 --log-format json")
	fmt.Println("  flagwatch --export-session 3f2a --export-file session.ndjson.zst")
}

// loadFromFile decodes a YAML file when its extension is .yaml or .yml and
// JSON otherwise. Keys absent from the file keep their current values.
func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("invalid config file format: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("invalid config file format: %w", err)
		}
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.Extension = utils.NormalizeExtension(cfg.Extension)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if strings.TrimSpace(cfg.DiagDir) == "" {
		cfg.DiagDir = "."
	}
	if strings.TrimSpace(cfg.OtelServiceName) == "" {
		cfg.OtelServiceName = "flagwatch"
	}
	if cfg.TraceFlight && cfg.TraceFlightFile == "" {
		cfg.TraceFlightFile = "trace-flight.out"
	}
	cfg.ExportSession = strings.TrimSpace(cfg.ExportSession)
	if cfg.ExportSession != "" && cfg.ExportFile == "" {
		cfg.ExportFile = cfg.ExportSession + ".ndjson.zst"
	}
}

func (cfg *Config) validate() error {
	if strings.TrimSpace(cfg.WatchDir) == "" {
		return fmt.Errorf("watch-dir must be set")
	}
	if strings.TrimSpace(cfg.FlagsDir) == "" {
		return fmt.Errorf("flags-dir must be set")
	}
	if utils.SamePath(cfg.WatchDir, cfg.FlagsDir) {
		return fmt.Errorf("flags-dir must differ from watch-dir")
	}
	if utils.SamePath(cfg.WatchDir, cfg.DiagDir) {
		return fmt.Errorf("diag-dir must differ from watch-dir")
	}
	if cfg.Extension == "" {
		return fmt.Errorf("extension must be set")
	}
	if cfg.QueueSize <= 0 {
		return fmt.Errorf("queue-size must be positive")
	}
	if cfg.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if cfg.MaxReadsPerSecond < 0 {
		return fmt.Errorf("max-reads-per-second must be zero or positive")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return fmt.Errorf("invalid thresholds: %w", err)
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" &&
		cfg.LogLevel != "error" && cfg.LogLevel != "fatal" && cfg.LogLevel != "panic" {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ExportFile != "" && cfg.ExportSession == "" {
		return fmt.Errorf("export-file requires export-session")
	}
	if cfg.DiagStallThreshold < 0 {
		return fmt.Errorf("diag-stall-threshold must be zero or positive")
	}
	if cfg.TraceFlightMinAge < 0 {
		return fmt.Errorf("trace-flight-min-age must be zero or positive")
	}
	if cfg.OtelTimeout < 0 {
		return fmt.Errorf("otel-timeout must be zero or positive")
	}
	if cfg.OtelEndpoint != "" {
		if !strings.HasPrefix(cfg.OtelEndpoint, "http://") && !strings.HasPrefix(cfg.OtelEndpoint, "https://") {
			return fmt.Errorf("otel-endpoint must include scheme (http or https)")
		}
	}
	return nil
}

// VersionString is the line printed by --version.
func VersionString() string {
	return fmt.Sprintf("flagwatch version %s", version.Version)
}

func parseCommaSeparated(input string) []string {
	if input == "" {
		return []string{}
	}
	items := strings.Split(input, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseHeaders(input string) map[string]string {
	headers := make(map[string]string)
	if input == "" {
		return headers
	}
	items := strings.Split(input, ",")
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}
