package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"flagwatch/config"
	"flagwatch/detector"
	"flagwatch/diag"
	"flagwatch/dispatcher"
	"flagwatch/hasher"
	"flagwatch/logger"
	"flagwatch/output"
	"flagwatch/store"
	"flagwatch/tracing"
	"flagwatch/watcher"
)

func main() {
	// Initialize configuration
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, config.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.ShowVersion {
		fmt.Println(config.VersionString())
		return
	}

	// Initialize logger
	logger.InitWithFormat(cfg.LogLevel, cfg.LogFormat)

	if cfg.ExportSession != "" {
		if err := exportSession(cfg); err != nil {
			logger.Fatalf("Session export failed: %v", err)
		}
		return
	}

	if err := serve(cfg); err != nil {
		logger.Errorf("Pipeline stopped: %v", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete.")
}

// serve runs the watch pipeline until a signal arrives. Missing storage or
// watch directories are fatal.
func serve(cfg *config.Config) error {
	if err := tracing.Start(""); err != nil {
		logger.Warnf("Failed to start trace: %v", err)
	} else {
		defer tracing.Stop()
	}

	if cfg.TraceFlight {
		if err := tracing.StartFlightRecorder(cfg.TraceFlightMaxBytes, cfg.TraceFlightMinAge); err != nil {
			logger.Warnf("Failed to start flight recorder: %v", err)
		} else {
			defer func() {
				if err := tracing.WriteFlightRecorder(cfg.TraceFlightFile); err != nil {
					logger.Warnf("Failed to write flight recorder: %v", err)
				}
				tracing.StopFlightRecorder()
			}()
		}
	}

	flagStore := store.New(cfg.FlagsDir)
	if err := flagStore.Initialize(); err != nil {
		logger.Fatalf("Failed to initialize flag storage: %v", err)
	}

	w, err := watcher.New(watcher.Options{
		Dir:          cfg.WatchDir,
		Extension:    cfg.Extension,
		Include:      cfg.IncludePatterns,
		Exclude:      cfg.ExcludePatterns,
		PollInterval: cfg.PollInterval,
		ForcePolling: cfg.ForcePolling,
	})
	if err != nil {
		logger.Fatalf("Failed to watch snapshot directory: %v", err)
	}
	defer w.Close()

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	return runPipeline(ctx, cfg, w, flagStore)
}

// runPipeline wires the watcher, dispatcher and sinks and blocks until ctx
// is cancelled or the watcher fails. Units already started are allowed to
// finish before it returns.
func runPipeline(ctx context.Context, cfg *config.Config, w *watcher.Watcher, flagStore *store.FlagStore) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sinks []dispatcher.FlagSink
	otelSink, err := output.NewOtelSink(cfg)
	if err != nil {
		logger.Warnf("OTEL export disabled: %v", err)
	} else if otelSink != nil {
		logger.Infof("Exporting flags to %s", otelSink.Endpoint())
		sinks = append(sinks, otelSink)
		defer otelSink.Shutdown()
	}

	engine := detector.New(cfg.Thresholds)
	d := dispatcher.New(engine, flagStore, dispatcher.Options{
		Concurrency:       cfg.Concurrency,
		MaxReadsPerSecond: cfg.MaxReadsPerSecond,
		Sinks:             sinks,
	})

	diagController := diag.NewController(diag.Options{
		StallThreshold: cfg.DiagStallThreshold,
		Dir:            cfg.DiagDir,
		GoroutineLeak:  cfg.DiagGoroutineLeak,
		ProgressFn: func() diag.Progress {
			s := d.Stats()
			return diag.Progress{Processed: s.Completed(), InFlight: s.InFlight, SaveFailures: s.SaveFailures}
		},
		StatsFn:            func() any { return d.Stats() },
		DumpFlightRecorder: tracing.WriteFlightRecorder,
	})
	diagController.Start(ctx)
	defer diagController.Close()

	paths := make(chan string, cfg.QueueSize)
	watchErr := make(chan error, 1)
	go func() {
		err := w.Run(ctx, paths)
		if err != nil {
			cancel()
		}
		watchErr <- err
	}()

	// The watcher is already running, so files created during backfill are
	// still seen.
	if cfg.Backfill {
		existing, err := w.Existing()
		if err != nil {
			logger.Warnf("Backfill skipped: %v", err)
		} else {
			d.Backfill(ctx, existing)
		}
	}

	logger.WithFields(logger.Fields{
		"watch_dir":   w.Dir(),
		"flags_dir":   flagStore.Dir(),
		"concurrency": cfg.Concurrency,
		"queue_size":  cfg.QueueSize,
	}).Info("Flag detection pipeline started")

	d.Run(ctx, paths)
	err = <-watchErr

	logStats(d.Stats())
	return err
}

func logStats(s dispatcher.Stats) {
	fields := logger.Fields{
		"files_received":  s.FilesReceived,
		"files_processed": s.FilesProcessed,
		"read_failures":   s.ReadFailures,
		"parse_failures":  s.ParseFailures,
		"unit_panics":     s.UnitPanics,
		"flags_detected":  s.FlagsDetected,
		"flags_saved":     s.FlagsSaved,
		"save_failures":   s.SaveFailures,
	}
	for sev, n := range s.SavedBySeverity {
		fields["saved_"+sev] = n
	}
	logger.WithFields(fields).Info("Pipeline statistics")
}

func exportSession(cfg *config.Config) error {
	header, err := output.ExportSession(store.New(cfg.FlagsDir), cfg.ExportSession, cfg.ExportFile)
	if err != nil {
		return err
	}
	if header.Summary.TotalFlags == 0 {
		logger.Warnf("Session %s has no stored flags", cfg.ExportSession)
	}
	digest, err := hasher.DigestFile(cfg.ExportFile)
	if err != nil {
		return fmt.Errorf("digest bundle: %w", err)
	}
	logger.Infof("Bundle %s blake3=%s", cfg.ExportFile, hasher.Short(digest))
	return nil
}

func handleSignals(cancelFunc context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	handleSignalEvent(cancelFunc, sigChan)
}

func handleSignalEvent(cancelFunc context.CancelFunc, sigChan <-chan os.Signal) {
	sig := <-sigChan
	logger.Infof("Signal %v received. Shutting down...", sig)
	cancelFunc()
}
