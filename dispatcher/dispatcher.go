// Package dispatcher turns snapshot paths into stored flags. Each path is an
// isolated unit of work: a failure or panic in one unit never affects
// another.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"flagwatch/anomaly"
	"flagwatch/hasher"
	"flagwatch/logger"
	"flagwatch/snapshot"
	"flagwatch/tracing"

	"golang.org/x/time/rate"
)

// Analyzer evaluates one parsed record.
type Analyzer interface {
	Analyze(rec *snapshot.Record) []anomaly.Flag
}

// Saver persists one flag and returns where it was written.
type Saver interface {
	Save(flag anomaly.Flag) (string, error)
}

// FlagSink receives every flag after it has been saved.
type FlagSink interface {
	Emit(ctx context.Context, flag anomaly.Flag)
}

// ReadError reports a snapshot file that could not be read.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read snapshot %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// PanicError reports a unit of work that panicked.
type PanicError struct {
	Path  string
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic processing %s: %v", e.Path, e.Value)
}

// Stage names used in log fields.
const (
	StageRead    = "read"
	StageParse   = "parse"
	StageAnalyze = "analyze"
	StageSave    = "save"
)

type Options struct {
	// Concurrency bounds the number of units in flight. Zero means no
	// bound.
	Concurrency int
	// MaxReadsPerSecond throttles snapshot reads. Zero disables the
	// limiter.
	MaxReadsPerSecond int
	Sinks             []FlagSink
}

// Result describes one finished unit of work.
type Result struct {
	Path      string
	SessionID string
	Digest    string
	Detected  []anomaly.Flag
	// Saved holds the artifact path of each flag in Detected, or "" when
	// that flag failed to save.
	Saved      []string
	SaveErrors []error
	// Err is set when the unit was abandoned before analysis completed.
	Err error
}

// SavedCount returns how many detected flags were persisted.
func (r Result) SavedCount() int {
	n := 0
	for _, p := range r.Saved {
		if p != "" {
			n++
		}
	}
	return n
}

// Stats is a point-in-time copy of the pipeline counters.
type Stats struct {
	FilesReceived   uint64            `json:"files_received"`
	FilesProcessed  uint64            `json:"files_processed"`
	ReadFailures    uint64            `json:"read_failures"`
	ParseFailures   uint64            `json:"parse_failures"`
	UnitPanics      uint64            `json:"unit_panics"`
	FlagsDetected   uint64            `json:"flags_detected"`
	FlagsSaved      uint64            `json:"flags_saved"`
	SaveFailures    uint64            `json:"save_failures"`
	SavedBySeverity map[string]uint64 `json:"saved_by_severity"`
	InFlight        int64             `json:"in_flight"`
}

type counters struct {
	received        atomic.Uint64
	processed       atomic.Uint64
	readFailures    atomic.Uint64
	parseFailures   atomic.Uint64
	panics          atomic.Uint64
	detected        atomic.Uint64
	saved           atomic.Uint64
	saveFailures    atomic.Uint64
	savedBySeverity [anomaly.Critical + 1]atomic.Uint64
	inFlight        atomic.Int64
}

type Dispatcher struct {
	engine  Analyzer
	store   Saver
	sinks   []FlagSink
	sem     chan struct{}
	limiter *rate.Limiter
	stats   counters
	wg      sync.WaitGroup
}

func New(engine Analyzer, store Saver, opts Options) *Dispatcher {
	d := &Dispatcher{
		engine: engine,
		store:  store,
		sinks:  opts.Sinks,
	}
	if opts.Concurrency > 0 {
		d.sem = make(chan struct{}, opts.Concurrency)
	}
	if opts.MaxReadsPerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(opts.MaxReadsPerSecond), opts.MaxReadsPerSecond)
	}
	return d
}

// Run drains paths in arrival order and starts one unit per path. It
// returns when paths is closed or ctx is done, after every started unit has
// finished.
func (d *Dispatcher) Run(ctx context.Context, paths <-chan string) {
	defer d.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case path, ok := <-paths:
			if !ok {
				return
			}
			if !d.dispatch(ctx, path, nil) {
				return
			}
		}
	}
}

// dispatch starts a unit for path once a concurrency slot is free. It
// reports false if ctx ended first.
func (d *Dispatcher) dispatch(ctx context.Context, path string, done func(Result)) bool {
	if d.sem != nil {
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return false
		}
	}
	d.stats.received.Add(1)
	d.stats.inFlight.Add(1)
	d.wg.Add(1)
	// Started units run to completion even if ctx is cancelled meanwhile.
	unitCtx := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		defer d.stats.inFlight.Add(-1)
		if d.sem != nil {
			defer func() { <-d.sem }()
		}
		res := d.ProcessFile(unitCtx, path)
		if done != nil {
			done(res)
		}
	}()
	return true
}

// Wait blocks until every started unit has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// ProcessFile runs one unit of work: read, parse, analyze, then save each
// flag in order. A failed save is logged and the remaining flags are still
// attempted.
func (d *Dispatcher) ProcessFile(ctx context.Context, path string) (res Result) {
	res.Path = path
	ctx, endTask := tracing.StartTask(ctx, "process_snapshot")
	defer endTask()
	defer func() {
		if r := recover(); r != nil {
			d.stats.panics.Add(1)
			res.Err = &PanicError{Path: path, Value: r}
			logger.WithFields(logger.Fields{"path": path, "stage": "panic"}).
				Errorf("Recovered from panic: %v\n%s", r, debug.Stack())
		}
	}()

	content, err := d.read(ctx, path)
	if err != nil {
		d.stats.readFailures.Add(1)
		res.Err = err
		logger.WithFields(logger.Fields{"path": path, "stage": StageRead}).Warnf("Skipping snapshot: %v", err)
		return res
	}
	res.Digest = hasher.Digest(content)

	endParse := tracing.StartRegion(ctx, StageParse)
	env, err := snapshot.Parse(content)
	endParse()
	if err != nil {
		d.stats.parseFailures.Add(1)
		res.Err = err
		logger.WithFields(logger.Fields{
			"path":   path,
			"stage":  StageParse,
			"digest": hasher.Short(res.Digest),
		}).Warnf("Skipping snapshot: %v", err)
		return res
	}
	res.SessionID = env.Data.SessionID
	tracing.Log(ctx, "session_id", res.SessionID)

	endAnalyze := tracing.StartRegion(ctx, StageAnalyze)
	res.Detected = d.engine.Analyze(&env.Data)
	endAnalyze()
	d.stats.detected.Add(uint64(len(res.Detected)))

	fields := logger.Fields{
		"path":       path,
		"session_id": res.SessionID,
		"digest":     hasher.Short(res.Digest),
	}
	logger.WithFields(fields).Debugf("Detected %d flag(s)", len(res.Detected))

	res.Saved = make([]string, len(res.Detected))
	endSave := tracing.StartRegion(ctx, StageSave)
	for i, flag := range res.Detected {
		saved, err := d.store.Save(flag)
		if err != nil {
			d.stats.saveFailures.Add(1)
			res.SaveErrors = append(res.SaveErrors, err)
			logger.WithFields(logger.Fields{
				"path":    path,
				"stage":   StageSave,
				"flag_id": flag.ID,
			}).Errorf("Failed to save flag: %v", err)
			continue
		}
		res.Saved[i] = saved
		d.stats.saved.Add(1)
		if flag.Severity >= anomaly.Low && flag.Severity <= anomaly.Critical {
			d.stats.savedBySeverity[flag.Severity].Add(1)
		}
		logger.WithFields(logger.Fields{
			"flag_id":    flag.ID,
			"session_id": flag.SessionID,
			"severity":   flag.Severity.String(),
		}).Infof("Flag detected: %s", flag.Title)
		for _, sink := range d.sinks {
			sink.Emit(ctx, flag)
		}
	}
	endSave()

	d.stats.processed.Add(1)
	return res
}

func (d *Dispatcher) read(ctx context.Context, path string) ([]byte, error) {
	defer tracing.StartRegion(ctx, StageRead)()
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, &ReadError{Path: path, Err: err}
		}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}
	return content, nil
}

func (d *Dispatcher) InFlight() int64 {
	return d.stats.inFlight.Load()
}

func (d *Dispatcher) Stats() Stats {
	s := Stats{
		FilesReceived:   d.stats.received.Load(),
		FilesProcessed:  d.stats.processed.Load(),
		ReadFailures:    d.stats.readFailures.Load(),
		ParseFailures:   d.stats.parseFailures.Load(),
		UnitPanics:      d.stats.panics.Load(),
		FlagsDetected:   d.stats.detected.Load(),
		FlagsSaved:      d.stats.saved.Load(),
		SaveFailures:    d.stats.saveFailures.Load(),
		SavedBySeverity: make(map[string]uint64),
		InFlight:        d.stats.inFlight.Load(),
	}
	for _, sev := range anomaly.Severities() {
		if n := d.stats.savedBySeverity[sev].Load(); n > 0 {
			s.SavedBySeverity[sev.String()] = n
		}
	}
	return s
}

// Completed counts units that have finished, successfully or not.
func (s Stats) Completed() uint64 {
	return s.FilesProcessed + s.ReadFailures + s.ParseFailures + s.UnitPanics
}

// IsUnitFailure reports whether err abandoned a unit before analysis.
func IsUnitFailure(err error) bool {
	var readErr *ReadError
	var parseErr *snapshot.ParseError
	var panicErr *PanicError
	return errors.As(err, &readErr) || errors.As(err, &parseErr) || errors.As(err, &panicErr)
}
