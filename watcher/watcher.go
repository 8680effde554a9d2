// Package watcher reports snapshot files that appear or change in a single
// directory.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"flagwatch/logger"
	"flagwatch/utils"
)

const (
	DefaultExtension    = ".json"
	DefaultPollInterval = time.Second
)

var ErrClosed = errors.New("watcher closed")

type Options struct {
	Dir       string
	Extension string
	Include   []string
	Exclude   []string
	// PollInterval applies to the polling backend only.
	PollInterval time.Duration
	// ForcePolling selects the polling backend even where inotify is
	// available, e.g. for network filesystems that do not deliver events.
	ForcePolling bool
}

// backend delivers matching paths until ctx ends or it is closed.
type backend interface {
	run(ctx context.Context, publish func(name string) bool) error
	close()
}

type Watcher struct {
	dir       string
	matcher   *utils.PatternMatcher
	backend   backend
	closeOnce sync.Once
}

// New validates the directory and installs the OS watch. The directory must
// already exist.
func New(opts Options) (*Watcher, error) {
	if opts.Dir == "" {
		return nil, errors.New("watch directory not set")
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve watch directory %s: %w", opts.Dir, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("watch directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch directory %s is not a directory", dir)
	}
	ext := opts.Extension
	if ext == "" {
		ext = DefaultExtension
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	w := &Watcher{
		dir:     dir,
		matcher: utils.NewPatternMatcher(ext, opts.Include, opts.Exclude),
	}
	if opts.ForcePolling {
		w.backend = newPollBackend(dir, w.matcher, interval)
	} else {
		w.backend, err = newNativeBackend(dir, w.matcher, interval)
		if err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) Dir() string {
	return w.dir
}

// Run publishes absolute snapshot paths to out until ctx is cancelled.
// Sends block until the consumer receives them, so no event is dropped.
// The same path may be published more than once.
func (w *Watcher) Run(ctx context.Context, out chan<- string) error {
	logger.Infof("Watching %s for snapshots", w.dir)
	publish := func(name string) bool {
		path := filepath.Join(w.dir, name)
		if !w.matcher.ShouldInclude(path) {
			return true
		}
		logger.WithFields(logger.Fields{"path": path}).Debug("Snapshot event")
		select {
		case out <- path:
			return true
		case <-ctx.Done():
			return false
		}
	}
	err := w.backend.run(ctx, publish)
	if ctx.Err() != nil && (err == nil || errors.Is(err, ErrClosed)) {
		return nil
	}
	return err
}

// Existing lists the matching snapshot files currently in the directory,
// sorted by name.
func (w *Watcher) Existing() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("list watch directory %s: %w", w.dir, err)
	}
	var paths []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if w.matcher.ShouldInclude(path) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Close releases the OS handle. It is safe to call more than once and
// while Run is active.
func (w *Watcher) Close() {
	w.closeOnce.Do(w.backend.close)
}

// sleepCtx waits for d or until ctx ends, reporting whether ctx is still
// live.
func sleepCtx(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
