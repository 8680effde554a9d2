package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"flagwatch/logger"
	"flagwatch/utils"
)

type fileState struct {
	size    int64
	modTime time.Time
}

// pollBackend rescans the directory on an interval and reports names that
// are new or whose size or modification time changed.
type pollBackend struct {
	dir      string
	matcher  *utils.PatternMatcher
	interval time.Duration
	seen     map[string]fileState
	stop     chan struct{}
	stopOnce sync.Once
}

func newPollBackend(dir string, matcher *utils.PatternMatcher, interval time.Duration) *pollBackend {
	return &pollBackend{
		dir:      dir,
		matcher:  matcher,
		interval: interval,
		seen:     make(map[string]fileState),
		stop:     make(chan struct{}),
	}
}

func (p *pollBackend) run(ctx context.Context, publish func(name string) bool) error {
	select {
	case <-p.stop:
		return ErrClosed
	default:
	}
	// Files present at startup are not events.
	p.scan(nil)
	for sleepCtx(ctx, p.stop, p.interval) {
		if !p.scan(publish) {
			return nil
		}
	}
	return nil
}

// scan refreshes the seen set and publishes changes. It reports false when
// publishing was interrupted.
func (p *pollBackend) scan(publish func(name string) bool) bool {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		logger.Warnf("Failed to scan %s: %v", p.dir, err)
		return true
	}
	current := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if !p.matcher.ShouldInclude(filepath.Join(p.dir, name)) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		current[name] = struct{}{}
		state := fileState{size: info.Size(), modTime: info.ModTime()}
		prev, ok := p.seen[name]
		p.seen[name] = state
		if ok && prev.size == state.size && prev.modTime.Equal(state.modTime) {
			continue
		}
		if publish != nil && !publish(name) {
			return false
		}
	}
	for name := range p.seen {
		if _, ok := current[name]; !ok {
			delete(p.seen, name)
		}
	}
	return true
}

func (p *pollBackend) close() {
	p.stopOnce.Do(func() { close(p.stop) })
}
