//go:build linux

package watcher

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"flagwatch/logger"
	"flagwatch/utils"

	"golang.org/x/sys/unix"
)

const (
	// IN_CREATE and IN_MOVED_TO report new names; IN_CLOSE_WRITE reports a
	// completed rewrite. IN_MODIFY is not watched because it fires for
	// every partial write.
	watchMask = unix.IN_CREATE | unix.IN_MOVED_TO | unix.IN_CLOSE_WRITE |
		unix.IN_DELETE_SELF | unix.IN_MOVE_SELF

	pollTimeoutMillis = 100
	readBufferSize    = 64 * 1024
	errorBackoff      = 100 * time.Millisecond
)

type inotifyBackend struct {
	dir      string
	fd       int
	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	running bool
	closed  bool
}

func newNativeBackend(dir string, _ *utils.PatternMatcher, _ time.Duration) (backend, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}
	if _, err := unix.InotifyAddWatch(fd, dir, watchMask); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("inotify_add_watch on %s: %w", dir, err)
	}
	return &inotifyBackend{
		dir:  dir,
		fd:   fd,
		stop: make(chan struct{}),
	}, nil
}

// run polls the inotify descriptor with a short timeout so it notices stop
// and ctx promptly. The descriptor is closed when run returns.
func (b *inotifyBackend) run(ctx context.Context, publish func(name string) bool) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.running = true
	b.mu.Unlock()
	defer b.release()

	buffer := make([]byte, readBufferSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.stop:
			return ErrClosed
		default:
		}

		fds := []unix.PollFd{{Fd: int32(b.fd), Events: unix.POLLIN}}
		count, err := unix.Poll(fds, pollTimeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logger.Warnf("inotify poll on %s failed: %v", b.dir, err)
			if !sleepCtx(ctx, b.stop, errorBackoff) {
				return nil
			}
			continue
		}
		if count == 0 {
			continue
		}

		n, err := unix.Read(b.fd, buffer)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			logger.Warnf("inotify read on %s failed: %v", b.dir, err)
			if !sleepCtx(ctx, b.stop, errorBackoff) {
				return nil
			}
			continue
		}

		if ok, err := b.handle(parseEvents(buffer[:n]), publish); !ok {
			return err
		}
	}
}

// handle publishes the names carried by events. It reports false when run
// must return, together with the error to return.
func (b *inotifyBackend) handle(events []inotifyEvent, publish func(name string) bool) (bool, error) {
	for _, ev := range events {
		switch {
		case ev.mask&unix.IN_Q_OVERFLOW != 0:
			logger.Warnf("inotify queue overflowed on %s; republishing directory contents", b.dir)
			if !b.republish(publish) {
				return false, nil
			}
		case ev.mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF|unix.IN_IGNORED) != 0:
			return false, fmt.Errorf("watch directory %s was removed or moved", b.dir)
		case ev.mask&unix.IN_ISDIR != 0 || ev.name == "":
		default:
			if !publish(ev.name) {
				return false, nil
			}
		}
	}
	return true, nil
}

// republish publishes every regular file in the directory. The kernel
// dropped events after an overflow, so any file may have changed.
func (b *inotifyBackend) republish(publish func(name string) bool) bool {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		logger.Warnf("Rescan of %s after overflow failed: %v", b.dir, err)
		return true
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if !publish(entry.Name()) {
			return false
		}
	}
	return true
}

func (b *inotifyBackend) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		unix.Close(b.fd)
		b.closed = true
	}
	b.running = false
}

func (b *inotifyBackend) close() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running && !b.closed {
		unix.Close(b.fd)
		b.closed = true
	}
}

type inotifyEvent struct {
	mask uint32
	name string
}

// parseEvents decodes a buffer of raw inotify events. Layout per
// inotify(7):
//
//	struct inotify_event {
//	    int32_t  wd;     // offset 0
//	    uint32_t mask;   // offset 4
//	    uint32_t cookie; // offset 8
//	    uint32_t len;    // offset 12
//	    char     name[]; // offset 16, null padded
//	};
func parseEvents(buffer []byte) []inotifyEvent {
	var events []inotifyEvent
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		mask := binary.NativeEndian.Uint32(buffer[offset+4 : offset+8])
		nameLength := int(binary.NativeEndian.Uint32(buffer[offset+12 : offset+16]))
		eventSize := unix.SizeofInotifyEvent + nameLength
		if offset+eventSize > len(buffer) {
			break
		}
		var name string
		if nameLength > 0 {
			name = nullTerminatedString(buffer[offset+unix.SizeofInotifyEvent : offset+eventSize])
		}
		events = append(events, inotifyEvent{mask: mask, name: name})
		offset += eventSize
	}
	return events
}

func nullTerminatedString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
