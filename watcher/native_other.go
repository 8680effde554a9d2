//go:build !linux

package watcher

import (
	"time"

	"flagwatch/utils"
)

func newNativeBackend(dir string, matcher *utils.PatternMatcher, interval time.Duration) (backend, error) {
	return newPollBackend(dir, matcher, interval), nil
}
