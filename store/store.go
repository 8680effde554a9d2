// Package store persists anomaly flags as one JSON document per flag.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"flagwatch/anomaly"
	"flagwatch/logger"
)

const (
	filePrefix     = "flag_"
	fileExt        = ".json"
	fileTimeLayout = "2006-01-02_15-04-05.000"
	idPrefixLen    = 8
)

// FlagStore writes each flag to its own file under dir. Save never
// overwrites an existing file, so concurrent callers need no lock.
type FlagStore struct {
	dir string
}

func New(dir string) *FlagStore {
	return &FlagStore{dir: dir}
}

func (s *FlagStore) Dir() string {
	return s.dir
}

// Initialize creates the storage directory. It is safe to call repeatedly.
func (s *FlagStore) Initialize() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create flag directory %s: %w", s.dir, err)
	}
	return nil
}

// FileName returns the artifact name for a flag:
// flag_<YYYY-MM-DD_HH-mm-ss-SSS>_<id prefix>.json, using the UTC detection
// time.
func FileName(flag anomaly.Flag) string {
	stamp := strings.Replace(flag.Timestamp.UTC().Format(fileTimeLayout), ".", "-", 1)
	id := flag.ID
	if len(id) > idPrefixLen {
		id = id[:idPrefixLen]
	}
	return filePrefix + stamp + "_" + id + fileExt
}

// Save writes the flag as indented JSON and returns the file path.
func (s *FlagStore) Save(flag anomaly.Flag) (string, error) {
	body, err := jsonMarshalIndent(flag, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode flag %s: %w", flag.ID, err)
	}
	path := filepath.Join(s.dir, FileName(flag))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

// LoadAll reads every flag file in the directory, ordered by detection time
// and then id. Files that cannot be read or decoded are logged and skipped.
func (s *FlagStore) LoadAll() ([]anomaly.Flag, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list flag directory %s: %w", s.dir, err)
	}
	var flags []anomaly.Flag
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), fileExt) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		flag, err := readFlag(path)
		if err != nil {
			logger.WithFields(logger.Fields{"path": path}).Warnf("Skipping flag file: %v", err)
			continue
		}
		flags = append(flags, flag)
	}
	sort.SliceStable(flags, func(i, j int) bool {
		if !flags[i].Timestamp.Equal(flags[j].Timestamp) {
			return flags[i].Timestamp.Before(flags[j].Timestamp)
		}
		return flags[i].ID < flags[j].ID
	})
	return flags, nil
}

func readFlag(path string) (anomaly.Flag, error) {
	var flag anomaly.Flag
	data, err := os.ReadFile(path)
	if err != nil {
		return flag, err
	}
	if err := jsonUnmarshal(data, &flag); err != nil {
		return flag, fmt.Errorf("decode: %w", err)
	}
	if flag.ID == "" {
		return flag, errors.New("decode: missing id")
	}
	return flag, nil
}

// BySession returns the stored flags for one session in LoadAll order.
func (s *FlagStore) BySession(sessionID string) ([]anomaly.Flag, error) {
	all, err := s.LoadAll()
	if err != nil {
		return nil, err
	}
	var out []anomaly.Flag
	for _, f := range all {
		if f.SessionID == sessionID {
			out = append(out, f)
		}
	}
	return out, nil
}

// Summary aggregates the flags of one session.
type Summary struct {
	SessionID       string         `json:"session_id"`
	TotalFlags      int            `json:"total_flags"`
	BySeverity      map[string]int `json:"by_severity"`
	ByCategory      map[string]int `json:"by_category"`
	HighestSeverity string         `json:"highest_severity,omitempty"`
	FirstDetected   *time.Time     `json:"first_detected,omitempty"`
	LastDetected    *time.Time     `json:"last_detected,omitempty"`
}

// Summarize counts the flags that belong to sessionID. Flags from other
// sessions are ignored.
func Summarize(sessionID string, flags []anomaly.Flag) Summary {
	sum := Summary{
		SessionID:  sessionID,
		BySeverity: make(map[string]int),
		ByCategory: make(map[string]int),
	}
	var severities []anomaly.Severity
	for _, f := range flags {
		if f.SessionID != sessionID {
			continue
		}
		sum.TotalFlags++
		sum.BySeverity[f.Severity.String()]++
		sum.ByCategory[f.Type.String()]++
		severities = append(severities, f.Severity)

		ts := f.Timestamp
		if sum.FirstDetected == nil || ts.Before(*sum.FirstDetected) {
			sum.FirstDetected = &ts
		}
		if sum.LastDetected == nil || ts.After(*sum.LastDetected) {
			last := ts
			sum.LastDetected = &last
		}
	}
	if worst := anomaly.MaxSeverity(severities...); worst != 0 {
		sum.HighestSeverity = worst.String()
	}
	return sum
}
