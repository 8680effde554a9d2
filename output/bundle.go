package output

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"flagwatch/anomaly"
	"flagwatch/logger"
	"flagwatch/store"
	"flagwatch/version"

	"github.com/klauspost/compress/zstd"
)

const maxBundleLine = 4 * 1024 * 1024

// BundleHeader is the first line of a session bundle.
type BundleHeader struct {
	Summary    store.Summary `json:"summary"`
	ExportedAt time.Time     `json:"exported_at"`
	Version    string        `json:"flagwatch_version"`
}

// SessionSource is the part of the flag store an export reads from.
type SessionSource interface {
	BySession(sessionID string) ([]anomaly.Flag, error)
}

// ExportSession writes every stored flag of sessionID to path as a
// zstd-compressed NDJSON bundle: the header, then one flag per line. The
// file appears at path only once it is complete.
func ExportSession(src SessionSource, sessionID, path string) (BundleHeader, error) {
	flags, err := src.BySession(sessionID)
	if err != nil {
		return BundleHeader{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	header := BundleHeader{
		Summary:    store.Summarize(sessionID, flags),
		ExportedAt: time.Now().UTC(),
		Version:    version.Version,
	}
	if err := writeBundleFile(path, header, flags); err != nil {
		return BundleHeader{}, err
	}
	logger.WithFields(logger.Fields{
		"session_id": sessionID,
		"flags":      len(flags),
		"path":       path,
	}).Info("Session exported")
	return header, nil
}

func writeBundleFile(path string, header BundleHeader, flags []anomaly.Flag) (err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export directory: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = WriteBundle(tmp, header, flags); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close export file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("finalize export file: %w", err)
	}
	return nil
}

// WriteBundle streams header and flags to w through a zstd encoder.
func WriteBundle(w io.Writer, header BundleHeader, flags []anomaly.Flag) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("zstd encoder: %w", err)
	}
	buf := bufio.NewWriter(enc)
	if err := writeLine(buf, header); err != nil {
		enc.Close()
		return err
	}
	for _, flag := range flags {
		if err := writeLine(buf, flag); err != nil {
			enc.Close()
			return err
		}
	}
	if err := buf.Flush(); err != nil {
		enc.Close()
		return fmt.Errorf("write bundle: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finish bundle: %w", err)
	}
	return nil
}

func writeLine(buf *bufio.Writer, value any) error {
	data, err := jsonMarshal(value)
	if err != nil {
		return fmt.Errorf("encode bundle line: %w", err)
	}
	if _, err := buf.Write(data); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	return buf.WriteByte('\n')
}

// ReadBundle decodes a bundle written by WriteBundle.
func ReadBundle(r io.Reader) (BundleHeader, []anomaly.Flag, error) {
	var header BundleHeader
	dec, err := zstd.NewReader(r)
	if err != nil {
		return header, nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()

	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 64*1024), maxBundleLine)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return header, nil, fmt.Errorf("read bundle: %w", err)
		}
		return header, nil, errors.New("bundle is empty")
	}
	if err := jsonUnmarshal(scanner.Bytes(), &header); err != nil {
		return header, nil, fmt.Errorf("decode bundle header: %w", err)
	}

	var flags []anomaly.Flag
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var flag anomaly.Flag
		if err := jsonUnmarshal(scanner.Bytes(), &flag); err != nil {
			return header, nil, fmt.Errorf("decode bundle flag %d: %w", len(flags)+1, err)
		}
		flags = append(flags, flag)
	}
	if err := scanner.Err(); err != nil {
		return header, nil, fmt.Errorf("read bundle: %w", err)
	}
	return header, flags, nil
}

// ReadBundleFile opens and decodes the bundle at path.
func ReadBundleFile(path string) (BundleHeader, []anomaly.Flag, error) {
	f, err := os.Open(path)
	if err != nil {
		return BundleHeader{}, nil, err
	}
	defer f.Close()
	return ReadBundle(f)
}
