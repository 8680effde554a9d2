// Package hasher fingerprints snapshot contents so a unit of work can be
// correlated with the exact bytes it analyzed.
package hasher

import (
	"encoding/hex"
	"io"
	"os"
	"sync"

	"lukechampine.com/blake3"
)

const (
	digestSize  = 32
	shortLength = 12
	readBufSize = 32 * 1024
)

var readBufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, readBufSize)
		return &buf
	},
}

// Digest returns the hex BLAKE3-256 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Short truncates a digest for log lines.
func Short(digest string) string {
	if len(digest) <= shortLength {
		return digest
	}
	return digest[:shortLength]
}

// DigestFile streams the file at path through BLAKE3.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(digestSize, nil)
	bufPtr := readBufPool.Get().(*[]byte)
	defer readBufPool.Put(bufPtr)
	if _, err := io.CopyBuffer(h, f, *bufPtr); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
