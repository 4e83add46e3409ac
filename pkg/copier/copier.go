// Package copier implements the Copy Worker: given one claimed queue
// entry, it produces exactly one terminal outcome and never mutates
// durable state itself.
package copier

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/portage/pkg/hashutil"
	"github.com/cuemby/portage/pkg/types"
)

// defaultBufferSize is used when Config.BufferSize is unset.
const defaultBufferSize = 256 * 1024

// progressThrottle is the minimum interval between progress callbacks
// while streaming, an external policy the scheduler may further batch
// downstream.
const progressThrottle = 500 * time.Millisecond

// Progress is reported at most every progressThrottle while streaming a
// new file, and once more with the final byte count when the stream ends.
type Progress struct {
	BytesCopied int64
	FileSize    int64
}

// Result is the single terminal outcome of one Copy invocation.
type Result struct {
	Outcome         types.CopyOutcome
	SourceHash      string
	DestinationHash string
	ErrorMessage    string
}

// Config configures a Copier's buffering and hash algorithm.
type Config struct {
	BufferSize int
	NewHasher  func() (hashutil.Hasher, error)
}

// Copier performs the Copy Worker algorithm with one hash algorithm and
// buffer size; a Manager shares a single Copier across all its buckets.
// It holds no per-file state and is safe for concurrent use by many
// in-flight copies.
type Copier struct {
	bufferSize int
	newHasher  func() (hashutil.Hasher, error)
}

// New constructs a Copier from cfg, defaulting BufferSize when unset.
func New(cfg Config) *Copier {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Copier{bufferSize: bufferSize, newHasher: cfg.NewHasher}
}

// Copy replicates one queue entry: it checks for a pre-existing
// destination, streams the file when absent, and verifies the
// destination hash before reporting completed.
// progress is invoked at most once per progressThrottle while a new
// file is being streamed, plus one final call after the last write; it
// may be nil.
func (c *Copier) Copy(ctx context.Context, entry *types.QueueEntry, progress func(Progress)) Result {
	if err := os.MkdirAll(filepath.Dir(entry.DestinationPath), 0o755); err != nil {
		return errorResult(fmt.Sprintf("create destination directory: %v", err))
	}

	if _, err := os.Stat(entry.DestinationPath); err == nil {
		return c.compareExisting(entry)
	} else if !os.IsNotExist(err) {
		return errorResult(fmt.Sprintf("stat destination: %v", err))
	}

	return c.streamNew(ctx, entry, progress)
}

// compareExisting handles the destination-exists branch: source and
// destination are hashed and compared; the file is never modified here.
func (c *Copier) compareExisting(entry *types.QueueEntry) Result {
	sourceHash, err := c.hashFile(entry.SourcePath)
	if err != nil {
		return errorResult(fmt.Sprintf("hash source: %v", err))
	}
	destHash, err := c.hashFile(entry.DestinationPath)
	if err != nil {
		return errorResult(fmt.Sprintf("hash destination: %v", err))
	}

	if sourceHash == destHash {
		return Result{Outcome: types.OutcomeIdentical, SourceHash: sourceHash, DestinationHash: destHash}
	}
	return Result{Outcome: types.OutcomeConflict, SourceHash: sourceHash, DestinationHash: destHash}
}

// streamNew handles the destination-absent branch: the source is
// streamed to the destination while being hashed, then the written
// file is re-hashed and compared for integrity.
func (c *Copier) streamNew(ctx context.Context, entry *types.QueueEntry, progress func(Progress)) Result {
	src, err := os.Open(entry.SourcePath)
	if err != nil {
		return errorResult(fmt.Sprintf("open source: %v", err))
	}
	defer src.Close()

	dst, err := os.Create(entry.DestinationPath)
	if err != nil {
		return errorResult(fmt.Sprintf("create destination: %v", err))
	}

	sourceHasher, err := c.newHasher()
	if err != nil {
		dst.Close()
		os.Remove(entry.DestinationPath)
		return errorResult(fmt.Sprintf("init hasher: %v", err))
	}

	buf := make([]byte, c.bufferSize)
	var copied int64
	lastReport := time.Now()

	for {
		select {
		case <-ctx.Done():
			dst.Close()
			os.Remove(entry.DestinationPath)
			return errorResult("copy cancelled")
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				dst.Close()
				os.Remove(entry.DestinationPath)
				return errorResult(fmt.Sprintf("write destination: %v", err))
			}
			sourceHasher.Write(buf[:n])
			copied += int64(n)

			if progress != nil && time.Since(lastReport) >= progressThrottle {
				progress(Progress{BytesCopied: copied, FileSize: entry.FileSize})
				lastReport = time.Now()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			dst.Close()
			os.Remove(entry.DestinationPath)
			return errorResult(fmt.Sprintf("read source: %v", readErr))
		}
	}

	if err := dst.Close(); err != nil {
		os.Remove(entry.DestinationPath)
		return errorResult(fmt.Sprintf("close destination: %v", err))
	}
	if progress != nil {
		progress(Progress{BytesCopied: copied, FileSize: entry.FileSize})
	}

	sourceHash := sourceHasher.Sum()
	destHash, err := c.hashFile(entry.DestinationPath)
	if err != nil {
		return errorResult(fmt.Sprintf("verify destination: %v", err))
	}

	if sourceHash != destHash {
		os.Remove(entry.DestinationPath)
		return Result{
			Outcome:         types.OutcomeIntegrityError,
			SourceHash:      sourceHash,
			DestinationHash: destHash,
			ErrorMessage:    types.IntegrityErrorMessage,
		}
	}
	return Result{Outcome: types.OutcomeCompleted, SourceHash: sourceHash, DestinationHash: destHash}
}

func (c *Copier) hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher, err := c.newHasher()
	if err != nil {
		return "", err
	}

	buf := make([]byte, c.bufferSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hasher.Sum(), nil
}

func errorResult(msg string) Result {
	return Result{Outcome: types.OutcomeError, ErrorMessage: msg}
}
