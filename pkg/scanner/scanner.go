// Package scanner provides the minimal scan-insert hook that seeds the
// Queue Store from a bucket's source folders. The full external
// scanner product (incremental watches, REST-triggered rescans) is out
// of scope; this is the narrow primitive those products would call.
package scanner

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/cuemby/portage/pkg/log"
	"github.com/cuemby/portage/pkg/storage"
	"github.com/cuemby/portage/pkg/types"
)

// Options controls one scan pass.
type Options struct {
	Recursive         bool
	IgnorePatterns    []string
	FastPathSizeMatch bool
	DestFolder        string
}

// Scan walks sourceFolder according to opts and inserts one queue row
// per regular file via store.InsertMany, returning the count of rows
// newly added. When opts.FastPathSizeMatch is set, a file whose
// destination already exists with an identical size is inserted
// directly as completed, bypassing the worker's hash check entirely —
// an explicit, opt-in optimization, never the default.
func Scan(store *storage.Store, bucketID int64, sourceFolder string, opts Options) (int, error) {
	scanID := uuid.New().String()
	logger := log.WithComponent("scanner")
	logger.Debug().Str("scan_id", scanID).Int64("bucket_id", bucketID).Str("folder", sourceFolder).Msg("scan started")

	var rows []*types.QueueEntry

	walkErr := filepath.WalkDir(sourceFolder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !opts.Recursive && path != sourceFolder {
				return filepath.SkipDir
			}
			return nil
		}
		if matchesAny(d.Name(), opts.IgnorePatterns) {
			return nil
		}

		rel, err := filepath.Rel(sourceFolder, path)
		if err != nil {
			return fmt.Errorf("scanner: relative path: %w", err)
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("scanner: stat %s: %w", path, err)
		}

		destPath := filepath.Join(opts.DestFolder, rel)
		entry := &types.QueueEntry{
			SourcePath:      path,
			SourceFolder:    sourceFolder,
			RelativePath:    rel,
			DestinationPath: destPath,
			FileSize:        info.Size(),
			Status:          types.EntryPending,
		}

		if opts.FastPathSizeMatch {
			if destInfo, err := os.Stat(destPath); err == nil && destInfo.Size() == info.Size() {
				entry.Status = types.EntryCompleted
			}
		}

		rows = append(rows, entry)
		return nil
	})
	if walkErr != nil {
		return 0, fmt.Errorf("scanner: walk %s: %w", sourceFolder, walkErr)
	}

	n, err := store.InsertMany(bucketID, rows)
	if err != nil {
		return n, err
	}
	logger.Info().Str("scan_id", scanID).Int64("bucket_id", bucketID).Int("inserted", n).Msg("scan completed")
	return n, nil
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}
