package copier

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/portage/pkg/hashutil"
	"github.com/cuemby/portage/pkg/types"
)

func newTestCopier() *Copier {
	return New(Config{
		BufferSize: 4096,
		NewHasher:  func() (hashutil.Hasher, error) { return hashutil.New(types.HashSHA256) },
	})
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// corruptingHasher wraps a real Hasher but reports a digest that never
// matches its wrapped Sum, simulating a destination write corrupted in
// a way a size check alone would not catch.
type corruptingHasher struct {
	hashutil.Hasher
}

func (c *corruptingHasher) Sum() string { return "corrupted-" + c.Hasher.Sum() }

// newIntegrityFailureCopier returns a Copier whose second hasher
// invocation (post-write destination verification) always disagrees
// with the first (source streaming), driving the integrity-check
// failure branch deterministically.
func newIntegrityFailureCopier() *Copier {
	calls := 0
	return New(Config{
		BufferSize: 4096,
		NewHasher: func() (hashutil.Hasher, error) {
			calls++
			real, err := hashutil.New(types.HashSHA256)
			if err != nil {
				return nil, err
			}
			if calls == 2 {
				return &corruptingHasher{Hasher: real}, nil
			}
			return real, nil
		},
	})
}

func TestCopyNewFileCompletes(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src", "a.txt")
	dst := filepath.Join(dir, "dst", "a.txt")
	writeFile(t, src, "hello world")

	c := newTestCopier()
	result := c.Copy(context.Background(), &types.QueueEntry{SourcePath: src, DestinationPath: dst, FileSize: 11}, nil)

	require.Equal(t, types.OutcomeCompleted, result.Outcome)
	require.Equal(t, result.SourceHash, result.DestinationHash)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}

func TestCopyIdenticalDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src", "a.txt")
	dst := filepath.Join(dir, "dst", "a.txt")
	writeFile(t, src, "same content")
	writeFile(t, dst, "same content")

	c := newTestCopier()
	result := c.Copy(context.Background(), &types.QueueEntry{SourcePath: src, DestinationPath: dst, FileSize: 12}, nil)

	require.Equal(t, types.OutcomeIdentical, result.Outcome)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "same content", string(got), "an identical destination must never be rewritten")
}

func TestCopyConflictingDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src", "a.txt")
	dst := filepath.Join(dir, "dst", "a.txt")
	writeFile(t, src, "source content")
	writeFile(t, dst, "different content")

	c := newTestCopier()
	result := c.Copy(context.Background(), &types.QueueEntry{SourcePath: src, DestinationPath: dst, FileSize: 14}, nil)

	require.Equal(t, types.OutcomeConflict, result.Outcome)
	require.NotEqual(t, result.SourceHash, result.DestinationHash)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "different content", string(got), "a conflicting destination must never be overwritten implicitly")
}

func TestCopyMissingSourceErrors(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src", "missing.txt")
	dst := filepath.Join(dir, "dst", "missing.txt")

	c := newTestCopier()
	result := c.Copy(context.Background(), &types.QueueEntry{SourcePath: src, DestinationPath: dst, FileSize: 0}, nil)

	require.Equal(t, types.OutcomeError, result.Outcome)
	require.NotEmpty(t, result.ErrorMessage)
}

func TestCopyCancellationCleansUpPartialFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src", "a.txt")
	dst := filepath.Join(dir, "dst", "a.txt")
	writeFile(t, src, "content that would be copied")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestCopier()
	result := c.Copy(ctx, &types.QueueEntry{SourcePath: src, DestinationPath: dst, FileSize: 28}, nil)

	require.Equal(t, types.OutcomeError, result.Outcome)
	_, err := os.Stat(dst)
	require.True(t, os.IsNotExist(err), "a cancelled copy must not leave a partial destination file")
}

func TestCopyStreamedFileFailsIntegrityCheck(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src", "a.txt")
	dst := filepath.Join(dir, "dst", "a.txt")
	writeFile(t, src, "content that will fail verification")

	c := newIntegrityFailureCopier()
	result := c.Copy(context.Background(), &types.QueueEntry{SourcePath: src, DestinationPath: dst, FileSize: 36}, nil)

	require.Equal(t, types.OutcomeIntegrityError, result.Outcome)
	require.Contains(t, result.ErrorMessage, "integrity")
	require.Equal(t, types.IntegrityErrorMessage, result.ErrorMessage)

	_, err := os.Stat(dst)
	require.True(t, os.IsNotExist(err), "a destination that fails post-copy verification must be removed, not left half-written")
}

func TestCopyProgressCallback(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src", "a.txt")
	dst := filepath.Join(dir, "dst", "a.txt")
	content := make([]byte, 1<<20)
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, content, 0o644))

	c := newTestCopier()
	var calls int
	result := c.Copy(context.Background(), &types.QueueEntry{SourcePath: src, DestinationPath: dst, FileSize: int64(len(content))}, func(p Progress) {
		calls++
	})

	require.Equal(t, types.OutcomeCompleted, result.Outcome)
	require.GreaterOrEqual(t, calls, 1, "progress must be reported at least once for a completed copy")
}
