package storage

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/portage/pkg/stats"
	"github.com/cuemby/portage/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := Open(path, stats.New())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createTestBucket(t *testing.T, store *Store, name string) *types.Bucket {
	t.Helper()
	b := &types.Bucket{Name: name, SourceFolders: []string{"/src/a", "/src/b"}, DestFolder: "/dst", WorkerCount: 2}
	require.NoError(t, store.CreateBucket(b))
	return b
}

func TestCreateAndGetBucket(t *testing.T) {
	store := openTestStore(t)
	b := createTestBucket(t, store, "alpha")
	require.NotZero(t, b.ID)
	require.Equal(t, types.BucketStopped, b.Status)

	got, err := store.GetBucket(b.ID)
	require.NoError(t, err)
	require.Equal(t, "alpha", got.Name)
	require.Equal(t, []string{"/src/a", "/src/b"}, got.SourceFolders)
}

func TestGetBucketNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetBucket(999)
	require.ErrorIs(t, err, ErrBucketNotFound)
}

func TestCreateBucketDuplicateName(t *testing.T) {
	store := openTestStore(t)
	createTestBucket(t, store, "dup")
	b2 := &types.Bucket{Name: "dup", SourceFolders: []string{"/src"}, DestFolder: "/dst", WorkerCount: 1}
	err := store.CreateBucket(b2)
	require.ErrorIs(t, err, ErrDuplicateBucketName)
}

func TestInsertManyDedup(t *testing.T) {
	store := openTestStore(t)
	b := createTestBucket(t, store, "insert")

	rows := []*types.QueueEntry{
		{SourcePath: "/src/a/1.txt", SourceFolder: "/src/a", RelativePath: "1.txt", DestinationPath: "/dst/1.txt", FileSize: 10},
		{SourcePath: "/src/a/2.txt", SourceFolder: "/src/a", RelativePath: "2.txt", DestinationPath: "/dst/2.txt", FileSize: 20},
	}
	n, err := store.InsertMany(b.ID, rows)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Re-inserting the same rows is idempotent: nothing new is added.
	n2, err := store.InsertMany(b.ID, rows)
	require.NoError(t, err)
	require.Equal(t, 0, n2)

	snapshot := store.Stats(b.ID)
	require.Equal(t, int64(2), snapshot.ByStatus[types.EntryPending].Count)
	require.Equal(t, int64(30), snapshot.ByStatus[types.EntryPending].TotalSize)
}

func TestClaimFIFOAndExclusivity(t *testing.T) {
	store := openTestStore(t)
	b := createTestBucket(t, store, "claim")

	var rows []*types.QueueEntry
	for i := 0; i < 5; i++ {
		rows = append(rows, &types.QueueEntry{
			SourcePath: filepath.Join("/src/a", string(rune('a'+i))), SourceFolder: "/src/a",
			RelativePath: string(rune('a' + i)), DestinationPath: filepath.Join("/dst", string(rune('a'+i))), FileSize: int64(i),
		})
	}
	_, err := store.InsertMany(b.ID, rows)
	require.NoError(t, err)

	claimed, err := store.Claim(b.ID, "/src/a", 3, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	// FIFO: the first three inserted rows come back, ascending by id.
	require.True(t, claimed[0].ID < claimed[1].ID && claimed[1].ID < claimed[2].ID)

	for _, c := range claimed {
		require.Equal(t, types.EntryInProgress, c.Status)
	}

	remaining, err := store.Claim(b.ID, "/src/a", 10, 2)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
}

func TestClaimConcurrentExclusivity(t *testing.T) {
	store := openTestStore(t)
	b := createTestBucket(t, store, "race")

	var rows []*types.QueueEntry
	for i := 0; i < 20; i++ {
		rows = append(rows, &types.QueueEntry{
			SourcePath: filepath.Join("/src/a", string(rune('a'+i))), SourceFolder: "/src/a",
			RelativePath: string(rune('a' + i)), DestinationPath: filepath.Join("/dst", string(rune('a'+i))), FileSize: 1,
		})
	}
	_, err := store.InsertMany(b.ID, rows)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int64]bool)
	duplicates := 0

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(workerID int64) {
			defer wg.Done()
			claimed, err := store.Claim(b.ID, "/src/a", 10, workerID)
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, c := range claimed {
				if seen[c.ID] {
					duplicates++
				}
				seen[c.ID] = true
			}
		}(int64(w + 1))
	}
	wg.Wait()

	require.Zero(t, duplicates, "no row should be claimed by more than one worker")
	require.Len(t, seen, 20, "every row should eventually be claimed exactly once")
}

func TestCommitCompleted(t *testing.T) {
	store := openTestStore(t)
	b := createTestBucket(t, store, "commit")
	_, err := store.InsertMany(b.ID, []*types.QueueEntry{
		{SourcePath: "/src/a/f", SourceFolder: "/src/a", RelativePath: "f", DestinationPath: "/dst/f", FileSize: 100},
	})
	require.NoError(t, err)

	claimed, err := store.Claim(b.ID, "", 1, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	srcHash, dstHash := "abc", "abc"
	bucketID, err := store.Commit(claimed[0].ID, CommitResult{Status: types.EntryCompleted, SourceHash: &srcHash, DestinationHash: &dstHash})
	require.NoError(t, err)
	require.Equal(t, b.ID, bucketID)

	snapshot := store.Stats(b.ID)
	require.Equal(t, int64(1), snapshot.ByStatus[types.EntryCompleted].Count)
	require.Equal(t, int64(0), snapshot.ByStatus[types.EntryInProgress].Count)
}

func TestCommitEntryNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Commit(999, CommitResult{Status: types.EntryCompleted})
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestResolveConflictOverwriteAndSkip(t *testing.T) {
	store := openTestStore(t)
	b := createTestBucket(t, store, "conflict")
	_, err := store.InsertMany(b.ID, []*types.QueueEntry{
		{SourcePath: "/src/a/f1", SourceFolder: "/src/a", RelativePath: "f1", DestinationPath: "/dst/f1", FileSize: 10},
		{SourcePath: "/src/a/f2", SourceFolder: "/src/a", RelativePath: "f2", DestinationPath: "/dst/f2", FileSize: 20},
	})
	require.NoError(t, err)

	claimed, err := store.Claim(b.ID, "", 2, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	for _, c := range claimed {
		_, err := store.Commit(c.ID, CommitResult{Status: types.EntryConflict})
		require.NoError(t, err)
	}

	require.NoError(t, store.ResolveConflict(b.ID, claimed[0].ID, types.ResolveOverwrite))
	require.NoError(t, store.ResolveConflict(b.ID, claimed[1].ID, types.ResolveSkip))

	snapshot := store.Stats(b.ID)
	require.Equal(t, int64(1), snapshot.ByStatus[types.EntryPending].Count)
	require.Equal(t, int64(1), snapshot.ByStatus[types.EntryCompleted].Count)
}

func TestResolveConflictWrongBucketIsNoOp(t *testing.T) {
	store := openTestStore(t)
	b1 := createTestBucket(t, store, "b1")
	b2 := createTestBucket(t, store, "b2")
	_, err := store.InsertMany(b1.ID, []*types.QueueEntry{
		{SourcePath: "/src/a/f", SourceFolder: "/src/a", RelativePath: "f", DestinationPath: "/dst/f", FileSize: 10},
	})
	require.NoError(t, err)

	claimed, err := store.Claim(b1.ID, "", 1, 1)
	require.NoError(t, err)
	_, err = store.Commit(claimed[0].ID, CommitResult{Status: types.EntryConflict})
	require.NoError(t, err)

	// Scoping to the wrong bucket must not mutate the row.
	require.NoError(t, store.ResolveConflict(b2.ID, claimed[0].ID, types.ResolveOverwrite))

	snapshot := store.Stats(b1.ID)
	require.Equal(t, int64(1), snapshot.ByStatus[types.EntryConflict].Count)
}

func TestRetryError(t *testing.T) {
	store := openTestStore(t)
	b := createTestBucket(t, store, "retry")
	_, err := store.InsertMany(b.ID, []*types.QueueEntry{
		{SourcePath: "/src/a/f", SourceFolder: "/src/a", RelativePath: "f", DestinationPath: "/dst/f", FileSize: 10},
	})
	require.NoError(t, err)

	claimed, err := store.Claim(b.ID, "", 1, 1)
	require.NoError(t, err)
	errMsg := "boom"
	_, err = store.Commit(claimed[0].ID, CommitResult{Status: types.EntryError, ErrorMessage: &errMsg})
	require.NoError(t, err)

	require.NoError(t, store.RetryError(b.ID, claimed[0].ID))

	snapshot := store.Stats(b.ID)
	require.Equal(t, int64(1), snapshot.ByStatus[types.EntryPending].Count)
	require.Equal(t, int64(0), snapshot.ByStatus[types.EntryError].Count)
}

func TestRecoveryRevertsInProgressToPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := Open(path, stats.New())
	require.NoError(t, err)

	b := createTestBucket(t, store, "crash")
	_, err = store.InsertMany(b.ID, []*types.QueueEntry{
		{SourcePath: "/src/a/f", SourceFolder: "/src/a", RelativePath: "f", DestinationPath: "/dst/f", FileSize: 10},
	})
	require.NoError(t, err)

	_, err = store.Claim(b.ID, "", 1, 1)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Simulate a restart against the same database file.
	reopened, err := Open(path, stats.New())
	require.NoError(t, err)
	defer reopened.Close()

	snapshot := reopened.Stats(b.ID)
	require.Equal(t, int64(1), snapshot.ByStatus[types.EntryPending].Count)
	require.Equal(t, int64(0), snapshot.ByStatus[types.EntryInProgress].Count)
}

func TestFolderActiveCounts(t *testing.T) {
	store := openTestStore(t)
	b := createTestBucket(t, store, "folders")
	_, err := store.InsertMany(b.ID, []*types.QueueEntry{
		{SourcePath: "/src/a/1", SourceFolder: "/src/a", RelativePath: "1", DestinationPath: "/dst/1", FileSize: 1},
		{SourcePath: "/src/a/2", SourceFolder: "/src/a", RelativePath: "2", DestinationPath: "/dst/2", FileSize: 1},
		{SourcePath: "/src/b/1", SourceFolder: "/src/b", RelativePath: "1", DestinationPath: "/dst/b1", FileSize: 1},
	})
	require.NoError(t, err)

	counts, err := store.FolderActiveCounts(b.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), counts["/src/a"].Pending)
	require.Equal(t, int64(1), counts["/src/b"].Pending)
}

func TestFolderStatsCachedAllStatuses(t *testing.T) {
	store := openTestStore(t)
	b := createTestBucket(t, store, "folder-stats")

	// Insert and claim the four rows that will end up in a
	// non-pending status first, so FIFO claim order can't reach the
	// row meant to stay pending.
	_, err := store.InsertMany(b.ID, []*types.QueueEntry{
		{SourcePath: "/src/a/inprogress", SourceFolder: "/src/a", RelativePath: "inprogress", DestinationPath: "/dst/inprogress", FileSize: 1},
		{SourcePath: "/src/a/completed", SourceFolder: "/src/a", RelativePath: "completed", DestinationPath: "/dst/completed", FileSize: 1},
		{SourcePath: "/src/a/errored", SourceFolder: "/src/a", RelativePath: "errored", DestinationPath: "/dst/errored", FileSize: 1},
		{SourcePath: "/src/a/conflicted", SourceFolder: "/src/a", RelativePath: "conflicted", DestinationPath: "/dst/conflicted", FileSize: 1},
	})
	require.NoError(t, err)

	claimed, err := store.Claim(b.ID, "", 4, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 4)

	byRelPath := make(map[string]*types.QueueEntry)
	for _, e := range claimed {
		byRelPath[e.RelativePath] = e
	}

	hash := "abc"
	_, err = store.Commit(byRelPath["completed"].ID, CommitResult{Status: types.EntryCompleted, SourceHash: &hash, DestinationHash: &hash})
	require.NoError(t, err)

	errMsg := "boom"
	_, err = store.Commit(byRelPath["errored"].ID, CommitResult{Status: types.EntryError, ErrorMessage: &errMsg})
	require.NoError(t, err)

	_, err = store.Commit(byRelPath["conflicted"].ID, CommitResult{Status: types.EntryConflict})
	require.NoError(t, err)
	// "inprogress" is left claimed, with no commit.

	_, err = store.InsertMany(b.ID, []*types.QueueEntry{
		{SourcePath: "/src/a/pending", SourceFolder: "/src/a", RelativePath: "pending", DestinationPath: "/dst/pending", FileSize: 1},
	})
	require.NoError(t, err)

	stats, err := store.FolderStatsCached(b.ID)
	require.NoError(t, err)

	folder := stats["/src/a"]
	require.Equal(t, int64(1), folder.ByStatus[types.EntryPending])
	require.Equal(t, int64(1), folder.ByStatus[types.EntryInProgress])
	require.Equal(t, int64(1), folder.ByStatus[types.EntryCompleted])
	require.Equal(t, int64(1), folder.ByStatus[types.EntryError])
	require.Equal(t, int64(1), folder.ByStatus[types.EntryConflict])
}

func TestFolderStatsCachedIsCachedUntilInvalidated(t *testing.T) {
	store := openTestStore(t)
	b := createTestBucket(t, store, "folder-stats-cache")
	_, err := store.InsertMany(b.ID, []*types.QueueEntry{
		{SourcePath: "/src/a/1", SourceFolder: "/src/a", RelativePath: "1", DestinationPath: "/dst/1", FileSize: 1},
	})
	require.NoError(t, err)

	first, err := store.FolderStatsCached(b.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), first["/src/a"].ByStatus[types.EntryPending])

	// A second insert invalidates the cache, so a fresh read reflects it
	// immediately rather than waiting out the TTL.
	_, err = store.InsertMany(b.ID, []*types.QueueEntry{
		{SourcePath: "/src/a/2", SourceFolder: "/src/a", RelativePath: "2", DestinationPath: "/dst/2", FileSize: 1},
	})
	require.NoError(t, err)

	second, err := store.FolderStatsCached(b.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), second["/src/a"].ByStatus[types.EntryPending])
}

func TestDeleteBucketCascades(t *testing.T) {
	store := openTestStore(t)
	b := createTestBucket(t, store, "delete-me")
	_, err := store.InsertMany(b.ID, []*types.QueueEntry{
		{SourcePath: "/src/a/f", SourceFolder: "/src/a", RelativePath: "f", DestinationPath: "/dst/f", FileSize: 10},
	})
	require.NoError(t, err)

	require.NoError(t, store.DeleteBucket(b.ID))
	_, err = store.GetBucket(b.ID)
	require.ErrorIs(t, err, ErrBucketNotFound)

	claimed, err := store.Claim(b.ID, "", 10, 1)
	require.NoError(t, err)
	require.Empty(t, claimed)
}
