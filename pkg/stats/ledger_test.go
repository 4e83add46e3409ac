package stats

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/portage/pkg/types"
)

func TestApplyAccumulates(t *testing.T) {
	l := New()
	l.RegisterBucket(1, "alpha")

	l.Apply(1, types.EntryPending, 3, 300)
	l.Apply(1, types.EntryPending, 2, 200)

	snapshot := l.Bucket(1)
	require.Equal(t, int64(5), snapshot.ByStatus[types.EntryPending].Count)
	require.Equal(t, int64(500), snapshot.ByStatus[types.EntryPending].TotalSize)
}

func TestMoveTransfersBetweenStatuses(t *testing.T) {
	l := New()
	l.RegisterBucket(1, "alpha")

	l.Apply(1, types.EntryPending, 1, 100)
	l.Move(1, types.EntryPending, types.EntryInProgress, 100)

	snapshot := l.Bucket(1)
	require.Equal(t, int64(0), snapshot.ByStatus[types.EntryPending].Count)
	require.Equal(t, int64(1), snapshot.ByStatus[types.EntryInProgress].Count)
	require.Equal(t, int64(100), snapshot.ByStatus[types.EntryInProgress].TotalSize)
}

func TestGlobalAggregatesAcrossBuckets(t *testing.T) {
	l := New()
	l.RegisterBucket(1, "alpha")
	l.RegisterBucket(2, "beta")

	l.Apply(1, types.EntryCompleted, 2, 50)
	l.Apply(2, types.EntryCompleted, 3, 75)

	global := l.Global()
	require.Equal(t, int64(5), global[types.EntryCompleted].Count)
	require.Equal(t, int64(125), global[types.EntryCompleted].TotalSize)
}

func TestDropBucketRemovesCounters(t *testing.T) {
	l := New()
	l.RegisterBucket(1, "alpha")
	l.Apply(1, types.EntryPending, 1, 10)

	l.DropBucket(1)

	snapshot := l.Bucket(1)
	require.Empty(t, snapshot.ByStatus)
}

func TestResetReplacesContent(t *testing.T) {
	l := New()
	l.RegisterBucket(1, "alpha")
	l.Apply(1, types.EntryPending, 5, 500)

	l.Reset(map[int64]map[types.EntryStatus]types.StatusCount{
		2: {types.EntryCompleted: {Count: 7, TotalSize: 700}},
	}, map[int64]string{2: "beta"})

	require.Empty(t, l.Bucket(1).ByStatus)
	snapshot := l.Bucket(2)
	require.Equal(t, int64(7), snapshot.ByStatus[types.EntryCompleted].Count)
	require.Equal(t, int64(700), snapshot.ByStatus[types.EntryCompleted].TotalSize)
}
