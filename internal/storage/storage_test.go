package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurigraph/hyperraft/internal/raftlog"
)

func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := OpenBbolt(filepath.Join(t.TempDir(), "raft.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })
	return map[string]Store{
		"bbolt":    bolt,
		"inmemory": NewInMemoryStore(),
	}
}

func testEntries(firstIndex, term uint64, n int) []raftlog.Entry {
	entries := make([]raftlog.Entry, n)
	for i := range entries {
		entries[i] = raftlog.Entry{
			Index:     firstIndex + uint64(i),
			Term:      term,
			Payload:   []byte("cmd"),
			ClientID:  "client-1",
			Type:      raftlog.EntryNormal,
			Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		}
	}
	return entries
}

func TestHardStateRoundTrip(t *testing.T) {
	for name, store := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			hs, err := store.HardState()
			require.NoError(t, err)
			assert.Equal(t, HardState{}, hs)

			err = store.SetHardState(HardState{CurrentTerm: 7, VotedFor: "node-2"})
			require.NoError(t, err)

			hs, err = store.HardState()
			require.NoError(t, err)
			assert.Equal(t, uint64(7), hs.CurrentTerm)
			assert.Equal(t, "node-2", hs.VotedFor)

			err = store.SetHardState(HardState{CurrentTerm: 8})
			require.NoError(t, err)

			hs, err = store.HardState()
			require.NoError(t, err)
			assert.Equal(t, uint64(8), hs.CurrentTerm)
			assert.Empty(t, hs.VotedFor, "vote should be cleared for the new term")
		})
	}
}

func TestAppendAndReadEntries(t *testing.T) {
	for name, store := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.AppendEntries(testEntries(1, 1, 5)))

			entries, err := store.Entries(1)
			require.NoError(t, err)
			require.Len(t, entries, 5)
			assert.Equal(t, uint64(1), entries[0].Index)
			assert.Equal(t, uint64(5), entries[4].Index)
			assert.Equal(t, "client-1", entries[0].ClientID)
			assert.Equal(t, raftlog.EntryNormal, entries[0].Type)

			entries, err = store.Entries(4)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, uint64(4), entries[0].Index)
		})
	}
}

func TestAppendOverwritesSameIndex(t *testing.T) {
	for name, store := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.AppendEntries(testEntries(1, 1, 3)))
			require.NoError(t, store.AppendEntries(testEntries(3, 2, 1)))

			entries, err := store.Entries(1)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, uint64(2), entries[2].Term)
		})
	}
}

func TestDeleteFrom(t *testing.T) {
	for name, store := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.AppendEntries(testEntries(1, 1, 5)))
			require.NoError(t, store.DeleteFrom(3))

			entries, err := store.Entries(1)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, uint64(2), entries[1].Index)
		})
	}
}

func TestDeleteThrough(t *testing.T) {
	for name, store := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.AppendEntries(testEntries(1, 1, 5)))
			require.NoError(t, store.DeleteThrough(3))

			entries, err := store.Entries(1)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, uint64(4), entries[0].Index)
		})
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	for name, store := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			_, found, err := store.Snapshot()
			require.NoError(t, err)
			assert.False(t, found)

			snap := raftlog.Snapshot{
				LastIncludedIndex: 10,
				LastIncludedTerm:  3,
				State:             []byte("machine-state"),
				Timestamp:         time.Now().UTC().Truncate(time.Millisecond),
			}
			require.NoError(t, store.SaveSnapshot(snap))

			got, found, err := store.Snapshot()
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, snap.LastIncludedIndex, got.LastIncludedIndex)
			assert.Equal(t, snap.LastIncludedTerm, got.LastIncludedTerm)
			assert.Equal(t, snap.State, got.State)
		})
	}
}

func TestBboltSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raft.db")

	store, err := OpenBbolt(path)
	require.NoError(t, err)
	require.NoError(t, store.SetHardState(HardState{CurrentTerm: 4, VotedFor: "node-3"}))
	require.NoError(t, store.AppendEntries(testEntries(1, 4, 3)))
	require.NoError(t, store.Close())

	store, err = OpenBbolt(path)
	require.NoError(t, err)
	defer store.Close()

	hs, err := store.HardState()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), hs.CurrentTerm)
	assert.Equal(t, "node-3", hs.VotedFor)

	entries, err := store.Entries(1)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
