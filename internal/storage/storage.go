// Package storage defines the durable state a node must persist before
// acknowledging any RPC: currentTerm, votedFor, and the log itself
// (Section 5.2 of the Raft paper: "Updated on stable storage before
// responding to RPCs"). Snapshots ride along so a restart does not replay
// the whole history.
package storage

import "github.com/aurigraph/hyperraft/internal/raftlog"

// HardState is the per-node persistent consensus state.
type HardState struct {
	CurrentTerm uint64
	// VotedFor is empty when no vote has been cast this term.
	VotedFor string
}

// Store is the durable storage interface backing one node.
type Store interface {
	// HardState retrieves the persisted term and vote.
	HardState() (HardState, error)
	// SetHardState persists the term and vote. Must be durable before any
	// RPC referencing the new term is answered.
	SetHardState(hs HardState) error

	// AppendEntries persists log entries. Entries are keyed by index, so
	// re-appending an index overwrites it (conflict resolution).
	AppendEntries(entries []raftlog.Entry) error
	// Entries returns all persisted entries from startIndex upward, in
	// index order.
	Entries(startIndex uint64) ([]raftlog.Entry, error)
	// DeleteFrom removes entries at startIndex and above (suffix
	// truncation after a term conflict).
	DeleteFrom(startIndex uint64) error
	// DeleteThrough removes entries at endIndex and below (compaction
	// behind a snapshot).
	DeleteThrough(endIndex uint64) error

	// SaveSnapshot persists the latest snapshot, replacing any previous one.
	SaveSnapshot(snap raftlog.Snapshot) error
	// Snapshot returns the latest persisted snapshot; ok is false when no
	// snapshot has been taken yet.
	Snapshot() (snap raftlog.Snapshot, ok bool, err error)

	Close() error
}
