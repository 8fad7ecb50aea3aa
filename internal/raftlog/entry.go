package raftlog

import "time"

// EntryType distinguishes what a log entry carries.
type EntryType uint8

const (
	// EntryNormal is a client command destined for the state machine.
	EntryNormal EntryType = iota
	// EntryConfigChange carries a cluster membership change.
	EntryConfigChange
	// EntryNoOp is the empty entry a new leader appends to assert its term.
	EntryNoOp
	// EntrySnapshot marks the point a snapshot was taken.
	EntrySnapshot
	// EntryBatchCommit carries several client commands flushed as one unit.
	EntryBatchCommit
)

// String returns the string representation of the EntryType.
func (t EntryType) String() string {
	switch t {
	case EntryNormal:
		return "Normal"
	case EntryConfigChange:
		return "ConfigChange"
	case EntryNoOp:
		return "NoOp"
	case EntrySnapshot:
		return "Snapshot"
	case EntryBatchCommit:
		return "BatchCommit"
	default:
		return "Unknown"
	}
}

// Entry is one unit of the replicated command sequence, identified by
// (Index, Term). Indexes are 1-based and contiguous. An entry is immutable
// once appended under its owning leader's term.
type Entry struct {
	Index     uint64
	Term      uint64
	Payload   []byte
	ClientID  string
	Type      EntryType
	Timestamp time.Time
}
