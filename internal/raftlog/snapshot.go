package raftlog

import "time"

// Snapshot captures the cumulative state of the log up to LastIncludedIndex
// so the prefix can be discarded. State is an opaque blob produced by the
// state machine.
type Snapshot struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	State             []byte
	Timestamp         time.Time
}
